// Package api implements the graybot HTTP REST API and WebSocket stream.
//
// This package provides:
//   - REST endpoints for the robot graph: buses, devices, registers,
//     joints, sensors and sync loops
//   - Register reads and writes, joint position commands and loop control
//   - Register snapshots backed by SQLite
//   - A WebSocket hub streaming register, loop and command events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Routes
//
// All routes live under /api/v1:
//
//	GET  /health
//	GET  /robot
//	GET  /buses                          GET /buses/{name}
//	POST /buses/{name}/scan?min=0&max=253
//	GET  /devices                        GET /devices/{name}
//	GET  /devices/{name}/registers/{register}
//	PUT  /devices/{name}/registers/{register}   {"value": 12.5}
//	GET  /joints                         GET /joints/{name}
//	PUT  /joints/{name}/position                {"value": 30}
//	GET  /sensors
//	GET  /loops
//	POST /loops/{name}/{action}          start, stop, pause, resume
//	GET  /snapshots                      POST /snapshots {"name": "home"}
//	GET  /snapshots/{id}                 DELETE /snapshots/{id}
//	POST /snapshots/{id}/restore
//	GET  /ws
//
// # Graceful Degradation
//
// Snapshots and telemetry are optional. Without a snapshot repository the
// snapshot routes answer 503; without telemetry the WebSocket hub only
// carries the events the API itself produces.
package api
