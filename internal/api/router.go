package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthTimeout bounds each component health check.
const healthTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/robot", s.handleRobot)

		r.Route("/buses", func(r chi.Router) {
			r.Get("/", s.handleListBuses)
			r.Get("/{name}", s.handleGetBus)
			r.Post("/{name}/scan", s.handleScanBus)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{name}", s.handleGetDevice)
			r.Get("/{name}/registers/{register}", s.handleGetRegister)
			r.Put("/{name}/registers/{register}", s.handleSetRegister)
		})

		r.Route("/joints", func(r chi.Router) {
			r.Get("/", s.handleListJoints)
			r.Get("/{name}", s.handleGetJoint)
			r.Put("/{name}/position", s.handleSetJointPosition)
		})

		r.Get("/sensors", s.handleListSensors)

		r.Route("/loops", func(r chi.Router) {
			r.Get("/", s.handleListLoops)
			r.Post("/{name}/{action}", s.handleLoopAction)
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Use(s.requireSnapshots)
			r.Get("/", s.handleListSnapshots)
			r.Post("/", s.handleCreateSnapshot)
			r.Get("/{id}", s.handleGetSnapshot)
			r.Delete("/{id}", s.handleDeleteSnapshot)
			r.Post("/{id}/restore", s.handleRestoreSnapshot)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth reports the server version and the health of each
// registered component. Any failing component turns the status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	components := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"robot":      s.robot.Name(),
		"started":    s.robot.Started(),
		"components": components,
	})
}
