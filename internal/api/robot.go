package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/graybot-core/internal/batch"
	"github.com/nerrad567/graybot-core/internal/device"
	"github.com/nerrad567/graybot-core/internal/joint"
	"github.com/nerrad567/graybot-core/internal/loop"
	"github.com/nerrad567/graybot-core/internal/robot"
	"github.com/nerrad567/graybot-core/internal/sensor"
	"github.com/nerrad567/graybot-core/internal/telemetry"
	"github.com/nerrad567/graybot-core/internal/worker"
)

// Scan range. Each id is one bus round trip and the handler holds the bus
// for the whole scan, so max is capped at the highest unicast id.
const (
	defaultScanMin = 0
	maxScanID      = 253
	defaultScanMax = maxScanID
)

type busView struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Protocol string   `json:"protocol,omitempty"`
	Open     bool     `json:"open"`
	Locked   bool     `json:"locked"`
	Users    int      `json:"users"`
	Devices  []string `json:"devices"`
}

type registerView struct {
	Name     string  `json:"name"`
	Address  uint16  `json:"address"`
	Size     int     `json:"size"`
	Access   string  `json:"access"`
	Kind     string  `json:"kind"`
	Sync     bool    `json:"sync"`
	Raw      int64   `json:"raw"`
	Value    float64 `json:"value"`
	Min      int64   `json:"min"`
	Max      int64   `json:"max"`
	Writable bool    `json:"writable"`
}

type deviceView struct {
	Name      string         `json:"name"`
	ID        int            `json:"id"`
	Model     string         `json:"model,omitempty"`
	Bus       string         `json:"bus"`
	Registers []registerView `json:"registers,omitempty"`
}

type loopView struct {
	Name         string                `json:"name"`
	Kind         batch.Kind            `json:"kind"`
	Bus          string                `json:"bus"`
	Status       worker.Status         `json:"status"`
	Frequency    float64               `json:"frequency"`
	PeriodMS     float64               `json:"period_ms"`
	Warning      float64               `json:"warning"`
	Review       float64               `json:"review"`
	Auto         bool                  `json:"auto"`
	Stats        loop.Stats            `json:"stats"`
	Transactions batch.Counters        `json:"transactions"`
	Telemetry    *telemetry.LoopStatus `json:"telemetry,omitempty"`
}

func newBusView(b *device.Bus) busView {
	devs := b.Devices()
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name())
	}
	return busView{
		Name:     b.Name(),
		Kind:     b.Kind(),
		Protocol: b.Protocol(),
		Open:     b.IsOpen(),
		Locked:   b.Locked(),
		Users:    b.Users(),
		Devices:  names,
	}
}

// newRegisterView reports the cached value. Reading through the bus is left
// to the sync loops so the API never competes with them.
func newRegisterView(r *device.Register) registerView {
	raw := r.Int()
	return registerView{
		Name:     r.Name(),
		Address:  r.Address(),
		Size:     r.Size(),
		Access:   r.Access().String(),
		Kind:     string(r.Kind()),
		Sync:     r.IsSync(),
		Raw:      raw,
		Value:    r.Codec().ToExternal(raw),
		Min:      r.Min(),
		Max:      r.Max(),
		Writable: r.Writable(),
	}
}

func newDeviceView(d *device.Device, withRegisters bool) deviceView {
	v := deviceView{Name: d.Name(), ID: d.ID(), Model: d.Model(), Bus: d.Bus().Name()}
	if withRegisters {
		regs := d.Registers()
		v.Registers = make([]registerView, 0, len(regs))
		for _, r := range regs {
			v.Registers = append(v.Registers, newRegisterView(r))
		}
	}
	return v
}

func (s *Server) newLoopView(sy *robot.Sync) loopView {
	tx := sy.Transaction()
	v := loopView{
		Name:         sy.Name(),
		Kind:         tx.Kind(),
		Bus:          tx.Bus().Name(),
		Status:       sy.Status(),
		Frequency:    sy.Frequency(),
		PeriodMS:     float64(sy.Period().Microseconds()) / 1000,
		Warning:      sy.Warning(),
		Review:       sy.Review(),
		Auto:         sy.Auto(),
		Stats:        sy.Stats(),
		Transactions: tx.Counters(),
	}
	if s.telemetry != nil {
		if st, ok := s.telemetry.LoopStatuses()[sy.Name()]; ok {
			v.Telemetry = &st
		}
	}
	return v
}

// handleRobot returns a summary of the robot graph.
func (s *Server) handleRobot(w http.ResponseWriter, _ *http.Request) {
	rb := s.robot
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    rb.Name(),
		"started": rb.Started(),
		"buses":   len(rb.Buses()),
		"devices": len(rb.Devices()),
		"joints":  len(rb.Joints()),
		"sensors": len(rb.Sensors()),
		"loops":   len(rb.Syncs()),
	})
}

func (s *Server) handleListBuses(w http.ResponseWriter, _ *http.Request) {
	buses := s.robot.Buses()
	out := make([]busView, 0, len(buses))
	for _, b := range buses {
		out = append(out, newBusView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"buses": out, "count": len(out)})
}

func (s *Server) handleGetBus(w http.ResponseWriter, r *http.Request) {
	b, ok := s.robot.Bus(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "bus not found")
		return
	}
	writeJSON(w, http.StatusOK, newBusView(b))
}

// handleScanBus pings every id in [min, max] and returns those that answer.
//
// Query parameters:
//   - min: lowest id, default 0
//   - max: highest id, default 253
func (s *Server) handleScanBus(w http.ResponseWriter, r *http.Request) {
	b, ok := s.robot.Bus(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "bus not found")
		return
	}
	minID, err := queryInt(r, "min", defaultScanMin)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	maxID, err := queryInt(r, "max", defaultScanMax)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if minID < 0 || maxID < minID || maxID > maxScanID {
		writeBadRequest(w, "scan range should satisfy 0 <= min <= max <= "+strconv.Itoa(maxScanID))
		return
	}
	if !b.IsOpen() {
		writeConflict(w, "bus is not open")
		return
	}

	found := b.Scan(r.Context(), minID, maxID)
	s.logger.Info("bus scanned", "bus", b.Name(), "min", minID, "max", maxID, "found", len(found))
	writeJSON(w, http.StatusOK, map[string]any{"bus": b.Name(), "ids": found, "count": len(found)})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devs := s.robot.Devices()
	out := make([]deviceView, 0, len(devs))
	for _, d := range devs {
		out = append(out, newDeviceView(d, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.robot.Device(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, newDeviceView(d, true))
}

// lookupRegister resolves the {name} and {register} URL parameters,
// writing a 404 when either is unknown.
func (s *Server) lookupRegister(w http.ResponseWriter, r *http.Request) (*device.Register, bool) {
	d, ok := s.robot.Device(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "device not found")
		return nil, false
	}
	reg, ok := d.Register(chi.URLParam(r, "register"))
	if !ok {
		writeNotFound(w, "register not found")
		return nil, false
	}
	return reg, true
}

func (s *Server) handleGetRegister(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.lookupRegister(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newRegisterView(reg))
}

type valueRequest struct {
	Value *float64 `json:"value"`
}

// handleSetRegister writes an external value into a register. Read-only
// registers answer 409.
func (s *Server) handleSetRegister(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.lookupRegister(w, r)
	if !ok {
		return
	}
	var req valueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}
	if !reg.Writable() {
		writeConflict(w, "register is read-only")
		return
	}

	devName := chi.URLParam(r, "name")
	if s.telemetry != nil {
		// Apply logs and broadcasts the command.
		if err := s.telemetry.Apply(devName, reg.Name(), *req.Value); err != nil {
			writeInternalError(w, err.Error())
			return
		}
	} else {
		reg.SetValue(*req.Value)
		s.logger.Info("register command applied", "device", devName, "register", reg.Name(), "value", *req.Value)
	}
	writeJSON(w, http.StatusOK, newRegisterView(reg))
}

func (s *Server) handleListJoints(w http.ResponseWriter, _ *http.Request) {
	joints := s.robot.Joints()
	out := make([]joint.State, 0, len(joints))
	for _, j := range joints {
		out = append(out, j.State())
	}
	writeJSON(w, http.StatusOK, map[string]any{"joints": out, "count": len(out)})
}

func (s *Server) handleGetJoint(w http.ResponseWriter, r *http.Request) {
	j, ok := s.robot.Joint(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "joint not found")
		return
	}
	writeJSON(w, http.StatusOK, j.State())
}

// handleSetJointPosition sets the desired position. The joint clips the
// value to its range.
func (s *Server) handleSetJointPosition(w http.ResponseWriter, r *http.Request) {
	j, ok := s.robot.Joint(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "joint not found")
		return
	}
	var req valueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}
	j.SetPosition(*req.Value)
	s.logger.Info("joint position set", "joint", j.Name(), "position", *req.Value)
	state := j.State()
	s.hub.Broadcast(telemetry.EventCommand, telemetry.CommandEvent{
		Device:   state.Device,
		Register: j.Registers().PositionWrite.Name(),
		Value:    state.DesiredPosition,
	})
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListSensors(w http.ResponseWriter, _ *http.Request) {
	sensors := s.robot.Sensors()
	out := make([]sensor.Reading, 0, len(sensors))
	for _, sn := range sensors {
		out = append(out, sn.Reading())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensors": out, "count": len(out)})
}

func (s *Server) handleListLoops(w http.ResponseWriter, _ *http.Request) {
	syncs := s.robot.Syncs()
	out := make([]loopView, 0, len(syncs))
	for _, sy := range syncs {
		out = append(out, s.newLoopView(sy))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loops": out, "count": len(out)})
}

// handleLoopAction starts, stops, pauses or resumes a sync loop.
// A loop that fails to start answers 409 with the startup error.
func (s *Server) handleLoopAction(w http.ResponseWriter, r *http.Request) {
	sy, ok := s.robot.Sync(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "loop not found")
		return
	}

	action := chi.URLParam(r, "action")
	switch action {
	case "start":
		if err := sy.Start(0); err != nil {
			var startup *worker.StartupError
			if errors.As(err, &startup) {
				writeConflict(w, err.Error())
				return
			}
			writeInternalError(w, err.Error())
			return
		}
	case "stop":
		sy.Stop()
	case "pause":
		sy.Pause()
	case "resume":
		sy.Resume()
	default:
		writeBadRequest(w, "action should be one of start, stop, pause, resume")
		return
	}

	s.logger.Info("loop action applied", "loop", sy.Name(), "action", action, "status", sy.Status())
	writeJSON(w, http.StatusOK, s.newLoopView(sy))
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " should be an integer")
	}
	return v, nil
}
