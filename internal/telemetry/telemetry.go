package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/graybot-core/internal/device"
	"github.com/nerrad567/graybot-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/graybot-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/graybot-core/internal/joint"
	"github.com/nerrad567/graybot-core/internal/loop"
	"github.com/nerrad567/graybot-core/internal/robot"
)

// Errors returned by command handling.
var (
	ErrUnknownDevice   = errors.New("telemetry: unknown device")
	ErrUnknownRegister = errors.New("telemetry: unknown register")
	ErrInvalidCommand  = errors.New("telemetry: invalid command")
)

// DefaultInterval is the publishing period when Config.Interval is zero.
const DefaultInterval = time.Second

// Event types delivered to sinks.
const (
	EventRegisters = "registers"
	EventLoop      = "loop"
	EventCommand   = "command"
)

// Loop event types published on graybot/event/<type>.
const (
	LoopEventWarning = "loop_warning"
	LoopEventOverrun = "loop_overrun"
)

// maxPendingEvents bounds the loop events held between publishing cycles.
// The oldest are dropped first.
const maxPendingEvents = 64

// Source is the part of the robot telemetry reads.
type Source interface {
	Name() string
	Devices() []*device.Device
	Device(name string) (*device.Device, bool)
	Joints() []*joint.Joint
	Sensors() []robot.Sensor
}

// Publisher is the MQTT surface. *mqtt.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Metrics is the InfluxDB surface. *influxdb.Client satisfies it.
type Metrics interface {
	WriteRegisterValues(device string, values map[string]float64)
	WriteLoopTiming(t influxdb.LoopTiming)
	WriteJointState(joint string, position, velocity, load float64)
}

// Sink receives live events, for example the WebSocket hub.
// Broadcast must not block.
type Sink interface {
	Broadcast(eventType string, payload any)
}

// Logger is the logging interface used by the telemetry package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config tunes the service.
type Config struct {
	// Interval is the publishing period. Default: DefaultInterval.
	Interval time.Duration

	// QoS for the command subscription.
	QoS byte

	// Patience bounds the loop start.
	Patience time.Duration
}

// Options carries the optional collaborators. Nil members disable the
// corresponding output.
type Options struct {
	Publisher Publisher
	Metrics   Metrics
	Logger    Logger
}

// DeviceState is the payload of graybot/state/<device>.
type DeviceState struct {
	Device    string             `json:"device"`
	Registers map[string]float64 `json:"registers"`
	Timestamp time.Time          `json:"timestamp"`
}

// LoopStatus is the payload of graybot/loop/<name>/status.
type LoopStatus struct {
	Loop      string    `json:"loop"`
	Cycles    uint64    `json:"cycles"`
	Warnings  uint64    `json:"warnings"`
	Overruns  uint64    `json:"overruns"`
	ElapsedMS float64   `json:"elapsed_ms"`
	Used      float64   `json:"used"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is the payload of graybot/command/<device>/<register>.
type Command struct {
	Value *float64 `json:"value"`
}

// CommandEvent is broadcast after a command is applied.
type CommandEvent struct {
	Device   string  `json:"device"`
	Register string  `json:"register"`
	Value    float64 `json:"value"`
}

// LoopEvent is the payload of graybot/event/loop_warning and
// graybot/event/loop_overrun.
type LoopEvent struct {
	Type      string    `json:"type"`
	Loop      string    `json:"loop"`
	ElapsedMS float64   `json:"elapsed_ms"`
	PeriodMS  float64   `json:"period_ms"`
	Used      float64   `json:"used"`
	Timestamp time.Time `json:"timestamp"`
}

type loopEntry struct {
	status LoopStatus
	dirty  bool
}

// Service publishes robot state on a fixed period.
//
// Thread Safety:
//   - ObserveCycle may be called concurrently from every sync loop.
//   - Start and Stop must not race each other.
type Service struct {
	src     Source
	pub     Publisher
	metrics Metrics
	logger  Logger
	qos     byte
	topics  mqtt.Topics

	loop *loop.Loop

	// last published register values per device
	stateMu sync.Mutex
	state   map[string]map[string]float64

	loopsMu sync.Mutex
	loops   map[string]*loopEntry
	events  []LoopEvent
	dropped uint64

	sinksMu sync.RWMutex
	sinks   []Sink

	subscribed bool
}

// New creates a telemetry service for src.
//
// Parameters:
//   - cfg: Publishing period and subscription QoS
//   - src: Robot to publish
//   - opts: Optional MQTT publisher, metrics writer and logger
//
// Returns:
//   - *Service: Stopped service
//   - error: If the publishing loop cannot be built
func New(cfg Config, src Source, opts Options) (*Service, error) {
	if src == nil {
		return nil, errors.New("telemetry: source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Service{
		src:     src,
		pub:     opts.Publisher,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		qos:     cfg.QoS,
		state:   make(map[string]map[string]float64),
		loops:   make(map[string]*loopEntry),
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}

	l, err := loop.New(loop.Config{
		Name:      "telemetry",
		Frequency: float64(time.Second) / float64(cfg.Interval),
		Patience:  cfg.Patience,
	}, loop.TaskFunc(s.Publish))
	if err != nil {
		return nil, fmt.Errorf("building telemetry loop: %w", err)
	}
	l.SetLogger(s.logger)
	s.loop = l
	return s, nil
}

// AddSink registers a live event receiver.
func (s *Service) AddSink(sink Sink) {
	s.sinksMu.Lock()
	s.sinks = append(s.sinks, sink)
	s.sinksMu.Unlock()
}

func (s *Service) broadcast(eventType string, payload any) {
	s.sinksMu.RLock()
	defer s.sinksMu.RUnlock()
	for _, sink := range s.sinks {
		sink.Broadcast(eventType, payload)
	}
}

// Loop returns the publishing loop.
func (s *Service) Loop() *loop.Loop { return s.loop }

// Start subscribes to register commands and starts the publishing loop.
// A failed subscription is logged; publishing still starts.
func (s *Service) Start() error {
	if s.pub != nil && !s.subscribed {
		if err := s.pub.Subscribe(s.topics.AllCommands(), s.qos, s.HandleCommand); err != nil {
			s.logger.Warn("failed to subscribe to register commands", "error", err)
		} else {
			s.subscribed = true
		}
	}
	if err := s.loop.Start(0); err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	s.logger.Info("telemetry started", "frequency", s.loop.Frequency())
	return nil
}

// Stop stops the publishing loop and drops the command subscription.
func (s *Service) Stop() {
	s.loop.Stop()
	if s.pub != nil && s.subscribed {
		if err := s.pub.Unsubscribe(s.topics.AllCommands()); err != nil {
			s.logger.Debug("unsubscribe failed", "error", err)
		}
		s.subscribed = false
	}
}

// Publish runs one publishing cycle. The loop calls it; tests and the API
// may call it directly.
func (s *Service) Publish(ctx context.Context) {
	now := time.Now().UTC()
	for _, d := range s.src.Devices() {
		if ctx.Err() != nil {
			return
		}
		s.publishDevice(d, now)
	}
	for _, j := range s.src.Joints() {
		st := j.State()
		if s.metrics != nil {
			s.metrics.WriteJointState(st.Name, st.Position, st.Velocity, st.Load)
		}
		s.publishJSON(s.topics.Joint(st.Name), st, true)
	}
	for _, sn := range s.src.Sensors() {
		if sn.Active() {
			s.publishJSON(s.topics.Sensor(sn.Name()), sn.Reading(), true)
		}
	}
	s.publishLoops()
}

func (s *Service) publishDevice(d *device.Device, now time.Time) {
	regs := d.Registers()
	values := make(map[string]float64, len(regs))
	for _, r := range regs {
		values[r.Name()] = r.Codec().ToExternal(r.Int())
	}
	if s.metrics != nil {
		s.metrics.WriteRegisterValues(d.Name(), values)
	}
	if !s.changed(d.Name(), values) {
		return
	}
	st := DeviceState{Device: d.Name(), Registers: values, Timestamp: now}
	s.publishJSON(s.topics.State(d.Name()), st, true)
	s.broadcast(EventRegisters, st)
}

// changed records values and reports whether they differ from the last
// published ones.
func (s *Service) changed(dev string, values map[string]float64) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	prev, ok := s.state[dev]
	s.state[dev] = values
	if !ok || len(prev) != len(values) {
		return true
	}
	for k, v := range values {
		if p, ok := prev[k]; !ok || p != v {
			return true
		}
	}
	return false
}

// ResetState forgets the last published values so the next cycle
// republishes every device. Called when the broker connection comes back.
func (s *Service) ResetState() {
	s.stateMu.Lock()
	s.state = make(map[string]map[string]float64)
	s.stateMu.Unlock()

	s.loopsMu.Lock()
	for _, e := range s.loops {
		e.dirty = true
	}
	s.loopsMu.Unlock()
}

func (s *Service) publishLoops() {
	s.loopsMu.Lock()
	pending := make([]LoopStatus, 0, len(s.loops))
	for _, e := range s.loops {
		if e.dirty {
			pending = append(pending, e.status)
			e.dirty = false
		}
	}
	events, dropped := s.events, s.dropped
	s.events, s.dropped = nil, 0
	s.loopsMu.Unlock()

	for _, st := range pending {
		s.publishJSON(s.topics.LoopStatus(st.Loop), st, true)
	}
	if dropped > 0 {
		s.logger.Warn("loop events dropped", "count", dropped)
	}
	for _, ev := range events {
		s.publishJSON(s.topics.Event(ev.Type), ev, false)
	}
}

func (s *Service) publishJSON(topic string, v any, retained bool) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishJSON(topic, v, retained); err != nil {
		s.logger.Debug("telemetry publish failed", "topic", topic, "error", err)
	}
}

// ObserveCycle implements loop.Observer. It never blocks on the network:
// the timing point goes to the batched InfluxDB writer, and the loop status
// and any warning or overrun event are published by the next telemetry
// cycle.
func (s *Service) ObserveCycle(m loop.Measurement) {
	if s.metrics != nil {
		s.metrics.WriteLoopTiming(influxdb.LoopTiming{
			Loop:    m.Loop,
			At:      m.At,
			Elapsed: m.Elapsed,
			Period:  m.Period,
			Used:    m.Used,
			Warning: m.Warning,
			Overrun: m.Overrun,
		})
	}

	s.loopsMu.Lock()
	e, ok := s.loops[m.Loop]
	if !ok {
		e = &loopEntry{status: LoopStatus{Loop: m.Loop}}
		s.loops[m.Loop] = e
	}
	e.status.Cycles++
	if m.Warning {
		e.status.Warnings++
	}
	if m.Overrun {
		e.status.Overruns++
	}
	e.status.ElapsedMS = float64(m.Elapsed) / float64(time.Millisecond)
	e.status.Used = m.Used
	e.status.Timestamp = m.At
	e.dirty = true
	st := e.status
	if ev, ok := loopEvent(m); ok && s.pub != nil {
		if len(s.events) == maxPendingEvents {
			s.events = s.events[1:]
			s.dropped++
		}
		s.events = append(s.events, ev)
	}
	s.loopsMu.Unlock()

	if m.Warning || m.Overrun {
		s.broadcast(EventLoop, st)
	}
}

// loopEvent builds the event for an abnormal cycle. An overrun takes
// precedence over a warning.
func loopEvent(m loop.Measurement) (LoopEvent, bool) {
	var typ string
	switch {
	case m.Overrun:
		typ = LoopEventOverrun
	case m.Warning:
		typ = LoopEventWarning
	default:
		return LoopEvent{}, false
	}
	return LoopEvent{
		Type:      typ,
		Loop:      m.Loop,
		ElapsedMS: float64(m.Elapsed) / float64(time.Millisecond),
		PeriodMS:  float64(m.Period) / float64(time.Millisecond),
		Used:      m.Used,
		Timestamp: m.At,
	}, true
}

// LoopStatuses returns the status of every observed loop.
func (s *Service) LoopStatuses() map[string]LoopStatus {
	s.loopsMu.Lock()
	defer s.loopsMu.Unlock()
	out := make(map[string]LoopStatus, len(s.loops))
	for name, e := range s.loops {
		out[name] = e.status
	}
	return out
}

// HandleCommand applies a register command received on
// graybot/command/<device>/<register>. It matches mqtt.MessageHandler.
func (s *Service) HandleCommand(topic string, payload []byte) error {
	devName, regName, ok := s.topics.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("%w: topic %q", ErrInvalidCommand, topic)
	}
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if cmd.Value == nil {
		return fmt.Errorf("%w: value specification missing", ErrInvalidCommand)
	}
	return s.Apply(devName, regName, *cmd.Value)
}

// Apply writes value into a register by name. Register-level failures,
// such as a read-only register, are logged by the register itself.
func (s *Service) Apply(devName, regName string, value float64) error {
	d, ok := s.src.Device(devName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, devName)
	}
	reg, ok := d.Register(regName)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownRegister, devName, regName)
	}
	reg.SetValue(value)
	s.logger.Info("register command applied", "device", devName, "register", regName, "value", value)
	s.broadcast(EventCommand, CommandEvent{Device: devName, Register: regName, Value: value})
	return nil
}
