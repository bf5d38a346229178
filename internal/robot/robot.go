package robot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/graybot-core/internal/batch"
	"github.com/nerrad567/graybot-core/internal/device"
	"github.com/nerrad567/graybot-core/internal/joint"
	"github.com/nerrad567/graybot-core/internal/loop"
	"github.com/nerrad567/graybot-core/internal/sensor"
	"github.com/nerrad567/graybot-core/internal/transport/dynamixel"
	"github.com/nerrad567/graybot-core/internal/transport/i2c"
	"github.com/nerrad567/graybot-core/internal/transport/mock"
	"github.com/nerrad567/graybot-core/internal/transport/modbus"
	"github.com/nerrad567/graybot-core/internal/worker"
)

// Logger defines the logging interface for the robot and everything it
// builds.
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

// Options tune how a robot is built.
type Options struct {
	// Logger is handed to every bus, loop and transaction. Default: no-op.
	Logger Logger

	// Models holds device register tables. Default: Models().
	Models fs.FS

	// Patience bounds each loop start. Default: worker.DefaultPatience.
	Patience time.Duration

	// Transports replaces the transport built for the named buses.
	Transports map[string]device.Transport
}

// Sensor is the common surface of single and three-axis sensors.
type Sensor interface {
	Name() string
	Device() *device.Device
	Active() bool
	SetActive(on bool)
	AutoActivate() bool
	Reading() sensor.Reading
	String() string
}

// Sync is a sync loop with its transaction.
type Sync struct {
	*loop.Loop
	tx   *batch.Transaction
	auto bool
}

// Transaction returns the loop's transaction.
func (s *Sync) Transaction() *batch.Transaction { return s.tx }

// Auto reports whether the loop starts with the robot.
func (s *Sync) Auto() bool { return s.auto }

// Robot is the assembled hardware graph of a definition: buses, devices,
// joints, sensors and sync loops.
//
// Thread Safety:
//   - Start and Stop are serialised.
//   - Accessors return structures fixed at construction and are safe for
//     concurrent use.
type Robot struct {
	name     string
	logger   Logger
	patience time.Duration

	buses   map[string]*device.Bus
	devices map[string]*device.Device
	joints  map[string]*joint.Joint
	sensors map[string]Sensor
	syncs   map[string]*Sync

	busNames    []string
	deviceNames []string
	jointNames  []string
	sensorNames []string
	syncNames   []string

	mu      sync.Mutex
	started bool
}

// Load reads a definition file and builds the robot.
func Load(path string, opts Options) (*Robot, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	return New(def, opts)
}

// New builds a stopped robot from a validated definition.
//
// Parameters:
//   - def: Robot definition
//   - opts: Build options
//
// Returns:
//   - *Robot: Robot with closed buses and stopped loops
//   - error: Validation, model or construction failure
func New(def *Definition, opts Options) (*Robot, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Models == nil {
		opts.Models = Models()
	}
	if opts.Patience <= 0 {
		opts.Patience = worker.DefaultPatience
	}

	r := &Robot{
		name:     def.Name,
		logger:   opts.Logger,
		patience: opts.Patience,
		buses:    make(map[string]*device.Bus, len(def.Buses)),
		devices:  make(map[string]*device.Device, len(def.Devices)),
		joints:   make(map[string]*joint.Joint, len(def.Joints)),
		sensors:  make(map[string]Sensor, len(def.Sensors)),
		syncs:    make(map[string]*Sync, len(def.Syncs)),
	}
	if r.name == "" {
		r.name = "robot"
	}

	for _, name := range sortedKeys(def.Buses) {
		bus, err := r.buildBus(name, def.Buses[name], opts.Transports[name])
		if err != nil {
			return nil, err
		}
		r.buses[name] = bus
		r.busNames = append(r.busNames, name)
	}
	for _, name := range sortedKeys(def.Devices) {
		d, err := r.buildDevice(name, def.Devices[name], opts.Models)
		if err != nil {
			return nil, err
		}
		r.devices[name] = d
		r.deviceNames = append(r.deviceNames, name)
	}
	for _, name := range sortedKeys(def.Joints) {
		j, err := r.buildJoint(name, def.Joints[name])
		if err != nil {
			return nil, err
		}
		r.joints[name] = j
		r.jointNames = append(r.jointNames, name)
	}
	for _, name := range sortedKeys(def.Sensors) {
		s, err := r.buildSensor(name, def.Sensors[name])
		if err != nil {
			return nil, err
		}
		r.sensors[name] = s
		r.sensorNames = append(r.sensorNames, name)
	}
	for _, name := range sortedKeys(def.Syncs) {
		s, err := r.buildSync(name, def.Syncs[name])
		if err != nil {
			return nil, err
		}
		r.syncs[name] = s
		r.syncNames = append(r.syncNames, name)
	}
	return r, nil
}

func (r *Robot) buildBus(name string, def BusDef, override device.Transport) (*device.Bus, error) {
	timeout := time.Duration(def.Timeout) * time.Millisecond
	protocol := def.Protocol

	transport := override
	if transport == nil {
		var err error
		switch def.Kind {
		case BusMock:
			transport = mock.New(mock.Config{
				ErrorRate: def.ErrorRate,
				Latency:   time.Duration(def.Latency) * time.Millisecond,
			})
		case BusDynamixel:
			var p int
			if p, err = dynamixel.ParseProtocol(protocol); err != nil {
				return nil, fmt.Errorf("bus %s: %w", name, err)
			}
			transport, err = dynamixel.New(dynamixel.Config{Port: def.Port, Baud: def.Baud, Protocol: p, Timeout: timeout})
		case BusModbus:
			transport, err = modbus.New(modbus.Config{
				Port:     def.Port,
				Baud:     def.Baud,
				Parity:   def.Parity,
				StopBits: def.StopBits,
				Timeout:  timeout,
			})
		case BusI2C:
			transport = i2c.New(i2c.Config{Bus: def.Port})
		}
		if err != nil {
			return nil, fmt.Errorf("bus %s: %w", name, err)
		}
	}
	if def.Kind == BusDynamixel && protocol == "" {
		protocol = "2.0"
	}

	bus, err := device.NewBus(device.BusConfig{Name: name, Kind: def.Kind, Protocol: protocol, Timeout: timeout}, transport)
	if err != nil {
		return nil, err
	}
	bus.SetLogger(r.logger)
	return bus, nil
}

func (r *Robot) buildDevice(name string, def DeviceDef, models fs.FS) (*device.Device, error) {
	bus := r.buses[def.Bus]

	var rows []RegisterDef
	if def.Model != "" {
		m, err := LoadModel(models, def.Kind, def.Model)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		if err := checkProtocol(bus, m.Protocol); err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		rows = append(rows, m.Registers...)
	}
	rows = append(rows, def.Registers...)

	regs := make([]*device.Register, 0, len(rows))
	for _, row := range rows {
		spec, err := row.Spec()
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		reg, err := device.NewRegister(spec)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		regs = append(regs, reg)
	}

	d, err := device.NewDevice(device.DeviceConfig{Name: name, ID: *def.ID, Model: def.Model}, bus, regs)
	if err != nil {
		return nil, err
	}
	if m, ok := bus.Transport().(*mock.Transport); ok {
		if err := seedMock(m, d); err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
	}
	return d, nil
}

// checkProtocol rejects a model whose protocol differs from a versioned
// bus. Either side being unversioned passes.
func checkProtocol(bus *device.Bus, model string) error {
	if model == "" || bus.Protocol() == "" {
		return nil
	}
	want, err := dynamixel.ParseProtocol(model)
	if err != nil {
		return err
	}
	got, err := dynamixel.ParseProtocol(bus.Protocol())
	if err != nil {
		return err
	}
	if want != got {
		return fmt.Errorf("%w: model speaks %s, bus %s speaks %s", ErrProtocolMismatch, model, bus.Name(), bus.Protocol())
	}
	return nil
}

// seedMock adds the device to the mock bus and stores each register's
// default value in its memory, so a refresh reads the defaults back.
func seedMock(m *mock.Transport, d *device.Device) error {
	m.AddDevice(d.ID())
	for _, reg := range d.Registers() {
		if reg.Int() == 0 {
			continue
		}
		b, err := device.EncodeLE(reg.Int(), reg.Size())
		if err != nil {
			return err
		}
		if err := m.Poke(d.ID(), reg.Address(), b...); err != nil {
			return err
		}
	}
	return nil
}

func (r *Robot) buildJoint(name string, def JointDef) (*joint.Joint, error) {
	return joint.New(joint.Config{
		Name:          name,
		Device:        r.devices[def.Device],
		PositionRead:  def.PositionRead,
		PositionWrite: def.PositionWrite,
		VelocityRead:  def.VelocityRead,
		VelocityWrite: def.VelocityWrite,
		LoadRead:      def.LoadRead,
		LoadWrite:     def.LoadWrite,
		Activate:      def.Activate,
		Inverse:       def.Inverse,
		Offset:        def.Offset,
		Min:           def.Min,
		Max:           def.Max,
	})
}

func (r *Robot) buildSensor(name string, def SensorDef) (Sensor, error) {
	auto := def.Auto == nil || *def.Auto
	dev := r.devices[def.Device]
	if def.xyz() {
		axis := func(a *AxisDef) sensor.Axis {
			return sensor.Axis{Register: a.Register, Inverse: a.Inverse, Offset: a.Offset}
		}
		return sensor.NewXYZ(sensor.XYZConfig{
			Name:         name,
			Device:       dev,
			X:            axis(def.X),
			Y:            axis(def.Y),
			Z:            axis(def.Z),
			Activate:     def.Activate,
			AutoActivate: auto,
		})
	}
	return sensor.New(sensor.Config{
		Name:         name,
		Device:       dev,
		Read:         def.Read,
		Activate:     def.Activate,
		Inverse:      def.Inverse,
		Offset:       def.Offset,
		Mask:         def.Mask,
		AutoActivate: auto,
	})
}

func (r *Robot) buildSync(name string, def SyncDef) (*Sync, error) {
	devs := make([]*device.Device, 0, len(def.Devices))
	for _, d := range def.Devices {
		devs = append(devs, r.devices[d])
	}
	tx, err := batch.New(batch.Kind(def.Kind), name, devs, def.Registers)
	if err != nil {
		return nil, err
	}
	tx.SetLogger(r.logger)

	l, err := loop.New(loop.Config{
		Name:      name,
		Frequency: def.Frequency,
		Warning:   def.Warning,
		Review:    def.Review,
		Patience:  r.patience,
	}, tx)
	if err != nil {
		return nil, err
	}
	l.SetLogger(r.logger)
	return &Sync{Loop: l, tx: tx, auto: def.AutoStart()}, nil
}

// Start opens every bus concurrently, refreshes every device, activates
// auto sensors and starts the auto loops. On failure everything already
// started is stopped again.
//
// Parameters:
//   - ctx: Bounds bus opening
//
// Returns:
//   - error: ErrAlreadyStarted, a bus open failure, or a loop StartupError
func (r *Robot) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range r.busNames {
		bus := r.buses[name]
		g.Go(func() error { return bus.Open(gctx) })
	}
	if err := g.Wait(); err != nil {
		r.closeBuses()
		return err
	}

	for _, name := range r.deviceNames {
		r.devices[name].Refresh()
	}
	for _, name := range r.sensorNames {
		if s := r.sensors[name]; s.AutoActivate() {
			s.SetActive(true)
		}
	}
	for _, name := range r.syncNames {
		s := r.syncs[name]
		if !s.auto {
			continue
		}
		if err := s.Start(r.patience); err != nil {
			r.stopSyncs()
			r.closeBuses()
			return err
		}
	}

	r.started = true
	r.logger.Info("robot started", "robot", r.name, "buses", len(r.buses), "devices", len(r.devices), "syncs", len(r.syncs))
	return nil
}

// Stop stops every loop, then closes every bus. Close failures are joined.
func (r *Robot) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSyncs()
	err := r.closeBuses()
	if r.started {
		r.logger.Info("robot stopped", "robot", r.name)
	}
	r.started = false
	return err
}

func (r *Robot) stopSyncs() {
	for _, name := range r.syncNames {
		r.syncs[name].Stop()
	}
}

func (r *Robot) closeBuses() error {
	var errs []error
	for _, name := range r.busNames {
		if err := r.buses[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing bus %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Started reports whether Start succeeded and Stop has not been called.
func (r *Robot) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// SetObserver attaches o to every sync loop.
func (r *Robot) SetObserver(o loop.Observer) {
	for _, s := range r.syncs {
		s.SetObserver(o)
	}
}

// Name returns the robot name.
func (r *Robot) Name() string { return r.name }

// Bus returns a bus by name.
func (r *Robot) Bus(name string) (*device.Bus, bool) {
	b, ok := r.buses[name]
	return b, ok
}

// Buses returns every bus, sorted by name.
func (r *Robot) Buses() []*device.Bus { return collect(r.buses, r.busNames) }

// Device returns a device by name.
func (r *Robot) Device(name string) (*device.Device, bool) {
	d, ok := r.devices[name]
	return d, ok
}

// Devices returns every device, sorted by name.
func (r *Robot) Devices() []*device.Device { return collect(r.devices, r.deviceNames) }

// Joint returns a joint by name.
func (r *Robot) Joint(name string) (*joint.Joint, bool) {
	j, ok := r.joints[name]
	return j, ok
}

// Joints returns every joint, sorted by name.
func (r *Robot) Joints() []*joint.Joint { return collect(r.joints, r.jointNames) }

// Sensor returns a sensor by name.
func (r *Robot) Sensor(name string) (Sensor, bool) {
	s, ok := r.sensors[name]
	return s, ok
}

// Sensors returns every sensor, sorted by name.
func (r *Robot) Sensors() []Sensor { return collect(r.sensors, r.sensorNames) }

// Sync returns a sync loop by name.
func (r *Robot) Sync(name string) (*Sync, bool) {
	s, ok := r.syncs[name]
	return s, ok
}

// Syncs returns every sync loop, sorted by name.
func (r *Robot) Syncs() []*Sync { return collect(r.syncs, r.syncNames) }

func collect[V any](m map[string]V, names []string) []V {
	out := make([]V, 0, len(names))
	for _, n := range names {
		out = append(out, m[n])
	}
	return out
}
