// Package manager runs one control loop per peripheral.
//
// A Manager owns a driver and a policy. Each loop iteration first drains
// the event queue, then detects changed setpoints, then lets the policy
// read sensors, compare desired against reported values and actuate.
// Driver faults put the manager in ERROR with health 0; they never escape
// the loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gregoryjjb/verdant/circularbuffer"
	"gregoryjjb/verdant/driver"
	"gregoryjjb/verdant/metrics"
	"gregoryjjb/verdant/store"
)

const (
	HealthMax = 100.0
	HealthMin = 0.0

	DefaultInterval       = 2 * time.Second
	DefaultReinitInterval = 5 * time.Minute
	DefaultQueueSize      = 32
	DefaultRecent         = 20
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Config struct {
	Name   string
	Policy Policy

	// Build constructs the driver. It runs on every entry to INIT, so a
	// reset gets a fresh driver.
	Build func() (driver.Driver, error)

	Interval       time.Duration
	ReinitInterval time.Duration
	QueueSize      int
	Recent         int

	Clock Clock

	// OnProcessed is called from the loop after every drained event.
	OnProcessed func(name string, o Outcome)
}

type Manager struct {
	name   string
	store  *store.Store
	handle *store.Handle
	policy Policy
	build  func() (driver.Driver, error)
	clock  Clock
	queue  *Queue
	recent *circularbuffer.CircularBuffer[Outcome]
	log    zerolog.Logger

	onProcessed func(string, Outcome)

	mu             sync.RWMutex
	mode           Mode
	health         float64
	interval       time.Duration
	reinitInterval time.Duration
	failedAt       time.Time
	lastErr        error

	// only touched by the loop
	driver   driver.Driver
	previous map[string]any
}

// New claims the peripheral's store handle, so at most one manager per
// name can exist.
func New(s *store.Store, cfg Config) (*Manager, error) {
	if cfg.Policy == nil {
		return nil, fmt.Errorf("manager %s: no policy", cfg.Name)
	}
	if cfg.Build == nil {
		return nil, fmt.Errorf("manager %s: no driver builder", cfg.Name)
	}
	handle, err := s.Claim(cfg.Name)
	if err != nil {
		return nil, err
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReinitInterval <= 0 {
		cfg.ReinitInterval = DefaultReinitInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Recent <= 0 {
		cfg.Recent = DefaultRecent
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	m := &Manager{
		name:           cfg.Name,
		store:          s,
		handle:         handle,
		policy:         cfg.Policy,
		build:          cfg.Build,
		clock:          cfg.Clock,
		queue:          NewQueue(cfg.QueueSize),
		recent:         circularbuffer.New[Outcome](cfg.Recent),
		log:            log.With().Str("component", "manager").Str("peripheral", cfg.Name).Logger(),
		onProcessed:    cfg.OnProcessed,
		mode:           ModeInit,
		health:         HealthMax,
		interval:       cfg.Interval,
		reinitInterval: cfg.ReinitInterval,
		previous:       make(map[string]any),
	}
	m.publishStatus()
	return m, nil
}

func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *Manager) Health() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

func (m *Manager) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

func (m *Manager) Logger() *zerolog.Logger {
	return &m.log
}

// Driver is the driver built in the last INIT, or nil.
func (m *Manager) Driver() driver.Driver {
	return m.driver
}

// Desired reads a setpoint from the scope the current mode dictates.
func (m *Manager) Desired(variable string) (any, bool) {
	return ReadDesired(m.store, m.Mode(), m.name, variable)
}

func (m *Manager) DesiredFloat(variable string) (float64, bool) {
	v, ok := m.Desired(variable)
	if !ok {
		return 0, false
	}
	return store.Float(v)
}

func (m *Manager) EnvironmentFloat(variable string) (float64, bool) {
	v, ok := m.store.EnvironmentReported(variable)
	if !ok {
		return 0, false
	}
	return store.Float(v)
}

// Report writes a reported value for this peripheral. The environment view
// is written too, except in CALIBRATE mode when environment is false.
func (m *Manager) Report(variable string, value any, environment bool) {
	m.handle.Report(variable, value, environment, true)
}

// Actuate runs one driver operation and counts it.
func (m *Manager) Actuate(action string, fn func() (driver.Status, error)) (driver.Status, error) {
	status, err := fn()
	if err != nil {
		return status, err
	}
	metrics.ActuationsTotal.WithLabelValues(m.name, action).Inc()
	m.log.Debug().Str("action", action).Stringer("status", status).Msg("Actuated")
	return status, nil
}

type Info struct {
	Name     string    `json:"name"`
	Policy   string    `json:"policy"`
	Mode     Mode      `json:"mode"`
	Health   float64   `json:"health"`
	Interval string    `json:"interval"`
	Queued   int       `json:"queued"`
	Events   []string  `json:"events"`
	Error    string    `json:"error,omitempty"`
	Recent   []Outcome `json:"recent"`
}

func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := Info{
		Name:     m.name,
		Policy:   m.policy.Kind(),
		Mode:     m.mode,
		Health:   m.health,
		Interval: m.interval.String(),
		Queued:   m.queue.Len(),
		Events:   m.eventTypes(),
		Recent:   m.recent.Slice(),
	}
	if m.lastErr != nil {
		info.Error = m.lastErr.Error()
	}
	return info
}

func (m *Manager) eventTypes() []string {
	types := []string{
		EventReset, EventShutdown, EventEnableManual, EventEnableNormal,
		EventEnableCalibration, EventSetSamplingInterval, EventSetDesired,
	}
	return append(types, m.policy.Events()...)
}

func (m *Manager) isManualEvent(typ string) bool {
	if typ == EventSetDesired {
		return true
	}
	for _, e := range m.policy.Events() {
		if e == typ {
			return true
		}
	}
	return false
}

// Submit validates ev against the current mode and queues it. It never
// blocks and never touches the driver.
func (m *Manager) Submit(ev Event) Response {
	res := m.submit(ev)
	metrics.EventsTotal.WithLabelValues(m.name, strconv.Itoa(res.Code)).Inc()
	m.log.Debug().
		Str("event", ev.Type).
		Int("code", res.Code).
		Str("message", res.Message).
		Msg("Event submitted")
	return res
}

func (m *Manager) submit(ev Event) Response {
	mode := m.Mode()
	if mode == ModeShutdown {
		return rejected("Peripheral is shut down")
	}

	switch {
	case genericEvents[ev.Type]:
		if ev.Type == EventSetSamplingInterval {
			if secs, ok := store.Float(ev.Value); !ok || secs <= 0 {
				return rejected("Sampling interval must be a positive number of seconds")
			}
		}
	case m.isManualEvent(ev.Type):
		if mode != ModeManual {
			return rejected("Must be in manual mode")
		}
		if ev.Type == EventSetDesired {
			if ev.Variable == "" {
				return rejected("Variable is required")
			}
			if !store.Scalar(ev.Value) {
				return rejected("Desired value must be a number, string or boolean")
			}
		}
	default:
		return rejected(fmt.Sprintf("Unknown event type %q", ev.Type))
	}

	if !m.queue.Push(ev) {
		return Response{Message: "Event queue is full", Code: http.StatusServiceUnavailable}
	}
	return accepted()
}

// Run loops until ctx is cancelled or the manager is shut down. The
// iteration in progress always completes first.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info().Str("policy", m.policy.Kind()).Msg("Running manager loop")

	for {
		if ctx.Err() != nil {
			m.shutdown()
			return nil
		}

		m.Step()

		if m.Mode() == ModeShutdown {
			return nil
		}

		select {
		case <-ctx.Done():
		case <-time.After(m.Interval()):
		}
	}
}

// Step runs exactly one loop iteration.
func (m *Manager) Step() {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IterationDuration, m.name)

	defer func() {
		if r := recover(); r != nil {
			m.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	m.drain()

	switch m.Mode() {
	case ModeInit:
		m.initialize()
	case ModeSetup:
		m.setup()
	case ModeNormal, ModeManual, ModeCalibrate:
		m.update()
	case ModeError:
		m.retry()
	case ModeShutdown:
		return
	}
	m.publishStatus()
}

func (m *Manager) initialize() {
	d, err := m.build()
	if err != nil {
		m.fail(err)
		return
	}
	m.driver = d
	m.previous = make(map[string]any)
	m.setHealth(HealthMax)
	m.setMode(ModeSetup)
}

func (m *Manager) setup() {
	if err := m.driver.Setup(); err != nil {
		m.fail(err)
		return
	}
	if err := m.policy.Setup(m); err != nil {
		m.fail(err)
		return
	}
	m.log.Info().Msg("Setup complete")
	m.setMode(ModeNormal)
}

func (m *Manager) update() {
	changed := false
	for _, v := range m.policy.Watched() {
		desired, _ := m.Desired(v)
		if prev, seen := m.previous[v]; !seen || !store.Equal(prev, desired) {
			m.log.Debug().Str("variable", v).Interface("desired", desired).Msg("Desired value changed")
			m.previous[v] = desired
			changed = true
		}
	}

	if err := m.policy.Update(m, changed); err != nil {
		m.fail(err)
		return
	}
	m.setHealth(HealthMax)
}

func (m *Manager) retry() {
	m.mu.RLock()
	due := m.clock.Now().Sub(m.failedAt) > m.reinitInterval
	m.mu.RUnlock()

	if due {
		m.log.Info().Msg("Attempting reinitialization")
		m.setMode(ModeInit)
	}
}

// shutdown stops the actuators and enters SHUTDOWN. Nothing touches the
// hardware afterwards.
func (m *Manager) shutdown() {
	if m.Mode().Steady() {
		if err := m.policy.Stop(m); err != nil {
			m.log.Err(err).Msg("Failed to stop peripheral")
		}
	}
	m.setMode(ModeShutdown)
	m.publishStatus()
	m.log.Info().Msg("Shut down")
}

func (m *Manager) drain() {
	for _, ev := range m.queue.Drain() {
		o := Outcome{Event: ev, Result: m.process(ev), Processed: m.clock.Now()}
		m.recent.Push(o)
		if m.onProcessed != nil {
			m.onProcessed(m.name, o)
		}
	}
}

func (m *Manager) process(ev Event) string {
	mode := m.Mode()
	l := m.log.With().Str("event", ev.Type).Str("mode", string(mode)).Logger()

	if mode == ModeShutdown {
		return ResultIgnored
	}

	// in ERROR only a reset or shutdown does anything
	if mode == ModeError && ev.Type != EventReset && ev.Type != EventShutdown {
		l.Warn().Msg("Ignoring event while in error, reset required")
		return ResultIgnored
	}

	switch ev.Type {
	case EventReset:
		m.reset()
		return ResultApplied
	case EventShutdown:
		m.shutdown()
		return ResultApplied
	case EventEnableManual, EventEnableNormal, EventEnableCalibration:
		if !mode.Steady() {
			l.Warn().Msg("Ignoring mode change before setup is complete")
			return ResultIgnored
		}
	}

	switch ev.Type {
	case EventEnableManual:
		m.setMode(ModeManual)
		return ResultApplied
	case EventEnableNormal:
		m.setMode(ModeNormal)
		return ResultApplied
	case EventEnableCalibration:
		m.setMode(ModeCalibrate)
		return ResultApplied
	case EventSetSamplingInterval:
		secs, ok := store.Float(ev.Value)
		if !ok || secs <= 0 {
			l.Warn().Interface("value", ev.Value).Msg("Discarding invalid sampling interval")
			return ResultDiscarded
		}
		m.mu.Lock()
		m.interval = time.Duration(secs * float64(time.Second))
		m.mu.Unlock()
		return ResultApplied
	}

	if !m.isManualEvent(ev.Type) {
		l.Warn().Err(ErrInvalidEvent).Msg("Discarding unknown event")
		return ResultDiscarded
	}
	if mode != ModeManual {
		l.Warn().Msg("Ignoring manual event outside manual mode")
		return ResultIgnored
	}

	if ev.Type == EventSetDesired {
		m.handle.SetPeripheralDesired(ev.Variable, ev.Value)
		return ResultApplied
	}

	err := m.policy.Handle(m, ev)
	switch {
	case err == nil:
		return ResultApplied
	case errors.Is(err, ErrInvalidEvent):
		l.Warn().Err(err).Msg("Discarding invalid event")
		return ResultDiscarded
	default:
		m.fail(err)
		return ResultFailed
	}
}

// reset clears reported values, resets the driver and restarts from INIT.
func (m *Manager) reset() {
	m.log.Info().Msg("Resetting")
	for _, v := range m.policy.Variables() {
		m.handle.Report(v, nil, true, true)
	}
	if r, ok := m.driver.(driver.Resetter); ok {
		if err := r.Reset(); err != nil {
			m.log.Err(err).Msg("Driver reset failed")
		}
	}
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	m.setMode(ModeInit)
}

func (m *Manager) fail(err error) {
	ev := m.log.Error().Err(err)
	switch {
	case errors.Is(err, driver.ErrHardwareFault):
		ev.Str("kind", "hardware")
	case errors.Is(err, driver.ErrSetup):
		ev.Str("kind", "setup")
	case errors.Is(err, driver.ErrConfig):
		ev.Str("kind", "config")
	}
	ev.Msg("Entering error mode")

	m.mu.Lock()
	m.failedAt = m.clock.Now()
	m.lastErr = err
	m.mu.Unlock()

	m.setHealth(HealthMin)
	m.setMode(ModeError)
}

func (m *Manager) setMode(mode Mode) {
	m.mu.Lock()
	prev := m.mode
	m.mode = mode
	m.mu.Unlock()

	if prev != mode {
		m.log.Info().Str("from", string(prev)).Str("to", string(mode)).Msg("Mode changed")
	}
	metrics.SetMode(m.name, string(mode), modeNames())
}

func (m *Manager) setHealth(h float64) {
	m.mu.Lock()
	m.health = max(HealthMin, min(HealthMax, h))
	h = m.health
	m.mu.Unlock()
	metrics.PeripheralHealth.WithLabelValues(m.name).Set(h)
}

func (m *Manager) publishStatus() {
	m.mu.RLock()
	mode, health := m.mode, m.health
	m.mu.RUnlock()
	m.handle.SetStatus(string(mode), health)
}
