package manager_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gregoryjjb/verdant/driver"
	"gregoryjjb/verdant/gpio"
	"gregoryjjb/verdant/manager"
	"gregoryjjb/verdant/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeDriver has every capability so any policy can run on it.
type fakeDriver struct {
	mu      sync.Mutex
	clock   *fakeClock
	calls   []string
	on      bool
	failOn  map[string]error
	panicOn string
	pulses  []time.Time

	temperature float64
	humidity    float64
	readErr     error
}

func newFakeDriver(clock *fakeClock) *fakeDriver {
	return &fakeDriver{clock: clock, failOn: map[string]error{}, temperature: 22, humidity: 55}
}

func (f *fakeDriver) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.panicOn == name {
		panic("driver exploded")
	}
	return f.failOn[name]
}

func (f *fakeDriver) fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[name] = err
}

func (f *fakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDriver) Count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeDriver) ClearCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeDriver) set(on bool) driver.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = on
	if on {
		return driver.StatusActive
	}
	return driver.StatusInactive
}

func (f *fakeDriver) Setup() error { return f.record("setup") }
func (f *fakeDriver) Reset() error { return f.record("reset") }

func (f *fakeDriver) TurnOn() (driver.Status, error) {
	if err := f.record("turn_on"); err != nil {
		return driver.StatusInactive, err
	}
	return f.set(true), nil
}

func (f *fakeDriver) TurnOff() (driver.Status, error) {
	if err := f.record("turn_off"); err != nil {
		return driver.StatusInactive, err
	}
	return f.set(false), nil
}

func (f *fakeDriver) Heat() (driver.Status, error) {
	if err := f.record("heat"); err != nil {
		return driver.StatusInactive, err
	}
	return f.set(true), nil
}

func (f *fakeDriver) Cool() (driver.Status, error) {
	if err := f.record("cool"); err != nil {
		return driver.StatusInactive, err
	}
	return f.set(true), nil
}

func (f *fakeDriver) Toggle() (driver.Status, error) {
	if err := f.record("toggle"); err != nil {
		return f.CheckStatus(), err
	}
	return f.set(f.CheckStatus() == driver.StatusInactive), nil
}

func (f *fakeDriver) CheckStatus() driver.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.on {
		return driver.StatusActive
	}
	return driver.StatusInactive
}

func (f *fakeDriver) Pulse(time.Duration) (driver.Status, error) {
	if err := f.record("pulse"); err != nil {
		return driver.StatusInactive, err
	}
	f.mu.Lock()
	f.pulses = append(f.pulses, f.clock.Now())
	f.mu.Unlock()
	return driver.StatusActive, nil
}

func (f *fakeDriver) CoolRoots() (driver.Status, error) {
	if err := f.record("cool_roots"); err != nil {
		return driver.StatusInactive, err
	}
	return driver.StatusActive, nil
}

func (f *fakeDriver) TurnOffRoots() (driver.Status, error) {
	if err := f.record("turn_off_roots"); err != nil {
		return driver.StatusInactive, err
	}
	return driver.StatusInactive, nil
}

func (f *fakeDriver) ReadTemperature() (float64, error) {
	if err := f.record("read_temperature"); err != nil {
		return 0, err
	}
	return f.temperature, f.readErr
}

func (f *fakeDriver) ReadHumidity() (float64, error) {
	if err := f.record("read_humidity"); err != nil {
		return 0, err
	}
	return f.humidity, f.readErr
}

type fixture struct {
	store  *store.Store
	clock  *fakeClock
	driver *fakeDriver
	m      *manager.Manager
}

func newFixture(t *testing.T, policy manager.Policy, tweak ...func(*manager.Config)) *fixture {
	t.Helper()
	f := &fixture{store: store.New(), clock: newFakeClock()}
	f.driver = newFakeDriver(f.clock)

	cfg := manager.Config{
		Name:   "unit",
		Policy: policy,
		Build:  func() (driver.Driver, error) { return f.driver, nil },
		Clock:  f.clock,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	m, err := manager.New(f.store, cfg)
	require.NoError(t, err)
	f.m = m
	return f
}

// ready steps through INIT and SETUP.
func (f *fixture) ready(t *testing.T) {
	t.Helper()
	f.m.Step()
	require.Equal(t, manager.ModeSetup, f.m.Mode())
	f.m.Step()
	require.Equal(t, manager.ModeNormal, f.m.Mode())
	f.driver.ClearCalls()
}

func (f *fixture) manual(t *testing.T) {
	t.Helper()
	res := f.m.Submit(manager.NewEvent(manager.EventEnableManual, "", nil))
	require.Equal(t, http.StatusOK, res.Code)
	f.m.Step()
	require.Equal(t, manager.ModeManual, f.m.Mode())
}

// sensor publishes an environment reading the way a sensor manager would.
func (f *fixture) sensor(t *testing.T, variable string, v float64) {
	t.Helper()
	h, err := f.store.Claim("sensor-" + variable)
	require.NoError(t, err)
	h.Report(variable, v, true, true)
}

func thermal(t *testing.T, direction string) manager.Policy {
	t.Helper()
	p, err := manager.NewThermal(manager.Options{
		Properties: map[string]string{"direction": direction},
		Variables:  map[string]string{"status": "climate_status"},
	})
	require.NoError(t, err)
	return p
}

func TestReadDesired(t *testing.T) {
	s := store.New()
	h, err := s.Claim("heater")
	require.NoError(t, err)

	s.SetEnvironmentDesired("air_temperature_celsius", 20.0)
	h.SetPeripheralDesired("air_temperature_celsius", 18.0)

	for _, mode := range manager.Modes {
		v, ok := manager.ReadDesired(s, mode, "heater", "air_temperature_celsius")
		require.True(t, ok)
		if mode == manager.ModeManual {
			assert.Equal(t, 18.0, v, mode)
		} else {
			assert.Equal(t, 20.0, v, mode)
		}
	}

	// switching source requires no copy
	s.SetEnvironmentDesired("air_temperature_celsius", 21.0)
	v, _ := manager.ReadDesired(s, manager.ModeNormal, "heater", "air_temperature_celsius")
	assert.Equal(t, 21.0, v)
	v, _ = manager.ReadDesired(s, manager.ModeManual, "heater", "air_temperature_celsius")
	assert.Equal(t, 18.0, v)

	_, ok := manager.ReadDesired(s, manager.ModeManual, "other", "air_temperature_celsius")
	assert.False(t, ok)
}

func TestManualEventsRejectedOutsideManual(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.ready(t)

	for _, typ := range []string{manager.EventTurnOff, manager.EventHeat, manager.EventCool, manager.EventSetDesired} {
		res := f.m.Submit(manager.NewEvent(typ, "air_temperature_celsius", 1.0))
		assert.Equal(t, http.StatusBadRequest, res.Code, typ)
	}

	f.m.Step()
	assert.Empty(t, f.driver.Calls())
	assert.Empty(t, f.m.Info().Recent)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionCool), func(c *manager.Config) {
		c.QueueSize = 1
	})

	res := f.m.Submit(manager.NewEvent("launch", "", nil))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	// heat is not an event of a cool-only policy
	res = f.m.Submit(manager.NewEvent(manager.EventHeat, "", nil))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.m.Submit(manager.NewEvent(manager.EventSetSamplingInterval, "", -1.0))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.m.Submit(manager.NewEvent(manager.EventSetSamplingInterval, "", 5.0))
	assert.Equal(t, http.StatusOK, res.Code)

	res = f.m.Submit(manager.NewEvent(manager.EventReset, "", nil))
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)

	f.m.Step()
	assert.Equal(t, 5*time.Second, f.m.Interval())
}

func TestThermalCoolsAboveSetpoint(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.store.SetEnvironmentDesired("air_temperature_celsius", 20.0)
	f.sensor(t, "air_temperature_celsius", 25.0)
	f.ready(t)

	f.m.Step()

	assert.Equal(t, []string{"cool"}, f.driver.Calls())
	v, ok := f.store.PeripheralReported("unit", "climate_status")
	require.True(t, ok)
	assert.Equal(t, manager.StatusCooling, v)
	assert.Equal(t, 100.0, f.m.Health())
	assert.Equal(t, manager.ModeNormal, f.m.Mode())

	// no change, no re-actuation
	f.m.Step()
	assert.Equal(t, 1, f.driver.Count("cool"))

	st, ok := f.store.Status("unit")
	require.True(t, ok)
	assert.Equal(t, "NORMAL", st.Mode)
	assert.Equal(t, 100.0, st.Health)
}

func TestThermalDecide(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.ready(t)
	p := thermal(t, manager.DirectionDual).(*manager.Thermal)
	require.NoError(t, p.Setup(f.m))

	assert.Equal(t, manager.StatusHeating, p.Decide(19.9, 20))
	assert.Equal(t, manager.StatusCooling, p.Decide(20.1, 20))
	assert.Equal(t, manager.StatusOff, p.Decide(20, 20))
}

func TestThermalSingleDirection(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionHeat))
	f.store.SetEnvironmentDesired("air_temperature_celsius", 20.0)
	f.sensor(t, "air_temperature_celsius", 25.0)
	f.ready(t)

	f.m.Step()

	assert.Equal(t, []string{"turn_off"}, f.driver.Calls(), "a heater cannot cool")
	v, _ := f.store.PeripheralReported("unit", "climate_status")
	assert.Equal(t, manager.StatusOff, v)
}

func TestThermalTurnsOffWhenReadingIsLost(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.store.SetEnvironmentDesired("air_temperature_celsius", 25.0)
	sensor, err := f.store.Claim("thermometer")
	require.NoError(t, err)
	sensor.Report("air_temperature_celsius", 20.0, true, true)
	f.ready(t)

	f.m.Step()
	require.Equal(t, []string{"heat"}, f.driver.Calls())

	// a sensor reset clears the reading
	sensor.Report("air_temperature_celsius", nil, true, true)
	f.m.Step()
	f.m.Step()
	f.m.Step()

	assert.Equal(t, []string{"heat", "turn_off"}, f.driver.Calls())
	v, _ := f.store.PeripheralReported("unit", "climate_status")
	assert.Equal(t, manager.StatusOff, v)
	assert.Equal(t, manager.ModeNormal, f.m.Mode())
}

func TestThermalReportsOffWhenDriverIsIdle(t *testing.T) {
	s := store.New()
	s.SetEnvironmentDesired("air_temperature_celsius", 25.0)
	sensor, err := s.Claim("thermometer")
	require.NoError(t, err)
	sensor.Report("air_temperature_celsius", 20.0, true, true)

	policy, err := manager.NewThermal(manager.Options{})
	require.NoError(t, err)
	m, err := manager.New(s, manager.Config{
		Name:   "spacevac",
		Policy: policy,
		Build: func() (driver.Driver, error) {
			cfg, err := driver.ParseConfig(map[string]string{"heater_pin": "none", "fan_pin": "none"}, driver.Defaults{})
			if err != nil {
				return nil, err
			}
			return driver.New(driver.KindClimate, "spacevac", cfg, driver.Deps{Port: gpio.NewSimulated()})
		},
	})
	require.NoError(t, err)

	m.Step()
	m.Step()
	require.Equal(t, manager.ModeNormal, m.Mode())
	m.Step()
	m.Step()

	assert.Equal(t, manager.ModeNormal, m.Mode())
	assert.Equal(t, 100.0, m.Health())
	v, _ := s.PeripheralReported("spacevac", "climate_status")
	assert.Equal(t, manager.StatusOff, v, "an unconfigured heater never heats")
}

func TestThermalRootFan(t *testing.T) {
	p, err := manager.NewThermal(manager.Options{
		Properties: map[string]string{"roots": "true"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"climate_status", "root_fan_status"}, p.Variables())

	f := newFixture(t, p)
	f.store.SetEnvironmentDesired("air_temperature_celsius", 20.0)
	f.sensor(t, "air_temperature_celsius", 25.0)
	f.ready(t)

	f.m.Step()
	assert.Equal(t, []string{"cool", "cool_roots"}, f.driver.Calls())
	v, _ := f.store.PeripheralReported("unit", "root_fan_status")
	assert.Equal(t, manager.StatusOn, v)

	f.driver.ClearCalls()
	f.store.SetEnvironmentDesired("air_temperature_celsius", 30.0)
	f.m.Step()
	assert.Equal(t, []string{"heat", "turn_off_roots"}, f.driver.Calls())
	v, _ = f.store.PeripheralReported("unit", "root_fan_status")
	assert.Equal(t, manager.StatusOff, v)
}

func TestThermalRootFanOptions(t *testing.T) {
	_, err := manager.NewThermal(manager.Options{
		Properties: map[string]string{"roots": "true", "direction": manager.DirectionHeat},
	})
	assert.ErrorIs(t, err, driver.ErrConfig)

	_, err = manager.NewThermal(manager.Options{
		Properties: map[string]string{"roots": "sometimes"},
	})
	assert.ErrorIs(t, err, driver.ErrConfig)
}

func TestNonScalarSetpoints(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.store.SetEnvironmentDesired("air_temperature_celsius", []any{20.0})
	f.sensor(t, "air_temperature_celsius", 25.0)
	f.ready(t)

	// an odd value already in the store must not fault the loop
	f.m.Step()
	f.m.Step()
	assert.Equal(t, manager.ModeNormal, f.m.Mode())
	assert.Equal(t, 100.0, f.m.Health())
	assert.Empty(t, f.m.Info().Error)

	f.manual(t)
	for _, v := range []any{[]any{20.0}, map[string]any{"celsius": 20.0}} {
		res := f.m.Submit(manager.NewEvent(manager.EventSetDesired, "air_temperature_celsius", v))
		assert.Equal(t, http.StatusBadRequest, res.Code, "%v", v)
	}
	res := f.m.Submit(manager.NewEvent(manager.EventSetDesired, "air_temperature_celsius", 21.0))
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestManualTurnOff(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.ready(t)
	f.manual(t)

	res := f.m.Submit(manager.NewEvent(manager.EventTurnOff, "", nil))
	assert.Equal(t, manager.Response{Message: "Accepted", Code: http.StatusOK}, res)
	assert.Empty(t, f.driver.Calls(), "nothing happens before the loop drains")

	f.m.Step()

	assert.Equal(t, []string{"turn_off"}, f.driver.Calls())
	v, _ := f.store.PeripheralReported("unit", "climate_status")
	assert.Equal(t, manager.StatusOff, v)

	recent := f.m.Info().Recent
	require.NotEmpty(t, recent)
	assert.Equal(t, manager.ResultApplied, recent[len(recent)-1].Result)
}

func TestManualSetpointOverridesEnvironment(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.store.SetEnvironmentDesired("air_temperature_celsius", 20.0)
	f.sensor(t, "air_temperature_celsius", 22.0)
	f.ready(t)
	f.m.Step()
	require.Equal(t, 1, f.driver.Count("cool"))

	f.manual(t)
	res := f.m.Submit(manager.NewEvent(manager.EventSetDesired, "air_temperature_celsius", 30.0))
	require.Equal(t, http.StatusOK, res.Code)
	f.m.Step()

	assert.Equal(t, 1, f.driver.Count("heat"))
	v, _ := f.store.PeripheralDesired("unit", "air_temperature_celsius")
	assert.Equal(t, 30.0, v)
	env, _ := f.store.EnvironmentDesired("air_temperature_celsius")
	assert.Equal(t, 20.0, env, "operator setpoints never touch the environment")
}

func TestHardwareFaultEntersError(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.store.SetEnvironmentDesired("air_temperature_celsius", 20.0)
	f.sensor(t, "air_temperature_celsius", 25.0)
	f.ready(t)
	f.driver.fail("cool", fmt.Errorf("%w: write pin 4: bus error", driver.ErrHardwareFault))

	assert.NotPanics(t, f.m.Step)

	assert.Equal(t, manager.ModeError, f.m.Mode())
	assert.Equal(t, 0.0, f.m.Health())
	st, _ := f.store.Status("unit")
	assert.Equal(t, "ERROR", st.Mode)
	assert.Equal(t, 0.0, st.Health)
	assert.Contains(t, f.m.Info().Error, "hardware fault")

	// health stays pinned while in error
	f.m.Step()
	assert.Equal(t, 0.0, f.m.Health())
}

func TestPanicIsContained(t *testing.T) {
	f := newFixture(t, manager.NewSensor(manager.Options{}))
	f.ready(t)
	f.driver.panicOn = "read_temperature"

	assert.NotPanics(t, f.m.Step)
	assert.Equal(t, manager.ModeError, f.m.Mode())
	assert.Equal(t, 0.0, f.m.Health())
}

func TestResetFromError(t *testing.T) {
	f := newFixture(t, manager.NewSensor(manager.Options{}))
	f.ready(t)
	f.m.Step()
	_, ok := f.store.EnvironmentReported("air_temperature_celsius")
	require.True(t, ok)

	f.driver.fail("read_temperature", driver.ErrHardwareFault)
	f.m.Step()
	require.Equal(t, manager.ModeError, f.m.Mode())

	// only reset does anything in error
	res := f.m.Submit(manager.NewEvent(manager.EventEnableManual, "", nil))
	require.Equal(t, http.StatusOK, res.Code)
	f.m.Step()
	require.Equal(t, manager.ModeError, f.m.Mode())

	f.driver.fail("read_temperature", nil)
	res = f.m.Submit(manager.NewEvent(manager.EventReset, "", nil))
	require.Equal(t, http.StatusOK, res.Code)
	f.m.Step()

	assert.Equal(t, manager.ModeSetup, f.m.Mode(), "reset goes through INIT in the same iteration")
	assert.Equal(t, 1, f.driver.Count("reset"))
	_, ok = f.store.EnvironmentReported("air_temperature_celsius")
	assert.False(t, ok, "reported values are cleared")

	f.m.Step()
	assert.Equal(t, manager.ModeNormal, f.m.Mode())
	assert.Equal(t, 100.0, f.m.Health())
}

func TestReinitAfterInterval(t *testing.T) {
	builds := 0
	var f *fixture
	f = newFixture(t, manager.NewSensor(manager.Options{}), func(c *manager.Config) {
		c.ReinitInterval = time.Minute
		c.Build = func() (driver.Driver, error) {
			builds++
			if builds == 1 {
				return nil, fmt.Errorf("%w: bad address", driver.ErrConfig)
			}
			return f.driver, nil
		}
	})

	f.m.Step()
	require.Equal(t, manager.ModeError, f.m.Mode())

	f.clock.Advance(30 * time.Second)
	f.m.Step()
	assert.Equal(t, manager.ModeError, f.m.Mode())

	f.clock.Advance(31 * time.Second)
	f.m.Step()
	assert.Equal(t, manager.ModeInit, f.m.Mode())

	f.m.Step()
	f.m.Step()
	assert.Equal(t, manager.ModeNormal, f.m.Mode())
	assert.Equal(t, 2, builds)
}

func TestSetupFailure(t *testing.T) {
	f := newFixture(t, manager.NewSensor(manager.Options{}))
	f.driver.fail("setup", driver.ErrSetup)

	f.m.Step()
	f.m.Step()

	assert.Equal(t, manager.ModeError, f.m.Mode())
	assert.Equal(t, 0.0, f.m.Health())
}

func TestCalibrationSuppressesEnvironment(t *testing.T) {
	f := newFixture(t, manager.NewSensor(manager.Options{}))
	f.ready(t)
	f.m.Step()

	f.m.Submit(manager.NewEvent(manager.EventEnableCalibration, "", nil))
	f.driver.temperature = 30
	f.m.Step()
	require.Equal(t, manager.ModeCalibrate, f.m.Mode())

	v, _ := f.store.PeripheralReported("unit", "air_temperature_celsius")
	assert.Equal(t, 30.0, v)
	v, _ = f.store.EnvironmentReported("air_temperature_celsius")
	assert.Equal(t, 22.0, v)
}

func TestSensorDiscardsOutOfRange(t *testing.T) {
	f := newFixture(t, manager.NewSensor(manager.Options{}))
	f.ready(t)
	f.driver.readErr = driver.ErrOutOfRange

	f.m.Step()

	assert.Equal(t, manager.ModeNormal, f.m.Mode())
	_, ok := f.store.EnvironmentReported("air_temperature_celsius")
	assert.False(t, ok)
}

func TestMistingReassertsOncePerCycle(t *testing.T) {
	p, err := manager.NewMisting(manager.Options{})
	require.NoError(t, err)
	f := newFixture(t, p)
	f.store.SetEnvironmentDesired("misting_cycle", 60.0)
	f.ready(t)
	start := f.clock.Now()

	for i := 0; i < 300; i++ {
		f.m.Step()
		f.clock.Advance(time.Second)
	}

	pulses := f.driver.pulses
	require.Len(t, pulses, 5)
	assert.Equal(t, start, pulses[0], "first iteration actuates")
	for i := 1; i < len(pulses); i++ {
		gap := pulses[i].Sub(pulses[i-1])
		assert.Greater(t, gap, 60*time.Second)
		assert.LessOrEqual(t, gap, 61*time.Second)
	}
}

func TestMistingDefaultCycle(t *testing.T) {
	p, err := manager.NewMisting(manager.Options{})
	require.NoError(t, err)
	f := newFixture(t, p)
	f.ready(t)

	assert.Equal(t, manager.DefaultMistingCycle, p.Cycle(f.m))
}

func TestLightingCycle(t *testing.T) {
	f := newFixture(t, manager.NewLighting(manager.Options{}))
	f.store.SetEnvironmentDesired("lighting_on_time", 10.0)
	f.store.SetEnvironmentDesired("lighting_off_time", 5.0)
	f.ready(t)

	f.m.Step()
	require.Equal(t, driver.StatusActive, f.driver.CheckStatus())
	v, _ := f.store.EnvironmentReported("lighting_status")
	assert.Equal(t, manager.StatusOn, v)

	f.clock.Advance(10 * time.Second)
	f.m.Step()
	assert.Equal(t, driver.StatusActive, f.driver.CheckStatus(), "on time not yet exceeded")
	d, _ := f.store.EnvironmentReported("lighting_delta")
	assert.Equal(t, 10.0, d)

	f.clock.Advance(time.Second)
	f.m.Step()
	assert.Equal(t, driver.StatusInactive, f.driver.CheckStatus())

	f.clock.Advance(6 * time.Second)
	f.m.Step()
	assert.Equal(t, driver.StatusActive, f.driver.CheckStatus())
	assert.Equal(t, 3, f.driver.Count("toggle"))
}

func TestSwitchIsEdgeTriggered(t *testing.T) {
	f := newFixture(t, manager.NewSwitch(manager.Options{
		Variables: map[string]string{"desired": "water_pump_on"},
	}))
	f.store.SetEnvironmentDesired("water_pump_on", 1.0)
	f.ready(t)

	f.m.Step()
	f.m.Step()
	assert.Equal(t, []string{"turn_on"}, f.driver.Calls())
	v, _ := f.store.EnvironmentReported("water_pump_on_status")
	assert.Equal(t, manager.StatusOn, v)

	f.store.SetEnvironmentDesired("water_pump_on", 0.0)
	f.m.Step()
	assert.Equal(t, []string{"turn_on", "turn_off"}, f.driver.Calls())
	out, _ := f.store.PeripheralReported("unit", "water_pump_on")
	assert.Equal(t, 0, out)
}

func TestUnconfiguredPinIsNoop(t *testing.T) {
	s := store.New()
	m, err := manager.New(s, manager.Config{
		Name:   "pump",
		Policy: manager.NewSwitch(manager.Options{}),
		Build: func() (driver.Driver, error) {
			cfg, err := driver.ParseConfig(map[string]string{"pin": "none"}, driver.Defaults{})
			if err != nil {
				return nil, err
			}
			return driver.New(driver.KindRelay, "pump", cfg, driver.Deps{Port: gpio.NewSimulated()})
		},
	})
	require.NoError(t, err)

	m.Step()
	m.Step()
	require.Equal(t, manager.ModeNormal, m.Mode())
	m.Submit(manager.NewEvent(manager.EventEnableManual, "", nil))
	m.Step()

	res := m.Submit(manager.NewEvent(manager.EventTurnOn, "", nil))
	require.Equal(t, http.StatusOK, res.Code)
	m.Step()

	assert.Equal(t, manager.ModeManual, m.Mode())
	assert.Equal(t, 100.0, m.Health())
	v, _ := s.PeripheralReported("pump", "switch_on_status")
	assert.Equal(t, manager.StatusOff, v)
}

func TestDuplicateNameRejected(t *testing.T) {
	f := newFixture(t, manager.NewSensor(manager.Options{}))
	_, err := manager.New(f.store, manager.Config{
		Name:   "unit",
		Policy: manager.NewSensor(manager.Options{}),
		Build:  func() (driver.Driver, error) { return f.driver, nil },
	})
	assert.ErrorIs(t, err, store.ErrClaimed)
}

func TestShutdownEvent(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual))
	f.ready(t)

	f.m.Submit(manager.NewEvent(manager.EventShutdown, "", nil))
	f.m.Step()
	assert.Equal(t, manager.ModeShutdown, f.m.Mode())
	assert.Equal(t, []string{"turn_off"}, f.driver.Calls())

	res := f.m.Submit(manager.NewEvent(manager.EventReset, "", nil))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	f.m.Step()
	assert.Len(t, f.driver.Calls(), 1, "no hardware operations after shutdown")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, thermal(t, manager.DirectionDual), func(c *manager.Config) {
		c.Interval = 5 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- f.m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.m.Mode() == manager.ModeNormal
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, manager.ModeShutdown, f.m.Mode())
	calls := f.driver.Calls()
	assert.Equal(t, "turn_off", calls[len(calls)-1])

	n := len(calls)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.driver.Calls(), n)
}

func TestOnProcessedHook(t *testing.T) {
	var got []manager.Outcome
	f := newFixture(t, manager.NewSensor(manager.Options{}), func(c *manager.Config) {
		c.OnProcessed = func(name string, o manager.Outcome) {
			assert.Equal(t, "unit", name)
			got = append(got, o)
		}
	})
	f.ready(t)

	ev := manager.NewEvent(manager.EventEnableManual, "", nil)
	f.m.Submit(ev)
	f.m.Step()

	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].Event.ID)
	assert.Equal(t, manager.ResultApplied, got[0].Result)
}
