package manager

import (
	"fmt"
	"strconv"

	"gregoryjjb/verdant/driver"
)

const (
	DirectionDual = "dual"
	DirectionCool = "cool"
	DirectionHeat = "heat"
)

// Thermal holds a temperature at the desired setpoint. There is no dead
// band: heating when reported < desired, cooling when reported > desired.
type Thermal struct {
	direction string
	sensor    string
	desired   string
	status    string
	roots     string

	heat    func() (driver.Status, error)
	cool    func() (driver.Status, error)
	off     func() (driver.Status, error)
	rootFan driver.RootCooler

	current string
}

func NewThermal(opts Options) (*Thermal, error) {
	direction := opts.property("direction", DirectionDual)
	switch direction {
	case DirectionDual, DirectionCool, DirectionHeat:
	default:
		return nil, fmt.Errorf("%w: thermal direction %q", driver.ErrConfig, direction)
	}
	sensor := opts.variable("sensor", "air_temperature_celsius")
	t := &Thermal{
		direction: direction,
		sensor:    sensor,
		desired:   opts.variable("desired", sensor),
		status:    opts.variable("status", "climate_status"),
	}

	roots, err := strconv.ParseBool(opts.property("roots", "false"))
	if err != nil {
		return nil, fmt.Errorf("%w: thermal roots %q", driver.ErrConfig, opts.property("roots", ""))
	}
	if roots {
		if direction == DirectionHeat {
			return nil, fmt.Errorf("%w: root fan needs a cooling direction", driver.ErrConfig)
		}
		t.roots = opts.variable("roots_status", "root_fan_status")
	}
	return t, nil
}

func (t *Thermal) Kind() string      { return PolicyThermal }
func (t *Thermal) Watched() []string { return []string{t.desired} }

func (t *Thermal) Variables() []string {
	if t.roots != "" {
		return []string{t.status, t.roots}
	}
	return []string{t.status}
}

func (t *Thermal) Events() []string {
	switch t.direction {
	case DirectionCool:
		return []string{EventCool, EventTurnOff}
	case DirectionHeat:
		return []string{EventHeat, EventTurnOff}
	default:
		return []string{EventHeat, EventCool, EventTurnOff}
	}
}

func (t *Thermal) Setup(m *Manager) error {
	d := m.Driver()
	t.current = ""

	stopper, ok := d.(driver.Stopper)
	if !ok {
		return missing(PolicyThermal, "turn off")
	}
	t.off = stopper.TurnOff

	// a plain switch can stand in for a single direction
	switcher, _ := d.(driver.Switcher)

	t.heat, t.cool = nil, nil
	if t.direction != DirectionCool {
		if h, ok := d.(driver.Heater); ok {
			t.heat = h.Heat
		} else if switcher != nil && t.direction == DirectionHeat {
			t.heat = switcher.TurnOn
		} else {
			return missing(PolicyThermal, "heat")
		}
	}
	if t.direction != DirectionHeat {
		if c, ok := d.(driver.Cooler); ok {
			t.cool = c.Cool
		} else if switcher != nil && t.direction == DirectionCool {
			t.cool = switcher.TurnOn
		} else {
			return missing(PolicyThermal, "cool")
		}
	}

	t.rootFan = nil
	if t.roots != "" {
		r, ok := d.(driver.RootCooler)
		if !ok {
			return missing(PolicyThermal, "cool roots")
		}
		t.rootFan = r
	}

	// start from a known state
	return t.apply(m, StatusOff)
}

// Decide picks the action for a reading. Both directions applying at once
// resolves to off.
func (t *Thermal) Decide(reported, desired float64) string {
	heat := t.heat != nil && reported < desired
	cool := t.cool != nil && reported > desired
	switch {
	case heat && cool:
		return StatusOff
	case heat:
		return StatusHeating
	case cool:
		return StatusCooling
	default:
		return StatusOff
	}
}

func (t *Thermal) Update(m *Manager, changed bool) error {
	desired, dok := m.DesiredFloat(t.desired)
	reported, rok := m.EnvironmentFloat(t.sensor)
	if !dok || !rok {
		// nothing to regulate against
		if t.current == StatusOff {
			return nil
		}
		m.Logger().Info().
			Bool("desired", dok).
			Bool("reported", rok).
			Msg("Thermal input missing, turning off")
		return t.apply(m, StatusOff)
	}

	next := t.Decide(reported, desired)
	if next == t.current && !changed {
		return nil
	}
	m.Logger().Debug().
		Float64("reported", reported).
		Float64("desired", desired).
		Str("action", next).
		Msg("Thermal update")
	return t.apply(m, next)
}

// apply actuates toward want. A heat or cool command the driver did not
// engage reports OFF and leaves current untouched so the next update
// retries.
func (t *Thermal) apply(m *Manager, want string) error {
	action, fn := "turn_off", t.off
	switch want {
	case StatusHeating:
		action, fn = "heat", t.heat
	case StatusCooling:
		action, fn = "cool", t.cool
	}

	status, err := m.Actuate(action, fn)
	if err != nil {
		return err
	}
	if want != StatusOff && status != driver.StatusActive {
		m.Logger().Warn().Str("action", action).Msg("Driver did not engage")
		want = StatusOff
	} else {
		t.current = want
	}

	if err := t.applyRoots(m, want == StatusCooling); err != nil {
		return err
	}
	m.Report(t.status, want, true)
	return nil
}

// applyRoots runs the root fan alongside cooling.
func (t *Thermal) applyRoots(m *Manager, on bool) error {
	if t.rootFan == nil {
		return nil
	}
	action, fn := "turn_off_roots", t.rootFan.TurnOffRoots
	if on {
		action, fn = "cool_roots", t.rootFan.CoolRoots
	}
	status, err := m.Actuate(action, fn)
	if err != nil {
		return err
	}
	m.Report(t.roots, onOff(status), true)
	return nil
}

func (t *Thermal) Handle(m *Manager, ev Event) error {
	switch {
	case ev.Type == EventHeat && t.heat != nil:
		return t.apply(m, StatusHeating)
	case ev.Type == EventCool && t.cool != nil:
		return t.apply(m, StatusCooling)
	case ev.Type == EventTurnOff:
		return t.apply(m, StatusOff)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ev.Type)
	}
}

func (t *Thermal) Stop(m *Manager) error {
	return t.apply(m, StatusOff)
}
