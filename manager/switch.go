package manager

import (
	"fmt"

	"gregoryjjb/verdant/driver"
)

// Switch follows an on/off setpoint. It only actuates when the setpoint
// changes; any value above zero means on.
type Switch struct {
	desired string
	output  string
	status  string

	switcher driver.Switcher
}

func NewSwitch(opts Options) *Switch {
	desired := opts.variable("desired", "switch_on")
	return &Switch{
		desired: desired,
		output:  opts.variable("output", desired),
		status:  opts.variable("status", desired+"_status"),
	}
}

func (s *Switch) Kind() string        { return PolicySwitch }
func (s *Switch) Events() []string    { return []string{EventTurnOn, EventTurnOff} }
func (s *Switch) Watched() []string   { return []string{s.desired} }
func (s *Switch) Variables() []string { return []string{s.output, s.status} }

func (s *Switch) Setup(m *Manager) error {
	sw, ok := m.Driver().(driver.Switcher)
	if !ok {
		return missing(PolicySwitch, "turn on and off")
	}
	s.switcher = sw
	return s.set(m, false)
}

func (s *Switch) Update(m *Manager, changed bool) error {
	if !changed {
		return nil
	}
	v, ok := m.DesiredFloat(s.desired)
	if !ok {
		return nil
	}
	return s.set(m, v > 0)
}

func (s *Switch) set(m *Manager, on bool) error {
	action, fn := "turn_off", s.switcher.TurnOff
	if on {
		action, fn = "turn_on", s.switcher.TurnOn
	}
	status, err := m.Actuate(action, fn)
	if err != nil {
		return err
	}
	m.Report(s.output, int(status), true)
	m.Report(s.status, onOff(status), true)
	return nil
}

func (s *Switch) Handle(m *Manager, ev Event) error {
	switch ev.Type {
	case EventTurnOn:
		return s.set(m, true)
	case EventTurnOff:
		return s.set(m, false)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ev.Type)
	}
}

func (s *Switch) Stop(m *Manager) error {
	return s.set(m, false)
}
