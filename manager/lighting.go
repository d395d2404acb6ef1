package manager

import (
	"fmt"

	"gregoryjjb/verdant/driver"
)

// Lighting cycles a latching LED panel. While the panel is on it waits
// lighting_on_time seconds before toggling it off, and lighting_off_time
// seconds while it is off.
type Lighting struct {
	onTime  string
	offTime string
	status  string
	delta   string

	toggler driver.Toggler
	gate    Gate
}

func NewLighting(opts Options) *Lighting {
	return &Lighting{
		onTime:  opts.variable("on_time", "lighting_on_time"),
		offTime: opts.variable("off_time", "lighting_off_time"),
		status:  opts.variable("status", "lighting_status"),
		delta:   opts.variable("delta", "lighting_delta"),
	}
}

func (l *Lighting) Kind() string        { return PolicyLighting }
func (l *Lighting) Events() []string    { return []string{EventToggle, EventTurnOff} }
func (l *Lighting) Watched() []string   { return []string{l.onTime, l.offTime} }
func (l *Lighting) Variables() []string { return []string{l.status, l.delta} }

func (l *Lighting) Setup(m *Manager) error {
	t, ok := m.Driver().(driver.Toggler)
	if !ok {
		return missing(PolicyLighting, "toggle")
	}
	l.toggler = t
	l.gate.Reset()
	m.Report(l.status, onOff(t.CheckStatus()), true)
	return nil
}

func (l *Lighting) Update(m *Manager, _ bool) error {
	now := m.Now()

	variable := l.offTime
	if l.toggler.CheckStatus() == driver.StatusActive {
		variable = l.onTime
	}
	secs, ok := m.DesiredFloat(variable)
	if !ok {
		return nil
	}

	if l.gate.Due(now, secondsToDuration(secs)) {
		if err := l.toggle(m); err != nil {
			return err
		}
	}
	m.Report(l.delta, l.gate.Elapsed(now).Seconds(), true)
	return nil
}

func (l *Lighting) toggle(m *Manager) error {
	status, err := m.Actuate("toggle", l.toggler.Toggle)
	if err != nil {
		return err
	}
	l.gate.Mark(m.Now())
	m.Report(l.status, onOff(status), true)
	return nil
}

func (l *Lighting) Handle(m *Manager, ev Event) error {
	switch ev.Type {
	case EventToggle:
		return l.toggle(m)
	case EventTurnOff:
		return l.Stop(m)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ev.Type)
	}
}

func (l *Lighting) Stop(m *Manager) error {
	if l.toggler.CheckStatus() == driver.StatusInactive {
		return nil
	}
	return l.toggle(m)
}
