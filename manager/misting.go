package manager

import (
	"fmt"
	"time"

	"gregoryjjb/verdant/driver"
)

const DefaultMistingCycle = 60 * time.Second

// Misting pulses a solenoid for OnTime once per misting cycle.
type Misting struct {
	cycle        string
	status       string
	defaultCycle time.Duration
	onTime       time.Duration

	pulser  driver.Pulser
	stopper driver.Stopper
	gate    Gate
}

func NewMisting(opts Options) (*Misting, error) {
	cycle, err := driver.ParseDuration(opts.property("default_cycle", "60"))
	if err != nil {
		return nil, fmt.Errorf("%w: misting default_cycle: %w", driver.ErrConfig, err)
	}
	onTime := opts.OnTime
	if onTime <= 0 {
		onTime = time.Second
	}
	return &Misting{
		cycle:        opts.variable("cycle", "misting_cycle"),
		status:       opts.variable("status", "misting_status"),
		defaultCycle: cycle,
		onTime:       onTime,
	}, nil
}

func (p *Misting) Kind() string        { return PolicyMisting }
func (p *Misting) Events() []string    { return []string{EventTurnOn, EventTurnOff} }
func (p *Misting) Watched() []string   { return []string{p.cycle} }
func (p *Misting) Variables() []string { return []string{p.status} }

func (p *Misting) Setup(m *Manager) error {
	pulser, ok := m.Driver().(driver.Pulser)
	if !ok {
		return missing(PolicyMisting, "pulse")
	}
	p.pulser = pulser
	p.stopper, _ = m.Driver().(driver.Stopper)
	p.gate.Reset()
	return nil
}

// Cycle is the desired interval between pulses.
func (p *Misting) Cycle(m *Manager) time.Duration {
	if secs, ok := m.DesiredFloat(p.cycle); ok && secs > 0 {
		return secondsToDuration(secs)
	}
	return p.defaultCycle
}

func (p *Misting) Update(m *Manager, _ bool) error {
	now := m.Now()
	if !p.gate.Due(now, p.Cycle(m)) {
		return nil
	}
	p.gate.Mark(now)
	return p.pulse(m)
}

func (p *Misting) pulse(m *Manager) error {
	status, err := m.Actuate("pulse", func() (driver.Status, error) {
		return p.pulser.Pulse(p.onTime)
	})
	if err != nil {
		return err
	}
	// the solenoid is always closed again once the pulse returns
	m.Report(p.status, StatusOff, true)
	if status == driver.StatusInactive {
		m.Logger().Warn().Msg("Pulse not delivered")
	}
	return nil
}

func (p *Misting) Handle(m *Manager, ev Event) error {
	switch ev.Type {
	case EventTurnOn:
		p.gate.Mark(m.Now())
		return p.pulse(m)
	case EventTurnOff:
		return p.Stop(m)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ev.Type)
	}
}

func (p *Misting) Stop(m *Manager) error {
	if p.stopper == nil {
		return nil
	}
	if _, err := m.Actuate("turn_off", p.stopper.TurnOff); err != nil {
		return err
	}
	m.Report(p.status, StatusOff, true)
	return nil
}
