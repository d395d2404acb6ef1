package driver

import (
	"time"
)

// Relay switches one line. Active-low boards set is_active_high=false.
type Relay struct {
	lines
	pin        *int
	activeHigh bool
}

func NewRelay(name string, cfg Config, deps Deps) *Relay {
	return &Relay{
		lines:      newLines(name, deps),
		pin:        cfg.Pin("pin"),
		activeHigh: cfg.ActiveHigh,
	}
}

func (r *Relay) Setup() error {
	return r.setup(r.pin)
}

func (r *Relay) TurnOn() (Status, error) {
	if r.simulate {
		r.log.Debug().Msg("Turning on (simulated)")
		return StatusActive, nil
	}
	if !r.ready(r.pin) {
		r.log.Debug().Msg("Pin unconfigured or gpio unavailable, not turning on")
		return StatusInactive, nil
	}
	if err := r.write(*r.pin, r.activeHigh); err != nil {
		return StatusInactive, err
	}
	r.log.Debug().Msg("Turned on")
	return StatusActive, nil
}

func (r *Relay) TurnOff() (Status, error) {
	if r.simulate {
		r.log.Debug().Msg("Turning off (simulated)")
		return StatusInactive, nil
	}
	if !r.ready(r.pin) {
		return StatusInactive, nil
	}
	if err := r.write(*r.pin, !r.activeHigh); err != nil {
		return StatusInactive, err
	}
	r.log.Debug().Msg("Turned off")
	return StatusInactive, nil
}

// Pulse holds the relay on for d. It returns StatusActive if the pulse was
// delivered; the line is always left off.
func (r *Relay) Pulse(d time.Duration) (Status, error) {
	status, err := r.TurnOn()
	if err != nil || status != StatusActive {
		return status, err
	}
	time.Sleep(d)
	if _, err := r.TurnOff(); err != nil {
		return StatusInactive, err
	}
	return StatusActive, nil
}

// Peltier is a relay-driven thermoelectric cooler.
type Peltier struct {
	*Relay
}

func NewPeltier(name string, cfg Config, deps Deps) *Peltier {
	return &Peltier{Relay: NewRelay(name, cfg, deps)}
}

func (p *Peltier) Cool() (Status, error) {
	return p.TurnOn()
}
