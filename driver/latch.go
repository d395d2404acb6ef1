package driver

import (
	"sync"
	"time"
)

// Latch drives a soft-latching LED panel switch. Each pulse flips the
// panel, so the driver tracks the on/off state itself.
type Latch struct {
	lines
	pin *int

	mu sync.Mutex
	on bool
}

func NewLatch(name string, cfg Config, deps Deps) *Latch {
	return &Latch{
		lines: newLines(name, deps),
		pin:   cfg.Pin("pin"),
	}
}

func (l *Latch) Setup() error {
	return l.setup(l.pin)
}

func (l *Latch) status() Status {
	if l.on {
		return StatusActive
	}
	return StatusInactive
}

// must hold l.mu
func (l *Latch) toggle() (Status, error) {
	if l.simulate {
		l.on = !l.on
		l.log.Debug().Bool("on", l.on).Msg("Toggled latch (simulated)")
		return l.status(), nil
	}
	if !l.ready(l.pin) {
		return StatusInactive, nil
	}
	if err := l.write(*l.pin, true); err != nil {
		return l.status(), err
	}
	time.Sleep(SettleDelay)
	if err := l.write(*l.pin, false); err != nil {
		return l.status(), err
	}
	l.on = !l.on
	l.log.Debug().Bool("on", l.on).Msg("Toggled latch")
	return l.status(), nil
}

func (l *Latch) Toggle() (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.toggle()
}

func (l *Latch) TurnOn() (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on {
		return StatusActive, nil
	}
	return l.toggle()
}

func (l *Latch) TurnOff() (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.on {
		return StatusInactive, nil
	}
	return l.toggle()
}

func (l *Latch) CheckStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status()
}
