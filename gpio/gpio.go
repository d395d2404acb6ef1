//go:build gpio

package gpio

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/stianeikeland/go-rpio/v4"
)

// Available reports whether this build can drive real lines.
const Available = true

type rpioPort struct {
	mu   sync.Mutex
	open bool
}

// Open maps the GPIO registers. Only one port should be open per process.
func Open() (Port, error) {
	if err := rpio.Open(); err != nil {
		return nil, err
	}
	log.Debug().Str("component", "gpio").Msg("GPIO memory mapped")
	return &rpioPort{open: true}, nil
}

func (p *rpioPort) Output(pin int) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrClosed
	}
	rpio.Pin(pin).Output()
	return nil
}

func (p *rpioPort) Write(pin int, high bool) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrClosed
	}
	if high {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
	return nil
}

func (p *rpioPort) Read(pin int) (bool, error) {
	if err := checkPin(pin); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return false, ErrClosed
	}
	return rpio.Pin(pin).Read() == rpio.High, nil
}

func (p *rpioPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return nil
	}
	p.open = false
	return rpio.Close()
}
