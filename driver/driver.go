// Package driver translates abstract peripheral commands into GPIO line and
// I2C bus operations. Drivers never touch the shared environment store.
package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gregoryjjb/verdant/gpio"
	"gregoryjjb/verdant/i2c"
)

var (
	ErrSetup         = errors.New("setup failed")
	ErrHardwareFault = errors.New("hardware fault")
	ErrConfig        = errors.New("invalid driver config")
	ErrOutOfRange    = errors.New("reading out of range")
)

// Status is the result of an actuation.
type Status int

const (
	StatusInactive Status = 0
	StatusActive   Status = 1
)

func (s Status) String() string {
	if s == StatusActive {
		return "active"
	}
	return "inactive"
}

// SettleDelay is the pause between consecutive line writes within one
// operation, and the width of a latch pulse.
var SettleDelay = 100 * time.Millisecond

type Driver interface {
	Setup() error
}

type Stopper interface {
	TurnOff() (Status, error)
}

type Switcher interface {
	Stopper
	TurnOn() (Status, error)
}

type Heater interface {
	Heat() (Status, error)
}

type Cooler interface {
	Cool() (Status, error)
}

// RootCooler drives a second fan for the root zone.
type RootCooler interface {
	CoolRoots() (Status, error)
	TurnOffRoots() (Status, error)
}

type Toggler interface {
	Toggle() (Status, error)
	CheckStatus() Status
}

type Pulser interface {
	Pulse(d time.Duration) (Status, error)
}

type Thermometer interface {
	ReadTemperature() (float64, error)
}

type Hygrometer interface {
	ReadHumidity() (float64, error)
}

type Resetter interface {
	Reset() error
}

// Deps are the process-wide hardware handles shared by all drivers.
// A nil Port means GPIO hardware is not available on this host.
type Deps struct {
	Port     gpio.Port
	Buses    *i2c.Registry
	Simulate bool
}

type Kind string

const (
	KindRelay   Kind = "relay"
	KindPeltier Kind = "peltier"
	KindClimate Kind = "climate"
	KindLatch   Kind = "latch"
	KindSHT4x   Kind = "sht4x"
)

func New(kind Kind, name string, cfg Config, deps Deps) (Driver, error) {
	switch kind {
	case KindRelay:
		return NewRelay(name, cfg, deps), nil
	case KindPeltier:
		return NewPeltier(name, cfg, deps), nil
	case KindClimate:
		return NewClimate(name, cfg, deps), nil
	case KindLatch:
		return NewLatch(name, cfg, deps), nil
	case KindSHT4x:
		return NewSHT4x(name, cfg, deps)
	default:
		return nil, fmt.Errorf("%w: unknown driver kind %q", ErrConfig, kind)
	}
}

func driverLogger(name string) zerolog.Logger {
	return log.With().Str("component", "driver").Str("driver", name).Logger()
}

// lines is the GPIO plumbing shared by the pin based drivers.
type lines struct {
	port     gpio.Port
	simulate bool
	log      zerolog.Logger
}

func newLines(name string, deps Deps) lines {
	return lines{
		port:     deps.Port,
		simulate: deps.Simulate,
		log:      driverLogger(name),
	}
}

// ready reports whether real line writes should happen for these pins.
func (l *lines) ready(pins ...*int) bool {
	if l.simulate || l.port == nil {
		return false
	}
	for _, p := range pins {
		if p == nil {
			return false
		}
	}
	return true
}

func (l *lines) setup(pins ...*int) error {
	if l.simulate {
		return nil
	}
	if l.port == nil {
		return fmt.Errorf("%w: gpio hardware unavailable", ErrSetup)
	}
	for _, p := range pins {
		if p == nil {
			continue
		}
		if err := l.port.Output(*p); err != nil {
			return fmt.Errorf("%w: configure pin %d: %w", ErrSetup, *p, err)
		}
	}
	return nil
}

func (l *lines) write(pin int, high bool) error {
	if err := l.port.Write(pin, high); err != nil {
		return fmt.Errorf("%w: write pin %d: %w", ErrHardwareFault, pin, err)
	}
	return nil
}
