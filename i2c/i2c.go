// Package i2c hands out shared, lock-guarded I2C buses. Every peripheral on
// the same physical bus gets the same *Locked, so transactions from different
// managers never interleave.
package i2c

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var ilog zerolog.Logger

func init() {
	ilog = log.With().Str("component", "i2c").Logger()
}

// Bus is the minimal transaction capability of an I2C bus.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// Opener opens the bus with the given number.
type Opener func(id int) (Bus, error)

// Locked guards one physical bus.
type Locked struct {
	id  int
	mu  sync.Mutex
	bus Bus
}

func NewLocked(id int, bus Bus) *Locked {
	return &Locked{id: id, bus: bus}
}

func (l *Locked) ID() int {
	return l.id
}

// Do runs fn with exclusive access to the bus. Callers must keep fn to a
// single driver operation.
func (l *Locked) Do(fn func(Bus) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.bus)
}

type Registry struct {
	open  Opener
	mu    sync.Mutex
	buses map[int]*Locked
}

func NewRegistry(open Opener) *Registry {
	return &Registry{
		open:  open,
		buses: make(map[int]*Locked),
	}
}

// Get returns the shared bus for id, opening it on first use.
func (r *Registry) Get(id int) (*Locked, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.buses[id]; ok {
		return l, nil
	}

	bus, err := r.open(id)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %d: %w", id, err)
	}
	l := NewLocked(id, bus)
	r.buses[id] = l
	ilog.Debug().Int("bus", id).Msg("Opened bus")
	return l, nil
}

var hostOnce sync.Once
var hostErr error

// PeriphOpener opens buses through periph.io's registry.
func PeriphOpener(id int) (Bus, error) {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return nil, fmt.Errorf("periph host init: %w", hostErr)
	}
	return i2creg.Open(strconv.Itoa(id))
}

// Device addresses one chip on a bus, optionally behind a channel
// multiplexer (TCA9548A style: write 1<<channel to the mux address).
type Device struct {
	Bus     *Locked
	Addr    uint16
	Mux     *uint16
	Channel int
}

// TxFunc performs one transaction against the device address.
type TxFunc func(w, r []byte) error

// Do selects the mux channel and runs fn while holding the bus lock.
func (d *Device) Do(fn func(tx TxFunc) error) error {
	return d.Bus.Do(func(b Bus) error {
		if d.Mux != nil {
			if err := b.Tx(*d.Mux, []byte{byte(1 << uint(d.Channel))}, nil); err != nil {
				return fmt.Errorf("select mux 0x%02x channel %d: %w", *d.Mux, d.Channel, err)
			}
		}
		return fn(func(w, r []byte) error {
			return b.Tx(d.Addr, w, r)
		})
	})
}
