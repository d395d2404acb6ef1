// Package store is the process-wide shared environment state.
//
// Every variable has a peripheral-scoped view, private to the peripheral
// that owns it, and an environment-scoped view that all peripherals read.
// Each entry carries its own lock; a short index lock only guards entry
// creation. Peripheral-scoped values can only be written through a Handle
// obtained with Claim, so each peripheral has exactly one writer.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gregoryjjb/verdant/pubsub"
)

var slog zerolog.Logger

func init() {
	slog = log.With().Str("component", "store").Logger()
}

var ErrClaimed = errors.New("peripheral already claimed")

type Scope string

const (
	ScopePeripheral  Scope = "peripheral"
	ScopeEnvironment Scope = "environment"
)

type Kind string

const (
	KindReported Kind = "reported"
	KindDesired  Kind = "desired"
	KindStatus   Kind = "status"
)

// Change is published for every write.
type Change struct {
	Scope      Scope     `json:"scope"`
	Kind       Kind      `json:"kind"`
	Peripheral string    `json:"peripheral,omitempty"`
	Variable   string    `json:"variable,omitempty"`
	Value      any       `json:"value"`
	At         time.Time `json:"at"`
}

// Status is the externally visible fault signal of one peripheral.
type Status struct {
	Mode    string    `json:"mode"`
	Health  float64   `json:"health"`
	Updated time.Time `json:"updated"`
}

type peripheralKey struct {
	peripheral string
	variable   string
}

type entry struct {
	mu       sync.Mutex
	reported any
	desired  any
}

type environmentEntry struct {
	mu           sync.Mutex
	reported     any
	desired      any
	contributors map[string]any
}

type Store struct {
	index       sync.RWMutex
	peripherals map[peripheralKey]*entry
	environment map[string]*environmentEntry
	claimed     map[string]bool

	statusMu sync.RWMutex
	statuses map[string]Status

	summaryMu sync.RWMutex
	summary   map[string]any

	changes *pubsub.Pubsub[Change]
	now     func() time.Time
}

func New() *Store {
	return &Store{
		peripherals: make(map[peripheralKey]*entry),
		environment: make(map[string]*environmentEntry),
		claimed:     make(map[string]bool),
		statuses:    make(map[string]Status),
		summary:     make(map[string]any),
		changes:     pubsub.New[Change](),
		now:         time.Now,
	}
}

func (s *Store) peripheralEntry(name, variable string, create bool) *entry {
	k := peripheralKey{name, variable}

	s.index.RLock()
	e, ok := s.peripherals[k]
	s.index.RUnlock()
	if ok || !create {
		return e
	}

	s.index.Lock()
	defer s.index.Unlock()
	if e, ok = s.peripherals[k]; !ok {
		e = &entry{}
		s.peripherals[k] = e
	}
	return e
}

func (s *Store) environmentEntry(variable string, create bool) *environmentEntry {
	s.index.RLock()
	e, ok := s.environment[variable]
	s.index.RUnlock()
	if ok || !create {
		return e
	}

	s.index.Lock()
	defer s.index.Unlock()
	if e, ok = s.environment[variable]; !ok {
		e = &environmentEntry{contributors: make(map[string]any)}
		s.environment[variable] = e
	}
	return e
}

func present(v any) (any, bool) {
	return v, v != nil
}

func (s *Store) PeripheralReported(name, variable string) (any, bool) {
	e := s.peripheralEntry(name, variable, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return present(e.reported)
}

func (s *Store) PeripheralDesired(name, variable string) (any, bool) {
	e := s.peripheralEntry(name, variable, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return present(e.desired)
}

func (s *Store) EnvironmentReported(variable string) (any, bool) {
	e := s.environmentEntry(variable, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return present(e.reported)
}

func (s *Store) EnvironmentDesired(variable string) (any, bool) {
	e := s.environmentEntry(variable, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return present(e.desired)
}

// SetEnvironmentDesired records a setpoint request. Only the control layer
// calls this, never a peripheral manager.
func (s *Store) SetEnvironmentDesired(variable string, value any) {
	e := s.environmentEntry(variable, true)
	e.mu.Lock()
	e.desired = value
	e.mu.Unlock()

	s.publish(Change{Scope: ScopeEnvironment, Kind: KindDesired, Variable: variable, Value: value})
}

func (s *Store) Status(name string) (Status, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.statuses[name]
	return st, ok
}

// Summary returns the compact dashboard projection.
func (s *Store) Summary() map[string]any {
	s.summaryMu.RLock()
	defer s.summaryMu.RUnlock()
	out := make(map[string]any, len(s.summary))
	for k, v := range s.summary {
		out[k] = v
	}
	return out
}

// Subscribe streams changes until the returned cancel func is called.
func (s *Store) Subscribe(buffer int) (func(), <-chan Change) {
	id, ch := s.changes.Subscribe(buffer)
	return func() {
		s.changes.Unsubscribe(id)
	}, ch
}

func (s *Store) publish(c Change) {
	c.At = s.now()
	s.changes.Publish(c)
}

// Claim hands out the single writer for a peripheral's scoped values.
func (s *Store) Claim(name string) (*Handle, error) {
	s.index.Lock()
	defer s.index.Unlock()
	if s.claimed[name] {
		return nil, fmt.Errorf("%w: %s", ErrClaimed, name)
	}
	s.claimed[name] = true
	return &Handle{store: s, name: name}, nil
}

// Handle writes the values owned by one peripheral.
type Handle struct {
	store *Store
	name  string
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) Store() *Store {
	return h.store
}

// Release gives up ownership so the name can be claimed again.
func (h *Handle) Release() {
	h.store.index.Lock()
	defer h.store.index.Unlock()
	delete(h.store.claimed, h.name)
}

func (h *Handle) SetPeripheralReported(variable string, value any) {
	e := h.store.peripheralEntry(h.name, variable, true)
	e.mu.Lock()
	e.reported = value
	e.mu.Unlock()

	h.store.publish(Change{Scope: ScopePeripheral, Kind: KindReported, Peripheral: h.name, Variable: variable, Value: value})
}

func (h *Handle) SetPeripheralDesired(variable string, value any) {
	e := h.store.peripheralEntry(h.name, variable, true)
	e.mu.Lock()
	e.desired = value
	e.mu.Unlock()

	h.store.publish(Change{Scope: ScopePeripheral, Kind: KindDesired, Peripheral: h.name, Variable: variable, Value: value})
}

func (h *Handle) SetEnvironmentReported(variable string, value any, simplify bool) {
	e := h.store.environmentEntry(variable, true)
	e.mu.Lock()
	h.setEnvironment(e, value)
	e.mu.Unlock()

	h.afterEnvironmentWrite(variable, value, simplify)
}

// must hold e.mu
func (h *Handle) setEnvironment(e *environmentEntry, value any) {
	e.reported = value
	if value == nil {
		delete(e.contributors, h.name)
	} else {
		e.contributors[h.name] = value
	}
}

func (h *Handle) afterEnvironmentWrite(variable string, value any, simplify bool) {
	if simplify {
		h.store.summaryMu.Lock()
		if value == nil {
			delete(h.store.summary, variable)
		} else {
			h.store.summary[variable] = value
		}
		h.store.summaryMu.Unlock()
	}
	h.store.publish(Change{Scope: ScopeEnvironment, Kind: KindReported, Peripheral: h.name, Variable: variable, Value: value})
}

// Report writes a reported value to the peripheral view and, when
// environment is set, to the environment view. Both entries are held for
// the duration of the write so no reader sees one without the other.
func (h *Handle) Report(variable string, value any, environment, simplify bool) {
	if !environment {
		h.SetPeripheralReported(variable, value)
		return
	}
	pe := h.store.peripheralEntry(h.name, variable, true)
	ee := h.store.environmentEntry(variable, true)

	// lock order is always peripheral before environment
	pe.mu.Lock()
	ee.mu.Lock()
	pe.reported = value
	h.setEnvironment(ee, value)
	ee.mu.Unlock()
	pe.mu.Unlock()

	h.store.publish(Change{Scope: ScopePeripheral, Kind: KindReported, Peripheral: h.name, Variable: variable, Value: value})
	h.afterEnvironmentWrite(variable, value, simplify)
}

func (h *Handle) SetStatus(mode string, health float64) {
	st := Status{Mode: mode, Health: health, Updated: h.store.now()}

	h.store.statusMu.Lock()
	prev, had := h.store.statuses[h.name]
	h.store.statuses[h.name] = st
	h.store.statusMu.Unlock()

	if had && prev.Mode == st.Mode && prev.Health == st.Health {
		return
	}
	slog.Debug().Str("peripheral", h.name).Str("mode", mode).Float64("health", health).Msg("Status changed")
	h.store.publish(Change{Scope: ScopePeripheral, Kind: KindStatus, Peripheral: h.name, Value: st})
}
