package gpio

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Simulated is an in-memory port. Pin writes are only logged.
type Simulated struct {
	mu      sync.Mutex
	outputs map[int]bool
	states  map[int]bool
	closed  bool
	log     zerolog.Logger
}

func NewSimulated() *Simulated {
	return &Simulated{
		outputs: make(map[int]bool),
		states:  make(map[int]bool),
		log:     log.With().Str("component", "gpio").Logger(),
	}
}

func (s *Simulated) Output(pin int) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.outputs[pin] = true
	return nil
}

func (s *Simulated) Write(pin int, high bool) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.states[pin] = high
	s.printStates()
	return nil
}

func (s *Simulated) Read(pin int) (bool, error) {
	if err := checkPin(pin); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.states[pin], nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.log.Debug().Msg("Simulated GPIO closing")
	return nil
}

// must hold s.mu
func (s *Simulated) printStates() {
	pins := make([]int, 0, len(s.states))
	for p := range s.states {
		pins = append(pins, p)
	}
	sort.Ints(pins)

	var str string
	for _, p := range pins {
		if s.states[p] {
			str += "#"
		} else {
			str += " "
		}
	}
	s.log.Debug().Ints("pins", pins).Str("states", str).Msg("GPIO")
}
