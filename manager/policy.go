package manager

import (
	"fmt"
	"time"

	"gregoryjjb/verdant/driver"
)

// Policy is the peripheral specific half of a manager: which setpoints it
// watches, how it compares them against reported values, and which driver
// capabilities it needs.
type Policy interface {
	Kind() string
	// Events lists the actuation events accepted in MANUAL mode.
	Events() []string
	// Watched lists the desired variables whose changes are detected.
	Watched() []string
	// Variables lists the reported variables cleared on reset.
	Variables() []string

	// Setup checks the driver capabilities and resets policy state.
	Setup(m *Manager) error
	Update(m *Manager, changed bool) error
	Handle(m *Manager, ev Event) error
	// Stop is the last hardware operation before SHUTDOWN.
	Stop(m *Manager) error
}

const (
	PolicySensor   = "sensor"
	PolicyThermal  = "thermal"
	PolicyLighting = "lighting"
	PolicyMisting  = "misting"
	PolicySwitch   = "switch"
)

const (
	StatusOn      = "ON"
	StatusOff     = "OFF"
	StatusHeating = "HEATING"
	StatusCooling = "COOLING"
)

// Options are the per-setup knobs of a policy. Variables maps a role, such
// as "temperature" or "status", to a store variable name.
type Options struct {
	Variables  map[string]string
	Properties map[string]string
	OnTime     time.Duration
}

func (o Options) variable(role, fallback string) string {
	if v, ok := o.Variables[role]; ok && v != "" {
		return v
	}
	return fallback
}

func (o Options) property(key, fallback string) string {
	if v, ok := o.Properties[key]; ok && v != "" {
		return v
	}
	return fallback
}

func NewPolicy(kind string, opts Options) (Policy, error) {
	switch kind {
	case PolicySensor:
		return NewSensor(opts), nil
	case PolicyThermal:
		return NewThermal(opts)
	case PolicyLighting:
		return NewLighting(opts), nil
	case PolicyMisting:
		return NewMisting(opts)
	case PolicySwitch:
		return NewSwitch(opts), nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", driver.ErrConfig, kind)
	}
}

// Gate re-asserts an actuation once the interval has elapsed. A zero gate
// is always due.
type Gate struct {
	last time.Time
}

func (g *Gate) Due(now time.Time, interval time.Duration) bool {
	return g.last.IsZero() || now.Sub(g.last) > interval
}

func (g *Gate) Mark(now time.Time) {
	g.last = now
}

func (g *Gate) Elapsed(now time.Time) time.Duration {
	if g.last.IsZero() {
		return 0
	}
	return now.Sub(g.last)
}

func (g *Gate) Reset() {
	g.last = time.Time{}
}

// seconds parses a property given either as seconds or a Go duration.
func secondsToDuration(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func missing(kind, capability string) error {
	return fmt.Errorf("%w: %s policy needs a driver that can %s", driver.ErrConfig, kind, capability)
}

func onOff(s driver.Status) string {
	if s == driver.StatusActive {
		return StatusOn
	}
	return StatusOff
}
