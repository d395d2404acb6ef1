package store

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
)

type Values struct {
	Reported any `json:"reported"`
	Desired  any `json:"desired"`
}

type EnvironmentValues struct {
	Reported     any            `json:"reported"`
	Desired      any            `json:"desired"`
	Contributors map[string]any `json:"contributors,omitempty"`
}

// Snapshot is a point-in-time copy of the whole store. Each entry is
// copied under its own lock, so the snapshot as a whole is not atomic.
type Snapshot struct {
	Peripherals map[string]map[string]Values `json:"peripherals"`
	Environment map[string]EnvironmentValues `json:"environment"`
	Summary     map[string]any               `json:"summary"`
	Statuses    map[string]Status            `json:"statuses"`
}

func (s *Store) Snapshot() Snapshot {
	s.index.RLock()
	peripherals := make(map[peripheralKey]*entry, len(s.peripherals))
	for k, e := range s.peripherals {
		peripherals[k] = e
	}
	environment := make(map[string]*environmentEntry, len(s.environment))
	for k, e := range s.environment {
		environment[k] = e
	}
	s.index.RUnlock()

	snap := Snapshot{
		Peripherals: make(map[string]map[string]Values),
		Environment: make(map[string]EnvironmentValues, len(environment)),
		Summary:     s.Summary(),
		Statuses:    make(map[string]Status),
	}

	for k, e := range peripherals {
		e.mu.Lock()
		v := Values{Reported: e.reported, Desired: e.desired}
		e.mu.Unlock()
		if v.Reported == nil && v.Desired == nil {
			continue
		}
		if snap.Peripherals[k.peripheral] == nil {
			snap.Peripherals[k.peripheral] = make(map[string]Values)
		}
		snap.Peripherals[k.peripheral][k.variable] = v
	}

	for name, e := range environment {
		e.mu.Lock()
		v := EnvironmentValues{Reported: e.reported, Desired: e.desired}
		if len(e.contributors) > 0 {
			v.Contributors = make(map[string]any, len(e.contributors))
			for p, c := range e.contributors {
				v.Contributors[p] = c
			}
		}
		e.mu.Unlock()
		snap.Environment[name] = v
	}

	s.statusMu.RLock()
	for name, st := range s.statuses {
		snap.Statuses[name] = st
	}
	s.statusMu.RUnlock()

	return snap
}

// Desired returns every environment desired value that is set.
func (snap Snapshot) Desired() map[string]any {
	out := make(map[string]any)
	for name, v := range snap.Environment {
		if v.Desired != nil {
			out[name] = v.Desired
		}
	}
	return out
}

// Peripheral names sorted.
func (snap Snapshot) PeripheralNames() []string {
	seen := make(map[string]bool)
	for name := range snap.Peripherals {
		seen[name] = true
	}
	for name := range snap.Statuses {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Float converts a stored value to a float64. Values arrive from drivers as
// floats, from the API as JSON numbers, and from config as strings.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Scalar reports whether v can be used as a setpoint: nil, a string, a
// bool or a number.
func Scalar(v any) bool {
	if v == nil {
		return true
	}
	if _, ok := v.(string); ok {
		return true
	}
	_, ok := Float(v)
	return ok
}

// Equal compares two stored values. Numbers compare by value so 20 and
// 20.0 match; anything else falls back to a deep comparison.
func Equal(a, b any) bool {
	fa, aok := Float(a)
	fb, bok := Float(b)
	if aok && bok {
		_, astr := a.(string)
		_, bstr := b.(string)
		if !astr && !bstr {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}
