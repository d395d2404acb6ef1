package driver

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config sentinels
const (
	ValueDefault = "default"
	ValueNone    = "none"
)

// Defaults substitute for "default" in a peripheral's communication block.
type Defaults struct {
	Bus        string
	MuxAddress string
}

// Config is a parsed communication block. Nil pointers are unconfigured.
type Config struct {
	Bus        *int
	Mux        *uint16
	Channel    int
	Address    *uint16
	Pins       map[string]int
	ActiveHigh bool
	OnTime     time.Duration
}

// Pin returns the named pin, or nil if it was left unconfigured.
func (c Config) Pin(name string) *int {
	p, ok := c.Pins[name]
	if !ok {
		return nil
	}
	return &p
}

func isNone(s string) bool {
	return s == "" || strings.EqualFold(s, ValueNone)
}

func ParseConfig(raw map[string]string, defaults Defaults) (Config, error) {
	cfg := Config{
		Pins:       make(map[string]int),
		ActiveHigh: true,
	}

	for key, value := range raw {
		value = strings.TrimSpace(value)
		var err error

		switch {
		case key == "bus":
			if value == ValueDefault {
				value = defaults.Bus
			}
			if !isNone(value) {
				var bus int
				bus, err = strconv.Atoi(value)
				cfg.Bus = &bus
			}

		case key == "mux":
			if value == ValueDefault {
				value = defaults.MuxAddress
			}
			if !isNone(value) {
				cfg.Mux, err = parseHex(value)
			}

		case key == "address":
			if !isNone(value) {
				cfg.Address, err = parseHex(value)
			}

		case key == "channel":
			if !isNone(value) {
				cfg.Channel, err = strconv.Atoi(value)
				if err == nil && (cfg.Channel < 0 || cfg.Channel > 7) {
					err = fmt.Errorf("channel must be 0-7")
				}
			}

		case key == "pin" || strings.HasSuffix(key, "_pin"):
			if !isNone(value) {
				var pin int
				pin, err = strconv.Atoi(value)
				cfg.Pins[key] = pin
			}

		case key == "is_active_high":
			if !isNone(value) {
				cfg.ActiveHigh, err = strconv.ParseBool(value)
			}

		case key == "on_time":
			if !isNone(value) {
				cfg.OnTime, err = ParseDuration(value)
			}
		}

		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %w", ErrConfig, key, value, err)
		}
	}

	return cfg, nil
}

func parseHex(s string) (*uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return nil, err
	}
	a := uint16(v)
	return &a, nil
}

// ParseDuration accepts Go durations ("10s") or bare seconds ("10").
// Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
