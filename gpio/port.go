// Package gpio exposes the host's GPIO lines as a Port. Real hardware is only
// compiled in with the "gpio" build tag; everything else gets a simulated port.
package gpio

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable = errors.New("gpio hardware unavailable")
	ErrClosed      = errors.New("gpio port closed")
)

// MaxPin is the highest line number on the BCM283x header.
const MaxPin = 53

// Port is the line-level hardware capability drivers are built on.
type Port interface {
	Output(pin int) error
	Write(pin int, high bool) error
	Read(pin int) (bool, error)
	Close() error
}

func checkPin(pin int) error {
	if pin < 0 || pin > MaxPin {
		return fmt.Errorf("gpio pin %d out of range 0-%d", pin, MaxPin)
	}
	return nil
}
