//go:build !gpio

package gpio

import (
	"github.com/rs/zerolog/log"
)

// Available reports whether this build can drive real lines.
const Available = false

func Open() (Port, error) {
	log.Debug().Str("component", "gpio").Msg("Built without gpio tag, hardware lines unavailable")
	return nil, ErrUnavailable
}
