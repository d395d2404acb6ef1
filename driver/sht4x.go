package driver

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gregoryjjb/verdant/i2c"
)

const (
	sht4xDefaultAddress = 0x44
	sht4xMeasureHigh    = 0xFD
	sht4xSoftReset      = 0x94
	sht4xMeasureDelay   = 10 * time.Millisecond

	sht4xMinTemperature = -40.0
	sht4xMaxTemperature = 125.0
	sht4xMinHumidity    = 0.0
	sht4xMaxHumidity    = 100.0

	simulatedTemperature = 27.0
	simulatedHumidity    = 61.0
)

// SHT4x is a Sensirion SHT4x temperature/humidity sensor on an I2C bus.
// One measurement yields both values: ReadTemperature measures and keeps
// the humidity word for the next ReadHumidity, so a sensor update costs a
// single bus transaction and both readings come from the same sample.
type SHT4x struct {
	dev      *i2c.Device
	simulate bool
	log      zerolog.Logger

	humidity uint16
	pending  bool
}

func NewSHT4x(name string, cfg Config, deps Deps) (*SHT4x, error) {
	s := &SHT4x{
		simulate: deps.Simulate,
		log:      driverLogger(name),
	}
	if s.simulate {
		return s, nil
	}

	if cfg.Bus == nil {
		return nil, fmt.Errorf("%w: sht4x requires a bus", ErrConfig)
	}
	addr := uint16(sht4xDefaultAddress)
	if cfg.Address != nil {
		addr = *cfg.Address
	}
	if deps.Buses == nil {
		return nil, fmt.Errorf("%w: no i2c bus registry", ErrSetup)
	}
	bus, err := deps.Buses.Get(*cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	s.dev = &i2c.Device{
		Bus:     bus,
		Addr:    addr,
		Mux:     cfg.Mux,
		Channel: cfg.Channel,
	}
	return s, nil
}

func (s *SHT4x) Setup() error {
	if err := s.Reset(); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return nil
}

func (s *SHT4x) Reset() error {
	if s.simulate {
		s.log.Debug().Msg("Reset successful (simulated)")
		return nil
	}
	err := s.dev.Do(func(tx i2c.TxFunc) error {
		return tx([]byte{sht4xSoftReset}, nil)
	})
	if err != nil {
		return fmt.Errorf("%w: soft reset: %w", ErrHardwareFault, err)
	}
	s.pending = false
	s.log.Debug().Msg("Reset successful")
	return nil
}

// measure returns raw temperature and humidity words.
func (s *SHT4x) measure() (uint16, uint16, error) {
	buf := make([]byte, 6)
	err := s.dev.Do(func(tx i2c.TxFunc) error {
		if err := tx([]byte{sht4xMeasureHigh}, nil); err != nil {
			return err
		}
		time.Sleep(sht4xMeasureDelay)
		return tx(nil, buf)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: measure: %w", ErrHardwareFault, err)
	}
	if crc8(buf[0:2]) != buf[2] || crc8(buf[3:5]) != buf[5] {
		return 0, 0, fmt.Errorf("%w: measure: crc mismatch", ErrHardwareFault)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), uint16(buf[3])<<8 | uint16(buf[4]), nil
}

func (s *SHT4x) ReadTemperature() (float64, error) {
	if s.simulate {
		return simulatedTemperature, nil
	}
	raw, hum, err := s.measure()
	if err != nil {
		s.pending = false
		return 0, err
	}
	s.humidity, s.pending = hum, true

	t := -45 + 175*float64(raw)/65535
	if t < sht4xMinTemperature || t > sht4xMaxTemperature {
		return t, fmt.Errorf("%w: temperature %.2f C", ErrOutOfRange, t)
	}
	s.log.Debug().Float64("celsius", t).Msg("Temperature")
	return t, nil
}

func (s *SHT4x) ReadHumidity() (float64, error) {
	if s.simulate {
		return simulatedHumidity, nil
	}
	raw := s.humidity
	if s.pending {
		s.pending = false
	} else {
		var err error
		if _, raw, err = s.measure(); err != nil {
			return 0, err
		}
	}
	// the transfer function overshoots at the extremes, crop as the datasheet says
	h := min(max(-6+125*float64(raw)/65535, sht4xMinHumidity), sht4xMaxHumidity)
	s.log.Debug().Float64("percent", h).Msg("Humidity")
	return h, nil
}

// crc8 is Sensirion's CRC-8 (poly 0x31, init 0xFF).
func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
