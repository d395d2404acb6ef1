package manager

import (
	"errors"

	"gregoryjjb/verdant/driver"
)

// Sensor samples temperature and humidity and reports them. CALIBRATE keeps
// the readings out of the environment view.
type Sensor struct {
	temperature string
	humidity    string

	thermometer driver.Thermometer
	hygrometer  driver.Hygrometer
}

func NewSensor(opts Options) *Sensor {
	return &Sensor{
		temperature: opts.variable("temperature", "air_temperature_celsius"),
		humidity:    opts.variable("humidity", "air_humidity_percent"),
	}
}

func (s *Sensor) Kind() string        { return PolicySensor }
func (s *Sensor) Events() []string    { return nil }
func (s *Sensor) Watched() []string   { return nil }
func (s *Sensor) Variables() []string { return []string{s.temperature, s.humidity} }

func (s *Sensor) Setup(m *Manager) error {
	s.thermometer, _ = m.Driver().(driver.Thermometer)
	s.hygrometer, _ = m.Driver().(driver.Hygrometer)
	if s.thermometer == nil && s.hygrometer == nil {
		return missing(PolicySensor, "read temperature or humidity")
	}
	return nil
}

func (s *Sensor) Update(m *Manager, _ bool) error {
	environment := m.Mode() != ModeCalibrate

	if s.thermometer != nil {
		if err := s.sample(m, s.temperature, s.thermometer.ReadTemperature, environment); err != nil {
			return err
		}
	}
	if s.hygrometer != nil {
		if err := s.sample(m, s.humidity, s.hygrometer.ReadHumidity, environment); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sensor) sample(m *Manager, variable string, read func() (float64, error), environment bool) error {
	v, err := read()
	if errors.Is(err, driver.ErrOutOfRange) {
		m.Logger().Warn().Err(err).Str("variable", variable).Msg("Discarding reading")
		return nil
	}
	if err != nil {
		return err
	}
	m.Report(variable, v, environment)
	return nil
}

func (s *Sensor) Handle(_ *Manager, ev Event) error {
	return ErrInvalidEvent
}

func (s *Sensor) Stop(*Manager) error {
	return nil
}
