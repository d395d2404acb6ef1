package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"gregoryjjb/verdant/driver"
)

var ErrValidation = errors.New("validation error")

// peripheral names end up in URLs and metric labels
var validNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

const (
	ConfigFileName = "verdant.toml"

	defaultHost             = "127.0.0.1"
	defaultPort             = "1226"
	defaultSnapshotInterval = 30 * time.Second
	defaultRatePerMinute    = 60
	defaultRateBurst        = 10

	GPIOBackendRPIO      = "rpio"
	GPIOBackendSimulated = "simulated"
)

// Flags are the command line overrides. Zero values mean unset.
type Flags struct {
	ConfigPath string
	Host       string
	Port       string
	DataDir    string
	LogLevel   string
	Simulate   bool
}

type PeripheralConfig struct {
	Name          string            `toml:"name"`
	Setup         string            `toml:"setup"`
	Communication map[string]string `toml:"communication"`
	Interval      string            `toml:"interval"`
	Variables     map[string]string `toml:"variables"`
	Properties    map[string]string `toml:"properties"`
}

type tomlConfig struct {
	Host              string             `toml:"host"`
	Port              string             `toml:"port"`
	DataDir           string             `toml:"data_dir"`
	Simulate          bool               `toml:"simulate"`
	GPIO              string             `toml:"gpio"`
	LogLevel          string             `toml:"log_level"`
	LogJSON           bool               `toml:"log_json"`
	DefaultI2CBus     string             `toml:"default_i2c_bus"`
	DefaultMuxAddress string             `toml:"default_mux_address"`
	SnapshotInterval  string             `toml:"snapshot_interval"`
	ReinitInterval    string             `toml:"reinit_interval"`
	RateLimitPerMin   int                `toml:"rate_limit_per_min"`
	RateLimitBurst    int                `toml:"rate_limit_burst"`
	Peripherals       []PeripheralConfig `toml:"peripherals"`
}

type Config struct {
	toml    tomlConfig
	flags   Flags
	getenv  func(string) string
	path    string
	dataDir string

	snapshotInterval time.Duration
	reinitInterval   time.Duration
}

// NewConfig finds and parses the config file, then layers env and flags
// over it. A missing file is fine unless one was asked for explicitly.
func NewConfig(fs VerdantFS, flags Flags, getenv func(string) string) (*Config, error) {
	c := &Config{
		flags:  flags,
		getenv: getenv,
	}

	path, explicit, err := c.findConfigFile(fs)
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			if explicit {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			if err := toml.Unmarshal(data, &c.toml); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %w", ErrValidation, path, err)
			}
			c.path = path
		}
	}

	if c.dataDir, err = c.resolveDataDir(fs); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) findConfigFile(fs VerdantFS) (string, bool, error) {
	if c.flags.ConfigPath != "" {
		p, err := fs.Resolve(c.flags.ConfigPath)
		return p, true, err
	}
	if env := c.getenv("VERDANT_CONFIG"); env != "" {
		p, err := fs.Resolve(env)
		return p, true, err
	}

	candidates := []string{}
	if local, err := fs.Resolve(ConfigFileName); err == nil {
		candidates = append(candidates, local)
	}
	if home, err := fs.HomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "verdant", ConfigFileName))
	}
	for _, p := range candidates {
		if ok, _ := afero.Exists(fs, p); ok {
			return p, false, nil
		}
	}
	return "", false, nil
}

func (c *Config) resolveDataDir(fs VerdantFS) (string, error) {
	dir := c.flags.DataDir
	if dir == "" {
		dir = c.toml.DataDir
	}
	if dir == "" {
		home, err := fs.HomeDir()
		if err != nil {
			return "", fmt.Errorf("find home directory: %w", err)
		}
		return filepath.Join(home, ".verdant"), nil
	}
	return fs.Resolve(dir)
}

func (c *Config) validate() error {
	var err error

	c.snapshotInterval = defaultSnapshotInterval
	if c.toml.SnapshotInterval != "" {
		if c.snapshotInterval, err = driver.ParseDuration(c.toml.SnapshotInterval); err != nil {
			return fmt.Errorf("%w: snapshot_interval: %w", ErrValidation, err)
		}
	}
	if c.toml.ReinitInterval != "" {
		if c.reinitInterval, err = driver.ParseDuration(c.toml.ReinitInterval); err != nil {
			return fmt.Errorf("%w: reinit_interval: %w", ErrValidation, err)
		}
	}

	switch c.toml.GPIO {
	case "", GPIOBackendRPIO, GPIOBackendSimulated:
	default:
		return fmt.Errorf("%w: gpio must be %q or %q, got %q", ErrValidation, GPIOBackendRPIO, GPIOBackendSimulated, c.toml.GPIO)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel()); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrValidation, err)
	}

	seen := make(map[string]bool)
	for i, p := range c.toml.Peripherals {
		if p.Name == "" {
			return fmt.Errorf("%w: peripheral %d has no name", ErrValidation, i)
		}
		if !validNameRegex.MatchString(p.Name) {
			return fmt.Errorf("%w: peripheral name %q may only contain letters, digits, '.', '_' and '-'", ErrValidation, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate peripheral name %q", ErrValidation, p.Name)
		}
		seen[p.Name] = true
		if p.Setup == "" {
			return fmt.Errorf("%w: peripheral %q has no setup", ErrValidation, p.Name)
		}
		if p.Interval != "" {
			if _, err := driver.ParseDuration(p.Interval); err != nil {
				return fmt.Errorf("%w: peripheral %q interval: %w", ErrValidation, p.Name, err)
			}
		}
	}
	return nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Path is the config file that was read, if any.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) Host() string {
	return firstOf(c.flags.Host, c.getenv("HOST"), c.toml.Host, defaultHost)
}

func (c *Config) Port() string {
	return firstOf(c.flags.Port, c.getenv("PORT"), c.toml.Port, defaultPort)
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host(), c.Port())
}

func (c *Config) DataDir() string {
	return c.dataDir
}

func (c *Config) Simulate() bool {
	return c.flags.Simulate || c.toml.Simulate
}

func (c *Config) GPIOBackend() string {
	if c.Simulate() {
		return GPIOBackendSimulated
	}
	return firstOf(c.toml.GPIO, GPIOBackendRPIO)
}

func (c *Config) LogLevel() string {
	return firstOf(c.flags.LogLevel, c.getenv("VERDANT_LOG_LEVEL"), c.toml.LogLevel, zerolog.LevelInfoValue)
}

func (c *Config) LogJSON() bool {
	return c.toml.LogJSON
}

// DriverDefaults are substituted for "default" in communication blocks.
func (c *Config) DriverDefaults() driver.Defaults {
	return driver.Defaults{
		Bus:        firstOf(c.getenv("DEFAULT_I2C_BUS"), c.toml.DefaultI2CBus),
		MuxAddress: firstOf(c.getenv("DEFAULT_MUX_ADDRESS"), c.toml.DefaultMuxAddress),
	}
}

// SnapshotInterval of zero disables periodic snapshots.
func (c *Config) SnapshotInterval() time.Duration {
	return c.snapshotInterval
}

// ReinitInterval of zero means the manager default.
func (c *Config) ReinitInterval() time.Duration {
	return c.reinitInterval
}

func (c *Config) RateLimit() (rate.Limit, int) {
	perMin := c.toml.RateLimitPerMin
	if perMin <= 0 {
		perMin = defaultRatePerMinute
	}
	burst := c.toml.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	return rate.Every(time.Minute / time.Duration(perMin)), burst
}

func (c *Config) Peripherals() []PeripheralConfig {
	return c.toml.Peripherals
}
