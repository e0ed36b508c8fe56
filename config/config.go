// Package config loads and validates the checkpoint YAML configuration.
// It applies defaults so the daemons can rely on fully populated values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/somakeit/checkpoint/registry"
	"gopkg.in/yaml.v3"
)

const (
	envDriver   = "CHECKPOINT_REGISTRY_DRIVER"
	envDSN      = "CHECKPOINT_REGISTRY_DSN"
	envLogLevel = "CHECKPOINT_LOG_LEVEL"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	// File is appended to, - is stdout.
	File string `yaml:"file"`
}

// RegistryConfig holds database settings.
type RegistryConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Migrate      bool          `yaml:"migrate"`
}

// BusConfig holds the shared SPI bus settings.
type BusConfig struct {
	SPI             string        `yaml:"spi"`
	IRQPin          int           `yaml:"irq_pin"`
	Settle          time.Duration `yaml:"settle"`
	PresenceTimeout time.Duration `yaml:"presence_timeout"`
	AntennaGain     *int          `yaml:"antenna_gain"`
}

// ReaderConfig is one reader on the bus, its ID is also the access point ID.
type ReaderConfig struct {
	ID        string `yaml:"id"`
	SelectPin int    `yaml:"select_pin"`
}

// IndicatorConfig holds the lamp settings. A StatusPin of 0 disables the
// status LED.
type IndicatorConfig struct {
	GrantPin  int           `yaml:"grant_pin"`
	DenyPin   int           `yaml:"deny_pin"`
	Hold      time.Duration `yaml:"hold"`
	ActiveLow bool          `yaml:"active_low"`
	StatusPin int           `yaml:"status_pin"`
}

// AuditConfig holds access log writer settings.
type AuditConfig struct {
	Async   *bool `yaml:"async"`
	Queue   int   `yaml:"queue"`
	Retries *int  `yaml:"retries"`
}

// Config mirrors the checkpoint.yaml schema.
type Config struct {
	Log           LogConfig       `yaml:"log"`
	Registry      RegistryConfig  `yaml:"registry"`
	Bus           BusConfig       `yaml:"bus"`
	Readers       []ReaderConfig  `yaml:"readers"`
	Indicator     IndicatorConfig `yaml:"indicator"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`
	IgnoreRepeats bool            `yaml:"ignore_repeats"`
	Audit         AuditConfig     `yaml:"audit"`
}

// Load reads a YAML config file, applies environment overrides and
// defaults, and validates it.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(b)
}

// Parse is Load for an already read file.
func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	applyEnv(&c)
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// AntennaGain returns the configured gain.
func (c Config) AntennaGain() int {
	return *c.Bus.AntennaGain
}

// AuditAsync reports whether attempts are written in the background.
func (c Config) AuditAsync() bool {
	return *c.Audit.Async
}

// AuditRetries returns the number of times a failed attempt write is retried.
func (c Config) AuditRetries() uint64 {
	return uint64(*c.Audit.Retries)
}

func applyEnv(c *Config) {
	if v := strings.TrimSpace(os.Getenv(envDriver)); v != "" {
		c.Registry.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv(envDSN)); v != "" {
		c.Registry.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		c.Log.Level = v
	}
}

// applyDefaults populates zero-values with the defaults of a single door
// installation.
func applyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.File == "" {
		c.Log.File = "/var/log/doord/access.log"
	}
	if c.Registry.Driver == "" {
		c.Registry.Driver = string(registry.SQLite)
	}
	if c.Registry.DSN == "" && c.Registry.Driver == string(registry.SQLite) {
		c.Registry.DSN = "file:/var/lib/doord/checkpoint.db?_pragma=busy_timeout(5000)"
	}
	if c.Registry.QueryTimeout == 0 {
		c.Registry.QueryTimeout = 5 * time.Second
	}
	if c.Bus.IRQPin == 0 {
		c.Bus.IRQPin = 24
	}
	if c.Bus.Settle == 0 {
		c.Bus.Settle = 100 * time.Millisecond
	}
	if c.Bus.PresenceTimeout == 0 {
		c.Bus.PresenceTimeout = 50 * time.Millisecond
	}
	if c.Bus.AntennaGain == nil {
		gain := 5
		c.Bus.AntennaGain = &gain
	}
	if c.Indicator.GrantPin == 0 {
		c.Indicator.GrantPin = 20
	}
	if c.Indicator.DenyPin == 0 {
		c.Indicator.DenyPin = 21
	}
	if c.Indicator.Hold == 0 {
		c.Indicator.Hold = 2 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 500 * time.Millisecond
	}
	if c.Audit.Async == nil {
		async := true
		c.Audit.Async = &async
	}
	if c.Audit.Queue == 0 {
		c.Audit.Queue = 64
	}
	if c.Audit.Retries == nil {
		retries := 3
		c.Audit.Retries = &retries
	}
}

// validate performs sanity checks for required fields and ranges. It does
// not mutate the config.
func validate(c *Config) error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level is invalid: %w", err)
	}
	if _, err := registry.ParseDialect(c.Registry.Driver); err != nil {
		return fmt.Errorf("registry.driver is invalid: %w", err)
	}
	if strings.TrimSpace(c.Registry.DSN) == "" {
		return errors.New("registry.dsn is required")
	}
	if c.Registry.QueryTimeout < 0 {
		return errors.New("registry.query_timeout is invalid")
	}
	if g := *c.Bus.AntennaGain; g < 0 || g > 7 {
		return errors.New("bus.antenna_gain must be 0 to 7")
	}
	if c.Bus.Settle < 0 || c.Bus.PresenceTimeout < 0 || c.SweepInterval < 0 || c.Indicator.Hold < 0 {
		return errors.New("durations must not be negative")
	}
	if len(c.Readers) == 0 {
		return errors.New("at least one reader is required")
	}
	if c.Audit.Queue < 0 {
		return errors.New("audit.queue is invalid")
	}
	if *c.Audit.Retries < 0 {
		return errors.New("audit.retries is invalid")
	}

	pins := map[int]string{}
	usePin := func(pin int, user string) error {
		if pin <= 0 {
			return fmt.Errorf("%s pin is invalid", user)
		}
		if other, ok := pins[pin]; ok {
			return fmt.Errorf("%s and %s share GPIO%d", other, user, pin)
		}
		pins[pin] = user
		return nil
	}

	ids := map[string]bool{}
	for i, r := range c.Readers {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("readers[%d].id is required", i)
		}
		if ids[r.ID] {
			return fmt.Errorf("reader %q is configured twice", r.ID)
		}
		ids[r.ID] = true
		if err := usePin(r.SelectPin, "reader "+r.ID); err != nil {
			return err
		}
	}
	if err := usePin(c.Bus.IRQPin, "bus.irq_pin"); err != nil {
		return err
	}
	if err := usePin(c.Indicator.GrantPin, "indicator.grant_pin"); err != nil {
		return err
	}
	if err := usePin(c.Indicator.DenyPin, "indicator.deny_pin"); err != nil {
		return err
	}
	if c.Indicator.StatusPin != 0 {
		if err := usePin(c.Indicator.StatusPin, "indicator.status_pin"); err != nil {
			return err
		}
	}
	return nil
}
