// Package config reads the YAML configuration of the procflow command.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Application string  `yaml:"application"`
	PipelineID  int64   `yaml:"pipeline_id"`
	SectionSize int64   `yaml:"section_size"`
	Storage     Storage `yaml:"storage"`
	HTTP        HTTP    `yaml:"http"`
	Log         Log     `yaml:"log"`
}

type Storage struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Application: "",
		PipelineID:  1,
		SectionSize: 10,
		Storage:     Storage{Driver: DriverSQLite, DSN: "procflow.db"},
		HTTP:        HTTP{Addr: ":8080"},
		Log:         Log{Level: "info"},
	}
}

// Load reads the file at path on top of Default.
// Returns the defaults if path is empty.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch {
	case c.PipelineID < 0:
		return fmt.Errorf("%w: negative pipeline_id %d", ErrInvalid, c.PipelineID)
	case c.SectionSize < 1:
		return fmt.Errorf("%w: section_size must be >0", ErrInvalid)
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn required for driver %q",
				ErrInvalid, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", ErrInvalid, c.Storage.Driver)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses the level name.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return level, nil
}
