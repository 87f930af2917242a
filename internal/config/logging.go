package config

import (
	"cmp"
	"fmt"
	"os"
	"time"
)

// LoggingConfig controls the console and the rotating log files.
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Dir      string         `yaml:"dir"`
	Rotation RotationConfig `yaml:"rotation"`
	Console  ConsoleConfig  `yaml:"console"`
	File     SinkConfig     `yaml:"file"`
}

// RotationConfig is passed to lumberjack as is.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxBackups int  `yaml:"max_backups"` // files
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`
}

// SinkConfig is one log destination. An empty Level or Format inherits the
// top-level value.
type SinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// ConsoleConfig is the stderr sink. It also accepts the "compact" format.
type ConsoleConfig struct {
	SinkConfig `yaml:",inline"`

	// SuppressRepeats folds identical records seen again within this window.
	// Zero disables it.
	SuppressRepeats time.Duration `yaml:"suppress_repeats"`
}

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console: ConsoleConfig{
			SinkConfig:      SinkConfig{Enabled: true, Level: "info", Format: "compact"},
			SuppressRepeats: 10 * time.Second,
		},
		File: SinkConfig{Enabled: true, Level: "info", Format: "text"},
	}
}

func (c *LoggingConfig) ApplyDefaults() {
	d := DefaultLoggingConfig()
	c.Level = cmp.Or(c.Level, d.Level)
	c.Format = cmp.Or(c.Format, d.Format)
	c.Dir = cmp.Or(c.Dir, d.Dir)

	c.Rotation.MaxSize = cmp.Or(c.Rotation.MaxSize, d.Rotation.MaxSize)
	c.Rotation.MaxBackups = cmp.Or(c.Rotation.MaxBackups, d.Rotation.MaxBackups)
	c.Rotation.MaxAge = cmp.Or(c.Rotation.MaxAge, d.Rotation.MaxAge)

	c.Console.inherit(c.Level, d.Console.Format)
	c.File.inherit(c.Level, c.Format)
}

func (s *SinkConfig) inherit(level, format string) {
	s.Level = cmp.Or(s.Level, level)
	s.Format = cmp.Or(s.Format, format)
}

// ApplyEnvOverrides reads KVEXPORT_LOG_LEVEL, which sets every sink, and
// KVEXPORT_LOG_DIR.
func (c *LoggingConfig) ApplyEnvOverrides() {
	if val := os.Getenv("KVEXPORT_LOG_LEVEL"); val != "" {
		c.Level = val
		c.Console.Level = val
		c.File.Level = val
	}
	if val := os.Getenv("KVEXPORT_LOG_DIR"); val != "" {
		c.Dir = val
	}
}

func (c *LoggingConfig) Validate() error {
	if !validLevel(c.Level) {
		return fmt.Errorf("logging.level: invalid level %q (must be debug, info, warn or error)", c.Level)
	}
	if c.Format != "text" && c.Format != "json" {
		return fmt.Errorf("logging.format: invalid format %q (must be text or json)", c.Format)
	}

	if c.Console.Enabled {
		if err := c.Console.validate("logging.console", "compact", "text", "json"); err != nil {
			return err
		}
		if c.Console.SuppressRepeats < 0 {
			return fmt.Errorf("logging.console.suppress_repeats must not be negative")
		}
	}

	if c.File.Enabled {
		if c.Dir == "" {
			return fmt.Errorf("logging.dir cannot be empty when file output is enabled")
		}
		if err := c.File.validate("logging.file", "text", "json"); err != nil {
			return err
		}
	}
	return nil
}

func (s *SinkConfig) validate(field string, formats ...string) error {
	if s.Level != "" && !validLevel(s.Level) {
		return fmt.Errorf("%s.level: invalid level %q", field, s.Level)
	}
	if s.Format == "" {
		return nil
	}
	for _, f := range formats {
		if s.Format == f {
			return nil
		}
	}
	return fmt.Errorf("%s.format: invalid format %q (must be one of %v)", field, s.Format, formats)
}

func validLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
