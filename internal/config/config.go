package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syntrixbase/kvexport/internal/exporter"
	"github.com/syntrixbase/kvexport/internal/kvstore"
)

var (
	ErrMissingURL   = errors.New("source url is required (set source.url or SRC_REDIS_REST_URL)")
	ErrMissingToken = errors.New("source token is required (set source.token or SRC_REDIS_REST_TOKEN)")
)

// Default configuration files, loaded in order when no explicit file is given.
var DefaultFiles = []string{"config/config.yml", "config/config.local.yml"}

// Config holds the application configuration
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Export  ExportConfig  `yaml:"export"`
	Output  OutputConfig  `yaml:"output"`
	Journal JournalConfig `yaml:"journal"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Source:  DefaultSourceConfig(),
		Export:  DefaultExportConfig(),
		Output:  DefaultOutputConfig(),
		Journal: DefaultJournalConfig(),
		Metrics: DefaultMetricsConfig(),
		Logging: DefaultLoggingConfig(),
	}
}

// Load builds the configuration.
// Order: defaults -> files -> ApplyDefaults -> ApplyEnvOverrides.
// With an explicit path only that file is read and it must exist; otherwise
// the DefaultFiles are read when present. Validate is left to the caller so
// that flag overrides can be applied first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, cfg, false); err != nil {
			return nil, err
		}
	} else {
		for _, f := range DefaultFiles {
			if err := loadFile(f, cfg, true); err != nil {
				return nil, err
			}
		}
	}

	for _, s := range cfg.sections() {
		s.ApplyDefaults()
		s.ApplyEnvOverrides()
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, s := range c.sections() {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) sections() []Section {
	return []Section{&c.Source, &c.Export, &c.Output, &c.Journal, &c.Metrics, &c.Logging}
}

func loadFile(filename string, cfg *Config, optional bool) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}

// SourceConfig describes the remote store.
type SourceConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`

	// RawEncoding disables base64 replies. Only safe for UTF-8 data.
	RawEncoding bool `yaml:"raw_encoding"`

	RateLimit kvstore.RateLimitConfig `yaml:"rate_limit"`
}

func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		ScanTimeout:     30 * time.Second,
		CallTimeout:     30 * time.Second,
		PipelineTimeout: 60 * time.Second,
		RateLimit:       kvstore.DefaultRateLimitConfig(),
	}
}

func (c *SourceConfig) ApplyDefaults() {
	d := DefaultSourceConfig()
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = d.ScanTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = d.PipelineTimeout
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = d.RateLimit.Window
	}
}

func (c *SourceConfig) ApplyEnvOverrides() {
	if val := os.Getenv("SRC_REDIS_REST_URL"); val != "" {
		c.URL = val
	}
	if val := os.Getenv("SRC_REDIS_REST_TOKEN"); val != "" {
		c.Token = val
	}
	if val := os.Getenv("KVEXPORT_RATE_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.RateLimit.Requests = n
		}
	}
}

func (c *SourceConfig) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	if c.Token == "" {
		return ErrMissingToken
	}
	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("source.rate_limit.requests must not be negative")
	}
	return nil
}

// ExportConfig tunes the export run.
type ExportConfig struct {
	Mode             string               `yaml:"mode"`
	BatchSize        int                  `yaml:"batch_size"`
	ScanCount        int                  `yaml:"scan_count"`
	Concurrency      int                  `yaml:"concurrency"`
	Match            string               `yaml:"match"`
	BatchRetries     int                  `yaml:"batch_retries"`
	Timeout          time.Duration        `yaml:"timeout"`
	ProgressInterval time.Duration        `yaml:"progress_interval"`
	Retry            exporter.RetryPolicy `yaml:"retry"`
}

func DefaultExportConfig() ExportConfig {
	d := exporter.DefaultConfig()
	return ExportConfig{
		Mode:             string(d.Mode),
		BatchSize:        d.BatchSize,
		Concurrency:      d.Concurrency,
		ProgressInterval: d.ProgressInterval,
		Retry:            d.Retry,
	}
}

func (c *ExportConfig) ApplyDefaults() {
	d := DefaultExportConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = d.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = d.Retry.MaxBackoff
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = d.Retry.BackoffMultiplier
	}
}

func (c *ExportConfig) ApplyEnvOverrides() {
	if val := os.Getenv("KVEXPORT_MODE"); val != "" {
		c.Mode = val
	}
	if val := os.Getenv("KVEXPORT_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.BatchSize = n
		}
	}
	if val := os.Getenv("KVEXPORT_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Concurrency = n
		}
	}
	if val := os.Getenv("KVEXPORT_MATCH"); val != "" {
		c.Match = val
	}
	if val := os.Getenv("KVEXPORT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Timeout = d
		}
	}
}

func (c *ExportConfig) Validate() error {
	if _, err := exporter.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("export.mode: %w", err)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("export.batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("export.concurrency must be positive, got %d", c.Concurrency)
	}
	if c.ScanCount < 0 || c.BatchRetries < 0 {
		return fmt.Errorf("export.scan_count and export.batch_retries must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("export.timeout must not be negative")
	}
	return nil
}

// ExporterConfig converts the section into the exporter's run settings.
func (c *ExportConfig) ExporterConfig(sourceURL string) exporter.Config {
	return exporter.Config{
		Mode:             exporter.Mode(c.Mode),
		BatchSize:        c.BatchSize,
		ScanCount:        c.ScanCount,
		Concurrency:      c.Concurrency,
		Match:            c.Match,
		BatchRetries:     c.BatchRetries,
		Timeout:          c.Timeout,
		ProgressInterval: c.ProgressInterval,
		Retry:            c.Retry,
		SourceURL:        sourceURL,
	}
}

// OutputConfig controls where the snapshot is written.
type OutputConfig struct {
	Path        string        `yaml:"path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		Path:        "scripts/upstash_dump.json",
		LockTimeout: 5 * time.Second,
	}
}

func (c *OutputConfig) ApplyDefaults() {
	d := DefaultOutputConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
}

func (c *OutputConfig) ApplyEnvOverrides() {
	if val := os.Getenv("KVEXPORT_OUTPUT"); val != "" {
		c.Path = val
	}
}

func (c *OutputConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("output.path cannot be empty")
	}
	return nil
}

// JournalConfig controls the failed-batch journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// Retention drops journaled runs older than this at the start of an
	// export. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

func DefaultJournalConfig() JournalConfig {
	return JournalConfig{Enabled: true, Dir: "data/journal", Retention: 7 * 24 * time.Hour}
}

func (c *JournalConfig) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = DefaultJournalConfig().Dir
	}
}

func (c *JournalConfig) ApplyEnvOverrides() {
	if val := os.Getenv("KVEXPORT_JOURNAL_DIR"); val != "" {
		c.Dir = val
	}
}

func (c *JournalConfig) Validate() error {
	if c.Enabled && c.Dir == "" {
		return fmt.Errorf("journal.dir cannot be empty when the journal is enabled")
	}
	if c.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}
	return nil
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Address: ":9464", Path: "/metrics"}
}

func (c *MetricsConfig) ApplyDefaults() {
	d := DefaultMetricsConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.Path == "" {
		c.Path = d.Path
	}
}

func (c *MetricsConfig) ApplyEnvOverrides() {
	if val := os.Getenv("KVEXPORT_METRICS_ADDR"); val != "" {
		c.Enabled = true
		c.Address = val
	}
}

func (c *MetricsConfig) Validate() error {
	if c.Enabled && !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/': %s", c.Path)
	}
	return nil
}
