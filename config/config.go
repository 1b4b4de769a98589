// Package config loads, validates and edits the queuectl YAML configuration.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/errors"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Statistics StatisticsConfig `yaml:"statistics"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Reclaimer  ReclaimerConfig  `yaml:"reclaimer"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig selects the durable job store
type StoreConfig struct {
	Type      string `yaml:"type"`
	URI       string `yaml:"uri"`
	Namespace string `yaml:"namespace"`
}

// StatisticsConfig selects the statistics backend
type StatisticsConfig struct {
	Type      string `yaml:"type"`
	URI       string `yaml:"uri"`
	Namespace string `yaml:"namespace"`
}

// QueueConfig holds the retry policy applied to new jobs
type QueueConfig struct {
	MaxRetries    int      `yaml:"max_retries"`
	BackoffBase   float64  `yaml:"backoff_base"`
	MaxBackoff    Duration `yaml:"max_backoff"`
	JitterPercent int      `yaml:"jitter_percent"`
}

// WorkerConfig contains worker process configuration
type WorkerConfig struct {
	Count           int      `yaml:"count"`
	PollInterval    Duration `yaml:"poll_interval"`
	JobTimeout      Duration `yaml:"job_timeout"`
	Shell           bool     `yaml:"shell"`
	MaxOutputBytes  int      `yaml:"max_output_bytes"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ReclaimerConfig contains stale lock reclamation settings
type ReclaimerConfig struct {
	Enabled    bool     `yaml:"enabled"`
	StaleAfter Duration `yaml:"stale_after"`
	Interval   Duration `yaml:"interval"`
}

// APIConfig contains admin HTTP API settings
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var (
	storeTypes = []string{"memory", "sqlite", "postgres", "redis"}
	statsTypes = []string{"noop", "redis", "rabbitmq"}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// aliases maps the flat key names accepted by "config set" to dotted keys
var aliases = map[string]string{
	"max_retries":  "queue.max_retries",
	"backoff_base": "queue.backoff_base",
	"max_backoff":  "queue.max_backoff",
	"workers":      "worker.count",
	"job_timeout":  "worker.job_timeout",
	"stale_after":  "reclaimer.stale_after",
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Type:      "sqlite",
			URI:       "file:queue.db",
			Namespace: "queuectl:",
		},
		Statistics: StatisticsConfig{
			Type:      "noop",
			Namespace: "queuectl:stats:",
		},
		Queue: QueueConfig{
			MaxRetries:  3,
			BackoffBase: backoff.DefaultBase,
		},
		Worker: WorkerConfig{
			Count:           1,
			PollInterval:    Duration(time.Second),
			JobTimeout:      Duration(time.Minute),
			Shell:           true,
			MaxOutputBytes:  64 * 1024,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Reclaimer: ReclaimerConfig{
			Enabled:    true,
			StaleAfter: Duration(5 * time.Minute),
			Interval:   Duration(30 * time.Second),
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns $QUEUECTL_CONFIG, or config.yaml under the user
// config directory
func DefaultPath() string {
	if path := os.Getenv("QUEUECTL_CONFIG"); path != "" {
		return path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "queuectl.yaml"
	}
	return filepath.Join(dir, "queuectl", "config.yaml")
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads the file at path over the defaults without environment
// overrides or validation
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Set assigns value to the setting named by a dotted key such as
// "worker.count". Dashes are accepted for underscores and a few flat
// aliases ("max-retries", "backoff-base") name queue settings. The
// configuration is only changed when the result validates.
func (c *Config) Set(key, value string) error {
	path := strings.Split(normalizeKey(key), ".")

	var root yaml.Node
	if err := root.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	target, err := lookup(&root, path)
	if err != nil {
		return fmt.Errorf("%w: %s", err, key)
	}
	if target.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: %s is a section, not a setting", errors.ErrInvalidConfig, key)
	}

	// An empty tag lets the decoder resolve the new scalar's type.
	target.Tag = ""
	target.Style = 0
	target.Value = value

	updated := DefaultConfig()
	if err := root.Decode(updated); err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	*c = *updated
	return nil
}

// Get returns the YAML rendering of the setting named by key
func (c *Config) Get(key string) (string, error) {
	var root yaml.Node
	if err := root.Encode(c); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	target, err := lookup(&root, strings.Split(normalizeKey(key), "."))
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, key)
	}
	if target.Kind == yaml.ScalarNode {
		return target.Value, nil
	}
	out, err := yaml.Marshal(target)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
	if full, ok := aliases[key]; ok {
		return full
	}
	return key
}

func lookup(node *yaml.Node, path []string) (*yaml.Node, error) {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	for _, part := range path {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: unknown key", errors.ErrInvalidConfig)
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == part {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: unknown key", errors.ErrInvalidConfig)
		}
		node = next
	}
	return node, nil
}

// ApplyEnv overrides settings from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("QUEUECTL_STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("QUEUECTL_STORE_URI"); v != "" {
		c.Store.URI = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		if c.Store.Type == "redis" && os.Getenv("QUEUECTL_STORE_URI") == "" {
			c.Store.URI = v
		}
		if c.Statistics.Type == "redis" {
			c.Statistics.URI = v
		}
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" && c.Statistics.Type == "rabbitmq" {
		c.Statistics.URI = v
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(storeTypes, c.Store.Type) {
		errs = append(errs, fmt.Errorf("store.type must be one of %v, got %q", storeTypes, c.Store.Type))
	}
	if !slices.Contains(statsTypes, c.Statistics.Type) {
		errs = append(errs, fmt.Errorf("statistics.type must be one of %v, got %q", statsTypes, c.Statistics.Type))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries must not be negative"))
	}
	if c.Queue.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("queue.backoff_base must be positive"))
	}
	if c.Queue.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("queue.max_backoff must not be negative"))
	}
	if c.Queue.JitterPercent < 0 || c.Queue.JitterPercent > 100 {
		errs = append(errs, fmt.Errorf("queue.jitter_percent must be between 0 and 100"))
	}
	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker.count must be at least 1"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.poll_interval must be positive"))
	}
	if c.Worker.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker.job_timeout must be positive"))
	}
	if c.Worker.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker.shutdown_timeout must be positive"))
	}
	if c.Reclaimer.Enabled {
		if c.Reclaimer.Interval <= 0 {
			errs = append(errs, fmt.Errorf("reclaimer.interval must be positive"))
		}
		if c.Reclaimer.StaleAfter <= c.Worker.JobTimeout+c.Worker.PollInterval {
			errs = append(errs, fmt.Errorf("reclaimer.stale_after (%s) must exceed worker.job_timeout + worker.poll_interval (%s)",
				c.Reclaimer.StaleAfter, c.Worker.JobTimeout+c.Worker.PollInterval))
		}
	}
	if !slices.Contains(logLevels, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("logging.level must be one of %v", logLevels))
	}
	if !slices.Contains(logFormats, strings.ToLower(c.Logging.Format)) {
		errs = append(errs, fmt.Errorf("logging.format must be one of %v", logFormats))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errors.ErrInvalidConfig, stderrors.Join(errs...))
	}
	return nil
}

// Backoff builds the retry policy described by the queue section
func (c *Config) Backoff() backoff.Policy {
	policy := &backoff.Exponential{
		Base: c.Queue.BackoffBase,
		Unit: time.Second,
		Max:  c.Queue.MaxBackoff.Std(),
	}
	if c.Queue.JitterPercent > 0 {
		return backoff.WithJitter(policy, c.Queue.JitterPercent)
	}
	return policy
}
