// Package config defines the statesync configuration surface: retry and
// backoff knobs, batch flush triggers, dedup/merge toggles, and recovery
// gates. Configuration loads from YAML or JSON files and is served to
// concurrent readers through SafeConfig.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/operation"
)

// Config is the complete configuration for the sync pipeline.
type Config struct {
	// Update execution
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay      time.Duration `json:"retry_delay" yaml:"retry_delay"`
	RollbackOnError bool          `json:"rollback_on_error" yaml:"rollback_on_error"`
	Debounce        time.Duration `json:"debounce" yaml:"debounce"`

	// Batch queue
	MaxBatchSize  int           `json:"max_batch_size" yaml:"max_batch_size"`
	BatchTimeout  time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	Deduplication bool          `json:"deduplication" yaml:"deduplication"`
	MergeSimilar  bool          `json:"merge_similar" yaml:"merge_similar"`

	// Recovery
	PriorityThreshold   operation.Priority `json:"priority_threshold" yaml:"priority_threshold"`
	RequireConfirmation bool               `json:"require_confirmation" yaml:"require_confirmation"`
	DryRun              bool               `json:"dry_run" yaml:"dry_run"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryDelay:          1 * time.Second,
		RollbackOnError:     true,
		Debounce:            0,
		MaxBatchSize:        50,
		BatchTimeout:        5 * time.Second,
		Deduplication:       true,
		MergeSimilar:        true,
		PriorityThreshold:   operation.PriorityLow,
		RequireConfirmation: true,
		DryRun:              false,
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.Wrap(fmt.Errorf("max_retries %d is negative", c.MaxRetries),
			"Config", "Validate", "retry settings")
	}
	if c.RetryDelay < 0 {
		return errors.Wrap(fmt.Errorf("retry_delay %s is negative", c.RetryDelay),
			"Config", "Validate", "retry settings")
	}
	if c.Debounce < 0 {
		return errors.Wrap(fmt.Errorf("debounce %s is negative", c.Debounce),
			"Config", "Validate", "debounce settings")
	}
	if c.MaxBatchSize <= 0 {
		return errors.Wrap(fmt.Errorf("max_batch_size %d must be positive", c.MaxBatchSize),
			"Config", "Validate", "batch settings")
	}
	if c.BatchTimeout <= 0 {
		return errors.Wrap(fmt.Errorf("batch_timeout %s must be positive", c.BatchTimeout),
			"Config", "Validate", "batch settings")
	}
	if c.PriorityThreshold < operation.PriorityLow || c.PriorityThreshold > operation.PriorityCritical {
		return errors.Wrap(fmt.Errorf("priority_threshold %d out of range", c.PriorityThreshold),
			"Config", "Validate", "recovery settings")
	}
	return nil
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() Config {
	return *c
}

// duration decodes from a Go duration string ("250ms") or an integer
// nanosecond count.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	return d.decode(strings.Trim(string(data), `"`))
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.decode(value.Value)
}

func (d *duration) decode(s string) error {
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// fileConfig mirrors Config with optional fields so a file can override
// any subset of the defaults.
type fileConfig struct {
	MaxRetries      *int      `json:"max_retries" yaml:"max_retries"`
	RetryDelay      *duration `json:"retry_delay" yaml:"retry_delay"`
	RollbackOnError *bool     `json:"rollback_on_error" yaml:"rollback_on_error"`
	Debounce        *duration `json:"debounce" yaml:"debounce"`

	MaxBatchSize  *int      `json:"max_batch_size" yaml:"max_batch_size"`
	BatchTimeout  *duration `json:"batch_timeout" yaml:"batch_timeout"`
	Deduplication *bool     `json:"deduplication" yaml:"deduplication"`
	MergeSimilar  *bool     `json:"merge_similar" yaml:"merge_similar"`

	PriorityThreshold   *int  `json:"priority_threshold" yaml:"priority_threshold"`
	RequireConfirmation *bool `json:"require_confirmation" yaml:"require_confirmation"`
	DryRun              *bool `json:"dry_run" yaml:"dry_run"`
}

func (f *fileConfig) apply(cfg *Config) {
	if f.MaxRetries != nil {
		cfg.MaxRetries = *f.MaxRetries
	}
	if f.RetryDelay != nil {
		cfg.RetryDelay = time.Duration(*f.RetryDelay)
	}
	if f.RollbackOnError != nil {
		cfg.RollbackOnError = *f.RollbackOnError
	}
	if f.Debounce != nil {
		cfg.Debounce = time.Duration(*f.Debounce)
	}
	if f.MaxBatchSize != nil {
		cfg.MaxBatchSize = *f.MaxBatchSize
	}
	if f.BatchTimeout != nil {
		cfg.BatchTimeout = time.Duration(*f.BatchTimeout)
	}
	if f.Deduplication != nil {
		cfg.Deduplication = *f.Deduplication
	}
	if f.MergeSimilar != nil {
		cfg.MergeSimilar = *f.MergeSimilar
	}
	if f.PriorityThreshold != nil {
		cfg.PriorityThreshold = operation.Priority(*f.PriorityThreshold)
	}
	if f.RequireConfirmation != nil {
		cfg.RequireConfirmation = *f.RequireConfirmation
	}
	if f.DryRun != nil {
		cfg.DryRun = *f.DryRun
	}
}

// LoadFile reads a configuration file. The extension selects the decoder:
// .yaml/.yml use YAML, anything else is treated as JSON. Missing fields
// keep their defaults; duration fields accept Go duration strings.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "Config", "LoadFile", "read")
	}

	var file fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return DefaultConfig(), errors.Wrap(err, "Config", "LoadFile", "decode")
	}
	file.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg Config) *SafeConfig {
	return &SafeConfig{config: cfg}
}

// Get returns a copy of the current configuration
func (sc *SafeConfig) Get() Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
