// Package config loads and hot-reloads the daemon's own operational
// settings — pool sizes, default timeouts, the limits table, and telemetry
// toggles — the way engine/internal/runtime.RuntimeConfigManager does for
// the teacher repo, trimmed to the single reload use case §4.9 calls for
// ("updates require config reload"). It never parses experiment plans or
// device configuration fragments; those remain an adapter-layer concern
// per spec §1.
package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"rudaq/internal/limits"
)

// BufferPoolConfig configures a frame pipeline's buffer pool (§4.1).
type BufferPoolConfig struct {
	Size            int           `yaml:"size"`
	BufferBytes     int64         `yaml:"buffer_bytes"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
}

// RetryConfig configures the default error-recovery policy (§4.8).
type RetryConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier float64      `yaml:"backoff_multiplier"`
	CircuitThreshold int           `yaml:"circuit_threshold"`
	CircuitWindow    time.Duration `yaml:"circuit_window"`
	CircuitCooldown  time.Duration `yaml:"circuit_cooldown"`
}

// TelemetryConfig toggles the ambient observability stack.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"` // "prometheus" | "otel" | "noop"
	TracingEnabled bool   `yaml:"tracing_enabled"`
	LogLevel       string `yaml:"log_level"`
	ServiceName    string `yaml:"service_name"`
}

// Config is the daemon's own operational configuration.
type Config struct {
	Limits      limits.Limits     `yaml:"limits"`
	BufferPool  BufferPoolConfig  `yaml:"buffer_pool"`
	Retry       RetryConfig       `yaml:"retry"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Version     string            `yaml:"version"`
	UpdatedAt   time.Time         `yaml:"-"`
	checksum    string
}

// Default returns sensible defaults for every field.
func Default() Config {
	return Config{
		Limits: limits.Default(),
		BufferPool: BufferPoolConfig{
			Size:           30,
			BufferBytes:    8 << 20,
			AcquireTimeout: 750 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialBackoff:    100 * time.Millisecond,
			BackoffMultiplier: 2.0,
			CircuitThreshold:  5,
			CircuitWindow:     30 * time.Second,
			CircuitCooldown:   10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			MetricsBackend: "prometheus",
			TracingEnabled: false,
			LogLevel:       "info",
			ServiceName:    "rudaqd",
		},
		Version: "1.0.0",
	}
}

// Validate checks the limits table, the buffer pool's size and buffer bytes
// (including against max_frame_bytes), retry.max_retries and
// retry.backoff_multiplier. Timeouts, circuit-breaker settings and telemetry
// fields are not checked.
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.BufferPool.Size <= 0 {
		return fmt.Errorf("config: buffer_pool.size must be positive")
	}
	if c.BufferPool.BufferBytes <= 0 {
		return fmt.Errorf("config: buffer_pool.buffer_bytes must be positive")
	}
	if err := c.Limits.CheckFrameBytes(c.BufferPool.BufferBytes); err != nil {
		return err
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.max_retries must be non-negative")
	}
	if c.Retry.BackoffMultiplier <= 0 {
		return fmt.Errorf("config: retry.backoff_multiplier must be positive")
	}
	return nil
}

// Load reads and validates a Config from a YAML file.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.UpdatedAt = time.Now()
		cfg.checksum = checksum(cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	cfg.UpdatedAt = time.Now()
	cfg.checksum = checksum(cfg)
	return cfg, nil
}

func checksum(c Config) string {
	cpy := c
	cpy.checksum = ""
	cpy.UpdatedAt = time.Time{}
	data, _ := yaml.Marshal(cpy)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// Watcher watches a config file for changes and emits reloaded,
// re-validated Config values on the changes channel passed to Run. Invalid
// reloads are reported on Run's errs channel (dropped if it is full) and
// the previous Config remains Current.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current Config
}

// NewWatcher starts watching path's parent directory (fsnotify does not
// support watching a single file reliably across editors that replace it).
func NewWatcher(path string, initial Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch dir %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, watcher: fw, current: initial}, nil
}

// Current returns the most recently accepted Config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run blocks, emitting accepted reloads on changes and validation/IO errors
// on errs, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, changes chan<- Config, errs chan<- error) {
	defer w.watcher.Close()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := Load(w.path)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				continue
			}
			w.mu.Lock()
			changed := next.checksum != w.current.checksum
			if changed {
				w.current = next
			}
			w.mu.Unlock()
			if changed {
				select {
				case changes <- next:
				case <-ctx.Done():
					return
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case errs <- err:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}
