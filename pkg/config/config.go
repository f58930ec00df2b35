// Package config handles loading and saving camwatch configuration.
//
// Configuration follows the XDG Base Directory specification:
//   - Config:  ~/.config/camwatch/config.yaml
//   - Data:    ~/.local/share/camwatch/ (snapshot exports, debug dumps)
//   - State:   ~/.local/state/camwatch/ (snapshot journal)
//
// Environment variables prefixed CW_ override individual settings after
// the file is read, so a deployment can point at a different device or
// force polling without editing the file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vanderheijden86/camwatch/pkg/watcher"
)

// DeviceConfig identifies one monitored device.
type DeviceConfig struct {
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"base_url"`
	FetchTimeoutMS int    `yaml:"fetch_timeout_ms,omitempty"`
}

// SyncConfig tunes the refresh and stream machinery. All intervals are
// milliseconds; zero means "not set" and fails validation because the
// defaults are filled in before the file is parsed.
type SyncConfig struct {
	DebounceMS          int      `yaml:"debounce_ms,omitempty"`
	PollIntervalMS      int      `yaml:"poll_interval_ms,omitempty"`
	MaxPollIntervalMS   int      `yaml:"max_poll_interval_ms,omitempty"`
	HeartbeatTimeoutMS  int      `yaml:"heartbeat_timeout_ms,omitempty"`
	MinReconnectDelayMS int      `yaml:"min_reconnect_delay_ms,omitempty"`
	MaxReconnectDelayMS int      `yaml:"max_reconnect_delay_ms,omitempty"`
	ForcePoll           bool     `yaml:"force_poll,omitempty"`
	Resources           []string `yaml:"resources,omitempty"` // subset of resources to sync; empty = all
}

// JournalConfig controls the on-disk snapshot journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"` // default: StateDir()/journal.db
}

// MetricsConfig controls in-process timing collection. A nil Enabled
// leaves the metrics package default (on, unless CW_METRICS=0) alone.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn, error
}

// Config is the top-level configuration for camwatch.
type Config struct {
	Devices       []DeviceConfig `yaml:"devices,omitempty"`
	DefaultDevice string         `yaml:"default_device,omitempty"`
	Sync          SyncConfig     `yaml:"sync,omitempty"`
	Journal       JournalConfig  `yaml:"journal,omitempty"`
	Metrics       MetricsConfig  `yaml:"metrics,omitempty"`
	Log           LogConfig      `yaml:"log,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sync: SyncConfig{
			DebounceMS:          250,
			PollIntervalMS:      2000,
			MaxPollIntervalMS:   60000,
			HeartbeatTimeoutMS:  15000,
			MinReconnectDelayMS: 500,
			MaxReconnectDelayMS: 30000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// ConfigDir returns the XDG config directory for camwatch.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "camwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "camwatch")
}

// DataDir returns the XDG data directory for camwatch.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "camwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "camwatch")
}

// StateDir returns the XDG state directory for camwatch.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "camwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "camwatch")
}

// ConfigPath returns the full path to config.yaml. CW_CONFIG overrides
// the XDG location entirely.
func ConfigPath() string {
	if p := os.Getenv("CW_CONFIG"); p != "" {
		return expandHome(p)
	}
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads the config file from the XDG config directory.
// Returns DefaultConfig if the file doesn't exist.
func Load() (Config, error) {
	path := ConfigPath()
	if path == "" {
		cfg := DefaultConfig()
		applyEnv(&cfg)
		return cfg, nil
	}
	return LoadFrom(path)
}

// LoadFrom reads config from a specific path.
// Returns DefaultConfig (plus environment overrides) if the file
// doesn't exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Journal.Path != "" {
		cfg.Journal.Path = expandHome(cfg.Journal.Path)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Save writes the config to the XDG config directory.
func Save(cfg Config) error {
	path := ConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the config to a specific path.
func SaveTo(cfg Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// applyEnv layers CW_* environment overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CW_DEVICE_URL"); v != "" {
		cfg.Devices = append([]DeviceConfig{{Name: "env", BaseURL: v}}, cfg.Devices...)
		cfg.DefaultDevice = "env"
	}
	if v, ok := envInt("CW_DEBOUNCE_MS"); ok {
		cfg.Sync.DebounceMS = v
	}
	if v, ok := envInt("CW_POLL_INTERVAL_MS"); ok {
		cfg.Sync.PollIntervalMS = v
	}
	if v, ok := envInt("CW_MAX_POLL_INTERVAL_MS"); ok {
		cfg.Sync.MaxPollIntervalMS = v
	}
	if v, ok := envInt("CW_HEARTBEAT_TIMEOUT_MS"); ok {
		cfg.Sync.HeartbeatTimeoutMS = v
	}
	if envBool("CW_FORCE_POLL") || envBool("CW_FORCE_POLLING") {
		cfg.Sync.ForcePoll = true
	}
	if v := os.Getenv("CW_JOURNAL_PATH"); v != "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = expandHome(v)
	}
	if v := os.Getenv("CW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" && len(c.Devices) > 1 {
			return fmt.Errorf("device %d: name required when multiple devices are configured", i)
		}
		key := strings.ToLower(d.Name)
		if seen[key] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[key] = true

		u, err := url.Parse(d.BaseURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("device %q: base_url %q is not an absolute URL", d.Name, d.BaseURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("device %q: base_url scheme must be http or https", d.Name)
		}
		if d.FetchTimeoutMS < 0 {
			return fmt.Errorf("device %q: fetch_timeout_ms must not be negative", d.Name)
		}
	}

	if c.DefaultDevice != "" && c.FindDevice(c.DefaultDevice) == nil {
		return fmt.Errorf("default_device %q is not a configured device", c.DefaultDevice)
	}

	s := c.Sync
	if s.DebounceMS <= 0 || s.PollIntervalMS <= 0 || s.HeartbeatTimeoutMS <= 0 ||
		s.MinReconnectDelayMS <= 0 || s.MaxReconnectDelayMS <= 0 || s.MaxPollIntervalMS <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if s.MaxPollIntervalMS < s.PollIntervalMS {
		return fmt.Errorf("sync: max_poll_interval_ms (%d) must not be below poll_interval_ms (%d)",
			s.MaxPollIntervalMS, s.PollIntervalMS)
	}
	if s.MaxReconnectDelayMS < s.MinReconnectDelayMS {
		return fmt.Errorf("sync: max_reconnect_delay_ms (%d) must not be below min_reconnect_delay_ms (%d)",
			s.MaxReconnectDelayMS, s.MinReconnectDelayMS)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	return nil
}

// FindDevice returns the device with the given name, or nil.
func (c Config) FindDevice(name string) *DeviceConfig {
	for i := range c.Devices {
		if strings.EqualFold(c.Devices[i].Name, name) {
			return &c.Devices[i]
		}
	}
	return nil
}

// Device resolves the device to monitor: the named one if name is
// non-empty, otherwise default_device, otherwise the first configured
// device. Returns nil when nothing matches.
func (c Config) Device(name string) *DeviceConfig {
	if name != "" {
		return c.FindDevice(name)
	}
	if c.DefaultDevice != "" {
		return c.FindDevice(c.DefaultDevice)
	}
	if len(c.Devices) > 0 {
		return &c.Devices[0]
	}
	return nil
}

// FetchTimeout returns the per-fetch timeout, or zero when unset so the
// caller can fall back to its own default.
func (d DeviceConfig) FetchTimeout() time.Duration {
	if d.FetchTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(d.FetchTimeoutMS) * time.Millisecond
}

// Debounce returns the push-confirm debounce window.
func (s SyncConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMS) * time.Millisecond
}

// PollInterval returns the baseline poll interval.
func (s SyncConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// MaxPollInterval returns the failure-widened poll interval ceiling.
func (s SyncConfig) MaxPollInterval() time.Duration {
	return time.Duration(s.MaxPollIntervalMS) * time.Millisecond
}

// HeartbeatTimeout returns the stream liveness window.
func (s SyncConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutMS) * time.Millisecond
}

// MinReconnectDelay returns the initial stream reconnect delay.
func (s SyncConfig) MinReconnectDelay() time.Duration {
	return time.Duration(s.MinReconnectDelayMS) * time.Millisecond
}

// MaxReconnectDelay returns the stream reconnect delay ceiling.
func (s SyncConfig) MaxReconnectDelay() time.Duration {
	return time.Duration(s.MaxReconnectDelayMS) * time.Millisecond
}

// ResolvedPath returns the journal path with ~ expanded, falling back
// to the XDG state directory when unset.
func (j JournalConfig) ResolvedPath() string {
	if j.Path == "" {
		dir := StateDir()
		if dir == "" {
			return ""
		}
		return filepath.Join(dir, "journal.db")
	}
	return expandHome(j.Path)
}

// Watch starts a file watcher on path that re-reads and validates the
// configuration on every change. Invalid or unreadable updates are
// reported through onError and the previous configuration stays in
// effect. The returned watcher must be stopped by the caller.
func Watch(path string, onReload func(Config), onError func(error), opts ...watcher.Option) (*watcher.Watcher, error) {
	all := append([]watcher.Option{
		watcher.WithOnChange(func() {
			cfg, err := LoadFrom(path)
			if err != nil {
				onError(err)
				return
			}
			if err := cfg.Validate(); err != nil {
				onError(err)
				return
			}
			onReload(cfg)
		}),
		watcher.WithOnError(onError),
	}, opts...)

	w, err := watcher.New(path, all...)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func envBool(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
