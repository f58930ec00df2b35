// Package hooks runs user-configured shell commands in response to sync
// events. Hooks are configured via hooks.yaml in the camwatch config
// directory and fire when a resource snapshot changes (on-change) or when
// a resource enters degraded polling (on-degraded).
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vanderheijden86/camwatch/pkg/config"
	"github.com/vanderheijden86/camwatch/pkg/model"
)

// HookEvent represents when a hook runs
type HookEvent string

const (
	// OnChange runs after a snapshot change is accepted and dispatched.
	OnChange HookEvent = "on-change"
	// OnDegraded runs when a resource starts failing its fetches.
	OnDegraded HookEvent = "on-degraded"
)

// DefaultTimeout applies to hooks that do not set their own.
const DefaultTimeout = 30 * time.Second

// Hook is one configured command. Name defaults to "<event>-<n>",
// Timeout to DefaultTimeout, and OnError to "continue"; set OnError to
// "fail" to stop later hooks when this one fails.
type Hook struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	OnError string            `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// Config is the top-level shape of hooks.yaml.
type Config struct {
	Hooks HooksByEvent `yaml:"hooks" json:"hooks"`
}

// HooksByEvent organizes hooks by the sync event that triggers them
type HooksByEvent struct {
	OnChange   []Hook `yaml:"on-change,omitempty" json:"on-change,omitempty"`
	OnDegraded []Hook `yaml:"on-degraded,omitempty" json:"on-degraded,omitempty"`
}

// ChangeContext contains information passed to hooks via environment variables
type ChangeContext struct {
	Resource    model.Resource // CW_RESOURCE: Resource that changed
	Sequence    *int64         // CW_SEQ: Device sequence number, empty when unknown
	Fingerprint string         // CW_FINGERPRINT: Fingerprint of the new snapshot
	Previous    string         // CW_PREVIOUS_FINGERPRINT: Fingerprint before the change
	Origin      string         // CW_ORIGIN: Where the snapshot came from (fetch, push, journal)
	Error       string         // CW_ERROR: Last fetch error, set for on-degraded hooks
	At          time.Time      // CW_CHANGED_AT: Change timestamp (RFC3339)
	State       []byte         // CW_STATE: Snapshot payload as compact JSON
}

// ToEnv converts the change context to environment variables
func (c ChangeContext) ToEnv() []string {
	seq := ""
	if c.Sequence != nil {
		seq = strconv.FormatInt(*c.Sequence, 10)
	}
	return []string{
		fmt.Sprintf("CW_RESOURCE=%s", c.Resource),
		fmt.Sprintf("CW_SEQ=%s", seq),
		fmt.Sprintf("CW_FINGERPRINT=%s", c.Fingerprint),
		fmt.Sprintf("CW_PREVIOUS_FINGERPRINT=%s", c.Previous),
		fmt.Sprintf("CW_ORIGIN=%s", c.Origin),
		fmt.Sprintf("CW_ERROR=%s", c.Error),
		fmt.Sprintf("CW_CHANGED_AT=%s", c.At.Format(time.RFC3339)),
		fmt.Sprintf("CW_STATE=%s", c.State),
	}
}

// Loader reads and normalizes hooks.yaml.
type Loader struct {
	configDir string
	config    *Config
	warnings  []string
}

// LoaderOption adjusts a Loader before it loads anything.
type LoaderOption func(*Loader)

// WithConfigDir sets the directory holding hooks.yaml (default: the
// camwatch config directory)
func WithConfigDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.configDir = dir
	}
}

// NewLoader builds a Loader with the given options applied.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	if l.configDir == "" {
		l.configDir = config.ConfigDir()
	}
	return l
}

// LoadDefault builds a Loader against the default config dir and loads it.
func LoadDefault() (*Loader, error) {
	loader := NewLoader()
	if err := loader.Load(); err != nil {
		return nil, err
	}
	return loader, nil
}

// Load reads hooks.yaml. A missing file yields an empty config rather
// than an error so callers never have to special-case it.
func (l *Loader) Load() error {
	path := filepath.Join(l.configDir, "hooks.yaml")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		l.config = &Config{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read hooks config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Hooks.OnChange = l.normalize(cfg.Hooks.OnChange, OnChange)
	cfg.Hooks.OnDegraded = l.normalize(cfg.Hooks.OnDegraded, OnDegraded)
	l.config = &cfg
	return nil
}

// normalize fills per-hook defaults and drops hooks with blank
// commands, recording a warning for each dropped one.
func (l *Loader) normalize(hooks []Hook, event HookEvent) []Hook {
	var kept []Hook
	for i, h := range hooks {
		if strings.TrimSpace(h.Command) == "" {
			l.warnings = append(l.warnings, fmt.Sprintf("%s hook %d has empty command; skipping", event, i+1))
			continue
		}
		if h.Name == "" {
			h.Name = fmt.Sprintf("%s-%d", event, i+1)
		}
		if h.Timeout == 0 {
			h.Timeout = DefaultTimeout
		}
		if h.OnError == "" {
			h.OnError = "continue" // a broken hook must not silence the ones after it
		}
		kept = append(kept, h)
	}
	return kept
}

// Config returns the loaded configuration, or an empty one before Load.
func (l *Loader) Config() *Config {
	if l.config == nil {
		return &Config{}
	}
	return l.config
}

// HasHooks reports whether any event has at least one hook.
func (l *Loader) HasHooks() bool {
	if l.config == nil {
		return false
	}
	return len(l.config.Hooks.OnChange) > 0 || len(l.config.Hooks.OnDegraded) > 0
}

// GetHooks returns hooks for a specific event
func (l *Loader) GetHooks(event HookEvent) []Hook {
	if l.config == nil {
		return nil
	}

	switch event {
	case OnChange:
		return l.config.Hooks.OnChange
	case OnDegraded:
		return l.config.Hooks.OnDegraded
	default:
		return nil
	}
}

// Warnings lists problems found while loading, one per dropped hook.
func (l *Loader) Warnings() []string {
	return l.warnings
}

// UnmarshalYAML accepts the timeout both as a duration string ("30s")
// and as a bare number of seconds, since YAML hands "timeout: 30" to
// us as the string "30" which time.ParseDuration rejects.
func (h *Hook) UnmarshalYAML(node *yaml.Node) error {
	// Mirrors Hook with Timeout left as a string; keep the field sets
	// in sync.
	type rawHook struct {
		Name    string            `yaml:"name"`
		Command string            `yaml:"command"`
		Timeout string            `yaml:"timeout"`
		Env     map[string]string `yaml:"env"`
		OnError string            `yaml:"on_error"`
	}

	var raw rawHook
	if err := node.Decode(&raw); err != nil {
		return err
	}

	h.Name = raw.Name
	h.Command = raw.Command
	h.Env = raw.Env
	h.OnError = raw.OnError

	if raw.Timeout == "" {
		return nil
	}
	d, err := parseTimeout(raw.Timeout)
	if err != nil {
		return err
	}
	h.Timeout = d
	return nil
}

func parseTimeout(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: want a duration or seconds", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
