package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result captures the outcome of a single hook execution
type Result struct {
	Hook     Hook
	Success  bool
	Error    error
	Stdout   string // trimmed
	Stderr   string // trimmed
	Duration time.Duration
}

// Executor runs the configured hooks for one sync event and records
// their outcomes.
type Executor struct {
	config  *Config
	ctx     ChangeContext
	results []Result
}

// NewExecutor creates an executor bound to a change context
func NewExecutor(cfg *Config, ctx ChangeContext) *Executor {
	return &Executor{config: cfg, ctx: ctx}
}

// RunOnChange runs the on-change hooks in order. A failing hook with
// on_error: fail stops the remaining hooks.
func (e *Executor) RunOnChange() error {
	for _, hook := range e.config.Hooks.OnChange {
		res := e.runHook(hook)
		e.results = append(e.results, res)
		if !res.Success && hook.OnError == "fail" {
			return res.Error
		}
	}
	return nil
}

// RunOnDegraded runs every on-degraded hook regardless of individual
// failures and reports the first failure among on_error: fail hooks.
func (e *Executor) RunOnDegraded() error {
	var failed error
	for _, hook := range e.config.Hooks.OnDegraded {
		res := e.runHook(hook)
		e.results = append(e.results, res)
		if !res.Success && hook.OnError == "fail" && failed == nil {
			failed = res.Error
		}
	}
	return failed
}

// Run executes the hooks registered for the given event
func (e *Executor) Run(event HookEvent) error {
	switch event {
	case OnChange:
		return e.RunOnChange()
	case OnDegraded:
		return e.RunOnDegraded()
	default:
		return fmt.Errorf("unknown hook event %q", event)
	}
}

// runHook executes one hook through the shell with the merged environment.
func (e *Executor) runHook(hook Hook) Result {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", hook.Command)

	env := os.Environ()
	env = append(env, e.ctx.ToEnv()...)
	for k, v := range hook.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	res := Result{
		Hook:     hook,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.Error = fmt.Errorf("hook %q timed out after %s", hook.Name, timeout)
	case err != nil:
		res.Error = fmt.Errorf("hook %q: %w", hook.Name, err)
	default:
		res.Success = true
	}
	return res
}

// Results returns the outcomes recorded so far
func (e *Executor) Results() []Result {
	return e.results
}

// Failed returns the number of recorded failures
func (e *Executor) Failed() int {
	n := 0
	for _, r := range e.results {
		if !r.Success {
			n++
		}
	}
	return n
}

// Summary returns a human-readable digest of the recorded results.
// Failed hooks list their error and the first chunk of stderr.
func (e *Executor) Summary() string {
	succeeded := len(e.results) - e.Failed()

	var b strings.Builder
	fmt.Fprintf(&b, "hooks: %d succeeded, %d failed", succeeded, e.Failed())
	for _, r := range e.results {
		if r.Success {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %v", r.Hook.Name, r.Error)
		if r.Stderr != "" {
			fmt.Fprintf(&b, "\n  stderr: %s", truncate(r.Stderr, 220))
		}
	}
	return b.String()
}

// truncate shortens s to at most n bytes, ellipsis included
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// RunHooks loads hooks.yaml from dir and runs the hooks registered for
// event. It returns a nil executor when hooks are disabled, the config
// file is absent, or nothing is registered for the event. A non-nil
// executor is returned even when hooks failed so callers can inspect
// Results and Summary.
func RunHooks(dir string, event HookEvent, ctx ChangeContext, disabled bool) (*Executor, error) {
	if disabled {
		return nil, nil
	}

	loader := NewLoader(WithConfigDir(dir))
	if err := loader.Load(); err != nil {
		return nil, err
	}
	if len(loader.GetHooks(event)) == 0 {
		return nil, nil
	}

	executor := NewExecutor(loader.Config(), ctx)
	return executor, executor.Run(event)
}
