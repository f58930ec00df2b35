// Package refresh schedules fetches for one resource. A coordinator runs in
// push mode while the push channel is live, turning event hints into
// debounced fetches, and falls back to interval polling otherwise. It
// guarantees at most one in-flight fetch: triggers arriving during a fetch
// coalesce into a single follow-up.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Defaults, overridable per coordinator via options.
const (
	DefaultDebounce        = 250 * time.Millisecond
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollInterval = 60 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running coordinator.
var ErrAlreadyStarted = errors.New("coordinator already started")

// Mode says what currently drives fetches for the resource.
type Mode int

const (
	// ModePoll drives fetches from an interval timer. The initial mode:
	// a channel only trusts push while the stream is connected.
	ModePoll Mode = iota
	// ModePush drives fetches from debounced push events.
	ModePush
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModePoll:
		return "poll"
	case ModePush:
		return "push"
	default:
		return "unknown"
	}
}

// FetchFunc performs one fetch of the resource. The returned error feeds the
// failure policy: errors widen the effective poll interval, success resets
// it. The function runs on its own goroutine and may block.
type FetchFunc func(ctx context.Context) error

// Options qualifies one refresh request.
type Options struct {
	// Immediate bypasses the debounce window in push mode and the interval
	// timer in poll mode.
	Immediate bool
}

// Info is a point-in-time copy of the channel state.
type Info struct {
	Resource       string
	Mode           Mode
	PendingTrigger bool
	InFlight       bool
	Suspended      bool
	Debounce       time.Duration
	PollInterval   time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDebounce sets the push-mode debounce window.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) {
		c.debounce = d
	}
}

// WithPollInterval sets the baseline poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.pollInterval = d
	}
}

// WithMaxPollInterval bounds the widened interval after failed fetches.
func WithMaxPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.maxPollInterval = d
	}
}

// WithClock sets the clock used for debounce and poll timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clk = clk
	}
}

// Coordinator owns the refresh scheduling state for one resource. All state
// transitions happen under its mutex; fetches run on their own goroutines.
type Coordinator struct {
	resource        string
	fetch           FetchFunc
	clk             clock.Clock
	debounce        time.Duration
	pollInterval    time.Duration
	maxPollInterval time.Duration

	mu                sync.Mutex
	started           bool
	mode              Mode
	suspended         bool
	pendingTrigger    bool
	inFlight          bool
	attemptID         string
	effectiveInterval time.Duration
	debounceTimer     *clock.Timer
	pollTimer         *clock.Timer
	ctx               context.Context
	cancel            context.CancelFunc
}

// NewCoordinator creates a coordinator for the named resource. It starts in
// poll mode; the owner switches it to push mode when the stream connects.
func NewCoordinator(resource string, fetch FetchFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		resource:        resource,
		fetch:           fetch,
		clk:             clock.New(),
		debounce:        DefaultDebounce,
		pollInterval:    DefaultPollInterval,
		maxPollInterval: DefaultMaxPollInterval,
		mode:            ModePoll,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxPollInterval < c.pollInterval {
		c.maxPollInterval = c.pollInterval
	}
	c.effectiveInterval = c.pollInterval
	return c
}

// Start begins scheduling. In poll mode the first fetch happens one interval
// from now.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.started = true
	c.effectiveInterval = c.pollInterval

	if c.mode == ModePoll && !c.suspended {
		c.schedulePollLocked()
	}
	return nil
}

// Stop cancels all timers and abandons any in-flight fetch. Its completion
// is discarded by attempt-id comparison.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.cancel()
	c.cancelDebounceLocked()
	c.cancelPollLocked()
	c.started = false
	c.inFlight = false
	c.pendingTrigger = false
	c.attemptID = ""
}

// RequestRefresh asks for a fetch. In push mode a non-immediate request
// starts or extends the debounce window; in poll mode it is advisory, since
// the next tick covers it. Immediate requests fetch now. During an in-flight
// fetch the request is recorded instead, and one follow-up fetch runs after
// completion.
func (c *Coordinator) RequestRefresh(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	if c.suspended || c.inFlight {
		c.pendingTrigger = true
		return
	}

	switch c.mode {
	case ModePush:
		if opts.Immediate {
			c.cancelDebounceLocked()
			c.startFetchLocked()
			return
		}
		c.armDebounceLocked()
	case ModePoll:
		if opts.Immediate {
			c.cancelPollLocked()
			c.startFetchLocked()
		}
		// Non-immediate poll-mode requests do not duplicate the
		// scheduled tick.
	}
}

// SetMode switches between push and poll scheduling.
//
// Entering push cancels the poll timer and flushes a pending trigger with
// one immediate fetch. Entering poll starts the interval timer right away
// and converts a pending debounce into pendingTrigger, so the first tick
// satisfies it; nothing requested before the disconnect is dropped.
func (c *Coordinator) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode == c.mode {
		return
	}
	c.mode = mode

	switch mode {
	case ModePush:
		c.cancelPollLocked()
		if c.pendingTrigger && c.started && !c.suspended && !c.inFlight {
			c.pendingTrigger = false
			c.startFetchLocked()
		}
	case ModePoll:
		if c.debounceTimer != nil {
			c.cancelDebounceLocked()
			c.pendingTrigger = true
		}
		if c.started && !c.suspended {
			c.schedulePollLocked()
		}
	}
}

// Suspend stops issuing fetches. Triggers arriving while suspended are
// recorded; a pending debounce is preserved as a recorded trigger.
func (c *Coordinator) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suspended {
		return
	}
	c.suspended = true
	if c.debounceTimer != nil {
		c.cancelDebounceLocked()
		c.pendingTrigger = true
	}
	c.cancelPollLocked()
}

// Resume restarts scheduling and flushes a recorded trigger with exactly one
// immediate fetch.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.suspended {
		return
	}
	c.suspended = false
	if !c.started {
		return
	}

	if c.pendingTrigger && !c.inFlight {
		c.pendingTrigger = false
		c.startFetchLocked()
		return
	}
	if c.mode == ModePoll {
		c.schedulePollLocked()
	}
}

// Resource returns the resource name this coordinator schedules for.
func (c *Coordinator) Resource() string {
	return c.resource
}

// Mode returns the current scheduling mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// InFlight reports whether a fetch is currently running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// EffectiveInterval returns the failure-adjusted poll interval.
func (c *Coordinator) EffectiveInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveInterval
}

// ChannelInfo returns a copy of the channel state.
func (c *Coordinator) ChannelInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Resource:       c.resource,
		Mode:           c.mode,
		PendingTrigger: c.pendingTrigger,
		InFlight:       c.inFlight,
		Suspended:      c.suspended,
		Debounce:       c.debounce,
		PollInterval:   c.effectiveInterval,
	}
}

// armDebounceLocked starts or restarts the debounce window.
func (c *Coordinator) armDebounceLocked() {
	if c.debounceTimer != nil {
		c.debounceTimer.Reset(c.debounce)
		return
	}
	c.debounceTimer = c.clk.AfterFunc(c.debounce, c.debounceFired)
}

func (c *Coordinator) debounceFired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.debounceTimer = nil
	if !c.started {
		return
	}
	if c.suspended || c.inFlight || c.mode != ModePush {
		c.pendingTrigger = true
		return
	}
	c.startFetchLocked()
}

// schedulePollLocked arms the next tick at the effective interval.
func (c *Coordinator) schedulePollLocked() {
	c.cancelPollLocked()
	c.pollTimer = c.clk.AfterFunc(c.effectiveInterval, c.pollTick)
}

func (c *Coordinator) pollTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pollTimer = nil
	if !c.started || c.suspended || c.mode != ModePoll {
		return
	}
	if c.inFlight {
		// The next tick covers this one; completion re-arms it.
		c.schedulePollLocked()
		return
	}
	c.startFetchLocked()
}

func (c *Coordinator) cancelDebounceLocked() {
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
}

func (c *Coordinator) cancelPollLocked() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}

// startFetchLocked launches one fetch attempt. A trigger recorded before
// launch is satisfied by this fetch, so the flag is cleared here; only
// triggers recorded while the fetch is in flight survive to the follow-up.
// The attempt id lets a completion that arrives after Stop, or after a
// newer attempt superseded it, be discarded instead of corrupting channel
// state.
func (c *Coordinator) startFetchLocked() {
	c.inFlight = true
	c.pendingTrigger = false
	id := uuid.NewString()
	c.attemptID = id
	ctx := c.ctx
	go func() {
		err := c.fetch(ctx)
		c.complete(id, err)
	}()
}

// complete applies the outcome of one fetch attempt: stale attempts are
// discarded, failures widen the effective poll interval up to the bound,
// success resets it, and a recorded trigger runs its single follow-up.
func (c *Coordinator) complete(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || id != c.attemptID {
		return
	}
	c.inFlight = false

	if err != nil {
		c.effectiveInterval *= 2
		if c.effectiveInterval > c.maxPollInterval {
			c.effectiveInterval = c.maxPollInterval
		}
	} else {
		c.effectiveInterval = c.pollInterval
	}

	if c.pendingTrigger && !c.suspended {
		c.pendingTrigger = false
		c.startFetchLocked()
		return
	}
	if c.mode == ModePoll && !c.suspended {
		c.schedulePollLocked()
	}
}
