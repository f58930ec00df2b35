package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fetchRecorder struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{}
}

func (f *fetchRecorder) fetch(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	err := f.err
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (f *fetchRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fetchRecorder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// settle waits until want fetches have run and no fetch is in flight, then
// asserts the count is exactly want. InFlight never reads false between a
// completion and its follow-up, so a count that is stable here stays stable.
func settle(t *testing.T, c *Coordinator, rec *fetchRecorder, want int) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		return rec.count() >= want && !c.InFlight()
	}, fmt.Sprintf("%d fetches to settle", want))
	if got := rec.count(); got != want {
		t.Fatalf("fetch count = %d, want exactly %d", got, want)
	}
}

func newTestCoordinator(rec *fetchRecorder, mock *clock.Mock, opts ...Option) *Coordinator {
	base := []Option{
		WithClock(mock),
		WithDebounce(100 * time.Millisecond),
		WithPollInterval(time.Hour),
	}
	return NewCoordinator("recordings", rec.fetch, append(base, opts...)...)
}

func TestDebounceCoalescesTriggers(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock)
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	c.SetMode(ModePush)

	for i := 0; i < 5; i++ {
		c.RequestRefresh(Options{})
	}
	if got := rec.count(); got != 0 {
		t.Fatalf("fetched %d times before the debounce fired", got)
	}

	mock.Add(100 * time.Millisecond)
	settle(t, c, rec, 1)

	// No interval timer runs in push mode.
	mock.Add(2 * time.Hour)
	settle(t, c, rec, 1)
}

func TestImmediateBypassesDebounce(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock)
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	c.SetMode(ModePush)

	c.RequestRefresh(Options{Immediate: true})
	settle(t, c, rec, 1)

	// An immediate request cancels a pending debounce outright.
	c.RequestRefresh(Options{})
	c.RequestRefresh(Options{Immediate: true})
	settle(t, c, rec, 2)
	mock.Add(time.Second)
	settle(t, c, rec, 2)
}

func TestDebounceWindowExtends(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock)
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	c.SetMode(ModePush)

	c.RequestRefresh(Options{})
	mock.Add(60 * time.Millisecond)
	c.RequestRefresh(Options{}) // restarts the window
	mock.Add(60 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("fetched %d times inside an extended window", got)
	}
	mock.Add(40 * time.Millisecond)
	settle(t, c, rec, 1)
}

func TestPollTicksDriveFetches(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock, WithPollInterval(100*time.Millisecond))
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	mock.Add(100 * time.Millisecond)
	settle(t, c, rec, 1)
	mock.Add(100 * time.Millisecond)
	settle(t, c, rec, 2)
}

func TestPollModeAdvisoryTrigger(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock, WithPollInterval(100*time.Millisecond))
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	c.RequestRefresh(Options{})
	c.RequestRefresh(Options{})
	if got := rec.count(); got != 0 {
		t.Fatalf("advisory triggers fetched %d times", got)
	}
	mock.Add(100 * time.Millisecond)
	settle(t, c, rec, 1)
}

func TestPollImmediateFetchesNowAndResetsInterval(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock, WithPollInterval(100*time.Millisecond))
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	mock.Add(50 * time.Millisecond)
	c.RequestRefresh(Options{Immediate: true})
	settle(t, c, rec, 1)

	// The interval restarts from the immediate fetch, not the old tick.
	mock.Add(99 * time.Millisecond)
	settle(t, c, rec, 1)
	mock.Add(1 * time.Millisecond)
	settle(t, c, rec, 2)
}

func TestFailedFetchWidensIntervalBounded(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock,
		WithPollInterval(100*time.Millisecond),
		WithMaxPollInterval(400*time.Millisecond))
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	rec.setErr(errors.New("device unreachable"))

	mock.Add(100 * time.Millisecond)
	settle(t, c, rec, 1)
	if got := c.EffectiveInterval(); got != 200*time.Millisecond {
		t.Errorf("interval after 1 failure = %v, want 200ms", got)
	}

	mock.Add(200 * time.Millisecond)
	settle(t, c, rec, 2)
	if got := c.EffectiveInterval(); got != 400*time.Millisecond {
		t.Errorf("interval after 2 failures = %v, want 400ms", got)
	}

	mock.Add(400 * time.Millisecond)
	settle(t, c, rec, 3)
	if got := c.EffectiveInterval(); got != 400*time.Millisecond {
		t.Errorf("interval after 3 failures = %v, want capped 400ms", got)
	}

	rec.setErr(nil)
	mock.Add(400 * time.Millisecond)
	settle(t, c, rec, 4)
	if got := c.EffectiveInterval(); got != 100*time.Millisecond {
		t.Errorf("interval after success = %v, want baseline 100ms", got)
	}
}

func TestInFlightTriggersCoalesceToOneFollowUp(t *testing.T) {
	mock := clock.NewMock()
	gate := make(chan struct{})
	rec := &fetchRecorder{gate: gate}
	c := newTestCoordinator(rec, mock)
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	c.SetMode(ModePush)

	c.RequestRefresh(Options{Immediate: true})
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 && c.InFlight() }, "fetch in flight")

	c.RequestRefresh(Options{Immediate: true})
	c.RequestRefresh(Options{})
	c.RequestRefresh(Options{})
	if got := rec.count(); got != 1 {
		t.Fatalf("second fetch started while one was in flight (count=%d)", got)
	}

	close(gate)
	settle(t, c, rec, 2) // one follow-up, not three
}

func TestEnteringPushFlushesPendingOnce(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock)
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	c.SetMode(ModePush)

	c.RequestRefresh(Options{}) // debounce armed
	c.SetMode(ModePoll)         // preserved as pending trigger
	if got := rec.count(); got != 0 {
		t.Fatalf("mode switch fetched %d times", got)
	}
	if !c.ChannelInfo().PendingTrigger {
		t.Fatal("pending trigger not preserved across push to poll")
	}

	c.SetMode(ModePush)
	settle(t, c, rec, 1)
	if c.ChannelInfo().PendingTrigger {
		t.Error("pending trigger not cleared by flush")
	}
}

func TestDisconnectMidDebounceFallsBackToPoll(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock, WithPollInterval(200*time.Millisecond))
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	c.SetMode(ModePush)

	c.RequestRefresh(Options{})
	mock.Add(50 * time.Millisecond) // mid-debounce
	c.SetMode(ModePoll)             // stream dropped

	if got := rec.count(); got != 0 {
		t.Fatalf("fetched %d times before the first poll tick", got)
	}
	// The first tick satisfies the preserved trigger; nothing was dropped.
	mock.Add(200 * time.Millisecond)
	settle(t, c, rec, 1)

	// Polling continues.
	mock.Add(200 * time.Millisecond)
	settle(t, c, rec, 2)
}

func TestSuspendRecordsAndResumeFlushesOnce(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock)
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	c.SetMode(ModePush)

	c.Suspend()
	c.RequestRefresh(Options{})
	c.RequestRefresh(Options{Immediate: true})
	c.RequestRefresh(Options{})
	mock.Add(time.Second)
	if got := rec.count(); got != 0 {
		t.Fatalf("suspended coordinator fetched %d times", got)
	}

	c.Resume()
	settle(t, c, rec, 1)
}

func TestSuspendPreservesArmedDebounce(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock)
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	c.SetMode(ModePush)

	c.RequestRefresh(Options{})
	c.Suspend()
	mock.Add(time.Second)
	if got := rec.count(); got != 0 {
		t.Fatalf("suspended debounce still fired (%d fetches)", got)
	}
	c.Resume()
	settle(t, c, rec, 1)
}

func TestSuspendStopsPollTicks(t *testing.T) {
	mock := clock.NewMock()
	rec := &fetchRecorder{}
	c := newTestCoordinator(rec, mock, WithPollInterval(100*time.Millisecond))
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	c.Suspend()
	mock.Add(time.Second)
	if got := rec.count(); got != 0 {
		t.Fatalf("suspended poller fetched %d times", got)
	}

	c.Resume()
	mock.Add(100 * time.Millisecond)
	settle(t, c, rec, 1)
}

func TestStopDiscardsLateCompletion(t *testing.T) {
	mock := clock.NewMock()
	gate := make(chan struct{})
	rec := &fetchRecorder{gate: gate}
	c := newTestCoordinator(rec, mock, WithPollInterval(100*time.Millisecond))
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	c.RequestRefresh(Options{Immediate: true})
	waitFor(t, 2*time.Second, c.InFlight, "fetch in flight")

	c.Stop()
	close(gate) // completion arrives after Stop and must be discarded

	time.Sleep(20 * time.Millisecond)
	if c.InFlight() {
		t.Error("discarded completion left the channel in flight")
	}

	// The coordinator restarts cleanly.
	if err := c.Start(); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	defer c.Stop()
	mock.Add(100 * time.Millisecond)
	settle(t, c, rec, 2)
}

func TestRequestBeforeStartIgnored(t *testing.T) {
	rec := &fetchRecorder{}
	c := NewCoordinator("health", rec.fetch)
	c.RequestRefresh(Options{Immediate: true})
	time.Sleep(10 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Errorf("unstarted coordinator fetched %d times", got)
	}
}

func TestStartTwice(t *testing.T) {
	rec := &fetchRecorder{}
	c := NewCoordinator("health", rec.fetch, WithClock(clock.NewMock()))
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()
	if err := c.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestModeString(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{ModePoll, "poll"},
		{ModePush, "push"},
		{Mode(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", int(tt.mode), got, tt.want)
		}
	}
}

func TestChannelInfo(t *testing.T) {
	rec := &fetchRecorder{}
	c := NewCoordinator("capture", rec.fetch,
		WithClock(clock.NewMock()),
		WithDebounce(50*time.Millisecond),
		WithPollInterval(time.Second))

	info := c.ChannelInfo()
	if info.Resource != "capture" {
		t.Errorf("resource = %q", info.Resource)
	}
	if info.Mode != ModePoll {
		t.Errorf("initial mode = %v, want poll", info.Mode)
	}
	if info.Debounce != 50*time.Millisecond || info.PollInterval != time.Second {
		t.Errorf("intervals = %v/%v", info.Debounce, info.PollInterval)
	}
	if info.InFlight || info.PendingTrigger || info.Suspended {
		t.Errorf("fresh coordinator reports activity: %+v", info)
	}
}
