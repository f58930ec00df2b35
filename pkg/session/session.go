// Package session owns one dashboard's view of one device: the push-channel
// client, a refresh coordinator per monitored resource, the reconciled state
// and its fingerprints, and the deferral gate. Collaborators register a
// change callback and otherwise read copies.
//
// Nothing in here is fatal. A dead stream degrades to polling, a failing
// fetch degrades to stale-but-available state, and an unusable payload is
// dropped and logged without disturbing sequence tracking.
package session

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/vanderheijden86/camwatch/pkg/device"
	"github.com/vanderheijden86/camwatch/pkg/fingerprint"
	"github.com/vanderheijden86/camwatch/pkg/gate"
	"github.com/vanderheijden86/camwatch/pkg/journal"
	"github.com/vanderheijden86/camwatch/pkg/metrics"
	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/reconcile"
	"github.com/vanderheijden86/camwatch/pkg/refresh"
	"github.com/vanderheijden86/camwatch/pkg/stream"
)

// ErrStopped is returned by Start on a session that has been stopped.
var ErrStopped = errors.New("session has been stopped")

// Origin says where an accepted snapshot came from.
type Origin int

const (
	// OriginFetch is a validated fetch response.
	OriginFetch Origin = iota
	// OriginPush is a push event payload merged by the reconciler.
	OriginPush
	// OriginJournal is the persisted state loaded before the first fetch.
	OriginJournal
)

func (o Origin) String() string {
	switch o {
	case OriginPush:
		return "push"
	case OriginJournal:
		return "journal"
	default:
		return "fetch"
	}
}

// Change describes one accepted, observably different snapshot. State is a
// deep copy owned by the receiver.
type Change struct {
	Resource            model.Resource
	State               *reconcile.State
	Fingerprint         string
	PreviousFingerprint string
	Origin              Origin
	At                  time.Time
}

// Status is a point-in-time copy of one resource's sync state.
type Status struct {
	Resource       model.Resource
	State          *reconcile.State
	Fingerprint    string
	Mode           refresh.Mode
	Degraded       bool
	LastError      error
	LastChangeAt   time.Time
	PendingTrigger bool
	InFlight       bool
}

// Health is a point-in-time copy of the session's overall condition.
type Health struct {
	Started         bool
	DeviceName      string
	PushConnected   bool
	PushUnavailable bool
	LastHeartbeatAt time.Time
	ReconnectDelay  time.Duration
	LastEventID     string
	UptimeSince     time.Time
	GateHeld        bool
	Degraded        []model.Resource
}

// Config configures a Session. Zero durations fall back to CW_* environment
// overrides, then to the component defaults.
type Config struct {
	// Device performs the resource fetches. Required.
	Device *device.Client

	// Resources to monitor. Defaults to every known resource.
	Resources []model.Resource

	// DeviceName keys journal entries. Defaults to "default".
	DeviceName string

	Debounce          time.Duration // CW_DEBOUNCE_MS
	PollInterval      time.Duration // CW_POLL_INTERVAL_MS
	MaxPollInterval   time.Duration // CW_MAX_POLL_INTERVAL_MS
	HeartbeatTimeout  time.Duration // CW_HEARTBEAT_TIMEOUT_MS
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	// ForcePoll skips the push channel entirely, as if the capability
	// probe had failed.
	ForcePoll bool

	// LastEventID seeds stream resumption, e.g. from a previous run.
	LastEventID string

	// Journal, when set, records every accepted snapshot.
	Journal *journal.Journal

	// HTTPClient is used for the push connection. Fetches use the Device
	// client's own transport.
	HTTPClient *http.Client

	Clock    clock.Clock
	LogLevel string // CW_SESSION_LOG_LEVEL, then CW_LOG_LEVEL

	// OnError receives degradation errors: failed fetches, dropped
	// payloads. Runs on internal goroutines and must not block.
	OnError func(error)
}

// resourceState is the per-resource sync state: accepted snapshot,
// fingerprint, degradation flag, and the coordinator driving fetches.
type resourceState struct {
	resource model.Resource
	coord    *refresh.Coordinator
	engine   *fingerprint.Engine

	mu          sync.Mutex
	state       *reconcile.State
	fingerprint string
	degraded    bool
	lastError   error
	lastChange  time.Time
}

// Session is the owned context object for one dashboard run. Construct with
// New, wire callbacks with OnSnapshotChanged, then Start.
type Session struct {
	device     *device.Client
	deviceName string
	journal    *journal.Journal
	clk        clock.Clock
	gate       *gate.Gate
	stream     *stream.Client

	resources map[model.Resource]*resourceState
	ordered   []*resourceState

	logLevel  atomic.Int32 // LogLevel, mutable via SetLogLevel
	tracePath string
	traceFile *os.File
	traceMu   sync.Mutex

	mu            sync.Mutex
	started       bool
	stopped       bool
	pushConnected bool
	everConnected bool
	startTime     time.Time
	callbacks     []func(Change)
	onError       func(error)

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session for the given device. The session is inert until
// Start.
func New(cfg Config) (*Session, error) {
	if cfg.Device == nil {
		return nil, errors.New("session: device client required")
	}

	resources := cfg.Resources
	if len(resources) == 0 {
		resources = model.AllResources()
	}
	for _, r := range resources {
		if !model.Known(r) {
			return nil, errors.New("session: unknown resource " + string(r))
		}
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = "default"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = envDurationMilliseconds("CW_DEBOUNCE_MS", refresh.DefaultDebounce)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = envDurationMilliseconds("CW_POLL_INTERVAL_MS", refresh.DefaultPollInterval)
	}
	if cfg.MaxPollInterval == 0 {
		cfg.MaxPollInterval = envDurationMilliseconds("CW_MAX_POLL_INTERVAL_MS", refresh.DefaultMaxPollInterval)
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = envDurationMilliseconds("CW_HEARTBEAT_TIMEOUT_MS", stream.DefaultHeartbeatTimeout)
	}
	if cfg.MinReconnectDelay == 0 {
		cfg.MinReconnectDelay = stream.DefaultMinReconnectDelay
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = stream.DefaultMaxReconnectDelay
	}
	if !cfg.ForcePoll {
		cfg.ForcePoll = envBool("CW_FORCE_POLL") || envBool("CW_FORCE_POLLING")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		device:     cfg.Device,
		deviceName: cfg.DeviceName,
		journal:    cfg.Journal,
		clk:        cfg.Clock,
		gate:       gate.New(),
		resources:  make(map[model.Resource]*resourceState, len(resources)),
		tracePath:  strings.TrimSpace(os.Getenv("CW_TRACE")),
		onError:    cfg.OnError,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.SetLogLevel(cfg.LogLevel)

	for _, r := range resources {
		rs := &resourceState{
			resource: r,
			engine:   fingerprint.New(model.FingerprintPolicy(r)),
		}
		rs.coord = refresh.NewCoordinator(string(r),
			func(ctx context.Context) error { return s.fetchResource(ctx, rs) },
			refresh.WithDebounce(cfg.Debounce),
			refresh.WithPollInterval(cfg.PollInterval),
			refresh.WithMaxPollInterval(cfg.MaxPollInterval),
			refresh.WithClock(cfg.Clock),
		)
		s.resources[r] = rs
		s.ordered = append(s.ordered, rs)
		s.gate.Register(rs.coord)
	}

	streamOpts := []stream.Option{
		stream.WithClock(cfg.Clock),
		stream.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		stream.WithReconnectDelay(cfg.MinReconnectDelay, cfg.MaxReconnectDelay),
		stream.WithForcePoll(cfg.ForcePoll),
		stream.WithOnConnect(s.handleConnect),
		stream.WithOnDisconnect(s.handleDisconnect),
		stream.WithOnEvent(s.handleEvent),
		stream.WithOnPushUnavailable(s.handlePushUnavailable),
	}
	if cfg.LastEventID != "" {
		streamOpts = append(streamOpts, stream.WithLastEventID(cfg.LastEventID))
	}
	if cfg.HTTPClient != nil {
		streamOpts = append(streamOpts, stream.WithHTTPClient(cfg.HTTPClient))
	}

	st, err := stream.NewClient(cfg.Device.EventsURL(), streamOpts...)
	if err != nil {
		cancel()
		return nil, err
	}
	s.stream = st
	return s, nil
}

// OnSnapshotChanged registers a collaborator callback. Callbacks run on
// internal goroutines, receive deep copies, and must not block for long.
// Register before Start to also receive the journal-seeded state.
func (s *Session) OnSnapshotChanged(fn func(Change)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Start brings the session up: journal-seeded state first, then one
// parallel fetch of every resource, then scheduling and the push channel.
// Start is idempotent; it returns ErrStopped after Stop.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.startTime = s.clk.Now()
	s.mu.Unlock()

	s.openTraceFile()
	s.logEvent(LevelInfo, "session_start", map[string]any{
		"device":    s.deviceName,
		"resources": len(s.ordered),
	})

	s.seedFromJournal()

	// Initial sync. Failures degrade the individual resource instead of
	// aborting the others.
	g, gctx := errgroup.WithContext(s.ctx)
	for _, rs := range s.ordered {
		rs := rs
		g.Go(func() error {
			s.fetchResource(gctx, rs)
			return nil
		})
	}
	g.Wait()

	for _, rs := range s.ordered {
		if err := rs.coord.Start(); err != nil {
			s.logEvent(LevelWarn, "coordinator_start_failed", map[string]any{
				"resource": string(rs.resource),
				"error":    err.Error(),
			})
		}
	}

	if err := s.stream.Start(); err != nil && !errors.Is(err, stream.ErrPushUnavailable) {
		s.logEvent(LevelWarn, "stream_start_failed", map[string]any{
			"error": err.Error(),
		})
	}
	return nil
}

// Stop shuts the session down: push channel first, then the coordinators.
// In-flight fetch completions are discarded by the coordinators. Safe to
// call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.stream.Stop()
	for _, rs := range s.ordered {
		rs.coord.Stop()
	}

	s.logEvent(LevelInfo, "session_stop", nil)
	s.closeTraceFile()
}

// RequestRefresh asks for a fetch of one resource. Reports false for a
// resource this session does not monitor.
func (s *Session) RequestRefresh(resource model.Resource, opts refresh.Options) bool {
	rs, ok := s.resources[resource]
	if !ok {
		return false
	}
	rs.coord.RequestRefresh(opts)
	return true
}

// RefreshAll asks for a fetch of every monitored resource.
func (s *Session) RefreshAll(opts refresh.Options) {
	for _, rs := range s.ordered {
		rs.coord.RequestRefresh(opts)
	}
}

// Hold closes the deferral gate: refresh scheduling pauses until every
// outstanding hold is released.
func (s *Session) Hold() gate.Token {
	return s.gate.Hold()
}

// Release gives back one hold. The final release flushes pending triggers
// with one fetch per resource that recorded any.
func (s *Session) Release(token gate.Token) {
	s.gate.Release(token)
}

// Status returns a copy of one resource's sync state.
func (s *Session) Status(resource model.Resource) (Status, bool) {
	rs, ok := s.resources[resource]
	if !ok {
		return Status{}, false
	}
	return s.statusOf(rs), true
}

// Statuses returns every monitored resource's status in display order.
func (s *Session) Statuses() []Status {
	out := make([]Status, 0, len(s.ordered))
	for _, rs := range s.ordered {
		out = append(out, s.statusOf(rs))
	}
	return out
}

func (s *Session) statusOf(rs *resourceState) Status {
	info := rs.coord.ChannelInfo()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return Status{
		Resource:       rs.resource,
		State:          rs.state.Clone(),
		Fingerprint:    rs.fingerprint,
		Mode:           info.Mode,
		Degraded:       rs.degraded,
		LastError:      rs.lastError,
		LastChangeAt:   rs.lastChange,
		PendingTrigger: info.PendingTrigger,
		InFlight:       info.InFlight,
	}
}

// Health returns a copy of the session's overall condition.
func (s *Session) Health() Health {
	st := s.stream.State()
	s.mu.Lock()
	started := s.started
	startTime := s.startTime
	s.mu.Unlock()

	var degraded []model.Resource
	for _, rs := range s.ordered {
		rs.mu.Lock()
		if rs.degraded {
			degraded = append(degraded, rs.resource)
		}
		rs.mu.Unlock()
	}

	return Health{
		Started:         started,
		DeviceName:      s.deviceName,
		PushConnected:   st.Connected,
		PushUnavailable: st.PushPermanentlyUnavailable,
		LastHeartbeatAt: st.LastHeartbeatAt,
		ReconnectDelay:  st.ReconnectDelay,
		LastEventID:     st.LastEventID,
		UptimeSince:     startTime,
		GateHeld:        s.gate.Held(),
		Degraded:        degraded,
	}
}

// LastEventID returns the resumption hint to persist for the next run.
func (s *Session) LastEventID() string {
	return s.stream.State().LastEventID
}

// seedFromJournal publishes the last persisted snapshot per resource so
// collaborators have something to show before the first fetch lands.
func (s *Session) seedFromJournal() {
	if s.journal == nil {
		return
	}
	for _, rs := range s.ordered {
		entry, err := s.journal.Latest(s.deviceName, rs.resource)
		if err != nil {
			s.logEvent(LevelWarn, "journal_read_failed", map[string]any{
				"resource": string(rs.resource),
				"error":    err.Error(),
			})
			continue
		}
		if entry == nil {
			continue
		}
		state, err := entry.State()
		if err != nil || state == nil {
			s.logEvent(LevelWarn, "journal_entry_unusable", map[string]any{
				"resource": string(rs.resource),
			})
			continue
		}

		rs.mu.Lock()
		rs.state = state
		rs.fingerprint = entry.Fingerprint
		rs.lastChange = entry.RecordedAt
		rs.mu.Unlock()

		s.logEvent(LevelDebug, "journal_seed", map[string]any{
			"resource":    string(rs.resource),
			"fingerprint": entry.Fingerprint,
		})
		s.dispatch(Change{
			Resource:    rs.resource,
			State:       state,
			Fingerprint: entry.Fingerprint,
			Origin:      OriginJournal,
			At:          entry.RecordedAt,
		})
	}
}

// handleConnect runs when the push channel is accepted: every coordinator
// flips to push mode and pending triggers flush.
func (s *Session) handleConnect() {
	s.mu.Lock()
	s.pushConnected = true
	reconnect := s.everConnected
	s.everConnected = true
	s.mu.Unlock()

	if reconnect {
		metrics.StreamReconnects.Inc()
	}
	s.logEvent(LevelInfo, "stream_connected", map[string]any{
		"reconnect": reconnect,
	})
	for _, rs := range s.ordered {
		rs.coord.SetMode(refresh.ModePush)
	}
}

// handleDisconnect runs when an accepted connection ends, for any reason.
// Polling resumes immediately; the stream client reconnects on its own.
func (s *Session) handleDisconnect(err error) {
	s.mu.Lock()
	s.pushConnected = false
	s.mu.Unlock()

	s.logEvent(LevelWarn, "stream_disconnected", map[string]any{
		"error": err.Error(),
	})
	for _, rs := range s.ordered {
		rs.coord.SetMode(refresh.ModePoll)
	}
}

// handlePushUnavailable runs once when push is ruled out for the rest of
// the session.
func (s *Session) handlePushUnavailable(err error) {
	s.mu.Lock()
	s.pushConnected = false
	s.mu.Unlock()

	s.logEvent(LevelWarn, "push_unavailable", map[string]any{
		"error": err.Error(),
	})
	for _, rs := range s.ordered {
		rs.coord.SetMode(refresh.ModePoll)
	}
}

// handleEvent runs for every delivered push event. Payload-carrying events
// feed the reconciler and schedule a debounced confirming fetch; eventless
// ones schedule the fetch only. Unusable payloads are dropped without
// touching sequence tracking, and the fetch still runs.
func (s *Session) handleEvent(ev stream.Event) {
	metrics.EventsReceived.Inc()

	resource := model.Resource(ev.Name)
	rs, ok := s.resources[resource]
	if !ok {
		metrics.EventsDropped.Inc()
		s.logEvent(LevelDebug, "event_ignored", map[string]any{
			"event": ev.Name,
		})
		return
	}

	if len(ev.Data) == 0 {
		s.logEvent(LevelDebug, "event_hint", map[string]any{
			"resource": string(rs.resource),
		})
		rs.coord.RequestRefresh(refresh.Options{})
		return
	}

	if err := model.CheckPartial(resource, ev.Data); err != nil {
		s.dropEvent(rs, err)
		return
	}
	snap, err := reconcile.ParseSnapshot(ev.Data, s.clk.Now())
	if err != nil {
		s.dropEvent(rs, err)
		return
	}

	s.applySnapshot(rs, snap, OriginPush)
	rs.coord.RequestRefresh(refresh.Options{})
}

// dropEvent discards one unusable push payload. The event still hints that
// something changed, so the confirming fetch runs regardless.
func (s *Session) dropEvent(rs *resourceState, err error) {
	metrics.EventsDropped.Inc()
	s.logEvent(LevelWarn, "event_dropped", map[string]any{
		"resource": string(rs.resource),
		"error":    err.Error(),
	})
	s.reportError(err)
	rs.coord.RequestRefresh(refresh.Options{})
}

// fetchResource performs one fetch and applies the result. The returned
// error drives the coordinator's failure policy.
func (s *Session) fetchResource(ctx context.Context, rs *resourceState) error {
	stop := metrics.Timer(metrics.SnapshotFetch)
	snap, err := s.device.Fetch(ctx, rs.resource)
	stop()

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown or supersession, not a device failure.
			return err
		}
		metrics.FetchFailures.Inc()
		rs.mu.Lock()
		rs.degraded = true
		rs.lastError = err
		rs.mu.Unlock()
		s.logEvent(LevelWarn, "fetch_failed", map[string]any{
			"resource": string(rs.resource),
			"error":    err.Error(),
		})
		s.reportError(err)
		return err
	}

	rs.mu.Lock()
	rs.degraded = false
	rs.lastError = nil
	rs.mu.Unlock()

	s.applySnapshot(rs, snap, OriginFetch)
	return nil
}

// applySnapshot runs one observation through the reconciler and, when the
// fingerprint moved, journals and publishes the accepted state.
func (s *Session) applySnapshot(rs *resourceState, snap *reconcile.Snapshot, origin Origin) {
	s.mu.Lock()
	pushConnected := s.pushConnected
	s.mu.Unlock()

	rs.mu.Lock()
	stopResolve := metrics.Timer(metrics.ReconcileResolve)
	next := reconcile.ResolveNext(snap, rs.state, pushConnected)
	stopResolve()

	if next == rs.state {
		rs.mu.Unlock()
		metrics.SnapshotsDiscarded.Inc()
		s.logEvent(LevelDebug, "snapshot_discarded", map[string]any{
			"resource": string(rs.resource),
			"origin":   origin.String(),
		})
		return
	}

	stopSum := metrics.Timer(metrics.FingerprintCompute)
	fp, err := rs.engine.SumFields(next.Fields)
	stopSum()
	if err != nil {
		rs.mu.Unlock()
		s.logEvent(LevelError, "fingerprint_failed", map[string]any{
			"resource": string(rs.resource),
			"error":    err.Error(),
		})
		s.reportError(err)
		return
	}

	prevFp := rs.fingerprint
	rs.state = next
	rs.fingerprint = fp
	changed := fp != prevFp
	if changed {
		rs.lastChange = next.UpdatedAt
		if s.journal != nil {
			stopAppend := metrics.Timer(metrics.JournalAppend)
			err := s.journal.Append(s.deviceName, rs.resource, next, fp)
			stopAppend()
			if err != nil {
				s.logEvent(LevelWarn, "journal_append_failed", map[string]any{
					"resource": string(rs.resource),
					"error":    err.Error(),
				})
			}
		}
	}
	rs.mu.Unlock()

	metrics.SnapshotsApplied.Inc()
	if !changed {
		s.logEvent(LevelTrace, "snapshot_unchanged", map[string]any{
			"resource":    string(rs.resource),
			"fingerprint": fp,
		})
		return
	}

	fields := map[string]any{
		"resource":    string(rs.resource),
		"fingerprint": fp,
		"origin":      origin.String(),
	}
	if next.Sequence != nil {
		fields["seq"] = *next.Sequence
	}
	s.logEvent(LevelInfo, "snapshot_changed", fields)

	s.dispatch(Change{
		Resource:            rs.resource,
		State:               next,
		Fingerprint:         fp,
		PreviousFingerprint: prevFp,
		Origin:              origin,
		At:                  next.UpdatedAt,
	})
}

// dispatch fans a change out to the registered callbacks, each with its
// own deep copy.
func (s *Session) dispatch(change Change) {
	s.mu.Lock()
	callbacks := append(([]func(Change))(nil), s.callbacks...)
	s.mu.Unlock()
	if len(callbacks) == 0 {
		return
	}

	stop := metrics.Timer(metrics.EventDispatch)
	defer stop()
	for _, fn := range callbacks {
		c := change
		c.State = change.State.Clone()
		fn(c)
	}
}

func (s *Session) reportError(err error) {
	if s.onError != nil && err != nil {
		s.onError(err)
	}
}
