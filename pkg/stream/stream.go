// Package stream implements the push-channel client: one long-lived
// server-sent-events connection with heartbeat liveness, exponential
// reconnect backoff, and resumption from the last delivered event id.
//
// The client never fails hard. Transport errors and heartbeat silence both
// end in a scheduled reconnect; only a capability failure (the device says
// the push endpoint does not exist, or serves the wrong content type) marks
// push permanently unavailable for the rest of the session, after which the
// owner is expected to rely on polling alone.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults, overridable per client via options.
const (
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultMinReconnectDelay = 500 * time.Millisecond
	DefaultMaxReconnectDelay = 30 * time.Second
)

// Common errors.
var (
	ErrAlreadyStarted   = errors.New("stream client already started")
	ErrPushUnavailable  = errors.New("push channel permanently unavailable")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// heartbeatEvent is the named event servers may use instead of comment-line
// heartbeats. It feeds liveness only and is never delivered as a resource
// event.
const heartbeatEvent = "heartbeat"

// Event is one delivered push message.
type Event struct {
	Name string
	ID   string
	Data []byte
}

// Status is a point-in-time copy of the connection state.
type Status struct {
	Connected                  bool
	LastHeartbeatAt            time.Time
	ReconnectDelay             time.Duration
	LastEventID                string
	PushPermanentlyUnavailable bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the streaming request. The
// client must not enforce an overall request timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock sets the clock used for watchdog and backoff timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clk = clk
	}
}

// WithHeartbeatTimeout sets how long the stream may stay silent before the
// connection is declared dead.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.heartbeatTimeout = d
	}
}

// WithReconnectDelay sets the backoff bounds for reconnection attempts.
func WithReconnectDelay(min, max time.Duration) Option {
	return func(c *Client) {
		c.minReconnectDelay = min
		c.maxReconnectDelay = max
	}
}

// WithLastEventID seeds the resumption hint, e.g. from a previous session.
func WithLastEventID(id string) Option {
	return func(c *Client) {
		c.lastEventID = id
	}
}

// WithForcePoll marks push unavailable up front, as if the capability probe
// had failed. Useful for devices behind buffering proxies.
func WithForcePoll(force bool) Option {
	return func(c *Client) {
		c.forcePoll = force
	}
}

// WithOnConnect sets the callback invoked after a connection is accepted.
func WithOnConnect(fn func()) Option {
	return func(c *Client) {
		c.onConnect = fn
	}
}

// WithOnDisconnect sets the callback invoked when an accepted connection
// ends. The error is ErrHeartbeatTimeout for liveness failures.
func WithOnDisconnect(fn func(error)) Option {
	return func(c *Client) {
		c.onDisconnect = fn
	}
}

// WithOnEvent sets the callback invoked for each delivered resource event.
func WithOnEvent(fn func(Event)) Option {
	return func(c *Client) {
		c.onEvent = fn
	}
}

// WithOnHeartbeat sets the callback invoked on every liveness signal.
func WithOnHeartbeat(fn func()) Option {
	return func(c *Client) {
		c.onHeartbeat = fn
	}
}

// WithOnPushUnavailable sets the callback invoked once when push is marked
// permanently unavailable.
func WithOnPushUnavailable(fn func(error)) Option {
	return func(c *Client) {
		c.onPushUnavailable = fn
	}
}

// Client maintains the push connection. Callbacks run on the client's own
// goroutine; they must not block for long and must not call Stop.
type Client struct {
	url              string
	httpClient       *http.Client
	clk              clock.Clock
	heartbeatTimeout time.Duration

	minReconnectDelay time.Duration
	maxReconnectDelay time.Duration
	forcePoll         bool

	onConnect         func()
	onDisconnect      func(error)
	onEvent           func(Event)
	onHeartbeat       func()
	onPushUnavailable func(error)

	mu              sync.Mutex
	started         bool
	connected       bool
	unavailable     bool
	livenessExpired bool
	reconnectDelay  time.Duration
	lastHeartbeatAt time.Time
	lastEventID     string
	body            io.ReadCloser
	watchdog        *clock.Timer
	cancel          context.CancelFunc

	wg sync.WaitGroup
}

// NewClient creates a client for the given events URL. The URL must be
// absolute; the resumption hint is appended as a query parameter on connect.
func NewClient(eventsURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(eventsURL)
	if err != nil {
		return nil, fmt.Errorf("parse events url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("events url %q is not absolute", eventsURL)
	}

	c := &Client{
		url:               eventsURL,
		httpClient:        &http.Client{},
		clk:               clock.New(),
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		minReconnectDelay: DefaultMinReconnectDelay,
		maxReconnectDelay: DefaultMaxReconnectDelay,
		onConnect:         func() {},
		onDisconnect:      func(error) {},
		onEvent:           func(Event) {},
		onHeartbeat:       func() {},
		onPushUnavailable: func(error) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reconnectDelay = c.minReconnectDelay
	return c, nil
}

// Start opens the push connection and keeps it open until Stop. Returns
// ErrPushUnavailable when a previous capability failure already ruled push
// out for this session.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.unavailable {
		c.mu.Unlock()
		return ErrPushUnavailable
	}

	forcePoll := c.forcePoll || envBool("CW_FORCE_POLLING") || envBool("CW_FORCE_POLL")
	if forcePoll {
		c.unavailable = true
		c.mu.Unlock()
		c.onPushUnavailable(fmt.Errorf("%w: polling forced by configuration", ErrPushUnavailable))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	c.reconnectDelay = c.minReconnectDelay
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop closes the connection and waits for the streaming goroutine to exit.
// Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	body := c.body
	c.mu.Unlock()

	cancel()
	if body != nil {
		body.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.started = false
	c.connected = false
	c.mu.Unlock()
}

// State returns a copy of the current connection state.
func (c *Client) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connected:                  c.connected,
		LastHeartbeatAt:            c.lastHeartbeatAt,
		ReconnectDelay:             c.reconnectDelay,
		LastEventID:                c.lastEventID,
		PushPermanentlyUnavailable: c.unavailable,
	}
}

// Connected reports whether an accepted connection is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Unavailable reports whether push has been ruled out for this session.
func (c *Client) Unavailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unavailable
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrPushUnavailable) {
			c.markUnavailable(err)
			return
		}

		timer := c.clk.Timer(c.nextReconnectDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce performs one connection attempt and, when accepted, streams
// events until the connection ends. The returned error classifies why the
// attempt or the stream ended.
func (c *Client) connectOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(), nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		drain(resp.Body)
		return fmt.Errorf("%w: device returned status %d", ErrPushUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		drain(resp.Body)
		return fmt.Errorf("%w: content type %q", ErrPushUnavailable, resp.Header.Get("Content-Type"))
	}

	c.accepted(resp.Body)
	readErr := c.readEvents(resp.Body)
	return c.closed(readErr)
}

// requestURL appends the resumption hint when one is known.
func (c *Client) requestURL() string {
	c.mu.Lock()
	lastID := c.lastEventID
	c.mu.Unlock()

	if lastID == "" {
		return c.url
	}
	parsed, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := parsed.Query()
	q.Set("lastEventId", lastID)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// accepted transitions to the connected state: backoff resets to its
// minimum and the heartbeat watchdog is armed.
func (c *Client) accepted(body io.ReadCloser) {
	c.mu.Lock()
	c.connected = true
	c.livenessExpired = false
	c.reconnectDelay = c.minReconnectDelay
	c.lastHeartbeatAt = c.clk.Now()
	c.body = body
	c.watchdog = c.clk.AfterFunc(c.heartbeatTimeout, c.heartbeatExpired)
	c.mu.Unlock()

	c.onConnect()
}

// closed tears down the connected state and classifies the stream error.
func (c *Client) closed(readErr error) error {
	c.mu.Lock()
	wasConnected := c.connected
	liveness := c.livenessExpired
	c.connected = false
	c.body = nil
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.mu.Unlock()

	err := readErr
	if liveness {
		err = fmt.Errorf("%w after %v of silence", ErrHeartbeatTimeout, c.heartbeatTimeout)
	} else if err == nil || errors.Is(err, io.EOF) {
		err = errors.New("stream closed by device")
	}

	if wasConnected {
		c.onDisconnect(err)
	}
	return err
}

// heartbeatExpired runs when the watchdog fires: force-close the transport
// so the read loop unblocks and the run loop schedules a reconnect.
func (c *Client) heartbeatExpired() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.livenessExpired = true
	body := c.body
	c.mu.Unlock()

	if body != nil {
		body.Close()
	}
}

// touch records stream activity: every inbound line refreshes the liveness
// deadline and re-arms the watchdog.
func (c *Client) touch() {
	c.mu.Lock()
	c.lastHeartbeatAt = c.clk.Now()
	if c.watchdog != nil {
		c.watchdog.Reset(c.heartbeatTimeout)
	}
	c.mu.Unlock()
}

func (c *Client) markUnavailable(err error) {
	c.mu.Lock()
	already := c.unavailable
	c.unavailable = true
	c.connected = false
	c.mu.Unlock()

	if !already {
		c.onPushUnavailable(err)
	}
}

func (c *Client) nextReconnectDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := c.reconnectDelay
	if delay > c.maxReconnectDelay {
		delay = c.maxReconnectDelay
	}
	// Double for the next attempt, never past the cap.
	c.reconnectDelay *= 2
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
	return delay
}

// readEvents parses the server-sent-events framing: "event:", "data:" and
// "id:" fields accumulate until a blank line dispatches the message, ":"
// lines are comments. Heartbeats, whether comment lines or events named
// "heartbeat", feed liveness without being delivered.
func (c *Client) readEvents(body io.Reader) error {
	reader := bufio.NewReaderSize(body, 64*1024)

	var (
		name    string
		id      string
		data    bytes.Buffer
		sawData bool
	)
	reset := func() {
		name = ""
		id = ""
		data.Reset()
		sawData = false
	}

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			c.touch()
			trimmed := strings.TrimRight(line, "\r\n")

			switch {
			case trimmed == "":
				if sawData || name == heartbeatEvent {
					c.dispatch(name, id, data.Bytes())
				}
				reset()

			case strings.HasPrefix(trimmed, ":"):
				c.onHeartbeat()

			default:
				field, value := splitField(trimmed)
				switch field {
				case "event":
					name = value
				case "data":
					if sawData {
						data.WriteByte('\n')
					}
					data.WriteString(value)
					sawData = true
				case "id":
					id = value
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// dispatch delivers one complete message and, on success, records its id as
// the resumption hint for the next connection.
func (c *Client) dispatch(name, id string, data []byte) {
	if name == "" {
		name = "message"
	}
	if name == heartbeatEvent {
		c.onHeartbeat()
		return
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	c.onEvent(Event{Name: name, ID: id, Data: payload})

	if id != "" {
		c.mu.Lock()
		c.lastEventID = id
		c.mu.Unlock()
	}
}

func splitField(line string) (field, value string) {
	field = line
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		value = strings.TrimPrefix(value, " ")
	}
	return field, value
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
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
