package stream

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	c, err := NewClient("http://device.local/api/events",
		WithReconnectDelay(100*time.Millisecond, time.Second))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}
	var prev time.Duration
	for i, expected := range want {
		got := c.nextReconnectDelay()
		if got != expected {
			t.Errorf("attempt %d delay = %v, want %v", i, got, expected)
		}
		if got < prev {
			t.Errorf("attempt %d delay %v decreased from %v", i, got, prev)
		}
		prev = got
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("/api/events"); err == nil {
		t.Error("NewClient accepted a relative URL")
	}
	if _, err := NewClient("://nope"); err == nil {
		t.Error("NewClient accepted an unparsable URL")
	}
}

func TestReadEventsParsesFrames(t *testing.T) {
	var events []Event
	var heartbeats int32
	c, err := NewClient("http://device.local/api/events",
		WithOnEvent(func(ev Event) { events = append(events, ev) }),
		WithOnHeartbeat(func() { heartbeats++ }))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	frames := strings.Join([]string{
		": hb",
		"",
		"event: capture",
		"data: {\"seq\":1,",
		"data: \"state\":\"idle\"}",
		"id: ev-1",
		"",
		"data: {\"plain\":true}",
		"",
		"event: heartbeat",
		"data: {}",
		"",
		"event: motion",
		"data: {\"seq\":2}",
		"",
	}, "\n") + "\n"

	if err := c.readEvents(strings.NewReader(frames)); !errors.Is(err, io.EOF) {
		t.Fatalf("readEvents error = %v, want EOF", err)
	}

	if len(events) != 3 {
		t.Fatalf("delivered %d events, want 3: %+v", len(events), events)
	}
	if events[0].Name != "capture" || events[0].ID != "ev-1" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if got := string(events[0].Data); got != "{\"seq\":1,\n\"state\":\"idle\"}" {
		t.Errorf("multi-line data = %q", got)
	}
	if events[1].Name != "message" {
		t.Errorf("nameless event delivered as %q, want message", events[1].Name)
	}
	if events[2].Name != "motion" || events[2].ID != "" {
		t.Errorf("event 2 = %+v", events[2])
	}
	// One comment line plus one heartbeat-named event.
	if heartbeats != 2 {
		t.Errorf("heartbeats = %d, want 2", heartbeats)
	}
	if got := c.State().LastEventID; got != "ev-1" {
		t.Errorf("lastEventID = %q, want ev-1", got)
	}
}

func TestConnectDeliversEventsAndResetsBackoff(t *testing.T) {
	events := make(chan Event, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		io.WriteString(w, ": hb\n\n")
		fl.Flush()
		io.WriteString(w, "event: recordings\ndata: {\"seq\":3}\nid: ev-9\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL,
		WithReconnectDelay(10*time.Millisecond, 100*time.Millisecond),
		WithOnEvent(func(ev Event) { events <- ev }))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	select {
	case ev := <-events:
		if ev.Name != "recordings" || ev.ID != "ev-9" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	state := c.State()
	if !state.Connected {
		t.Error("not marked connected")
	}
	if state.ReconnectDelay != 10*time.Millisecond {
		t.Errorf("reconnect delay = %v, want reset to minimum", state.ReconnectDelay)
	}
	if state.LastEventID != "ev-9" {
		t.Errorf("lastEventID = %q, want ev-9", state.LastEventID)
	}
}

func TestResumptionHintSentOnReconnect(t *testing.T) {
	queries := make(chan string, 4)
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&conns, 1)
		queries <- r.URL.Query().Get("lastEventId")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		io.WriteString(w, "event: capture\ndata: {\"seq\":1}\nid: ev-1\n\n")
		fl.Flush()
		if n == 1 {
			return // drop the first connection after one event
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	delivered := make(chan Event, 4)
	c, err := NewClient(srv.URL,
		WithReconnectDelay(5*time.Millisecond, 20*time.Millisecond),
		WithOnEvent(func(ev Event) { delivered <- ev }))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	first := <-queries
	if first != "" {
		t.Errorf("first connection sent resumption hint %q, want none", first)
	}
	<-delivered

	select {
	case second := <-queries:
		if second != "ev-1" {
			t.Errorf("reconnect sent lastEventId=%q, want ev-1", second)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect observed")
	}

	// The failed first connection doubled the backoff; the accepted second
	// connection must reset it to the minimum.
	waitFor(t, time.Second, func() bool {
		return c.State().ReconnectDelay == 5*time.Millisecond
	}, "backoff reset after accepted reconnect")
}

func TestCapabilityFailureIsPermanent(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	unavailable := make(chan error, 1)
	c, err := NewClient(srv.URL,
		WithReconnectDelay(time.Millisecond, 5*time.Millisecond),
		WithOnPushUnavailable(func(err error) { unavailable <- err }))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	select {
	case err := <-unavailable:
		if !errors.Is(err, ErrPushUnavailable) {
			t.Errorf("unavailable error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("capability failure not reported")
	}

	if !c.Unavailable() {
		t.Error("client not marked unavailable")
	}
	// No retry may follow, even after plenty of backoff windows.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("connection attempts = %d, want exactly 1", got)
	}

	c.Stop()
	if err := c.Start(); !errors.Is(err, ErrPushUnavailable) {
		t.Errorf("Start after capability failure = %v, want ErrPushUnavailable", err)
	}
}

func TestWrongContentTypeIsCapabilityFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "no streams here")
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithReconnectDelay(time.Millisecond, 5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	waitFor(t, 2*time.Second, c.Unavailable, "capability failure")
}

func TestTransportFailureKeepsRetrying(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithReconnectDelay(5*time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&attempts) >= 3
	}, "repeated reconnect attempts")

	if c.Unavailable() {
		t.Error("transport failure wrongly marked push unavailable")
	}
}

func TestHeartbeatTimeoutTreatedAsDisconnect(t *testing.T) {
	mock := clock.NewMock()
	connects := make(chan struct{}, 4)
	disconnects := make(chan error, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		io.WriteString(w, ": hb\n\n")
		fl.Flush()
		<-r.Context().Done() // stay silent forever
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL,
		WithClock(mock),
		WithHeartbeatTimeout(time.Hour),
		WithReconnectDelay(10*time.Millisecond, 50*time.Millisecond),
		WithOnConnect(func() { connects <- struct{}{} }),
		WithOnDisconnect(func(err error) { disconnects <- err }))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}
	// Let the watchdog see a full silent window. The initial comment may or
	// may not have arrived yet; either way two hours covers the re-armed
	// deadline.
	mock.Add(2 * time.Hour)

	select {
	case err := <-disconnects:
		if !errors.Is(err, ErrHeartbeatTimeout) {
			t.Errorf("disconnect error = %v, want heartbeat timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}

	// The reconnect timer runs on the mock clock too; tick it forward until
	// the client is connected again.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-connects:
			return
		case <-deadline:
			t.Fatal("no reconnect after heartbeat timeout")
		default:
			mock.Add(10 * time.Millisecond)
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestForcePollSkipsConnection(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
	}))
	defer srv.Close()

	t.Setenv("CW_FORCE_POLLING", "1")

	unavailable := make(chan error, 1)
	c, err := NewClient(srv.URL, WithOnPushUnavailable(func(err error) { unavailable <- err }))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer c.Stop()

	select {
	case <-unavailable:
	case <-time.After(time.Second):
		t.Fatal("force poll not reported")
	}
	if got := atomic.LoadInt32(&attempts); got != 0 {
		t.Errorf("forced poll still attempted %d connections", got)
	}
	if !c.State().PushPermanentlyUnavailable {
		t.Error("status does not show push unavailable")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	c.Stop() // before Start: no-op

	if err := c.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitFor(t, 2*time.Second, c.Connected, "connection")

	c.Stop()
	c.Stop()
	if c.Connected() {
		t.Error("still connected after Stop")
	}

	if err := c.Start(); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	waitFor(t, 2*time.Second, c.Connected, "reconnection after restart")
	c.Stop()
}

func TestRequestURLPreservesExistingQuery(t *testing.T) {
	c, err := NewClient("http://device.local/api/events?token=abc",
		WithLastEventID("ev-5"))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	got := c.requestURL()
	for _, want := range []string{"token=abc", "lastEventId=ev-5"} {
		if !strings.Contains(got, want) {
			t.Errorf("request URL %q missing %q", got, want)
		}
	}
}

func TestSplitField(t *testing.T) {
	tests := []struct {
		line       string
		field, val string
	}{
		{"event: capture", "event", "capture"},
		{"data: {\"a\":1}", "data", "{\"a\":1}"},
		{"data:no-space", "data", "no-space"},
		{"id: ev-1", "id", "ev-1"},
		{"retry: 3000", "retry", "3000"},
		{"lonefield", "lonefield", ""},
	}
	for _, tt := range tests {
		field, val := splitField(tt.line)
		if field != tt.field || val != tt.val {
			t.Errorf("splitField(%q) = %q,%q want %q,%q", tt.line, field, val, tt.field, tt.val)
		}
	}
}

func TestEventDataIsCopied(t *testing.T) {
	var events []Event
	c, err := NewClient("http://device.local/api/events",
		WithOnEvent(func(ev Event) { events = append(events, ev) }))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	frames := "event: capture\ndata: {\"seq\":1}\n\nevent: capture\ndata: {\"seq\":2222}\n\n"
	if err := c.readEvents(strings.NewReader(frames)); !errors.Is(err, io.EOF) {
		t.Fatalf("readEvents error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("delivered %d events, want 2", len(events))
	}
	// Inspect the first event only after the second was parsed; a reused
	// buffer would have clobbered it.
	if got := string(events[0].Data); got != "{\"seq\":1}" {
		t.Errorf("earlier event data mutated by later frame: %q", got)
	}
	if got := string(events[1].Data); got != "{\"seq\":2222}" {
		t.Errorf("second event data = %q", got)
	}
}
