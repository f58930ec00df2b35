// Package devsim implements a simulated camera device for development
// and integration testing. It serves the same REST and SSE surface a
// real device exposes, plus /sim control endpoints for scripting state
// changes, stream glitches, and fetch failures.
package devsim

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/camwatch/pkg/model"
)

// DefaultHeartbeatInterval is how often connected streams receive a
// comment heartbeat.
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultReplayBuffer is how many recent events are kept for
// Last-Event-ID resumption.
const DefaultReplayBuffer = 256

// Options configures a Simulator.
type Options struct {
	HeartbeatInterval time.Duration
	ReplayBuffer      int
	DisablePush       bool // serve 404 on the events endpoint
	Logger            *slog.Logger
}

// wireEvent is an event as delivered to stream subscribers.
type wireEvent struct {
	id   string
	name string
	data []byte // nil for eventless notifications
}

// Simulator holds the simulated device state.
type Simulator struct {
	mu          sync.Mutex
	state       map[model.Resource]map[string]any
	events      []wireEvent
	nextEventID uint64
	subscribers map[uint64]chan wireEvent
	nextSubID   uint64

	latency    time.Duration
	failCount  int
	failStatus int

	// capture bookkeeping for the start/stop controls
	captureFile      string
	captureStartedAt time.Time
	recCounter       int

	hbInterval  time.Duration
	replayLimit int
	disablePush bool
	logger      *slog.Logger
}

// New creates a simulator with a plausible initial device state.
func New(opts Options) *Simulator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReplayBuffer <= 0 {
		opts.ReplayBuffer = DefaultReplayBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Simulator{
		state:       seedState(),
		subscribers: make(map[uint64]chan wireEvent),
		hbInterval:  opts.HeartbeatInterval,
		replayLimit: opts.ReplayBuffer,
		disablePush: opts.DisablePush,
		logger:      opts.Logger,
	}
}

// seedState returns the device state a freshly booted simulator reports.
func seedState() map[model.Resource]map[string]any {
	bootedAt := time.Now().Add(-90 * time.Minute).UTC().Format(time.RFC3339)
	return map[model.Resource]map[string]any{
		model.ResourceCapture: {
			"seq":   int64(1),
			"state": model.CaptureIdle,
		},
		model.ResourceMotion: {
			"seq":    int64(1),
			"active": false,
		},
		model.ResourceConfig: {
			"seq":               int64(1),
			"name":              "cam-01",
			"resolution":        "1920x1080",
			"fps":               30,
			"rotationDeg":       0,
			"motionSensitivity": 5,
			"retentionDays":     30,
		},
		model.ResourceRecordings: {
			"seq": int64(1),
			"items": []map[string]any{
				{
					"id":          "rec-20250601-002",
					"startedAt":   bootedAt,
					"durationSec": 184.0,
					"sizeBytes":   int64(96 << 20),
					"inProgress":  false,
					"trigger":     model.TriggerMotion,
				},
				{
					"id":          "rec-20250601-001",
					"startedAt":   time.Now().Add(-3 * time.Hour).UTC().Format(time.RFC3339),
					"durationSec": 610.0,
					"sizeBytes":   int64(320 << 20),
					"inProgress":  false,
					"trigger":     model.TriggerSchedule,
				},
			},
		},
		model.ResourceHealth: {
			"status":         model.HealthOK,
			"uptimeSec":      5400.0,
			"diskFreeBytes":  int64(48 << 30),
			"diskTotalBytes": int64(64 << 30),
			"batteryPct":     87.0,
			"temperatureC":   31.5,
			"firmware":       "2.4.1",
		},
	}
}

// Snapshot returns the current payload for a resource, or nil for an
// unknown resource.
func (s *Simulator) Snapshot(resource model.Resource) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state[resource]
	if !ok {
		return nil
	}
	data, err := json.Marshal(current)
	if err != nil {
		s.logger.Error("marshal snapshot", "resource", resource, "error", err)
		return nil
	}
	return data
}

// LoadState replaces the full device state, for scenario files.
func (s *Simulator) LoadState(state map[model.Resource]map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for resource, fields := range state {
		if model.Known(resource) {
			s.state[resource] = fields
		}
	}
}

// EmitMode selects what an advance puts on the stream.
type EmitMode string

const (
	EmitData      EmitMode = "data"      // event with payload
	EmitEventless EmitMode = "eventless" // event with no payload
	EmitNone      EmitMode = "none"      // change state silently
)

// Advance applies a partial update to a resource, optionally bumps its
// sequence, and emits the configured stream event. It returns the new
// sequence (0 for health, which has none) and the emitted event id
// (empty for EmitNone).
func (s *Simulator) Advance(resource model.Resource, fields map[string]any, bumpSeq bool, partial bool, emit EmitMode) (int64, string, error) {
	if !model.Known(resource) {
		return 0, "", fmt.Errorf("unknown resource %q", resource)
	}

	s.mu.Lock()
	current := s.state[resource]
	for k, v := range fields {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}

	var seq int64
	if resource != model.ResourceHealth {
		seq = currentSeq(current)
		if bumpSeq {
			seq++
		}
		current["seq"] = seq
	}

	var payload []byte
	if emit == EmitData {
		source := current
		if partial {
			source = make(map[string]any, len(fields)+1)
			for k, v := range fields {
				if v != nil {
					source[k] = v
				}
			}
			if resource != model.ResourceHealth {
				source["seq"] = seq
			}
		}
		data, err := json.Marshal(source)
		if err != nil {
			s.mu.Unlock()
			return 0, "", fmt.Errorf("marshal event payload: %w", err)
		}
		payload = data
	}

	var eventID string
	if emit != EmitNone {
		eventID = s.appendEventLocked(string(resource), payload)
	}
	subs := s.snapshotSubscribersLocked()
	s.mu.Unlock()

	if emit != EmitNone {
		s.deliver(subs, wireEvent{id: eventID, name: string(resource), data: payload})
	}
	return seq, eventID, nil
}

func currentSeq(fields map[string]any) int64 {
	switch v := fields["seq"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// appendEventLocked stores an event in the replay ring and returns its id.
func (s *Simulator) appendEventLocked(name string, data []byte) string {
	s.nextEventID++
	id := fmt.Sprintf("ev-%d", s.nextEventID)
	s.events = append(s.events, wireEvent{id: id, name: name, data: data})
	if len(s.events) > s.replayLimit {
		s.events = s.events[len(s.events)-s.replayLimit:]
	}
	return id
}

// subscribeSince registers a stream subscriber and, in the same step,
// collects the events recorded after lastEventID for replay. An empty
// or already-evicted id yields no replay; the client's own confirm
// fetch covers that gap.
func (s *Simulator) subscribeSince(lastEventID string) (uint64, <-chan wireEvent, []wireEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tail []wireEvent
	if lastEventID != "" {
		for i, ev := range s.events {
			if ev.id == lastEventID {
				tail = make([]wireEvent, len(s.events)-i-1)
				copy(tail, s.events[i+1:])
				break
			}
		}
	}

	s.nextSubID++
	id := s.nextSubID
	ch := make(chan wireEvent, 64)
	s.subscribers[id] = ch
	return id, ch, tail
}

func (s *Simulator) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *Simulator) snapshotSubscribersLocked() map[uint64]chan wireEvent {
	subs := make(map[uint64]chan wireEvent, len(s.subscribers))
	for id, ch := range s.subscribers {
		subs[id] = ch
	}
	return subs
}

// deliver fans an event out to subscribers. A subscriber that cannot
// keep up is dropped; the client reconnects and resumes via its
// Last-Event-ID hint.
func (s *Simulator) deliver(subs map[uint64]chan wireEvent, ev wireEvent) {
	for id, ch := range subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping slow stream subscriber", "subscriber", id)
			s.unsubscribe(id)
		}
	}
}

// DropStreams closes every connected stream, simulating a network
// glitch. Clients are expected to reconnect with backoff.
func (s *Simulator) DropStreams() int {
	s.mu.Lock()
	subs := s.snapshotSubscribersLocked()
	s.mu.Unlock()

	for id := range subs {
		s.unsubscribe(id)
	}
	return len(subs)
}

// SetLatency adds artificial latency to every resource fetch.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailNext makes the next count resource fetches return the given
// status code.
func (s *Simulator) FailNext(count, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount = count
	s.failStatus = status
}

// fetchIntercept reports the artificial latency to apply and, when a
// failure is scheduled, consumes it and returns its status code.
func (s *Simulator) fetchIntercept() (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := 0
	if s.failCount > 0 {
		s.failCount--
		status = s.failStatus
	}
	return s.latency, status
}

// Subscribers returns the number of connected streams.
func (s *Simulator) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
