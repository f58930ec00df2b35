package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/camwatch/pkg/fleet"
	"github.com/vanderheijden86/camwatch/pkg/journal"
	"github.com/vanderheijden86/camwatch/pkg/metrics"
	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/session"
	"github.com/vanderheijden86/camwatch/pkg/version"
)

// robotChange is one accepted snapshot change, emitted as a JSON line.
type robotChange struct {
	Event       string          `json:"event"`
	TS          string          `json:"ts"`
	Resource    model.Resource  `json:"resource"`
	Seq         *int64          `json:"seq,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Previous    string          `json:"previous_fingerprint,omitempty"`
	Origin      string          `json:"origin"`
	State       json.RawMessage `json:"state"`
}

// robotStatus is one sync status transition, emitted as a JSON line.
type robotStatus struct {
	Event    string         `json:"event"`
	TS       string         `json:"ts"`
	Kind     string         `json:"kind"`
	Resource model.Resource `json:"resource,omitempty"`
	Detail   string         `json:"detail,omitempty"`
}

// transition is one observable shift in the session's health.
type transition struct {
	kind     string // stream_connected, stream_disconnected, push_unavailable, degraded, recovered
	resource model.Resource
	detail   string
}

// statusTransitions diffs two health snapshots into the transitions worth a
// line of output. Degradation details are filled in by the caller, which
// has access to the per-resource status.
func statusTransitions(prev, cur session.Health) []transition {
	var out []transition

	if cur.PushUnavailable && !prev.PushUnavailable {
		out = append(out, transition{kind: "push_unavailable"})
	} else if cur.PushConnected && !prev.PushConnected {
		out = append(out, transition{kind: "stream_connected"})
	} else if !cur.PushConnected && prev.PushConnected && !cur.PushUnavailable {
		out = append(out, transition{kind: "stream_disconnected"})
	}

	was := make(map[model.Resource]bool, len(prev.Degraded))
	for _, r := range prev.Degraded {
		was[r] = true
	}
	now := make(map[model.Resource]bool, len(cur.Degraded))
	for _, r := range cur.Degraded {
		now[r] = true
	}
	for _, r := range cur.Degraded {
		if !was[r] {
			out = append(out, transition{kind: "degraded", resource: r})
		}
	}
	for _, r := range prev.Degraded {
		if !now[r] {
			out = append(out, transition{kind: "recovered", resource: r})
		}
	}
	return out
}

// printer serializes output lines. Change callbacks and the status loop
// run on different goroutines, so every write goes through one mutex.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	robot bool
	now   func() time.Time
}

func newPrinter(w io.Writer, robot bool) *printer {
	return &printer{w: w, robot: robot, now: time.Now}
}

func (p *printer) change(c session.Change) {
	if p.robot {
		state, err := c.State.Encode()
		if err != nil {
			state = []byte("null")
		}
		p.writeJSON(robotChange{
			Event:       "change",
			TS:          p.timestamp(),
			Resource:    c.Resource,
			Seq:         c.State.Sequence,
			Fingerprint: c.Fingerprint,
			Previous:    c.PreviousFingerprint,
			Origin:      c.Origin.String(),
			State:       state,
		})
		return
	}

	seq := "-"
	if c.State.Sequence != nil {
		seq = fmt.Sprintf("%d", *c.State.Sequence)
	}
	p.writeLine(fmt.Sprintf("%s  %-10s seq=%-4s fp=%s (%s)",
		p.clock(), c.Resource, seq, c.Fingerprint, c.Origin))
}

func (p *printer) status(tr transition) {
	if p.robot {
		p.writeJSON(robotStatus{
			Event:    "status",
			TS:       p.timestamp(),
			Kind:     tr.kind,
			Resource: tr.resource,
			Detail:   tr.detail,
		})
		return
	}

	var line string
	switch tr.kind {
	case "stream_connected":
		line = "stream connected, push updates live"
	case "stream_disconnected":
		line = "stream lost, polling until it returns"
	case "push_unavailable":
		line = "push not supported by this device, polling for the rest of the session"
	case "degraded":
		line = fmt.Sprintf("%s degraded", tr.resource)
		if tr.detail != "" {
			line += ": " + tr.detail
		}
	case "recovered":
		line = fmt.Sprintf("%s recovered", tr.resource)
	default:
		line = tr.kind
	}
	p.writeLine(p.clock() + "  " + line)
}

// event emits a lifecycle line: start, exit, error.
func (p *printer) event(kind, detail string) {
	if p.robot {
		p.writeJSON(robotStatus{Event: kind, TS: p.timestamp(), Detail: detail})
		return
	}
	p.writeLine(p.clock() + "  " + detail)
}

func (p *printer) writeJSON(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := json.NewEncoder(p.w)
	_ = enc.Encode(v)
}

func (p *printer) writeLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func (p *printer) timestamp() string {
	return p.now().UTC().Format(time.RFC3339)
}

func (p *printer) clock() string {
	return p.now().Format("15:04:05")
}

// statusReport is the one-shot --robot-status document.
type statusReport struct {
	GeneratedAt string                  `json:"generated_at"`
	Version     string                  `json:"version"`
	Device      string                  `json:"device"`
	BaseURL     string                  `json:"base_url"`
	Push        pushReport              `json:"push"`
	Resources   []resourceReport        `json:"resources"`
	Timing      []metrics.TimingSummary `json:"timing,omitempty"`
}

type pushReport struct {
	Connected       bool   `json:"connected"`
	Unavailable     bool   `json:"unavailable"`
	LastEventID     string `json:"last_event_id,omitempty"`
	LastHeartbeatAt string `json:"last_heartbeat_at,omitempty"`
}

type resourceReport struct {
	Resource     model.Resource  `json:"resource"`
	Seq          *int64          `json:"seq,omitempty"`
	Fingerprint  string          `json:"fingerprint"`
	Mode         string          `json:"mode"`
	Degraded     bool            `json:"degraded"`
	Error        string          `json:"error,omitempty"`
	LastChangeAt string          `json:"last_change_at,omitempty"`
	State        json.RawMessage `json:"state"`
}

func buildStatusReport(s *session.Session, deviceName, baseURL string) statusReport {
	health := s.Health()
	report := statusReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Version:     version.Version,
		Device:      deviceName,
		BaseURL:     baseURL,
		Push: pushReport{
			Connected:   health.PushConnected,
			Unavailable: health.PushUnavailable,
			LastEventID: health.LastEventID,
		},
	}
	if !health.LastHeartbeatAt.IsZero() {
		report.Push.LastHeartbeatAt = health.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}
	report.Timing = metrics.AllTimingSummaries()

	for _, st := range s.Statuses() {
		state, err := st.State.Encode()
		if err != nil {
			state = []byte("null")
		}
		entry := resourceReport{
			Resource:    st.Resource,
			Fingerprint: st.Fingerprint,
			Mode:        st.Mode.String(),
			Degraded:    st.Degraded,
			State:       state,
		}
		if st.State != nil {
			entry.Seq = st.State.Sequence
		}
		if st.LastError != nil {
			entry.Error = st.LastError.Error()
		}
		if !st.LastChangeAt.IsZero() {
			entry.LastChangeAt = st.LastChangeAt.UTC().Format(time.RFC3339)
		}
		report.Resources = append(report.Resources, entry)
	}
	return report
}

func writeStatusReport(w io.Writer, report statusReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// robotJournalEntry is one journal row in --journal-dump's JSON-lines output.
type robotJournalEntry struct {
	Event       string          `json:"event"`
	Device      string          `json:"device"`
	Resource    model.Resource  `json:"resource"`
	ID          int64           `json:"id"`
	Seq         *int64          `json:"seq,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	RecordedAt  string          `json:"recorded_at"`
	State       json.RawMessage `json:"state"`
}

// writeJournalDump lists recent journal entries per resource, newest first.
func writeJournalDump(w io.Writer, entries map[model.Resource][]journal.Entry, robot bool) error {
	for _, resource := range model.AllResources() {
		for _, e := range entries[resource] {
			if robot {
				enc := json.NewEncoder(w)
				if err := enc.Encode(robotJournalEntry{
					Event:       "journal",
					Device:      e.Device,
					Resource:    e.Resource,
					ID:          e.ID,
					Seq:         e.Sequence,
					Fingerprint: e.Fingerprint,
					RecordedAt:  e.RecordedAt.UTC().Format(time.RFC3339),
					State:       e.Payload,
				}); err != nil {
					return err
				}
				continue
			}
			seq := "-"
			if e.Sequence != nil {
				seq = fmt.Sprintf("%d", *e.Sequence)
			}
			if _, err := fmt.Fprintf(w, "%s  %-10s #%-5d seq=%-4s fp=%s\n",
				e.RecordedAt.UTC().Format(time.RFC3339), e.Resource, e.ID, seq, e.Fingerprint); err != nil {
				return err
			}
		}
	}
	return nil
}

// fleetReport is the one-shot --fleet document.
type fleetReport struct {
	GeneratedAt string             `json:"generated_at"`
	Version     string             `json:"version"`
	Summary     fleet.Summary      `json:"summary"`
	Devices     []fleetDeviceEntry `json:"devices"`
}

type fleetDeviceEntry struct {
	Device    string                   `json:"device"`
	BaseURL   string                   `json:"base_url"`
	ElapsedMS int64                    `json:"elapsed_ms"`
	Error     string                   `json:"error,omitempty"`
	Resources map[string]fleetResource `json:"resources,omitempty"`
	Failed    map[string]string        `json:"failed,omitempty"`
}

type fleetResource struct {
	Seq         *int64 `json:"seq"`
	Fingerprint string `json:"fingerprint"`
}

func buildFleetReport(reports []fleet.DeviceReport) fleetReport {
	out := fleetReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Version:     version.Version,
		Summary:     fleet.Summarize(reports),
	}
	for _, r := range reports {
		entry := fleetDeviceEntry{
			Device:    r.Device,
			BaseURL:   r.BaseURL,
			ElapsedMS: r.Elapsed.Milliseconds(),
		}
		if r.Error != nil {
			entry.Error = r.Error.Error()
		}
		if len(r.States) > 0 {
			entry.Resources = make(map[string]fleetResource, len(r.States))
			for resource, st := range r.States {
				entry.Resources[string(resource)] = fleetResource{
					Seq:         st.Sequence,
					Fingerprint: r.Fingerprints[resource],
				}
			}
		}
		if len(r.Failed) > 0 {
			entry.Failed = make(map[string]string, len(r.Failed))
			for resource, msg := range r.Failed {
				entry.Failed[string(resource)] = msg
			}
		}
		out.Devices = append(out.Devices, entry)
	}
	return out
}

// writeFleetReport renders a sweep, one block per device in config order.
func writeFleetReport(w io.Writer, reports []fleet.DeviceReport, robot bool) error {
	if robot {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(buildFleetReport(reports))
	}

	summary := fleet.Summarize(reports)
	fmt.Fprintf(w, "fleet: %d devices, %d healthy, %d degraded, %d unreachable\n",
		summary.TotalDevices, summary.Healthy, summary.Degraded, summary.Unreachable)

	for _, r := range reports {
		switch {
		case r.Unreachable():
			fmt.Fprintf(w, "  %-12s %s UNREACHABLE: %v\n", r.Device, r.BaseURL, r.Error)
		case !r.Healthy():
			fmt.Fprintf(w, "  %-12s %s degraded, %d of %d resources failing\n",
				r.Device, r.BaseURL, len(r.Failed), len(r.Failed)+len(r.States))
		default:
			fmt.Fprintf(w, "  %-12s %s ok (%s)\n", r.Device, r.BaseURL, r.Elapsed.Round(time.Millisecond))
		}
		for _, resource := range model.AllResources() {
			if st, ok := r.States[resource]; ok {
				seq := "-"
				if st.Sequence != nil {
					seq = fmt.Sprintf("%d", *st.Sequence)
				}
				fmt.Fprintf(w, "      %-10s seq=%-4s fp=%s\n", resource, seq, r.Fingerprints[resource])
			} else if msg, ok := r.Failed[resource]; ok {
				fmt.Fprintf(w, "      %-10s FAILED: %s\n", resource, msg)
			}
		}
	}
	return nil
}
