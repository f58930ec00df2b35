// Package model defines the typed views of the device resources the
// dashboard synchronizes: capture status, motion state, device configuration,
// the recordings listing, and device health.
//
// Payloads cross the process boundary as JSON and are decoded into structs
// with explicit optional fields (pointers). Validation is split in two
// because push updates may be partial: Validate checks the invariants of the
// fields that are present and is safe for partial payloads, while
// ValidateFull additionally requires the fields a complete snapshot must
// carry. Fetch responses are held to ValidateFull; push payloads only to
// Validate.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Resource identifies one monitored aspect of the device. The value doubles
// as the push-event name and the fetch-path suffix for that resource.
type Resource string

const (
	ResourceCapture    Resource = "capture"
	ResourceMotion     Resource = "motion"
	ResourceConfig     Resource = "config"
	ResourceRecordings Resource = "recordings"
	ResourceHealth     Resource = "health"
)

// AllResources lists every monitored resource in display order.
func AllResources() []Resource {
	return []Resource{
		ResourceCapture,
		ResourceMotion,
		ResourceConfig,
		ResourceRecordings,
		ResourceHealth,
	}
}

// Known reports whether name is a monitored resource.
func Known(name Resource) bool {
	switch name {
	case ResourceCapture, ResourceMotion, ResourceConfig, ResourceRecordings, ResourceHealth:
		return true
	default:
		return false
	}
}

// Capture states.
const (
	CaptureIdle      = "idle"
	CaptureRecording = "recording"
	CapturePaused    = "paused"
)

// CaptureStatus reports the device's current recording activity.
type CaptureStatus struct {
	Seq         *int64     `json:"seq,omitempty"`
	State       *string    `json:"state,omitempty"`
	File        *string    `json:"file,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	DurationSec *float64   `json:"durationSec,omitempty"`
	BitrateKbps *int       `json:"bitrateKbps,omitempty"`
}

// Validate checks the invariants of the fields that are present.
func (c *CaptureStatus) Validate() error {
	if c.State != nil {
		switch *c.State {
		case CaptureIdle, CaptureRecording, CapturePaused:
		default:
			return fmt.Errorf("capture: unknown state %q", *c.State)
		}
	}
	if c.DurationSec != nil && *c.DurationSec < 0 {
		return fmt.Errorf("capture: negative durationSec %v", *c.DurationSec)
	}
	if c.BitrateKbps != nil && *c.BitrateKbps <= 0 {
		return fmt.Errorf("capture: non-positive bitrateKbps %d", *c.BitrateKbps)
	}
	return nil
}

// ValidateFull checks a complete capture snapshot.
func (c *CaptureStatus) ValidateFull() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.State == nil {
		return errors.New("capture: missing state")
	}
	if *c.State == CaptureRecording && (c.File == nil || *c.File == "") {
		return errors.New("capture: recording without a file")
	}
	return nil
}

// MotionState reports motion detection activity.
type MotionState struct {
	Seq         *int64     `json:"seq,omitempty"`
	Active      *bool      `json:"active,omitempty"`
	LastEventAt *time.Time `json:"lastEventAt,omitempty"`
	Zones       []string   `json:"zones,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
}

// Validate checks the invariants of the fields that are present.
func (m *MotionState) Validate() error {
	if m.Confidence != nil && (*m.Confidence < 0 || *m.Confidence > 1) {
		return fmt.Errorf("motion: confidence %v outside [0,1]", *m.Confidence)
	}
	for _, zone := range m.Zones {
		if zone == "" {
			return errors.New("motion: empty zone name")
		}
	}
	return nil
}

// ValidateFull checks a complete motion snapshot.
func (m *MotionState) ValidateFull() error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Active == nil {
		return errors.New("motion: missing active flag")
	}
	return nil
}

var resolutionRe = regexp.MustCompile(`^\d{2,5}x\d{2,5}$`)

// DeviceConfig is the device's user-visible configuration snapshot.
type DeviceConfig struct {
	Seq               *int64  `json:"seq,omitempty"`
	Name              *string `json:"name,omitempty"`
	Resolution        *string `json:"resolution,omitempty"`
	FPS               *int    `json:"fps,omitempty"`
	RotationDeg       *int    `json:"rotationDeg,omitempty"`
	MotionSensitivity *int    `json:"motionSensitivity,omitempty"`
	RetentionDays     *int    `json:"retentionDays,omitempty"`
}

// Validate checks the invariants of the fields that are present.
func (d *DeviceConfig) Validate() error {
	if d.Name != nil && *d.Name == "" {
		return errors.New("config: empty name")
	}
	if d.Resolution != nil && !resolutionRe.MatchString(*d.Resolution) {
		return fmt.Errorf("config: malformed resolution %q", *d.Resolution)
	}
	if d.FPS != nil && (*d.FPS < 1 || *d.FPS > 240) {
		return fmt.Errorf("config: fps %d outside [1,240]", *d.FPS)
	}
	if d.RotationDeg != nil {
		switch *d.RotationDeg {
		case 0, 90, 180, 270:
		default:
			return fmt.Errorf("config: rotationDeg %d not a quarter turn", *d.RotationDeg)
		}
	}
	if d.MotionSensitivity != nil && (*d.MotionSensitivity < 0 || *d.MotionSensitivity > 10) {
		return fmt.Errorf("config: motionSensitivity %d outside [0,10]", *d.MotionSensitivity)
	}
	if d.RetentionDays != nil && *d.RetentionDays < 0 {
		return fmt.Errorf("config: negative retentionDays %d", *d.RetentionDays)
	}
	return nil
}

// ValidateFull checks a complete configuration snapshot.
func (d *DeviceConfig) ValidateFull() error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Name == nil {
		return errors.New("config: missing name")
	}
	return nil
}

// Recording triggers.
const (
	TriggerManual   = "manual"
	TriggerMotion   = "motion"
	TriggerSchedule = "schedule"
)

// Recording is one entry in the recordings listing. Entries are atomic:
// partial updates replace the whole items array, never a single entry's
// fields, so every entry seen on the wire is complete.
type Recording struct {
	ID          string     `json:"id"`
	StartedAt   *time.Time `json:"startedAt"`
	DurationSec *float64   `json:"durationSec,omitempty"`
	SizeBytes   *int64     `json:"sizeBytes,omitempty"`
	InProgress  bool       `json:"inProgress"`
	Trigger     *string    `json:"trigger,omitempty"`
}

// Validate checks structural invariants of a single recording entry.
func (r *Recording) Validate() error {
	if r.ID == "" {
		return errors.New("recording: missing id")
	}
	if r.StartedAt == nil {
		return fmt.Errorf("recording %s: missing startedAt", r.ID)
	}
	if r.DurationSec != nil && *r.DurationSec < 0 {
		return fmt.Errorf("recording %s: negative durationSec", r.ID)
	}
	if r.SizeBytes != nil && *r.SizeBytes < 0 {
		return fmt.Errorf("recording %s: negative sizeBytes", r.ID)
	}
	if r.Trigger != nil {
		switch *r.Trigger {
		case TriggerManual, TriggerMotion, TriggerSchedule:
		default:
			return fmt.Errorf("recording %s: unknown trigger %q", r.ID, *r.Trigger)
		}
	}
	return nil
}

// RecordingList is the recordings listing, newest first.
type RecordingList struct {
	Seq   *int64      `json:"seq,omitempty"`
	Items []Recording `json:"items"`
}

// Validate checks structural invariants of a recordings payload.
func (l *RecordingList) Validate() error {
	seen := make(map[string]struct{}, len(l.Items))
	for i := range l.Items {
		if err := l.Items[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[l.Items[i].ID]; dup {
			return fmt.Errorf("recordings: duplicate id %s", l.Items[i].ID)
		}
		seen[l.Items[i].ID] = struct{}{}
	}
	return nil
}

// ValidateFull checks a complete recordings snapshot. An empty listing is a
// valid complete snapshot, so this adds nothing over Validate.
func (l *RecordingList) ValidateFull() error {
	return l.Validate()
}

// Health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthError    = "error"
)

// DeviceHealth is the device's self-reported health snapshot. It carries no
// sequence field; reconciliation always replaces it wholesale.
type DeviceHealth struct {
	Status         *string  `json:"status,omitempty"`
	UptimeSec      *float64 `json:"uptimeSec,omitempty"`
	DiskFreeBytes  *int64   `json:"diskFreeBytes,omitempty"`
	DiskTotalBytes *int64   `json:"diskTotalBytes,omitempty"`
	BatteryPct     *float64 `json:"batteryPct,omitempty"`
	TemperatureC   *float64 `json:"temperatureC,omitempty"`
	Firmware       *string  `json:"firmware,omitempty"`
}

// Validate checks the invariants of the fields that are present.
func (h *DeviceHealth) Validate() error {
	if h.Status != nil {
		switch *h.Status {
		case HealthOK, HealthDegraded, HealthError:
		default:
			return fmt.Errorf("health: unknown status %q", *h.Status)
		}
	}
	if h.UptimeSec != nil && *h.UptimeSec < 0 {
		return errors.New("health: negative uptimeSec")
	}
	if h.DiskFreeBytes != nil && *h.DiskFreeBytes < 0 {
		return errors.New("health: negative diskFreeBytes")
	}
	if h.DiskTotalBytes != nil && *h.DiskTotalBytes < 0 {
		return errors.New("health: negative diskTotalBytes")
	}
	if h.DiskFreeBytes != nil && h.DiskTotalBytes != nil && *h.DiskFreeBytes > *h.DiskTotalBytes {
		return errors.New("health: diskFreeBytes exceeds diskTotalBytes")
	}
	if h.BatteryPct != nil && (*h.BatteryPct < 0 || *h.BatteryPct > 100) {
		return fmt.Errorf("health: batteryPct %v outside [0,100]", *h.BatteryPct)
	}
	return nil
}

// ValidateFull checks a complete health snapshot.
func (h *DeviceHealth) ValidateFull() error {
	if err := h.Validate(); err != nil {
		return err
	}
	if h.Status == nil {
		return errors.New("health: missing status")
	}
	return nil
}
