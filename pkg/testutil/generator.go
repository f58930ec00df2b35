// Package testutil provides deterministic fixture generators and
// assertion helpers for device-state tests. All generators produce
// reproducible output for a given seed.
package testutil

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/vanderheijden86/camwatch/pkg/model"
)

// GeneratorConfig controls fixture generation.
type GeneratorConfig struct {
	Seed     int64     // Random seed for determinism (0 = use current time)
	BaseTime time.Time // Base time for timestamps (default: fixed time)
	Firmware string    // Firmware version reported in health payloads
}

// DefaultConfig returns a config suitable for most tests.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Seed:     42, // Deterministic
		BaseTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Firmware: "2.4.1",
	}
}

// Generator creates device-state fixtures that satisfy full-snapshot
// validation.
type Generator struct {
	cfg GeneratorConfig
	rng *rand.Rand
}

// New creates a Generator with the given config.
func New(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.BaseTime.IsZero() {
		cfg.BaseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	if cfg.Firmware == "" {
		cfg.Firmware = "2.4.1"
	}
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// NewDefault creates a Generator with default config.
func NewDefault() *Generator {
	return New(DefaultConfig())
}

var (
	captureStates = []string{model.CaptureIdle, model.CaptureRecording, model.CapturePaused}
	motionZones   = []string{"driveway", "porch", "garden", "gate", "garage"}
	resolutions   = []string{"1920x1080", "1280x720", "2560x1440"}
	frameRates    = []int{15, 24, 30, 60}
	triggers      = []string{model.TriggerManual, model.TriggerMotion, model.TriggerSchedule}
)

// CaptureStatus builds a complete capture payload at the given sequence.
func (g *Generator) CaptureStatus(seq int64) map[string]any {
	state := captureStates[g.rng.Intn(len(captureStates))]
	m := map[string]any{
		"seq":   seq,
		"state": state,
	}
	if state != model.CaptureIdle {
		m["file"] = fmt.Sprintf("rec_%04d.mp4", g.rng.Intn(10000))
		m["startedAt"] = g.cfg.BaseTime.Add(-time.Duration(g.rng.Intn(3600)) * time.Second).Format(time.RFC3339)
		m["durationSec"] = float64(g.rng.Intn(600)) + g.rng.Float64()
		m["bitrateKbps"] = 1500 + g.rng.Intn(4500)
	}
	return m
}

// MotionState builds a complete motion payload at the given sequence.
func (g *Generator) MotionState(seq int64) map[string]any {
	active := g.rng.Intn(2) == 1
	m := map[string]any{
		"seq":    seq,
		"active": active,
	}
	if active {
		m["lastEventAt"] = g.cfg.BaseTime.Format(time.RFC3339)
		m["zones"] = g.pickZones()
		m["confidence"] = g.rng.Float64()
	}
	return m
}

// DeviceConfig builds a complete configuration payload at the given
// sequence.
func (g *Generator) DeviceConfig(seq int64) map[string]any {
	return map[string]any{
		"seq":               seq,
		"name":              fmt.Sprintf("cam-%02d", g.rng.Intn(100)),
		"resolution":        resolutions[g.rng.Intn(len(resolutions))],
		"fps":               frameRates[g.rng.Intn(len(frameRates))],
		"rotationDeg":       []int{0, 90, 180, 270}[g.rng.Intn(4)],
		"motionSensitivity": g.rng.Intn(11),
		"retentionDays":     7 + g.rng.Intn(84),
	}
}

// RecordingList builds a complete recordings payload with n entries,
// newest first.
func (g *Generator) RecordingList(seq int64, n int) map[string]any {
	items := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		started := g.cfg.BaseTime.Add(-time.Duration(i+1) * time.Hour)
		item := map[string]any{
			"id":         fmt.Sprintf("rec-%s-%03d", started.Format("20060102"), n-i),
			"startedAt":  started.Format(time.RFC3339),
			"inProgress": false,
			"trigger":    triggers[g.rng.Intn(len(triggers))],
		}
		if i == 0 && g.rng.Intn(2) == 1 {
			item["inProgress"] = true
		} else {
			item["durationSec"] = float64(60 + g.rng.Intn(540))
			item["sizeBytes"] = int64(1<<20) * int64(10+g.rng.Intn(490))
		}
		items[i] = item
	}
	return map[string]any{
		"seq":   seq,
		"items": items,
	}
}

// DeviceHealth builds a complete health payload. Health carries no
// sequence number.
func (g *Generator) DeviceHealth() map[string]any {
	total := int64(64 << 30)
	free := int64(g.rng.Int63n(total))
	return map[string]any{
		"status":         model.HealthOK,
		"uptimeSec":      float64(g.rng.Intn(86400 * 30)),
		"diskFreeBytes":  free,
		"diskTotalBytes": total,
		"batteryPct":     float64(g.rng.Intn(101)),
		"temperatureC":   25 + g.rng.Float64()*20,
		"firmware":       g.cfg.Firmware,
	}
}

// Snapshot builds a complete payload for the given resource. The
// sequence is ignored for health, which carries none.
func (g *Generator) Snapshot(resource model.Resource, seq int64) map[string]any {
	switch resource {
	case model.ResourceCapture:
		return g.CaptureStatus(seq)
	case model.ResourceMotion:
		return g.MotionState(seq)
	case model.ResourceConfig:
		return g.DeviceConfig(seq)
	case model.ResourceRecordings:
		return g.RecordingList(seq, 3+g.rng.Intn(5))
	case model.ResourceHealth:
		return g.DeviceHealth()
	default:
		return map[string]any{"seq": seq}
	}
}

// InitialState builds a complete payload for every resource, all at
// sequence 1.
func (g *Generator) InitialState() map[model.Resource]map[string]any {
	state := make(map[model.Resource]map[string]any, len(model.AllResources()))
	for _, r := range model.AllResources() {
		state[r] = g.Snapshot(r, 1)
	}
	return state
}

func (g *Generator) pickZones() []string {
	count := 1 + g.rng.Intn(2)
	zones := make([]string, 0, count)
	used := make(map[int]bool)
	for len(zones) < count {
		idx := g.rng.Intn(len(motionZones))
		if !used[idx] {
			used[idx] = true
			zones = append(zones, motionZones[idx])
		}
	}
	return zones
}
