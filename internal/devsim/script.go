package devsim

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/vanderheijden86/camwatch/pkg/model"
)

// Errors returned by the capture controls.
var (
	ErrCaptureInProgress = errors.New("capture already in progress")
	ErrNoCapture         = errors.New("no capture in progress")
)

// StartCapture flips the capture resource to recording. With an empty file
// name one is generated from the date and a per-boot counter. Returns the
// file the device is recording to.
func (s *Simulator) StartCapture(file string) (string, error) {
	s.mu.Lock()
	if s.captureFile != "" {
		s.mu.Unlock()
		return "", ErrCaptureInProgress
	}
	s.recCounter++
	if file == "" {
		file = fmt.Sprintf("rec-%s-%03d.mp4", time.Now().UTC().Format("20060102"), s.recCounter)
	}
	s.captureFile = file
	s.captureStartedAt = time.Now().UTC()
	startedAt := s.captureStartedAt
	s.mu.Unlock()

	_, _, err := s.Advance(model.ResourceCapture, map[string]any{
		"state":       model.CaptureRecording,
		"file":        file,
		"startedAt":   startedAt.Format(time.RFC3339),
		"durationSec": 0.0,
	}, true, false, EmitData)
	return file, err
}

// StopCapture ends the running capture: the capture resource returns to
// idle and the finished recording is filed at the head of the recordings
// listing. Returns the new recording's id.
func (s *Simulator) StopCapture() (string, error) {
	s.mu.Lock()
	if s.captureFile == "" {
		s.mu.Unlock()
		return "", ErrNoCapture
	}
	file := s.captureFile
	startedAt := s.captureStartedAt
	s.captureFile = ""
	items := currentItems(s.state[model.ResourceRecordings])
	s.mu.Unlock()

	duration := time.Since(startedAt).Seconds()
	id := strings.TrimSuffix(file, path.Ext(file))
	entry := map[string]any{
		"id":          id,
		"startedAt":   startedAt.Format(time.RFC3339),
		"durationSec": duration,
		"sizeBytes":   int64(duration * float64(512<<10)),
		"inProgress":  false,
		"trigger":     model.TriggerManual,
	}

	if _, _, err := s.Advance(model.ResourceCapture, map[string]any{
		"state":       model.CaptureIdle,
		"file":        nil,
		"startedAt":   nil,
		"durationSec": nil,
	}, true, false, EmitData); err != nil {
		return "", err
	}
	_, _, err := s.Advance(model.ResourceRecordings, map[string]any{
		"items": append([]any{entry}, items...),
	}, true, false, EmitData)
	return id, err
}

// TriggerMotion reports active motion in the given zones. Zones may be
// empty; confidence must sit in [0,1].
func (s *Simulator) TriggerMotion(zones []string, confidence float64) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", confidence)
	}
	fields := map[string]any{
		"active":      true,
		"lastEventAt": time.Now().UTC().Format(time.RFC3339),
		"confidence":  confidence,
	}
	if len(zones) > 0 {
		fields["zones"] = zones
	}
	_, _, err := s.Advance(model.ResourceMotion, fields, true, false, EmitData)
	return err
}

// ClearMotion marks motion inactive. Delivered as a partial update so
// clients exercise the merge path during demos.
func (s *Simulator) ClearMotion() error {
	_, _, err := s.Advance(model.ResourceMotion, map[string]any{
		"active": false,
	}, true, true, EmitData)
	return err
}

// scriptZones feed the scripted motion cycle.
var scriptZones = [][]string{
	{"driveway"},
	{"porch", "yard"},
	{"yard"},
	{"driveway", "street"},
}

// RunScript drives a deterministic activity loop until ctx ends: motion
// comes and goes, captures start and finish into the recordings listing,
// and health counters tick. One step per interval.
func (s *Simulator) RunScript(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for step := 0; ; step++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scriptStep(step)
		}
	}
}

// scriptStep performs one step of the activity cycle. Errors are logged and
// skipped so manual /sim controls can interleave with a running script.
func (s *Simulator) scriptStep(step int) {
	var err error
	switch step % 8 {
	case 0, 5:
		zones := scriptZones[(step/2)%len(scriptZones)]
		err = s.TriggerMotion(zones, 0.55+0.05*float64(step%5))
	case 1, 6:
		err = s.ClearMotion()
	case 2:
		_, err = s.StartCapture("")
	case 4:
		_, err = s.StopCapture()
	case 3, 7:
		err = s.healthTick()
	}
	if err != nil {
		s.logger.Debug("script step skipped", "step", step, "error", err)
	}
}

// healthTick advances the counters a live device would: uptime grows,
// temperature drifts, disk fills a little while recording.
func (s *Simulator) healthTick() error {
	s.mu.Lock()
	health := s.state[model.ResourceHealth]
	uptime := floatField(health, "uptimeSec")
	free := intField(health, "diskFreeBytes")
	recording := s.captureFile != ""
	s.mu.Unlock()

	fields := map[string]any{
		"uptimeSec":    uptime + 5,
		"temperatureC": 30.0 + float64(int(uptime)%40)/10,
	}
	if recording && free > 1<<20 {
		fields["diskFreeBytes"] = free - 1<<20
	}
	_, _, err := s.Advance(model.ResourceHealth, fields, false, true, EmitData)
	return err
}

// currentItems copies the recordings items array in a type-tolerant way:
// seeded state holds []map[string]any, loaded state may hold []any.
func currentItems(state map[string]any) []any {
	switch items := state["items"].(type) {
	case []any:
		return append([]any(nil), items...)
	case []map[string]any:
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out
	default:
		return nil
	}
}

func floatField(state map[string]any, key string) float64 {
	switch v := state[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func intField(state map[string]any, key string) int64 {
	switch v := state[key].(type) {
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
