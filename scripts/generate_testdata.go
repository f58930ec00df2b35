//go:build ignore

// generate_testdata.go creates scenario files for cwsim's -state flag.
// Usage: go run scripts/generate_testdata.go
//
// Creates:
//   tests/testdata/scenarios/quiet.json     (idle device, nothing happening)
//   tests/testdata/scenarios/busy.json      (recording in progress, motion active)
//   tests/testdata/scenarios/seeded-7.json  (random but reproducible, seed 7)
//   tests/testdata/scenarios/seeded-99.json (random but reproducible, seed 99)
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/testutil"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func main() {
	outputDir := "tests/testdata/scenarios"
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	write(outputDir, "quiet.json", quietScenario())
	write(outputDir, "busy.json", busyScenario())

	for _, seed := range []int64{7, 99} {
		gen := testutil.New(testutil.GeneratorConfig{Seed: seed, BaseTime: baseTime})
		write(outputDir, fmt.Sprintf("seeded-%d.json", seed), gen.InitialState())
	}

	fmt.Println("\nDone! Scenario files created in", outputDir)
}

// quietScenario is a freshly booted device with nothing going on.
func quietScenario() map[model.Resource]map[string]any {
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
			"name":              "quiet-cam",
			"resolution":        "1920x1080",
			"fps":               30,
			"rotationDeg":       0,
			"motionSensitivity": 5,
			"retentionDays":     30,
		},
		model.ResourceRecordings: {
			"seq":   int64(1),
			"items": []map[string]any{},
		},
		model.ResourceHealth: {
			"status":         model.HealthOK,
			"uptimeSec":      120.0,
			"diskFreeBytes":  int64(60 << 30),
			"diskTotalBytes": int64(64 << 30),
			"batteryPct":     100.0,
			"temperatureC":   27.5,
			"firmware":       "2.4.1",
		},
	}
}

// busyScenario is a device mid-recording with an active motion event,
// for exercising the dashboard's live paths from the first fetch.
func busyScenario() map[model.Resource]map[string]any {
	startedAt := baseTime.Add(-4 * time.Minute)
	return map[model.Resource]map[string]any{
		model.ResourceCapture: {
			"seq":         int64(12),
			"state":       model.CaptureRecording,
			"file":        "rec-20250601-004.mp4",
			"startedAt":   startedAt.Format(time.RFC3339),
			"durationSec": 240.0,
			"bitrateKbps": 4200,
		},
		model.ResourceMotion: {
			"seq":         int64(8),
			"active":      true,
			"lastEventAt": baseTime.Add(-30 * time.Second).Format(time.RFC3339),
			"zones":       []string{"driveway", "porch"},
			"confidence":  0.93,
		},
		model.ResourceConfig: {
			"seq":               int64(2),
			"name":              "busy-cam",
			"resolution":        "2560x1440",
			"fps":               60,
			"rotationDeg":       90,
			"motionSensitivity": 8,
			"retentionDays":     14,
		},
		model.ResourceRecordings: {
			"seq": int64(5),
			"items": []map[string]any{
				{
					"id":         "rec-20250601-004",
					"startedAt":  startedAt.Format(time.RFC3339),
					"inProgress": true,
					"trigger":    model.TriggerMotion,
				},
				{
					"id":          "rec-20250601-003",
					"startedAt":   baseTime.Add(-2 * time.Hour).Format(time.RFC3339),
					"durationSec": 421.0,
					"sizeBytes":   int64(210 << 20),
					"inProgress":  false,
					"trigger":     model.TriggerSchedule,
				},
			},
		},
		model.ResourceHealth: {
			"status":         model.HealthOK,
			"uptimeSec":      86400.0,
			"diskFreeBytes":  int64(9 << 30),
			"diskTotalBytes": int64(64 << 30),
			"batteryPct":     64.0,
			"temperatureC":   38.2,
			"firmware":       "2.4.1",
		},
	}
}

// write validates every payload before writing so a broken scenario fails
// here instead of inside a client much later.
func write(dir, name string, state map[model.Resource]map[string]any) {
	for resource, fields := range state {
		data, err := json.Marshal(fields)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal %s/%s: %v\n", name, resource, err)
			os.Exit(1)
		}
		if err := model.CheckPayload(resource, data); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid payload in %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal %s: %v\n", name, err)
		os.Exit(1)
	}
	outputPath := filepath.Join(dir, name)
	if err := os.WriteFile(outputPath, append(data, '\n'), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", outputPath, err)
		os.Exit(1)
	}
	fmt.Printf("  Written %s (%d bytes)\n", outputPath, len(data)+1)
}
