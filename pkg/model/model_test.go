package model

import (
	"strings"
	"testing"
)

func TestDecodeFullSnapshots(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		payload  string
	}{
		{
			name:     "capture recording",
			resource: ResourceCapture,
			payload:  `{"seq":42,"state":"recording","file":"rec_0042.mp4","startedAt":"2026-08-25T18:00:00Z","durationSec":12.5,"bitrateKbps":4500}`,
		},
		{
			name:     "capture idle without file",
			resource: ResourceCapture,
			payload:  `{"seq":43,"state":"idle"}`,
		},
		{
			name:     "motion",
			resource: ResourceMotion,
			payload:  `{"seq":7,"active":true,"lastEventAt":"2026-08-25T17:59:00Z","zones":["door","yard"],"confidence":0.87}`,
		},
		{
			name:     "config",
			resource: ResourceConfig,
			payload:  `{"seq":3,"name":"porch-cam","resolution":"1920x1080","fps":30,"rotationDeg":0,"motionSensitivity":5,"retentionDays":14}`,
		},
		{
			name:     "recordings",
			resource: ResourceRecordings,
			payload:  `{"seq":19,"items":[{"id":"rec_0042","startedAt":"2026-08-25T18:00:00Z","durationSec":12.5,"sizeBytes":104857600,"inProgress":true,"trigger":"motion"}]}`,
		},
		{
			name:     "recordings empty",
			resource: ResourceRecordings,
			payload:  `{"seq":1,"items":[]}`,
		},
		{
			name:     "health without sequence",
			resource: ResourceHealth,
			payload:  `{"status":"ok","uptimeSec":86400,"diskFreeBytes":1073741824,"diskTotalBytes":2147483648,"batteryPct":87,"temperatureC":41.5,"firmware":"1.4.2"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.resource, []byte(tt.payload)); err != nil {
				t.Errorf("Decode(%s) error: %v", tt.resource, err)
			}
		})
	}
}

func TestDecodeRejectsInvalidSnapshots(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		payload  string
		wantErr  string
	}{
		{"capture missing state", ResourceCapture, `{"seq":1}`, "missing state"},
		{"capture unknown state", ResourceCapture, `{"state":"exploded"}`, "unknown state"},
		{"capture recording without file", ResourceCapture, `{"state":"recording"}`, "without a file"},
		{"capture negative duration", ResourceCapture, `{"state":"idle","durationSec":-1}`, "durationSec"},
		{"motion missing active", ResourceMotion, `{"seq":2,"confidence":0.5}`, "missing active"},
		{"motion confidence out of range", ResourceMotion, `{"active":true,"confidence":1.5}`, "confidence"},
		{"motion type mismatch", ResourceMotion, `{"active":"yes"}`, "decode"},
		{"config missing name", ResourceConfig, `{"fps":30}`, "missing name"},
		{"config bad resolution", ResourceConfig, `{"name":"cam","resolution":"wide"}`, "resolution"},
		{"config fps out of range", ResourceConfig, `{"name":"cam","fps":1000}`, "fps"},
		{"config bad rotation", ResourceConfig, `{"name":"cam","rotationDeg":45}`, "rotationDeg"},
		{"recordings duplicate id", ResourceRecordings, `{"items":[{"id":"a","startedAt":"2026-08-25T18:00:00Z"},{"id":"a","startedAt":"2026-08-25T18:01:00Z"}]}`, "duplicate id"},
		{"recordings missing startedAt", ResourceRecordings, `{"items":[{"id":"a"}]}`, "missing startedAt"},
		{"recordings unknown trigger", ResourceRecordings, `{"items":[{"id":"a","startedAt":"2026-08-25T18:00:00Z","trigger":"ghost"}]}`, "trigger"},
		{"health missing status", ResourceHealth, `{"uptimeSec":10}`, "missing status"},
		{"health unknown status", ResourceHealth, `{"status":"meh"}`, "unknown status"},
		{"health battery out of range", ResourceHealth, `{"status":"ok","batteryPct":150}`, "batteryPct"},
		{"health free exceeds total", ResourceHealth, `{"status":"ok","diskFreeBytes":10,"diskTotalBytes":5}`, "exceeds"},
		{"malformed json", ResourceHealth, `{status}`, "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.resource, []byte(tt.payload))
			if err == nil {
				t.Fatalf("Decode(%s) accepted %s", tt.resource, tt.payload)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCheckPartialAcceptsIncompleteUpdates(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		payload  string
	}{
		{"capture state only", ResourceCapture, `{"seq":5,"state":"idle"}`},
		{"capture duration only", ResourceCapture, `{"seq":5,"durationSec":3.2}`},
		{"motion confidence only", ResourceMotion, `{"seq":5,"confidence":0.4}`},
		{"config retention only", ResourceConfig, `{"seq":5,"retentionDays":7}`},
		{"health temperature only", ResourceHealth, `{"temperatureC":39.0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckPartial(tt.resource, []byte(tt.payload)); err != nil {
				t.Errorf("CheckPartial(%s) rejected %s: %v", tt.resource, tt.payload, err)
			}
		})
	}
}

func TestPartialVersusFullValidation(t *testing.T) {
	payload := []byte(`{"seq":5,"durationSec":3.2}`)
	if err := CheckPartial(ResourceCapture, payload); err != nil {
		t.Fatalf("CheckPartial rejected a valid partial: %v", err)
	}
	if err := CheckPayload(ResourceCapture, payload); err == nil {
		t.Fatalf("CheckPayload accepted a snapshot without state")
	}
}

func TestCheckPartialStillRejectsBadFields(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		payload  string
	}{
		{"capture unknown state", ResourceCapture, `{"state":"exploded"}`},
		{"motion type mismatch", ResourceMotion, `{"active":"yes"}`},
		{"config empty name", ResourceConfig, `{"name":""}`},
		{"health unknown status", ResourceHealth, `{"status":"meh"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckPartial(tt.resource, []byte(tt.payload)); err == nil {
				t.Errorf("CheckPartial(%s) accepted %s", tt.resource, tt.payload)
			}
		})
	}
}

func TestUnknownResource(t *testing.T) {
	if _, err := Decode(Resource("thermostat"), []byte(`{}`)); err == nil {
		t.Errorf("Decode accepted an unknown resource")
	}
	if Known("thermostat") {
		t.Errorf("Known(thermostat) = true")
	}
	if !Known(ResourceCapture) {
		t.Errorf("Known(capture) = false")
	}
	if got := len(AllResources()); got != 5 {
		t.Errorf("AllResources() length = %d, want 5", got)
	}
}

func TestFingerprintPolicies(t *testing.T) {
	if p := FingerprintPolicy(ResourceRecordings); !p.OrderSensitive {
		t.Errorf("recordings policy should be order-sensitive")
	}
	if p := FingerprintPolicy(ResourceMotion); p.OrderSensitive {
		t.Errorf("motion policy should be order-insensitive")
	}
	health := FingerprintPolicy(ResourceHealth)
	found := false
	for _, f := range health.ExcludeFields {
		if f == "uptimeSec" {
			found = true
		}
	}
	if !found {
		t.Errorf("health policy does not exclude uptimeSec")
	}
}
