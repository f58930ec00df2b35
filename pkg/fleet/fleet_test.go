package fleet

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vanderheijden86/camwatch/internal/devsim"
	"github.com/vanderheijden86/camwatch/pkg/config"
	"github.com/vanderheijden86/camwatch/pkg/model"
)

func startDevice(t *testing.T) (*devsim.Simulator, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sim := devsim.New(devsim.Options{Logger: logger})
	srv := httptest.NewServer(devsim.NewRouter(sim, logger))
	t.Cleanup(srv.Close)
	return sim, srv
}

func TestProbeSweepsAllDevices(t *testing.T) {
	_, srv1 := startDevice(t)
	sim2, srv2 := startDevice(t)
	if _, err := sim2.StartCapture("fleet-test.mp4"); err != nil {
		t.Fatalf("start capture: %v", err)
	}

	prober := NewProber([]config.DeviceConfig{
		{Name: "front", BaseURL: srv1.URL},
		{Name: "back", BaseURL: srv2.URL},
	})

	reports, err := prober.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].Device != "front" || reports[1].Device != "back" {
		t.Fatalf("reports out of configured order: %s, %s", reports[0].Device, reports[1].Device)
	}

	for _, r := range reports {
		if !r.Healthy() {
			t.Fatalf("device %s should be healthy: %v", r.Device, r.Error)
		}
		if len(r.States) != len(model.AllResources()) {
			t.Fatalf("device %s: expected %d states, got %d", r.Device, len(model.AllResources()), len(r.States))
		}
		if len(r.Failed) != 0 {
			t.Fatalf("device %s: unexpected failures %v", r.Device, r.Failed)
		}
		for resource, fp := range r.Fingerprints {
			if len(fp) != 16 {
				t.Fatalf("device %s: fingerprint for %s is %q", r.Device, resource, fp)
			}
		}
	}

	capture := reports[1].States[model.ResourceCapture]
	if capture == nil || capture.Sequence == nil || *capture.Sequence != 2 {
		t.Fatalf("back capture should be at seq 2 after recording started: %+v", capture)
	}
	if reports[0].Fingerprints[model.ResourceCapture] == reports[1].Fingerprints[model.ResourceCapture] {
		t.Fatalf("idle and recording devices should not share a capture fingerprint")
	}

	summary := Summarize(reports)
	if summary.Healthy != 2 || summary.Unreachable != 0 || summary.Degraded != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if want := 2 * len(model.AllResources()); summary.Snapshots != want {
		t.Fatalf("summary snapshots = %d, want %d", summary.Snapshots, want)
	}
}

func TestProbeCapturesUnreachableDevice(t *testing.T) {
	_, srv := startDevice(t)

	prober := NewProber([]config.DeviceConfig{
		{Name: "porch", BaseURL: srv.URL},
		{Name: "ghost", BaseURL: "http://127.0.0.1:1"},
	})

	reports, err := prober.Probe(context.Background())
	if err != nil {
		t.Fatalf("one dead device must not break the sweep: %v", err)
	}

	if !reports[0].Healthy() {
		t.Fatalf("porch should be healthy: %v", reports[0].Error)
	}
	ghost := reports[1]
	if ghost.Error == nil || !ghost.Unreachable() {
		t.Fatalf("ghost should be unreachable, got error=%v states=%d", ghost.Error, len(ghost.States))
	}
	if len(ghost.Failed) != len(model.AllResources()) {
		t.Fatalf("every ghost fetch should be recorded as failed, got %d", len(ghost.Failed))
	}

	summary := Summarize(reports)
	if summary.Healthy != 1 || summary.Unreachable != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.UnreachableNames) != 1 || summary.UnreachableNames[0] != "ghost" {
		t.Fatalf("unreachable names = %v", summary.UnreachableNames)
	}
	if want := len(model.AllResources()); summary.Snapshots != want {
		t.Fatalf("summary snapshots = %d, want %d", summary.Snapshots, want)
	}
}

func TestProbePartialFailureIsDegraded(t *testing.T) {
	sim, srv := startDevice(t)
	sim.FailNext(1, 500)

	prober := NewProber([]config.DeviceConfig{{Name: "porch", BaseURL: srv.URL}})
	reports, err := prober.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}

	r := reports[0]
	if r.Healthy() {
		t.Fatalf("device with one failed fetch should not be healthy")
	}
	if r.Unreachable() {
		t.Fatalf("device with remaining snapshots should not be unreachable")
	}
	if len(r.States) != len(model.AllResources())-1 {
		t.Fatalf("expected %d states, got %d", len(model.AllResources())-1, len(r.States))
	}
	detail, ok := r.Failed[model.ResourceCapture]
	if !ok || !strings.Contains(detail, "500") {
		t.Fatalf("capture failure should be recorded with the status, got %v", r.Failed)
	}

	if summary := Summarize(reports); summary.Degraded != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestProbeEmptyDeviceList(t *testing.T) {
	if _, err := NewProber(nil).Probe(context.Background()); err == nil {
		t.Fatalf("expected error for empty device list")
	}
}

func TestProbeCanceledContext(t *testing.T) {
	_, srv := startDevice(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := NewProber([]config.DeviceConfig{{Name: "porch", BaseURL: srv.URL}})
	reports, err := prober.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}
	if reports[0].Error == nil || len(reports[0].States) != 0 {
		t.Fatalf("canceled probe should capture the context error, got %+v", reports[0])
	}
}
