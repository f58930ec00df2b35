// Package fleet probes every configured device in parallel and aggregates
// the results into one sweep. A dead camera never hides the rest of the
// fleet; its failure is captured in its own report.
package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vanderheijden86/camwatch/pkg/config"
	"github.com/vanderheijden86/camwatch/pkg/device"
	"github.com/vanderheijden86/camwatch/pkg/fingerprint"
	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/reconcile"
)

// probeLimit bounds concurrent device probes so a large fleet does not
// exhaust sockets.
const probeLimit = 8

// DeviceReport is the outcome of probing one device.
type DeviceReport struct {
	// Device is the configured name, or the base URL when unnamed.
	Device  string
	BaseURL string

	// States holds the snapshot fetched per resource. Resources whose
	// fetch failed appear in Failed instead.
	States       map[model.Resource]*reconcile.State
	Fingerprints map[model.Resource]string
	Failed       map[model.Resource]string

	Elapsed time.Duration

	// Error is the first failure seen, nil for a fully healthy device.
	Error error
}

// Healthy reports whether every resource fetch succeeded.
func (r DeviceReport) Healthy() bool { return r.Error == nil }

// Unreachable reports whether not a single resource could be fetched.
func (r DeviceReport) Unreachable() bool { return len(r.States) == 0 }

// Prober sweeps a list of devices.
type Prober struct {
	devices []config.DeviceConfig
	logger  *slog.Logger
}

// NewProber creates a prober for the given devices. Silent by default:
// robot consumers capture stderr and expect clean JSON.
func NewProber(devices []config.DeviceConfig) *Prober {
	return &Prober{
		devices: devices,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets a custom logger for per-fetch failure reporting.
func (p *Prober) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Probe fetches every resource from every device concurrently. Individual
// device failures are captured in their reports, not propagated; the
// returned error covers only an empty device list. Reports come back in
// the order the devices were configured.
func (p *Prober) Probe(ctx context.Context) ([]DeviceReport, error) {
	if len(p.devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	reports := make([]DeviceReport, len(p.devices))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(probeLimit)

	for i, dev := range p.devices {
		i, dev := i, dev
		g.Go(func() error {
			select {
			case <-ctx.Done():
				reports[i] = DeviceReport{Device: deviceName(dev), BaseURL: dev.BaseURL, Error: ctx.Err()}
				return nil
			default:
			}
			reports[i] = p.probeDevice(ctx, dev)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return reports, err
	}

	p.logger.Debug("fleet sweep finished", "devices", len(reports))
	return reports, nil
}

// probeDevice fetches all resources from one device in display order.
func (p *Prober) probeDevice(ctx context.Context, dev config.DeviceConfig) DeviceReport {
	report := DeviceReport{
		Device:       deviceName(dev),
		BaseURL:      dev.BaseURL,
		States:       make(map[model.Resource]*reconcile.State),
		Fingerprints: make(map[model.Resource]string),
		Failed:       make(map[model.Resource]string),
	}

	start := time.Now()
	defer func() { report.Elapsed = time.Since(start) }()

	var opts []device.Option
	if t := dev.FetchTimeout(); t > 0 {
		opts = append(opts, device.WithTimeout(t))
	}
	client, err := device.NewClient(dev.BaseURL, opts...)
	if err != nil {
		report.Error = err
		return report
	}

	for _, resource := range model.AllResources() {
		snap, err := client.Fetch(ctx, resource)
		if err == nil {
			var fp string
			fp, err = fingerprint.New(model.FingerprintPolicy(resource)).SumFields(snap.Fields)
			if err == nil {
				report.States[resource] = &reconcile.State{
					Sequence:  snap.Sequence,
					Fields:    snap.Fields,
					UpdatedAt: snap.ReceivedAt,
				}
				report.Fingerprints[resource] = fp
				continue
			}
		}

		report.Failed[resource] = err.Error()
		if report.Error == nil {
			report.Error = err
		}
		p.logger.Warn("fleet fetch failed", "device", report.Device, "resource", resource, "error", err)
	}

	return report
}

func deviceName(dev config.DeviceConfig) string {
	if dev.Name != "" {
		return dev.Name
	}
	return dev.BaseURL
}

// Summary condenses a sweep for status output. Degraded devices answered
// for some resources but not all.
type Summary struct {
	TotalDevices     int      `json:"total_devices"`
	Healthy          int      `json:"healthy"`
	Degraded         int      `json:"degraded"`
	Unreachable      int      `json:"unreachable"`
	UnreachableNames []string `json:"unreachable_names,omitempty"`
	Snapshots        int      `json:"snapshots"`
}

// Summarize folds sweep reports into a Summary.
func Summarize(reports []DeviceReport) Summary {
	summary := Summary{TotalDevices: len(reports)}

	for _, r := range reports {
		switch {
		case r.Unreachable():
			summary.Unreachable++
			summary.UnreachableNames = append(summary.UnreachableNames, r.Device)
		case r.Healthy():
			summary.Healthy++
		default:
			summary.Degraded++
		}
		summary.Snapshots += len(r.States)
	}

	return summary
}
