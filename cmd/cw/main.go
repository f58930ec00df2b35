package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/vanderheijden86/camwatch/pkg/config"
	"github.com/vanderheijden86/camwatch/pkg/device"
	"github.com/vanderheijden86/camwatch/pkg/fleet"
	"github.com/vanderheijden86/camwatch/pkg/hooks"
	"github.com/vanderheijden86/camwatch/pkg/journal"
	"github.com/vanderheijden86/camwatch/pkg/metrics"
	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/session"
	"github.com/vanderheijden86/camwatch/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default: $CW_CONFIG, then the XDG config dir)")
	deviceName := flag.String("device", "", "Named device from the config")
	deviceURL := flag.String("device-url", "", "Device base URL (bypasses the config's device list)")
	resourcesFlag := flag.String("resources", "", "Comma-separated subset of resources to sync")
	forcePoll := flag.Bool("force-poll", false, "Skip the push channel and poll on the fallback interval")
	journalPath := flag.String("journal", "", "Record accepted snapshots to this SQLite file")
	journalDump := flag.Bool("journal-dump", false, "List recent journal entries and exit")
	journalLimit := flag.Int("journal-limit", 20, "Entries per resource for --journal-dump")
	noHooks := flag.Bool("no-hooks", false, "Skip hooks.yaml commands on sync events")
	robotFlag := flag.Bool("robot", false, "Emit JSON lines instead of human output (also CW_ROBOT=1)")
	robotStatus := flag.Bool("robot-status", false, "Sync once, print a JSON status report, and exit")
	fleetFlag := flag.Bool("fleet", false, "Probe every configured device once, print the sweep, and exit")
	cpuProfile := flag.String("cpu-profile", "", "Write CPU profile to file")
	help := flag.Bool("help", false, "Show help")
	versionFlag := flag.Bool("version", false, "Show version")
	flag.Parse()

	// CPU profiling support
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	if *help {
		fmt.Println("Usage: cw [options]")
		fmt.Println("\nA headless sync monitor for camera devices.")
		fmt.Println("Prints one line per accepted state change; Ctrl-C to stop.")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("cw %s\n", version.Version)
		os.Exit(0)
	}

	// Load config: explicit path first, else CW_CONFIG, else the XDG config
	// dir. A missing file is not an error; Load falls back to defaults.
	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled != nil {
		metrics.SetEnabled(*cfg.Metrics.Enabled)
	}

	robot := *robotFlag || os.Getenv("CW_ROBOT") == "1"

	// Journal path: flag wins, then the config's journal section.
	dbPath := *journalPath
	if dbPath == "" && cfg.Journal.Enabled {
		dbPath = cfg.Journal.ResolvedPath()
	}

	// Handle --journal-dump
	if *journalDump {
		if dbPath == "" {
			fmt.Fprintln(os.Stderr, "Error: --journal-dump needs --journal or journal.enabled in the config")
			os.Exit(2)
		}
		name := *deviceName
		if name == "" {
			if d := cfg.Device(""); d != nil {
				name = d.Name
			}
		}
		if name == "" {
			name = "default"
		}
		if err := dumpJournal(os.Stdout, dbPath, name, *journalLimit, robot); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading journal: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Handle --fleet: one parallel sweep over the whole device list. Exits
	// non-zero when any device is unreachable so cron jobs can alert on it.
	if *fleetFlag {
		if len(cfg.Devices) == 0 {
			fmt.Fprintln(os.Stderr, "Error: --fleet needs a devices list in config.yaml")
			os.Exit(2)
		}
		reports, err := fleet.NewProber(cfg.Devices).Probe(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := writeFleetReport(os.Stdout, reports, robot); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing fleet report: %v\n", err)
			os.Exit(1)
		}
		if fleet.Summarize(reports).Unreachable > 0 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Resolve the device: --device-url bypasses the config's device list.
	var dev config.DeviceConfig
	if *deviceURL != "" {
		dev = config.DeviceConfig{Name: "cli", BaseURL: *deviceURL}
	} else if d := cfg.Device(*deviceName); d != nil {
		dev = *d
	} else {
		fmt.Fprintln(os.Stderr, "Error: no device configured")
		fmt.Fprintln(os.Stderr, "Pass --device-url, set CW_DEVICE_URL, or add a devices entry to config.yaml.")
		os.Exit(1)
	}

	resources, err := parseResources(*resourcesFlag, cfg.Sync.Resources)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	var devOpts []device.Option
	if t := dev.FetchTimeout(); t > 0 {
		devOpts = append(devOpts, device.WithTimeout(t))
	}
	client, err := device.NewClient(dev.BaseURL, devOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad device URL %q: %v\n", dev.BaseURL, err)
		os.Exit(1)
	}

	name := dev.Name
	if name == "" {
		name = "default"
	}

	var jnl *journal.Journal
	if dbPath != "" && !*robotStatus {
		jnl, err = journal.Open(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening journal %s: %v\n", dbPath, err)
			os.Exit(1)
		}
		defer jnl.Close()
	}

	out := newPrinter(os.Stdout, robot)

	// Hooks are optional. A hooks.yaml that fails to parse disables them
	// for the run rather than erroring on every change.
	var hr *hookRunner
	if !*noHooks && !*robotStatus {
		ld, err := hooks.LoadDefault()
		if err != nil {
			out.event("hooks", fmt.Sprintf("hooks disabled: %v", err))
		} else {
			for _, warn := range ld.Warnings() {
				out.event("hooks", "hooks: "+warn)
			}
			if ld.HasHooks() {
				hr = newHookRunner(config.ConfigDir(), out)
			}
		}
	}

	s, err := session.New(session.Config{
		Device:            client,
		Resources:         resources,
		DeviceName:        name,
		Debounce:          cfg.Sync.Debounce(),
		PollInterval:      cfg.Sync.PollInterval(),
		MaxPollInterval:   cfg.Sync.MaxPollInterval(),
		HeartbeatTimeout:  cfg.Sync.HeartbeatTimeout(),
		MinReconnectDelay: cfg.Sync.MinReconnectDelay(),
		MaxReconnectDelay: cfg.Sync.MaxReconnectDelay(),
		ForcePoll:         *forcePoll || cfg.Sync.ForcePoll,
		LastEventID:       loadStreamPosition(name),
		Journal:           jnl,
		LogLevel:          cfg.Log.Level,
		OnError: func(err error) {
			if robot {
				out.event("error", err.Error())
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if !*robotStatus {
		s.OnSnapshotChanged(func(c session.Change) {
			out.change(c)
			if hr != nil {
				hr.enqueue(hooks.OnChange, changeHookContext(c))
			}
		})
		out.event("start", fmt.Sprintf("watching %s (%s), %d resources", name, dev.BaseURL, len(s.Statuses())))
	}

	if err := s.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting sync: %v\n", err)
		os.Exit(1)
	}

	// Handle --robot-status: Start has already run the initial sync, so the
	// report reflects live device state.
	if *robotStatus {
		report := buildStatusReport(s, name, dev.BaseURL)
		s.Stop()
		if err := writeStatusReport(os.Stdout, report); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing status: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Edits to the active config file apply without a restart where they
	// can: log level and the metrics toggle take effect immediately.
	// Structural changes get a notice so the operator knows to restart.
	reloads := make(chan config.Config, 1)
	watchPath := *configPath
	if watchPath == "" {
		watchPath = config.ConfigPath()
	}
	if watchPath != "" {
		cfgWatch, err := config.Watch(watchPath, func(next config.Config) {
			// Runs on the watcher's timer goroutine; never block here.
			select {
			case reloads <- next:
			default:
			}
		}, func(err error) {
			out.event("config", fmt.Sprintf("config watch: %v", err))
		})
		if err != nil {
			out.event("config", fmt.Sprintf("config reload disabled: %v", err))
		} else {
			defer cfgWatch.Stop()
		}
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	prev := s.Health()
loop:
	for {
		select {
		case <-sigCh:
			break loop
		case next := <-reloads:
			cfg = applyReload(out, s, cfg, next)
		case <-ticker.C:
			cur := s.Health()
			for _, tr := range statusTransitions(prev, cur) {
				if tr.kind == "degraded" {
					st, ok := s.Status(tr.resource)
					if ok && st.LastError != nil {
						tr.detail = st.LastError.Error()
					}
					if hr != nil {
						hr.enqueue(hooks.OnDegraded, degradedHookContext(tr.resource, st, tr.detail))
					}
				}
				out.status(tr)
			}
			prev = cur
		}
	}

	s.Stop()
	if hr != nil {
		hr.stop()
	}
	saveStreamPosition(name, s.LastEventID())
	out.event("exit", "shutting down")
}

// applyReload folds a validated config reload into the running process.
// The device list and the sync and journal sections are fixed at startup,
// so a change there gets a restart notice instead of taking effect.
func applyReload(out *printer, s *session.Session, cur, next config.Config) config.Config {
	out.event("config", "config reloaded")
	if next.Log.Level != cur.Log.Level {
		s.SetLogLevel(next.Log.Level)
		level := next.Log.Level
		if level == "" {
			level = "default"
		}
		out.event("config", "log level now "+level)
	}
	if next.Metrics.Enabled != nil && (cur.Metrics.Enabled == nil || *cur.Metrics.Enabled != *next.Metrics.Enabled) {
		metrics.SetEnabled(*next.Metrics.Enabled)
		if *next.Metrics.Enabled {
			out.event("config", "metrics enabled")
		} else {
			out.event("config", "metrics disabled")
		}
	}
	if !reflect.DeepEqual(next.Devices, cur.Devices) ||
		!reflect.DeepEqual(next.Sync, cur.Sync) ||
		!reflect.DeepEqual(next.Journal, cur.Journal) {
		out.event("config", "device, sync, or journal settings changed; restart to apply")
	}
	return next
}

// parseResources merges the --resources flag with the config's sync.resources
// list. The flag wins when both are set; empty means every known resource.
func parseResources(flagCSV string, cfgList []string) ([]model.Resource, error) {
	names := cfgList
	if strings.TrimSpace(flagCSV) != "" {
		names = strings.Split(flagCSV, ",")
	}
	var out []model.Resource
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		r := model.Resource(name)
		if !model.Known(r) {
			return nil, fmt.Errorf("unknown resource %q (known: %s)", name, strings.Join(resourceNames(), ", "))
		}
		out = append(out, r)
	}
	return out, nil
}

func resourceNames() []string {
	var names []string
	for _, r := range model.AllResources() {
		names = append(names, string(r))
	}
	return names
}

func dumpJournal(w io.Writer, path, deviceName string, limit int, robot bool) error {
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	entries := make(map[model.Resource][]journal.Entry, len(model.AllResources()))
	for _, resource := range model.AllResources() {
		recent, err := j.Recent(deviceName, resource, limit)
		if err != nil {
			return err
		}
		entries[resource] = recent
	}
	return writeJournalDump(w, entries, robot)
}

// streamPositionPath is where the last seen push event id is persisted
// between runs, keyed by device name.
func streamPositionPath(deviceName string) string {
	dir := config.StateDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "stream-"+deviceName+".pos")
}

func loadStreamPosition(deviceName string) string {
	path := streamPositionPath(deviceName)
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveStreamPosition(deviceName, eventID string) {
	path := streamPositionPath(deviceName)
	if path == "" || eventID == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(eventID+"\n"), 0o644)
}
