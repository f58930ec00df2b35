// Command cwsim runs a fake camera device over HTTP: the five resource
// endpoints, the push event stream, and the /sim/* controls for scripting
// state changes. It exists for demos and for pointing cw at something that
// misbehaves on demand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/camwatch/internal/devsim"
	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/version"
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	heartbeat := flag.Duration("heartbeat", devsim.DefaultHeartbeatInterval, "Push heartbeat interval")
	replay := flag.Int("replay", devsim.DefaultReplayBuffer, "Events kept for Last-Event-ID replay")
	noPush := flag.Bool("no-push", false, "Serve 404 on the events endpoint (forces clients to poll)")
	stateFile := flag.String("state", "", "Scenario JSON to load as the initial device state")
	scriptInterval := flag.Duration("script", 0, "Run the built-in activity script at this interval (0 = off)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	help := flag.Bool("help", false, "Show help")
	versionFlag := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *help {
		fmt.Println("Usage: cwsim [options]")
		fmt.Println("\nA simulated camera device for exercising cw.")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("cwsim %s\n", version.Version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))

	sim := devsim.New(devsim.Options{
		HeartbeatInterval: *heartbeat,
		ReplayBuffer:      *replay,
		DisablePush:       *noPush,
		Logger:            logger,
	})

	if *stateFile != "" {
		state, err := loadScenario(*stateFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading scenario %s: %v\n", *stateFile, err)
			os.Exit(1)
		}
		sim.LoadState(state)
		logger.Info("scenario loaded", "path", *stateFile, "resources", len(state))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *scriptInterval > 0 {
		go sim.RunScript(ctx, *scriptInterval)
		logger.Info("activity script running", "interval", *scriptInterval)
	}

	srv := &http.Server{
		Addr:    *addr,
		Handler: devsim.NewRouter(sim, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", *addr, "push", !*noPush)
		errCh <- srv.ListenAndServe()
	}()

	// Graceful shutdown on SIGINT/SIGTERM. Open event streams hold
	// Shutdown until the deadline, then get closed hard.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-sigCh:
		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forced close", "error", err)
			_ = srv.Close()
		}
	}
}

// loadScenario reads a scenario file: a JSON object keyed by resource name,
// each value the full field set for that resource. Unknown resource keys
// are rejected here so typos fail loudly instead of silently dropping.
func loadScenario(path string) (map[model.Resource]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state map[model.Resource]map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(state) == 0 {
		return nil, errors.New("scenario has no resources")
	}
	for resource := range state {
		if !model.Known(resource) {
			return nil, fmt.Errorf("scenario: unknown resource %q", resource)
		}
	}
	return state, nil
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
