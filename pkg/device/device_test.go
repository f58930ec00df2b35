package device

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vanderheijden86/camwatch/pkg/model"
)

func TestFetchParsesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/capture" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("accept header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"seq":42,"state":"idle"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	snap, err := c.Fetch(context.Background(), model.ResourceCapture)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if snap.Sequence == nil || *snap.Sequence != 42 {
		t.Errorf("sequence = %v, want 42", snap.Sequence)
	}
	if got := string(snap.Fields["state"]); got != `"idle"` {
		t.Errorf("state = %s", got)
	}
	if snap.ReceivedAt.IsZero() {
		t.Error("receivedAt not stamped")
	}
}

func TestFetchSequenceOptional(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	snap, err := c.Fetch(context.Background(), model.ResourceHealth)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if snap.Sequence != nil {
		t.Errorf("sequence = %d, want nil", *snap.Sequence)
	}
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "device busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	_, err = c.Fetch(context.Background(), model.ResourceHealth)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", statusErr.StatusCode)
	}
	if statusErr.Resource != model.ResourceHealth {
		t.Errorf("resource = %s", statusErr.Resource)
	}
}

func TestFetchParseError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{broken`},
		{"fails validation", `{"status":"meh"}`},
		{"missing required field", `{"uptimeSec":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL)
			if err != nil {
				t.Fatalf("NewClient error: %v", err)
			}
			_, err = c.Fetch(context.Background(), model.ResourceHealth)

			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("error = %v, want ParseError", err)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(srv.URL, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	start := time.Now()
	_, err = c.Fetch(context.Background(), model.ResourceHealth)
	if err == nil {
		t.Fatal("Fetch did not time out")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestFetchUnknownResource(t *testing.T) {
	c, err := NewClient("http://device.local:8480")
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if _, err := c.Fetch(context.Background(), model.Resource("thermostat")); err == nil {
		t.Error("Fetch accepted an unknown resource")
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, bad := range []string{"", "not a url", "/relative", "http://"} {
		if _, err := NewClient(bad); err == nil {
			t.Errorf("NewClient(%q) accepted", bad)
		}
	}
}

func TestURLHelpers(t *testing.T) {
	c, err := NewClient("http://device.local:8480/")
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if got := c.ResourceURL(model.ResourceRecordings); got != "http://device.local:8480/api/recordings" {
		t.Errorf("ResourceURL = %q", got)
	}
	if got := c.EventsURL(); got != "http://device.local:8480/api/events" {
		t.Errorf("EventsURL = %q", got)
	}
	if strings.Contains(c.EventsURL(), "//api") {
		t.Errorf("trailing slash not trimmed: %q", c.EventsURL())
	}
}
