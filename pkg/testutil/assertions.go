package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/camwatch/pkg/reconcile"
)

// MustMarshal marshals v and fails the test on error.
func MustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal %T: %v", v, err)
	}
	return data
}

// SnapshotPayload builds a JSON payload carrying a sequence number plus
// the given fields.
func SnapshotPayload(t *testing.T, seq int64, fields map[string]any) []byte {
	t.Helper()
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["seq"] = seq
	return MustMarshal(t, m)
}

// SSEFrame formats a single server-sent event frame the way a device
// would put it on the wire.
func SSEFrame(name, id string, data []byte) string {
	var sb strings.Builder
	if name != "" {
		fmt.Fprintf(&sb, "event: %s\n", name)
	}
	if id != "" {
		fmt.Fprintf(&sb, "id: %s\n", id)
	}
	if data != nil {
		fmt.Fprintf(&sb, "data: %s\n", data)
	}
	sb.WriteString("\n")
	return sb.String()
}

// AssertSequence verifies a reconciled state's sequence number.
func AssertSequence(t *testing.T, state *reconcile.State, want int64) {
	t.Helper()
	if state == nil {
		t.Fatalf("expected state with seq %d, got nil", want)
	}
	if state.Sequence == nil {
		t.Fatalf("expected seq %d, got state without sequence", want)
	}
	if *state.Sequence != want {
		t.Errorf("expected seq %d, got %d", want, *state.Sequence)
	}
}

// AssertField verifies that a reconciled state's field decodes to the
// expected value after JSON round-tripping.
func AssertField(t *testing.T, state *reconcile.State, key string, want any) {
	t.Helper()
	if state == nil {
		t.Fatalf("expected state with field %q, got nil", key)
	}
	raw, ok := state.Fields[key]
	if !ok {
		t.Errorf("expected field %q, not present (have %v)", key, fieldNames(state))
		return
	}
	wantJSON := MustMarshal(t, want)
	var wantNorm, gotNorm any
	if err := json.Unmarshal(wantJSON, &wantNorm); err != nil {
		t.Fatalf("failed to normalize expected value: %v", err)
	}
	if err := json.Unmarshal(raw, &gotNorm); err != nil {
		t.Fatalf("failed to decode field %q: %v", key, err)
	}
	gotJSON := MustMarshal(t, gotNorm)
	wantJSON = MustMarshal(t, wantNorm)
	if string(gotJSON) != string(wantJSON) {
		t.Errorf("field %q = %s, want %s", key, gotJSON, wantJSON)
	}
}

// AssertNoField verifies that a reconciled state lacks the given field.
func AssertNoField(t *testing.T, state *reconcile.State, key string) {
	t.Helper()
	if state == nil {
		t.Fatalf("expected state without field %q, got nil", key)
	}
	if _, ok := state.Fields[key]; ok {
		t.Errorf("expected field %q to be absent, got %s", key, state.Fields[key])
	}
}

func fieldNames(state *reconcile.State) []string {
	names := make([]string, 0, len(state.Fields))
	for k := range state.Fields {
		names = append(names, k)
	}
	return names
}

// AssertJSONEqual compares two values by their JSON encodings, which
// ignores representation differences (typed vs untyped numbers, nil vs
// empty slice) that do not survive a round trip.
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()
	want := MustMarshal(t, expected)
	got := MustMarshal(t, actual)
	if !bytes.Equal(want, got) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual:   %s", want, got)
	}
}

// GoldenFile compares test output against a file kept under testdata.
// Run with GENERATE_GOLDEN=1 to rewrite the files after a deliberate
// format change.
type GoldenFile struct {
	t     *testing.T
	dir   string
	name  string
	regen bool
}

// NewGoldenFile returns a helper bound to dir/name.
func NewGoldenFile(t *testing.T, dir, name string) *GoldenFile {
	t.Helper()
	return &GoldenFile{
		t:     t,
		dir:   dir,
		name:  name,
		regen: os.Getenv("GENERATE_GOLDEN") != "",
	}
}

// Path returns the location of the golden file.
func (g *GoldenFile) Path() string {
	return filepath.Join(g.dir, g.name)
}

// Assert fails the test unless actual matches the golden file exactly.
// In regenerate mode it writes the file instead of comparing.
func (g *GoldenFile) Assert(actual string) {
	g.t.Helper()

	if g.regen {
		g.rewrite(actual)
		return
	}

	want, err := os.ReadFile(g.Path())
	switch {
	case os.IsNotExist(err):
		g.t.Fatalf("no golden file at %s; run with GENERATE_GOLDEN=1 to create it", g.Path())
	case err != nil:
		g.t.Fatalf("read golden file: %v", err)
	}

	if string(want) == actual {
		return
	}
	line, wantLine, gotLine := firstMismatch(string(want), actual)
	g.t.Errorf("output diverges from %s at line %d:\nwant: %s\ngot:  %s\n\nfull expected:\n%s\nfull actual:\n%s",
		g.Path(), line, wantLine, gotLine, want, actual)
}

// AssertJSON marshals actual with indentation and compares the result
// against the golden file.
func (g *GoldenFile) AssertJSON(actual any) {
	g.t.Helper()
	data, err := json.MarshalIndent(actual, "", "  ")
	if err != nil {
		g.t.Fatalf("marshal for golden comparison: %v", err)
	}
	g.Assert(string(data))
}

func (g *GoldenFile) rewrite(content string) {
	g.t.Helper()
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		g.t.Fatalf("create golden dir: %v", err)
	}
	if err := os.WriteFile(g.Path(), []byte(content), 0o644); err != nil {
		g.t.Fatalf("write golden file: %v", err)
	}
	g.t.Logf("regenerated %s", g.Path())
}

// firstMismatch locates the first line on which want and got diverge.
func firstMismatch(want, got string) (line int, wantLine, gotLine string) {
	wl := strings.Split(want, "\n")
	gl := strings.Split(got, "\n")
	n := max(len(wl), len(gl))
	for i := 0; i < n; i++ {
		var w, g string
		if i < len(wl) {
			w = wl[i]
		}
		if i < len(gl) {
			g = gl[i]
		}
		if w != g {
			return i + 1, w, g
		}
	}
	return n, "", ""
}
