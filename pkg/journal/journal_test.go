package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/reconcile"
	"github.com/vanderheijden86/camwatch/pkg/testutil"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func stateAt(t *testing.T, seq int64, fields map[string]any) *reconcile.State {
	t.Helper()
	snap, err := reconcile.ParseSnapshot(testutil.SnapshotPayload(t, seq, fields), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return reconcile.ResolveNext(snap, nil, false)
}

func sequencelessState(t *testing.T, fields map[string]any) *reconcile.State {
	t.Helper()
	snap, err := reconcile.ParseSnapshot(testutil.MustMarshal(t, fields), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return reconcile.ResolveNext(snap, nil, false)
}

func TestAppendAndLatest(t *testing.T) {
	j := openTestJournal(t)

	for seq := int64(1); seq <= 3; seq++ {
		st := stateAt(t, seq, map[string]any{"state": "idle"})
		if err := j.Append("porch", model.ResourceCapture, st, "fp"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entry, err := j.Latest("porch", model.ResourceCapture)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if entry == nil {
		t.Fatal("expected an entry")
	}
	if entry.Sequence == nil || *entry.Sequence != 3 {
		t.Errorf("expected seq 3, got %v", entry.Sequence)
	}
	if entry.Fingerprint != "fp" {
		t.Errorf("expected fingerprint 'fp', got %q", entry.Fingerprint)
	}
	if entry.RecordedAt.IsZero() {
		t.Error("expected recorded_at to be set")
	}

	st, err := entry.State()
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	testutil.AssertSequence(t, st, 3)
	testutil.AssertField(t, st, "state", "idle")
}

func TestLatestEmpty(t *testing.T) {
	j := openTestJournal(t)

	entry, err := j.Latest("porch", model.ResourceCapture)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry for empty journal, got %+v", entry)
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	j := openTestJournal(t)

	for seq := int64(1); seq <= 5; seq++ {
		st := stateAt(t, seq, map[string]any{"active": seq%2 == 0})
		if err := j.Append("porch", model.ResourceMotion, st, "fp"); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := j.Recent("porch", model.ResourceMotion, 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []int64{5, 4, 3} {
		if entries[i].Sequence == nil || *entries[i].Sequence != want {
			t.Errorf("entry %d: expected seq %d, got %v", i, want, entries[i].Sequence)
		}
	}
}

func TestSequencelessEntries(t *testing.T) {
	j := openTestJournal(t)

	st := sequencelessState(t, map[string]any{"status": "ok", "batteryPct": 80})
	if err := j.Append("porch", model.ResourceHealth, st, "fp"); err != nil {
		t.Fatal(err)
	}

	entry, err := j.Latest("porch", model.ResourceHealth)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected an entry")
	}
	if entry.Sequence != nil {
		t.Errorf("expected no sequence for health, got %d", *entry.Sequence)
	}

	restored, err := entry.State()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertField(t, restored, "status", "ok")
}

func TestPruneKeepsNewestPerResource(t *testing.T) {
	j := openTestJournal(t)

	for seq := int64(1); seq <= 10; seq++ {
		if err := j.Append("porch", model.ResourceCapture, stateAt(t, seq, map[string]any{"state": "idle"}), "fp"); err != nil {
			t.Fatal(err)
		}
	}
	for seq := int64(1); seq <= 4; seq++ {
		if err := j.Append("porch", model.ResourceMotion, stateAt(t, seq, map[string]any{"active": false}), "fp"); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := j.Prune("porch", 3)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 8 { // 7 capture + 1 motion
		t.Errorf("expected 8 deleted rows, got %d", deleted)
	}

	count, err := j.Count("porch")
	if err != nil {
		t.Fatal(err)
	}
	if count != 6 {
		t.Errorf("expected 6 remaining entries, got %d", count)
	}

	entry, err := j.Latest("porch", model.ResourceCapture)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sequence == nil || *entry.Sequence != 10 {
		t.Errorf("expected newest capture entry to survive, got %v", entry.Sequence)
	}
}

func TestDevicesIsolated(t *testing.T) {
	j := openTestJournal(t)

	if err := j.Append("porch", model.ResourceCapture, stateAt(t, 1, map[string]any{"state": "idle"}), "fp-a"); err != nil {
		t.Fatal(err)
	}
	if err := j.Append("garage", model.ResourceCapture, stateAt(t, 9, map[string]any{"state": "recording"}), "fp-b"); err != nil {
		t.Fatal(err)
	}

	entry, err := j.Latest("garage", model.ResourceCapture)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sequence == nil || *entry.Sequence != 9 {
		t.Errorf("expected garage entry, got %v", entry.Sequence)
	}
	if entry.Fingerprint != "fp-b" {
		t.Errorf("expected garage fingerprint, got %q", entry.Fingerprint)
	}

	count, err := j.Count("porch")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 porch entry, got %d", count)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append("porch", model.ResourceConfig, stateAt(t, 2, map[string]any{"name": "cam-01"}), "fp"); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()

	entry, err := j2.Latest("porch", model.ResourceConfig)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected entry to survive reopen")
	}
	st, err := entry.State()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertField(t, st, "name", "cam-01")
}

func TestAppendNilState(t *testing.T) {
	j := openTestJournal(t)

	if err := j.Append("porch", model.ResourceCapture, nil, "fp"); err == nil {
		t.Error("expected error for nil state")
	}
}
