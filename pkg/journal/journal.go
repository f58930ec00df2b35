// Package journal persists accepted device snapshots to SQLite so a
// restarted dashboard can show the last known state and recent history
// before its first fetch completes.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vanderheijden86/camwatch/pkg/debug"
	"github.com/vanderheijden86/camwatch/pkg/metrics"
	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/reconcile"
)

// Entry is one journaled snapshot.
type Entry struct {
	ID          int64
	Device      string
	Resource    model.Resource
	Sequence    *int64
	Fingerprint string
	Payload     []byte // encoded reconciled state, including seq
	RecordedAt  time.Time
}

// State rebuilds the reconciled state carried by the entry.
func (e Entry) State() (*reconcile.State, error) {
	snap, err := reconcile.ParseSnapshot(e.Payload, e.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("journal entry %d: %w", e.ID, err)
	}
	return reconcile.ResolveNext(snap, nil, false), nil
}

// Journal provides append and replay access to the snapshot database.
type Journal struct {
	db   *sql.DB
	path string
}

// Times are stored as integer milliseconds since the epoch. SQLite has no
// native time type; integers keep ordering and comparisons exact.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the journal database at path, creating it and its schema
// if needed.
func Open(path string) (*Journal, error) {
	defer debug.Span("journal open " + path)()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}

	// Pragma failures are non-fatal; the journal works without WAL, just
	// with coarser locking.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			debug.Logf("journal: %s: %v", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot migrate journal: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

func migrate(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			device      TEXT NOT NULL,
			resource    TEXT NOT NULL,
			seq         INTEGER,
			fingerprint TEXT NOT NULL,
			payload     BLOB NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_device_resource
			ON snapshots(device, resource, id DESC);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Path returns the database path.
func (j *Journal) Path() string {
	return j.path
}

// Append records an accepted reconciled state for the device resource.
func (j *Journal) Append(device string, resource model.Resource, state *reconcile.State, fingerprint string) error {
	defer metrics.Timer(metrics.JournalAppend)()

	if state == nil {
		return fmt.Errorf("journal: nil state for %s/%s", device, resource)
	}
	payload, err := state.Encode()
	if err != nil {
		return fmt.Errorf("journal: encoding %s/%s: %w", device, resource, err)
	}

	var seq sql.NullInt64
	if state.Sequence != nil {
		seq = sql.NullInt64{Int64: *state.Sequence, Valid: true}
	}

	_, err = j.db.Exec(`
		INSERT INTO snapshots (device, resource, seq, fingerprint, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		device, string(resource), seq, fingerprint, payload, toMillis(state.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("journal: appending %s/%s: %w", device, resource, err)
	}
	return nil
}

// Latest returns the most recent entry for the device resource, or nil
// when the journal holds none.
func (j *Journal) Latest(device string, resource model.Resource) (*Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, device, resource, seq, fingerprint, payload, recorded_at
		FROM snapshots
		WHERE device = ? AND resource = ?
		ORDER BY id DESC
		LIMIT 1`,
		device, string(resource),
	)
	if err != nil {
		return nil, fmt.Errorf("journal: reading latest %s/%s: %w", device, resource, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Recent returns up to limit entries for the device resource, newest
// first.
func (j *Journal) Recent(device string, resource model.Resource, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT id, device, resource, seq, fingerprint, payload, recorded_at
		FROM snapshots
		WHERE device = ? AND resource = ?
		ORDER BY id DESC
		LIMIT ?`,
		device, string(resource), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: reading recent %s/%s: %w", device, resource, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Prune keeps the newest keep entries per resource for the device and
// deletes the rest, returning the number of deleted rows.
func (j *Journal) Prune(device string, keep int) (int64, error) {
	if keep <= 0 {
		keep = 100
	}
	res, err := j.db.Exec(`
		DELETE FROM snapshots
		WHERE device = ?1
		  AND id NOT IN (
			SELECT keepers.id FROM snapshots AS keepers
			WHERE keepers.device = ?1 AND keepers.resource = snapshots.resource
			ORDER BY keepers.id DESC
			LIMIT ?2
		  )`,
		device, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("journal: pruning %s: %w", device, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Count returns the number of entries for the device.
func (j *Journal) Count(device string) (int, error) {
	var count int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE device = ?`, device).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			resource   string
			seq        sql.NullInt64
			recordedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Device, &resource, &seq, &e.Fingerprint, &e.Payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("journal: scanning entry: %w", err)
		}
		e.Resource = model.Resource(resource)
		if seq.Valid {
			v := seq.Int64
			e.Sequence = &v
		}
		e.RecordedAt = fromMillis(recordedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating entries: %w", err)
	}
	return entries, nil
}
