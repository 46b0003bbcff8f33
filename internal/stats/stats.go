// Package stats is an optional sqlite-backed journal of served segments, for
// operator visibility at /status. Disabled (all methods no-ops) when no path
// is configured.
package stats

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS segment_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TIMESTAMP NOT NULL,
	mime TEXT NOT NULL,
	bytes INTEGER NOT NULL,
	keyed INTEGER NOT NULL,
	decrypt_ms REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS segment_log_at ON segment_log(at);
`

// SegmentRecord is one journal row.
type SegmentRecord struct {
	At        time.Time `json:"at"`
	Mime      string    `json:"mime"`
	Bytes     int       `json:"bytes"`
	Keyed     bool      `json:"keyed"`
	DecryptMS float64   `json:"decrypt_ms"`
}

// Journal records served segments. A nil *Journal is valid and records
// nothing.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path. Empty path disables the journal
// (returns nil, nil).
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stats: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("stats: init schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// RecordSegment appends one row. Failures are logged, never surfaced; the
// journal must not fail a segment request.
func (j *Journal) RecordSegment(mime string, bytes int, keyed bool, decrypt time.Duration) {
	if j == nil {
		return
	}
	_, err := j.db.Exec(
		`INSERT INTO segment_log (at, mime, bytes, keyed, decrypt_ms) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), mime, bytes, boolInt(keyed), float64(decrypt)/float64(time.Millisecond),
	)
	if err != nil {
		log.Printf("stats: record segment: %v", err)
	}
}

// Recent returns up to n rows, newest first.
func (j *Journal) Recent(n int) ([]SegmentRecord, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.Query(
		`SELECT at, mime, bytes, keyed, decrypt_ms FROM segment_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SegmentRecord
	for rows.Next() {
		var r SegmentRecord
		var keyed int
		if err := rows.Scan(&r.At, &r.Mime, &r.Bytes, &keyed, &r.DecryptMS); err != nil {
			return nil, err
		}
		r.Keyed = keyed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database.
func (j *Journal) Close() {
	if j != nil {
		j.db.Close()
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
