// Package steplog implements the durable, append-only step log: a
// relational table `steps(uid, name, cfg, time, status, data)` that
// the orchestrator reads on entry to `run()` to decide restart
// behavior and appends to once per substep transition.
//
// It follows the same read-prior-state-before-write shape a durable
// index file would use (read the index, validate it, decide what to
// do next), but backed by github.com/ncruces/go-sqlite3 rather than a
// flat file, since point lookups by uid want a real table.
package steplog

import (
	"context"
	"database/sql"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	baseerrors "github.com/grailbio/base/errors"
)

// Status is one of the substep transitions a step's run() emits.
type Status string

const (
	StatusEntry     Status = "entry"
	StatusSetup     Status = "setup"
	StatusMap       Status = "map"
	StatusMapped    Status = "mapped"
	StatusReduced   Status = "reduced"
	StatusCleanup   Status = "cleanup"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one row of the steps table.
type Record struct {
	UID    string
	Name   string
	Cfg    string // JSON config snapshot
	Time   int64  // unix nanos
	Status Status
	Data   string // free-form JSON payload (e.g. a serialized runtime fragment)
}

// Log is a handle on the durable step log.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the step log at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, baseerrors.E(err, "steplog: open", path)
	}
	const schema = `CREATE TABLE IF NOT EXISTS steps (
		uid    TEXT NOT NULL,
		name   TEXT NOT NULL,
		cfg    TEXT NOT NULL,
		time   INTEGER NOT NULL,
		status TEXT NOT NULL,
		data   TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, baseerrors.E(err, "steplog: create schema", path)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append inserts a new substep-transition row. The log is append-only:
// nothing is ever updated or deleted in place.
func (l *Log) Append(ctx context.Context, r Record) error {
	const q = `INSERT INTO steps (uid, name, cfg, time, status, data) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := l.db.ExecContext(ctx, q, r.UID, r.Name, r.Cfg, r.Time, string(r.Status), r.Data); err != nil {
		return baseerrors.E(err, "steplog: append", r.UID, string(r.Status))
	}
	return nil
}

// Records returns every row for uid in the order they were appended,
// i.e. the full substep history `run()` replays on restart.
func (l *Log) Records(ctx context.Context, uid string) ([]Record, error) {
	const q = `SELECT uid, name, cfg, time, status, data FROM steps WHERE uid = ? ORDER BY time ASC, rowid ASC`
	rows, err := l.db.QueryContext(ctx, q, uid)
	if err != nil {
		return nil, baseerrors.E(err, "steplog: query", uid)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.UID, &r.Name, &r.Cfg, &r.Time, &status, &r.Data); err != nil {
			return nil, baseerrors.E(err, "steplog: scan", uid)
		}
		r.Status = Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, baseerrors.E(err, "steplog: iterate", uid)
	}
	return out, nil
}

// Latest returns the most recently appended record for uid, if any.
// The orchestrator uses this to find the highest substep status
// reached before a crash.
func (l *Log) Latest(ctx context.Context, uid string) (Record, bool, error) {
	const q = `SELECT uid, name, cfg, time, status, data FROM steps WHERE uid = ? ORDER BY time DESC, rowid DESC LIMIT 1`
	row := l.db.QueryRowContext(ctx, q, uid)
	var r Record
	var status string
	switch err := row.Scan(&r.UID, &r.Name, &r.Cfg, &r.Time, &status, &r.Data); err {
	case nil:
		r.Status = Status(status)
		return r, true, nil
	case sql.ErrNoRows:
		return Record{}, false, nil
	default:
		return Record{}, false, baseerrors.E(err, "steplog: latest", uid)
	}
}

// HasStatus reports whether uid has ever reached status s.
func (l *Log) HasStatus(ctx context.Context, uid string, s Status) (bool, error) {
	const q = `SELECT 1 FROM steps WHERE uid = ? AND status = ? LIMIT 1`
	row := l.db.QueryRowContext(ctx, q, uid, string(s))
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, baseerrors.E(err, "steplog: has-status", uid, string(s))
	}
}
