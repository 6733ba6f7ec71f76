package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/kernelkeeper/internal/history"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS kernel_history(
		occurred_at TIMESTAMP NOT NULL,
		event TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		state TEXT NOT NULL,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS kernel_history_occurred_at ON kernel_history(occurred_at)`,
}

// Sink keeps kernel lifecycle events in a local SQLite file.
type Sink struct {
	db *sql.DB
}

// New opens (and creates if needed) the database. Accepted forms:
// "sqlite:///path/to/file.db", "sqlite://:memory:", a bare path or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a second connection to ":memory:" would see an empty database
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kernel_history(occurred_at, event, name, pid, state, error) VALUES(?, ?, ?, ?, ?, ?)`,
		e.OccurredAt.UTC(), string(e.Type), rec.Name, rec.PID, rec.State, history.Nullable(rec.Error))
	return err
}

// Count returns the number of stored events of the given type; an empty type counts all.
func (s *Sink) Count(ctx context.Context, t history.EventType) (int, error) {
	var n int
	var err error
	if t == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kernel_history`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kernel_history WHERE event = ?`, string(t)).Scan(&n)
	}
	return n, err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, event, name, pid, state, error FROM kernel_history
		 ORDER BY occurred_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return history.ScanEvents(rows)
}

func (s *Sink) Close() error { return s.db.Close() }
