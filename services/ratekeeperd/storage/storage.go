package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/oracle"
)

// Storage wraps the ratekeeperd persistence layer: oracle samples and commits
// plus the ledger event journal.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("ratekeeperd storage path must be configured")

// Open initialises the backing store using sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps shared-cache memory databases alive and
	// serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordObservation persists a raw source reading. Implements oracle.Recorder.
func (s *Storage) RecordObservation(ctx context.Context, obs oracle.Observation) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(source, rate, observed_at)
        VALUES(?, ?, ?)
    `, strings.ToLower(strings.TrimSpace(obs.Source)), obs.Rate.String(), obs.Timestamp.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecordCommit persists an accepted oracle update. Implements oracle.Recorder.
func (s *Storage) RecordCommit(ctx context.Context, commit oracle.Commit) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_commits(rate, sources, proof_id, committed_at)
        VALUES(?, ?, ?, ?)
    `, commit.Rate.String(), strings.Join(commit.Sources, ","), commit.ProofID, commit.At.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

// RecentCommits returns up to limit of the latest commits, oldest first, in
// the form the oracle restores its history from.
func (s *Storage) RecentCommits(ctx context.Context, limit int) ([]oracle.Sample, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT rate, committed_at FROM (
            SELECT id, rate, committed_at
            FROM oracle_commits
            ORDER BY id DESC
            LIMIT ?
        ) ORDER BY id ASC
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()
	var out []oracle.Sample
	for rows.Next() {
		var (
			rate string
			at   int64
		)
		if err := rows.Scan(&rate, &at); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		parsed, err := num.DecimalFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("parse commit rate %q: %w", rate, err)
		}
		out = append(out, oracle.Sample{Rate: parsed, Timestamp: time.Unix(0, at).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return out, nil
}

// SampleCount returns the number of persisted observations for source.
func (s *Storage) SampleCount(ctx context.Context, source string) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oracle_samples WHERE source = ?`, strings.ToLower(strings.TrimSpace(source)))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// StoredEvent is a journaled ledger event.
type StoredEvent struct {
	Seq        int64             `json:"seq"`
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// AppendEvent journals evt and returns the stored record.
func (s *Storage) AppendEvent(ctx context.Context, evt *types.Event, at time.Time) (StoredEvent, error) {
	if s == nil {
		return StoredEvent{}, fmt.Errorf("storage not configured")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return StoredEvent{}, fmt.Errorf("event type required")
	}
	attrs := evt.Clone().Attributes
	raw, err := json.Marshal(attrs)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("encode attributes: %w", err)
	}
	stored := StoredEvent{ID: uuid.New(), Type: evt.Type, Attributes: attrs, RecordedAt: at.UTC()}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO ledger_events(event_id, type, attributes, recorded_at)
        VALUES(?, ?, ?, ?)
    `, stored.ID.String(), stored.Type, string(raw), stored.RecordedAt.UnixNano())
	if err != nil {
		return StoredEvent{}, fmt.Errorf("insert event: %w", err)
	}
	if stored.Seq, err = result.LastInsertId(); err != nil {
		return StoredEvent{}, fmt.Errorf("event sequence: %w", err)
	}
	return stored, nil
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Type     string
	Since    time.Time
	AfterSeq int64
	Limit    int
}

// ListEvents returns journaled events in sequence order.
func (s *Storage) ListEvents(ctx context.Context, filter EventFilter) ([]StoredEvent, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `SELECT seq, event_id, type, attributes, recorded_at FROM ledger_events WHERE seq > ?`
	args := []any{filter.AfterSeq}
	if t := strings.TrimSpace(filter.Type); t != "" {
		query += ` AND type = ?`
		args = append(args, t)
	}
	if !filter.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, filter.Since.UTC().UnixNano())
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := make([]StoredEvent, 0)
	for rows.Next() {
		var (
			evt   StoredEvent
			id    string
			attrs string
			at    int64
		)
		if err := rows.Scan(&evt.Seq, &id, &evt.Type, &attrs, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if evt.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d attributes: %w", evt.Seq, err)
		}
		evt.RecordedAt = time.Unix(0, at).UTC()
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    rate TEXT NOT NULL,
    observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_source_ts ON oracle_samples(source, observed_at);

CREATE TABLE IF NOT EXISTS oracle_commits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rate TEXT NOT NULL,
    sources TEXT NOT NULL,
    proof_id TEXT NOT NULL,
    committed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    attributes TEXT NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events(type, seq);
`
