// Package archive implements the long-term searchable store for turns
// evicted from the session buffer and for retired world-model lines.
// Backed by pure-Go SQLite (WAL) with an FTS5 index kept in sync by
// AFTER INSERT / AFTER DELETE triggers on the primary table.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/attache/internal/sessions"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Record is one archived turn.
type Record struct {
	ID         int64  `json:"id"`
	SessionKey string `json:"sessionKey"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Tags       string `json:"tags,omitempty"`
}

// Store owns the archive database. The file is exclusive to this process;
// all writes serialize through a single connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. When set, every operation emits a
// debug line with timing and row counts.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the archive at dbPath with WAL journaling.
// A single shared connection avoids SQLITE_BUSY from concurrent writers.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates tables, the FTS index, and the sync triggers if missing.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			tags TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, timestamp)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(content, content='', contentless_delete=1)`,
		`CREATE TRIGGER IF NOT EXISTS turns_fts_ai AFTER INSERT ON turns BEGIN
			INSERT INTO turns_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS turns_fts_ad AFTER DELETE ON turns BEGIN
			DELETE FROM turns_fts WHERE rowid = old.id;
		END`,
		`CREATE TABLE IF NOT EXISTS world_model_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			section TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT,
			reason TEXT,
			removed_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("archive init: %w", err)
		}
	}

	s.logger.Debug("archive: init completed", "duration", time.Since(start))
	return nil
}

// Archive inserts a batch of evicted turns in one transaction. Callers are
// expected to pass disjoint batches; no duplicate check is made.
func (s *Store) Archive(ctx context.Context, turns []sessions.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO turns (session_key, role, content, timestamp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range turns {
		if _, err := stmt.ExecContext(ctx, t.SessionKey, t.Role, t.Content, t.Timestamp); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive batch: %w", err)
	}

	s.logger.Debug("archive: batch stored", "count", len(turns), "duration", time.Since(start))
	return nil
}

// UpdateTags attaches a comma-joined tag string to already-inserted rows.
func (s *Store) UpdateTags(ctx context.Context, ids []int64, tags []string) error {
	if len(ids) == 0 || len(tags) == 0 {
		return nil
	}
	joined := strings.Join(tags, ",")

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, joined)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE turns SET tags = ? WHERE id IN (%s)`, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return fmt.Errorf("update tags: %w", err)
	}
	return nil
}

// RecentIDs returns the ids of the newest n rows for a session, used by the
// extractor to tag the rows it just produced.
func (s *Store) RecentIDs(ctx context.Context, sessionKey string, n int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM turns WHERE session_key = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		sessionKey, n)
	if err != nil {
		return nil, fmt.Errorf("recent ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ArchiveWorldModelItem records a removed world-model line with a reason.
func (s *Store) ArchiveWorldModelItem(ctx context.Context, section, field, value, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO world_model_history (section, field, value, reason, removed_at) VALUES (?, ?, ?, ?, ?)`,
		section, field, value, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("archive world-model item: %w", err)
	}
	return nil
}

// GetRecentTurns returns up to limit turns for a session, newest first.
func (s *Store) GetRecentTurns(ctx context.Context, sessionKey string, limit int) ([]Record, error) {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, role, content, timestamp, tags
		 FROM turns WHERE session_key = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("archive: recent turns", "session", sessionKey, "count", len(recs), "duration", time.Since(start))
	return recs, nil
}

// Read returns one record by id, or nil when absent.
func (s *Store) Read(ctx context.Context, id int64) (*Record, error) {
	var r Record
	var tags sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_key, role, content, timestamp, tags FROM turns WHERE id = ?`, id,
	).Scan(&r.ID, &r.SessionKey, &r.Role, &r.Content, &r.Timestamp, &tags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	if tags.Valid {
		r.Tags = tags.String
	}
	return &r, nil
}

// Close flushes the WAL and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		var r Record
		var tags sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.Role, &r.Content, &r.Timestamp, &tags); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if tags.Valid {
			r.Tags = tags.String
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
