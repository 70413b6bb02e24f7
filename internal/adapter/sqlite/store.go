package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DBName is the database file created inside the data directory.
const DBName = "docker2mqtt.db"

// Store persists the discovery topic ledger and the runtime event cursor.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the bridge database in dataDir.
func Open(dataDir string) (*Store, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, DBName))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// modernc connections are not shared; one writer keeps WAL simple.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS entity_topics (
	entity TEXT NOT NULL,
	topic TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (entity, topic)
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize entity topics schema: %w", err)
	}
	if err := ensureCursorSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordTopics adds topics to the set published for entity id.
func (s *Store) RecordTopics(ctx context.Context, id string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record topics: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, t := range topics {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_topics (entity, topic, updated_at) VALUES (?, ?, ?)
ON CONFLICT(entity, topic) DO UPDATE SET updated_at = excluded.updated_at`,
			id, t, now,
		); err != nil {
			return fmt.Errorf("record topic %q for %s: %w", t, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record topics: %w", err)
	}
	return nil
}

// Topics lists the recorded topics of entity id in lexical order.
func (s *Store) Topics(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic FROM entity_topics WHERE entity = ? ORDER BY topic`, id)
	if err != nil {
		return nil, fmt.Errorf("list topics for %s: %w", id, err)
	}
	return scanStrings(rows)
}

// Entities lists every entity with recorded topics.
func (s *Store) Entities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity FROM entity_topics ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("list ledger entities: %w", err)
	}
	return scanStrings(rows)
}

// Forget drops every recorded topic of entity id.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entity_topics WHERE entity = ?`, id); err != nil {
		return fmt.Errorf("forget entity %s: %w", id, err)
	}
	return nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
