package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = "2006-01-02T15:04:05Z"

// SQLiteStore keeps each top-level state key as one JSON row
type SQLiteStore struct {
	db            *sql.DB
	dsn           string
	watchInterval time.Duration
	now           func() time.Time
}

// NewSQLiteStore opens the database at dsn and applies pending migrations
func NewSQLiteStore(dsn string, watchInterval time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, dsn: dsn, watchInterval: watchInterval, now: time.Now}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	return goose.Up(db, "migrations")
}

// Get returns the persisted state with defaults for absent keys
func (s *SQLiteStore) Get(ctx context.Context) (domain.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM state_entries`)
	if err != nil {
		return domain.State{}, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()

	state := domain.DefaultState(s.now())
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return domain.State{}, fmt.Errorf("scan state row: %w", err)
		}

		var target any
		switch domain.StateKey(key) {
		case domain.KeyRules:
			target = &state.Rules
		case domain.KeyCounters:
			target = &state.Counters
		case domain.KeyLogs:
			target = &state.Logs
		default:
			continue
		}
		if err := json.Unmarshal([]byte(value), target); err != nil {
			return domain.State{}, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return domain.State{}, fmt.Errorf("iterate state rows: %w", err)
	}

	return fillDefaults(state), nil
}

// Set upserts every key in the patch inside one transaction
func (s *SQLiteStore) Set(ctx context.Context, patch domain.StatePatch) error {
	if patch.Empty() {
		return nil
	}

	values := make(map[domain.StateKey]any, 3)
	if patch.Rules != nil {
		values[domain.KeyRules] = *patch.Rules
	}
	if patch.Counters != nil {
		values[domain.KeyCounters] = *patch.Counters
	}
	if patch.Logs != nil {
		values[domain.KeyLogs] = *patch.Logs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC().Format(timeLayout)
	for _, key := range patch.Keys() {
		data, err := json.Marshal(values[key])
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_entries (key, value, revision, updated_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   value = excluded.value,
			   revision = state_entries.revision + 1,
			   updated_at = excluded.updated_at`,
			string(key), string(data), now,
		); err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// Watch polls row revisions and reports keys that moved
func (s *SQLiteStore) Watch(ctx context.Context) (<-chan domain.StateChange, error) {
	return pollChanges(ctx, s.watchInterval, s.revisions)
}

func (s *SQLiteStore) revisions(ctx context.Context) (map[domain.StateKey]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, revision FROM state_entries`)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.StateKey]int64, 3)
	for rows.Next() {
		var key string
		var rev int64
		if err := rows.Scan(&key, &rev); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		out[domain.StateKey(key)] = rev
	}
	return out, rows.Err()
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatusHealthy
	message := "Database is reachable"
	details := map[string]any{"backend": BackendSQLite, "dsn": s.dsn}

	if err := s.db.PingContext(ctx); err != nil {
		status = domain.HealthStatusUnhealthy
		message = "Database ping failed"
		details["error"] = err.Error()
	}

	return domain.HealthStatus{
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// GetStats returns storage statistics
func (s *SQLiteStore) GetStats(ctx context.Context) map[string]any {
	stats := map[string]any{"backend": BackendSQLite, "dsn": s.dsn}
	if revs, err := s.revisions(ctx); err == nil {
		for key, rev := range revs {
			stats[string(key)+"_revision"] = rev
		}
	}
	return stats
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
