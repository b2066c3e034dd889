package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// SQLiteHistory deletes entries from a Chromium-format History database.
// The browser must not hold the database open for writing at the same time.
type SQLiteHistory struct {
	db   *sql.DB
	path string
}

// NewSQLiteHistory opens the History database at path
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'urls'`).Scan(&name)
	if err != nil {
		_ = db.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s is not a history database: urls table missing", path)
		}
		return nil, fmt.Errorf("inspect history database: %w", err)
	}

	return &SQLiteHistory{db: db, path: path}, nil
}

// DeleteURL removes every visit of url along with its search terms.
// Deleting a URL that is not in the history succeeds.
func (h *SQLiteHistory) DeleteURL(ctx context.Context, url string) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM urls WHERE url = ?`, url)
	if err != nil {
		return fmt.Errorf("lookup url: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan url id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate url ids: %w", err)
	}

	if len(ids) == 0 {
		return nil
	}

	hasSearchTerms, err := tableExists(ctx, tx, "keyword_search_terms")
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM visits WHERE url = ?`, id); err != nil {
			return fmt.Errorf("delete visits: %w", err)
		}
		if hasSearchTerms {
			if _, err := tx.ExecContext(ctx, `DELETE FROM keyword_search_terms WHERE url_id = ?`, id); err != nil {
				return fmt.Errorf("delete search terms: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM urls WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete url: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deletion: %w", err)
	}
	return nil
}

func tableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}
	return n > 0, nil
}

// HealthCheck pings the History database
func (h *SQLiteHistory) HealthCheck(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatusHealthy
	message := "History database is reachable"
	details := map[string]any{"backend": "sqlite", "path": h.path}

	if err := h.db.PingContext(ctx); err != nil {
		status = domain.HealthStatusUnhealthy
		message = "History database ping failed"
		details["error"] = err.Error()
	}

	return domain.HealthStatus{
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// Close closes the database
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
