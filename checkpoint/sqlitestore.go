package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStorageConfig configures the SQLite checkpoint store.
type SQLiteStorageConfig struct {
	// DSN is the database connection string, e.g. "file:checkpoints.db".
	DSN string

	// RetentionCount keeps at most this many checkpoints per workflow,
	// pruning the oldest on save (0 = keep all).
	RetentionCount int
}

// SQLiteStorage persists checkpoints to a SQLite database. WAL mode is
// enabled for concurrent read access.
type SQLiteStorage struct {
	db  *sql.DB
	cfg SQLiteStorageConfig
}

// NewSQLiteStorage opens (or creates) a SQLite checkpoint store.
func NewSQLiteStorage(cfg SQLiteStorageConfig) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	return &SQLiteStorage{db: db, cfg: cfg}, nil
}

// Save persists the checkpoint and returns its ID, assigning one if absent.
func (s *SQLiteStorage) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: marshal checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (id, workflow_id, superstep, created_at, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.ID,
		cp.WorkflowID,
		cp.Metadata.Superstep,
		cp.CreatedAt.Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: insert checkpoint: %w", err)
	}

	if s.cfg.RetentionCount > 0 {
		if err := s.prune(ctx, cp.WorkflowID); err != nil {
			return "", err
		}
	}
	return cp.ID, nil
}

// prune deletes the oldest checkpoints of a workflow beyond RetentionCount.
func (s *SQLiteStorage) prune(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE workflow_id = ? AND id NOT IN (
		    SELECT id FROM checkpoints WHERE workflow_id = ?
		    ORDER BY created_at DESC, superstep DESC LIMIT ?
		 )`,
		workflowID, workflowID, s.cfg.RetentionCount,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: prune checkpoints: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint by ID.
func (s *SQLiteStorage) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE id = ?`, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// List returns checkpoints for a workflow, oldest first.
func (s *SQLiteStorage) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	query := `SELECT payload FROM checkpoints ORDER BY created_at, superstep`
	args := []any{}
	if workflowID != "" {
		query = `SELECT payload FROM checkpoints WHERE workflow_id = ? ORDER BY created_at, superstep`
		args = append(args, workflowID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan checkpoint: %w", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(payload), &cp); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// Delete removes a checkpoint by ID.
func (s *SQLiteStorage) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: delete checkpoint: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

var _ Storage = (*SQLiteStorage)(nil)
