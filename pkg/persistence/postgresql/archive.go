package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
)

// ArchiveRepository handles workflow_archive operations.
type ArchiveRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewArchiveRepository creates a new archive repository.
func NewArchiveRepository(db *sql.DB, logger *slog.Logger) *ArchiveRepository {
	return &ArchiveRepository{db: db, logger: logger}
}

const archiveColumns = `
	id
  , workflow_id
  , version_hash
  , snapshot
  , archived_by
  , reason
  , archived_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanArchive(row scanner) (*models.ArchiveEntry, error) {
	var (
		entry    models.ArchiveEntry
		snapshot []byte
	)

	err := row.Scan(&entry.ID, &entry.WorkflowID, &entry.VersionHash, &snapshot, &entry.ArchivedBy, &entry.Reason, &entry.ArchivedAt)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(snapshot, &entry.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	entry.ArchivedAt = entry.ArchivedAt.UTC()

	return &entry, nil
}

// Insert stores entry; an already archived (workflow, hash) returns the existing row.
func (r *ArchiveRepository) Insert(ctx context.Context, entry *models.ArchiveEntry) (*models.ArchiveEntry, bool, error) {
	snapshot, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	var (
		stored  *models.ArchiveEntry
		created bool
	)

	err = withSerializableTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_archive (id, workflow_id, version_hash, snapshot, archived_by, reason, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (workflow_id, version_hash) DO NOTHING
		`, entry.ID, entry.WorkflowID, entry.VersionHash, snapshot, entry.ArchivedBy, entry.Reason, entry.ArchivedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert archive entry: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}

		created = affected == 1

		row := tx.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM workflow_archive WHERE workflow_id = $1 AND version_hash = $2`,
			entry.WorkflowID, entry.VersionHash)

		stored, err = scanArchive(row)
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, false, persistence.NewStoreError("Insert", "archive", entry.VersionHash, err)
	}

	return stored, created, nil
}

func (r *ArchiveRepository) GetByHash(ctx context.Context, workflowID, versionHash string) (*models.ArchiveEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM workflow_archive WHERE workflow_id = $1 AND version_hash = $2`,
		workflowID, versionHash)

	entry, err := scanArchive(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan archive entry: %w", err)
	}

	return entry, nil
}

func (r *ArchiveRepository) GetLatest(ctx context.Context, workflowID string) (*models.ArchiveEntry, error) {
	entries, err := r.List(ctx, workflowID, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}

	return entries[0], nil
}

// List returns the most recent entries of a workflow first.
func (r *ArchiveRepository) List(ctx context.Context, workflowID string, limit int) ([]*models.ArchiveEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+archiveColumns+`
		FROM workflow_archive
		WHERE workflow_id = $1
		ORDER BY archived_at DESC, id DESC
		LIMIT $2
	`, workflowID, limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query archive entries: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.ArchiveEntry, 0)

	for rows.Next() {
		entry, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive entry: %w", err)
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating archive entries: %w", err)
	}

	return entries, nil
}

func (r *ArchiveRepository) WorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT workflow_id FROM workflow_archive ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	ids := make([]string, 0)

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// Prune deletes all but the keep most recent entries of a workflow.
func (r *ArchiveRepository) Prune(ctx context.Context, workflowID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	var removed int64

	err := withSerializableTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM workflow_archive
			WHERE workflow_id = $1
			  AND id NOT IN (
				SELECT id FROM workflow_archive
				WHERE workflow_id = $1
				ORDER BY archived_at DESC, id DESC
				LIMIT $2
			  )
		`, workflowID, keep)
		if err != nil {
			return fmt.Errorf("failed to prune archive: %w", err)
		}

		removed, err = result.RowsAffected()

		return err
	})
	if err != nil {
		return 0, persistence.NewStoreError("Prune", "archive", workflowID, err)
	}

	return int(removed), nil
}
