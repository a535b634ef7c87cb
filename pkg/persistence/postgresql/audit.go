package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
)

// AuditRepository handles workflow_change_audit and deployment_failures operations.
type AuditRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *sql.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

const auditColumns = `
	id
  , proposal_id
  , decision_id
  , workflow_id
  , workflow_name
  , change_type
  , previous_hash
  , proposed_hash
  , diff
  , risk_score
  , risk_level
  , reason
  , proposed_by
  , approver
  , rollback_ref
  , created_at
  , deployed_at
`

func scanAudit(row scanner) (*models.AuditRecord, error) {
	var (
		record     models.AuditRecord
		diff       []byte
		deployedAt sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&record.ProposalID,
		&record.DecisionID,
		&record.WorkflowID,
		&record.WorkflowName,
		&record.ChangeType,
		&record.PreviousHash,
		&record.ProposedHash,
		&diff,
		&record.RiskScore,
		&record.RiskLevel,
		&record.Reason,
		&record.ProposedBy,
		&record.Approver,
		&record.RollbackRef,
		&record.CreatedAt,
		&deployedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(diff, &record.Diff)
	if err != nil {
		return nil, fmt.Errorf("failed to decode diff: %w", err)
	}

	record.CreatedAt = record.CreatedAt.UTC()

	if deployedAt.Valid {
		at := deployedAt.Time.UTC()
		record.DeployedAt = &at
	}

	return &record, nil
}

func (r *AuditRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	diff, err := json.Marshal(record.Diff)
	if err != nil {
		return fmt.Errorf("failed to encode diff: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_change_audit (
			id, proposal_id, decision_id, workflow_id, workflow_name, change_type,
			previous_hash, proposed_hash, diff, risk_score, risk_level, reason,
			proposed_by, approver, rollback_ref, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		record.ID,
		record.ProposalID,
		record.DecisionID,
		record.WorkflowID,
		record.WorkflowName,
		record.ChangeType,
		record.PreviousHash,
		record.ProposedHash,
		diff,
		record.RiskScore,
		record.RiskLevel,
		record.Reason,
		record.ProposedBy,
		record.Approver,
		record.RollbackRef,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewStoreError("Insert", "audit", record.ID, persistence.ErrDuplicateAudit)
		}

		return persistence.NewStoreError("Insert", "audit", record.ID, err)
	}

	return nil
}

func (r *AuditRepository) getOne(ctx context.Context, column, value string) (*models.AuditRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM workflow_change_audit WHERE `+column+` = $1`, value)

	record, err := scanAudit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	return record, nil
}

func (r *AuditRepository) GetByID(ctx context.Context, id string) (*models.AuditRecord, error) {
	return r.getOne(ctx, "id", id)
}

func (r *AuditRepository) GetByProposalID(ctx context.Context, proposalID string) (*models.AuditRecord, error) {
	return r.getOne(ctx, "proposal_id", proposalID)
}

// List returns the newest records first; an empty workflowID lists every workflow.
func (r *AuditRepository) List(ctx context.Context, workflowID string, limit int) ([]*models.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM workflow_change_audit
		WHERE ($1 = '' OR workflow_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, workflowID, limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	records := make([]*models.AuditRecord, 0)

	for rows.Next() {
		record, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}

func (r *AuditRepository) MarkDeployed(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflow_change_audit SET deployed_at = $2 WHERE id = $1 AND deployed_at IS NULL`, id, at.UTC())
	if err != nil {
		return persistence.NewStoreError("MarkDeployed", "audit", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 1 {
		return nil
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if existing == nil {
		return persistence.NewStoreError("MarkDeployed", "audit", id, persistence.ErrAuditNotFound)
	}

	return persistence.NewStoreError("MarkDeployed", "audit", id, persistence.ErrAlreadyDeployed)
}

func (r *AuditRepository) InsertFailure(ctx context.Context, failure *models.DeploymentFailure) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO deployment_failures (id, audit_id, proposal_id, workflow_id, stage, error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, failure.ID, failure.AuditID, failure.ProposalID, failure.WorkflowID, failure.Stage, failure.Error, failure.FailedAt.UTC())
	if err != nil {
		return persistence.NewStoreError("InsertFailure", "deployment_failure", failure.ID, err)
	}

	return nil
}

func (r *AuditRepository) Failures(ctx context.Context, auditID string) ([]*models.DeploymentFailure, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, audit_id, proposal_id, workflow_id, stage, error, failed_at
		FROM deployment_failures
		WHERE audit_id = $1
		ORDER BY failed_at, id
	`, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment failures: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	failures := make([]*models.DeploymentFailure, 0)

	for rows.Next() {
		var failure models.DeploymentFailure

		err := rows.Scan(&failure.ID, &failure.AuditID, &failure.ProposalID, &failure.WorkflowID,
			&failure.Stage, &failure.Error, &failure.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment failure: %w", err)
		}

		failure.FailedAt = failure.FailedAt.UTC()
		failures = append(failures, &failure)
	}

	return failures, rows.Err()
}

func (r *AuditRepository) CountDeployedSince(ctx context.Context, since time.Time) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_change_audit WHERE deployed_at IS NOT NULL AND deployed_at >= $1`, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deployments: %w", err)
	}

	return count, nil
}
