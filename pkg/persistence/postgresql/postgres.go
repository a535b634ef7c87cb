// Package postgresql provides PostgreSQL persistence for the governance control plane.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	archiveRepo    *ArchiveRepository
	auditRepo      *AuditRepository
	decisionRepo   *DecisionRepository
	engagementRepo *EngagementRepository
	controlRepo    *ControlRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize components
	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:             database,
		logger:         logger,
		archiveRepo:    NewArchiveRepository(database, logger),
		auditRepo:      NewAuditRepository(database, logger),
		decisionRepo:   NewDecisionRepository(database, logger),
		engagementRepo: NewEngagementRepository(database, logger),
		controlRepo:    NewControlRepository(database),
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) ArchiveRepository() persistence.ArchiveRepository {
	return p.archiveRepo
}

func (p *Persistence) AuditRepository() persistence.AuditRepository {
	return p.auditRepo
}

func (p *Persistence) DecisionRepository() persistence.DecisionRepository {
	return p.decisionRepo
}

func (p *Persistence) EngagementRepository() persistence.EngagementRepository {
	return p.engagementRepo
}

func (p *Persistence) ControlRepository() persistence.ControlRepository {
	return p.controlRepo
}

// withSerializableTx runs fn in a serializable transaction. Serialization
// failures are reported as persistence.ErrStaleState and never retried.
func withSerializableTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(tx)
	if err != nil {
		_ = tx.Rollback()

		return translate(err)
	}

	err = tx.Commit()
	if err != nil {
		return translate(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %v", persistence.ErrStaleState, err)
		}
	}

	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

func limitClause(limit int) any {
	if limit <= 0 {
		return nil
	}

	return limit
}
