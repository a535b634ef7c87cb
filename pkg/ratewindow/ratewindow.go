// Package ratewindow counts deployments in the trailing rate-limit window.
package ratewindow

import (
	"context"
	"time"

	"github.com/dukex/orion/pkg/persistence"
)

// Window is the length of the deployment rate-limit window.
const Window = time.Hour

// Counter counts deployments. Reading and comparing the count are separate
// steps, so two concurrent proposals may both observe room under the limit.
type Counter interface {
	CountSince(ctx context.Context, since time.Time) (int, error)
	Record(ctx context.Context, deploymentID string, at time.Time) error
}

// AuditCounter derives the count from deployed audit records.
type AuditCounter struct {
	audit persistence.AuditRepository
}

func NewAuditCounter(audit persistence.AuditRepository) *AuditCounter {
	return &AuditCounter{audit: audit}
}

func (c *AuditCounter) CountSince(ctx context.Context, since time.Time) (int, error) {
	return c.audit.CountDeployedSince(ctx, since)
}

// Record is a no-op: the audit record's deployed_at already counts.
func (c *AuditCounter) Record(context.Context, string, time.Time) error {
	return nil
}

// Recent counts deployments in the window ending at now.
func Recent(ctx context.Context, counter Counter, now time.Time) (int, error) {
	return counter.CountSince(ctx, now.Add(-Window))
}
