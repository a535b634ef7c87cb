// Package memory provides an in-memory persistence implementation. The audit
// trail is kept as an event log with a derived deployed projection.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
)

// Journal kinds written for every mutation.
const (
	KindArchiveInsert        = "archive.insert"
	KindArchivePrune         = "archive.prune"
	KindAuditInsert          = "audit.insert"
	KindAuditDeployed        = "audit.deployed"
	KindDeploymentFailure    = "audit.failure"
	KindDecisionAppend       = "decision.append"
	KindEngagementTransition = "engagement.transition"
	KindControlsSet          = "controls.set"
)

// Journal receives every mutation before it is applied. A journal error aborts
// the mutation.
type Journal interface {
	Append(kind string, payload any) error
}

type auditEvent struct {
	Record  *models.AuditRecord `json:"record,omitempty"`
	AuditID string              `json:"auditId,omitempty"`
	At      time.Time           `json:"at"`
}

type pruneEvent struct {
	WorkflowID string `json:"workflowId"`
	Keep       int    `json:"keep"`
}

type transitionEvent struct {
	State models.EngagementState         `json:"state"`
	Log   models.EngagementStateLogEntry `json:"log"`
}

// Persistence implements persistence.Persistence in memory.
type Persistence struct {
	mu      sync.RWMutex
	journal Journal

	archives    []*models.ArchiveEntry
	auditEvents []auditEvent
	failures    []*models.DeploymentFailure
	decisions   []*models.DecisionLogEntry
	states      map[string]models.EngagementState
	history     []*models.EngagementStateLogEntry
	controls    models.OperatingControls
}

// Option configures the in-memory store.
type Option func(*Persistence)

// WithJournal makes the store write every mutation to j first.
func WithJournal(j Journal) Option {
	return func(p *Persistence) {
		p.journal = j
	}
}

// WithControls seeds the operational controls.
func WithControls(controls models.OperatingControls) Option {
	return func(p *Persistence) {
		p.controls = controls
	}
}

// NewPersistence creates an empty in-memory store.
func NewPersistence(opts ...Option) *Persistence {
	p := &Persistence{
		states:   make(map[string]models.EngagementState),
		controls: models.OperatingControls{AutonomyLevel: models.MinAutonomyLevel, Flags: map[string]bool{}},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Persistence) ArchiveRepository() persistence.ArchiveRepository {
	return &archiveRepository{p: p}
}

func (p *Persistence) AuditRepository() persistence.AuditRepository {
	return &auditRepository{p: p}
}

func (p *Persistence) DecisionRepository() persistence.DecisionRepository {
	return &decisionRepository{p: p}
}

func (p *Persistence) EngagementRepository() persistence.EngagementRepository {
	return &engagementRepository{p: p}
}

func (p *Persistence) ControlRepository() persistence.ControlRepository {
	return &controlRepository{p: p}
}

// HealthCheck always succeeds for the in-memory store.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

// Close performs no cleanup for the in-memory store.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// record journals a mutation. Callers hold the write lock.
func (p *Persistence) record(kind string, payload any) error {
	if p.journal == nil {
		return nil
	}

	if err := p.journal.Append(kind, payload); err != nil {
		return fmt.Errorf("failed to journal %s: %w", kind, err)
	}

	return nil
}

// Restore applies a journaled mutation without journaling it again.
func (p *Persistence) Restore(kind string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case KindArchiveInsert:
		var entry models.ArchiveEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}

		p.archives = append(p.archives, &entry)
	case KindArchivePrune:
		var event pruneEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}

		p.prune(event.WorkflowID, event.Keep)
	case KindAuditInsert, KindAuditDeployed:
		var event auditEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}

		p.auditEvents = append(p.auditEvents, event)
	case KindDeploymentFailure:
		var failure models.DeploymentFailure
		if err := json.Unmarshal(data, &failure); err != nil {
			return err
		}

		p.failures = append(p.failures, &failure)
	case KindDecisionAppend:
		var entry models.DecisionLogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}

		p.decisions = append(p.decisions, &entry)
	case KindEngagementTransition:
		var event transitionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}

		p.states[event.State.EntityID] = event.State
		p.history = append(p.history, &event.Log)
	case KindControlsSet:
		var controls models.OperatingControls
		if err := json.Unmarshal(data, &controls); err != nil {
			return err
		}

		p.controls = controls
	default:
		return fmt.Errorf("unknown journal kind %q", kind)
	}

	return nil
}

func limitOf(n, limit int) int {
	if limit <= 0 || limit > n {
		return n
	}

	return limit
}
