package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orion/pkg/eventbus"
	"github.com/dukex/orion/pkg/events"
	"github.com/dukex/orion/pkg/gate"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/otelhelper"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/services"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TransitionRequest asks to move an entity from From to To under Guard.
type TransitionRequest struct {
	EntityID   string                  `json:"entity_id"   validate:"required"`
	From       models.EngagementStatus `json:"from"        validate:"required"`
	To         models.EngagementStatus `json:"to"          validate:"required"`
	Guard      models.Guard            `json:"guard"       validate:"required"`
	Actor      string                  `json:"actor"`
	Reason     string                  `json:"reason"`
	DecisionID string                  `json:"decision_id"`
}

// Machine applies table-checked transitions atomically against the store.
type Machine struct {
	logger    *slog.Logger
	repo      persistence.EngagementRepository
	publisher eventbus.EventPublisher
	metrics   *otelhelper.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures the Machine.
type Option func(*Machine)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(m *Machine) { m.publisher = publisher }
}

func WithMetrics(metrics *otelhelper.Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) { m.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func NewMachine(logger *slog.Logger, repo persistence.EngagementRepository, opts ...Option) *Machine {
	m := &Machine{
		logger:    logger.With("module", "engagement"),
		repo:      repo,
		publisher: eventbus.Noop{},
		tracer:    otel.Tracer("github.com/dukex/orion/pkg/engagement"),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns the current state. Untracked entities read as NOT_CONTACTED.
func (m *Machine) Get(ctx context.Context, entityID string) (*models.EngagementState, error) {
	state, err := m.repo.Get(ctx, entityID)
	if err != nil {
		return nil, services.NewError("engagement.Get", services.CodeInternal, "failed to read engagement state", err)
	}

	if state == nil {
		untracked := persistence.UntrackedState(entityID)

		return &untracked, nil
	}

	return state, nil
}

// History returns every transition of an entity, oldest first.
func (m *Machine) History(ctx context.Context, entityID string) ([]*models.EngagementStateLogEntry, error) {
	entries, err := m.repo.History(ctx, entityID)
	if err != nil {
		return nil, services.NewError("engagement.History", services.CodeInternal, "failed to read engagement history", err)
	}

	return entries, nil
}

// stateCheck runs inside the atomic transition against the freshly read state.
type stateCheck func(current models.EngagementState) error

// Transition moves the entity when the request is in the table and From still
// matches the stored state. Nothing is written otherwise. Approval grants are
// refused here; they only go through ApproveHumanInvolvement.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*models.EngagementState, error) {
	const op = "engagement.Transition"

	if req.Guard == models.GuardApprovalGranted {
		return nil, services.NewError(op, services.CodeUnauthorizedOperation,
			fmt.Sprintf("%s needs an allowed decision; use the human approval flow", req.Guard), nil)
	}

	return m.transition(ctx, op, req, nil)
}

func (m *Machine) transition(ctx context.Context, op string, req TransitionRequest, check stateCheck) (*models.EngagementState, error) {
	if req.EntityID == "" {
		return nil, services.NewError(op, services.CodeValidationFailed, "entity id is required", nil)
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "engagement.transition",
		attribute.String(otelhelper.EntityIDKey, req.EntityID),
		attribute.String(otelhelper.FromStateKey, string(req.From)),
		attribute.String(otelhelper.ToStateKey, string(req.To)),
		attribute.String(otelhelper.GuardKey, string(req.Guard)),
	)
	defer span.End()

	if !IsValidTransition(req.From, req.To, req.Guard) {
		err := services.NewError(op, services.CodeInvalidStateTransition,
			fmt.Sprintf("no transition %s -> %s under %s", req.From, req.To, req.Guard), nil)
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := m.now()

	state, err := m.repo.Transition(ctx, req.EntityID, func(current models.EngagementState) (models.EngagementState, models.EngagementStateLogEntry, error) {
		if current.State != req.From {
			return models.EngagementState{}, models.EngagementStateLogEntry{}, services.NewError(op, services.CodeInvalidStateTransition,
				fmt.Sprintf("entity %s is %s, not %s", req.EntityID, current.State, req.From), persistence.ErrStaleState)
		}

		if check != nil {
			if err := check(current); err != nil {
				return models.EngagementState{}, models.EngagementStateLogEntry{}, err
			}
		}

		next := models.EngagementState{
			EntityID:         req.EntityID,
			State:            req.To,
			DecisionID:       current.DecisionID,
			HumanActor:       current.HumanActor,
			LastTransitionAt: now,
		}

		if req.DecisionID != "" {
			next.DecisionID = req.DecisionID
		}

		switch {
		case req.Guard == models.GuardHumanStarted:
			next.HumanActor = req.Actor
		case req.To != models.StatusHumanInProgress && req.To != models.StatusHumanCompleted:
			next.HumanActor = ""
		}

		entry := models.EngagementStateLogEntry{
			ID:         uuid.NewString(),
			EntityID:   req.EntityID,
			From:       current.State,
			To:         req.To,
			Guard:      req.Guard,
			Actor:      req.Actor,
			Reason:     req.Reason,
			DecisionID: req.DecisionID,
			OccurredAt: now,
		}

		return next, entry, nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		var serviceErr *services.Error
		if errors.As(err, &serviceErr) {
			return nil, serviceErr
		}

		if persistence.IsDecisionUsed(err) {
			return nil, services.NewError(op, services.CodeUnauthorizedOperation,
				fmt.Sprintf("decision %s already approved another engagement", req.DecisionID), err)
		}

		if persistence.IsStaleState(err) {
			return nil, services.NewError(op, services.CodeInvalidStateTransition,
				fmt.Sprintf("entity %s changed concurrently", req.EntityID), err)
		}

		return nil, services.NewError(op, services.CodeInternal, "failed to write engagement transition", err)
	}

	m.metrics.Transition(ctx, string(state.State))

	m.logger.InfoContext(ctx, "Engagement state changed",
		"entity_id", req.EntityID,
		"from", req.From,
		"to", state.State,
		"guard", req.Guard,
		"actor", req.Actor,
		"paused", state.Paused(),
	)

	err = m.publisher.Publish(ctx, req.EntityID, events.EngagementStateChanged{
		BaseEvent: events.NewBaseEvent(events.EngagementStateChangedEvent, ""),
		EntityID:  req.EntityID,
		From:      req.From,
		To:        state.State,
		Guard:     req.Guard,
		Actor:     req.Actor,
		Paused:    state.Paused(),
	})
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to publish engagement event", "entity_id", req.EntityID, "error", err)
	}

	return state, nil
}

// transitionFromCurrent reads the current state and attempts the edge to `to` under guard.
func (m *Machine) transitionFromCurrent(ctx context.Context, entityID string, to models.EngagementStatus, guard models.Guard, actor, reason, decisionID string) (*models.EngagementState, error) {
	current, err := m.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}

	return m.Transition(ctx, TransitionRequest{
		EntityID:   entityID,
		From:       current.State,
		To:         to,
		Guard:      guard,
		Actor:      actor,
		Reason:     reason,
		DecisionID: decisionID,
	})
}

// RequestHumanInvolvement hands the entity to a human from whatever state it
// is in, if that state allows it.
func (m *Machine) RequestHumanInvolvement(ctx context.Context, entityID, actor, reason string) (*models.EngagementState, error) {
	return m.transitionFromCurrent(ctx, entityID, models.StatusHumanRequested, models.GuardHumanRequestTriggered, actor, reason, "")
}

// ApproveHumanInvolvement proceeds only when the gate allowed it. A rejected
// decision is returned as ORION_REJECTED without touching the state.
func (m *Machine) ApproveHumanInvolvement(ctx context.Context, entityID string, decision *models.Decision, actor string) (*models.EngagementState, error) {
	const op = "engagement.ApproveHumanInvolvement"

	if decision == nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "approval decision is required", nil)
	}

	if !decision.Allowed {
		return nil, gate.Rejected(op, decision)
	}

	if decision.ID == "" {
		return nil, services.NewError(op, services.CodeValidationFailed, "approval decision has no id", nil)
	}

	// The decision must answer this request, not one the entity had before.
	predates := func(current models.EngagementState) error {
		if decision.DecidedAt.Before(current.LastTransitionAt) {
			return services.NewError(op, services.CodeUnauthorizedOperation,
				fmt.Sprintf("decision %s predates the human request on %s", decision.ID, entityID), nil)
		}

		return nil
	}

	return m.transition(ctx, op, TransitionRequest{
		EntityID:   entityID,
		From:       models.StatusHumanRequested,
		To:         models.StatusHumanApproved,
		Guard:      models.GuardApprovalGranted,
		Actor:      actor,
		Reason:     decision.Reason,
		DecisionID: decision.ID,
	}, predates)
}

// DenyHumanInvolvement returns a requested entity to the agent.
func (m *Machine) DenyHumanInvolvement(ctx context.Context, entityID, actor, reason string) (*models.EngagementState, error) {
	return m.Transition(ctx, TransitionRequest{
		EntityID: entityID,
		From:     models.StatusHumanRequested,
		To:       models.StatusSamActive,
		Guard:    models.GuardApprovalDenied,
		Actor:    actor,
		Reason:   reason,
	})
}

// StartHumanWork records actor as the human now handling the entity.
func (m *Machine) StartHumanWork(ctx context.Context, entityID, actor string) (*models.EngagementState, error) {
	return m.Transition(ctx, TransitionRequest{
		EntityID: entityID,
		From:     models.StatusHumanApproved,
		To:       models.StatusHumanInProgress,
		Guard:    models.GuardHumanStarted,
		Actor:    actor,
	})
}

// CompleteHumanWork finishes the human step and, when returnToAutonomy is set,
// hands the entity back. The second step only runs after the first succeeded.
func (m *Machine) CompleteHumanWork(ctx context.Context, entityID, actor string, returnToAutonomy bool) (*models.EngagementState, error) {
	state, err := m.Transition(ctx, TransitionRequest{
		EntityID: entityID,
		From:     models.StatusHumanInProgress,
		To:       models.StatusHumanCompleted,
		Guard:    models.GuardHumanFinished,
		Actor:    actor,
	})
	if err != nil || !returnToAutonomy {
		return state, err
	}

	return m.Transition(ctx, TransitionRequest{
		EntityID: entityID,
		From:     models.StatusHumanCompleted,
		To:       models.StatusReturnedToAutonomy,
		Guard:    models.GuardAutonomyResumed,
		Actor:    actor,
	})
}
