// Package web provides HTTP handlers and REST API endpoints for workflow governance.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/orion/pkg/client"
	"github.com/dukex/orion/pkg/engagement"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/transport"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultListLimit = 50

type APIHandlers struct {
	client      *client.Client
	engagements *engagement.Machine
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	client *client.Client,
	engagements *engagement.Machine,
	persistence persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		client:      client,
		engagements: engagements,
		persistence: persistence,
		validator:   validator,
	}
}

// Register mounts every governance route on app.
func (h *APIHandlers) Register(app *fiber.App) {
	w := app.Group("/workflows")
	w.Get("/", h.ListWorkflows)
	w.Get("/:id", h.GetWorkflow)
	w.Get("/:id/executions", h.ListExecutions)
	w.Get("/:id/errors", h.ListErrors)
	w.Get("/:id/archive", h.ListArchive)

	p := app.Group("/proposals")
	p.Post("/", h.Propose)
	p.Post("/validate", h.ValidateProposal)

	app.Post("/deployments", h.Deploy)

	r := app.Group("/rollbacks")
	r.Post("/", h.PrepareRollback)
	r.Post("/execute", h.ExecuteRollback)

	app.Get("/decisions", h.ListDecisions)

	e := app.Group("/engagements/:entityId")
	e.Get("/", h.GetEngagement)
	e.Get("/history", h.EngagementHistory)
	e.Post("/transitions", h.Transition)
	e.Post("/human-request", h.RequestHuman)
	e.Post("/human-approval", h.ApproveHuman)
	e.Post("/human-denial", h.DenyHuman)
	e.Post("/human-start", h.StartHuman)
	e.Post("/human-complete", h.CompleteHuman)

	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck := "ok"
	status := "healthy"
	message := "Orion API is healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		repositoryCheck = err.Error()
		status = "unhealthy"
		message = "Orion API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"capabilities": h.client.Capabilities(),
		"timestamp":    time.Now().UTC(),
	})
}

// parseLimit reads ?limit, falling back to defaultListLimit.
func parseLimit(c fiber.Ctx) (int, error) {
	value := c.Query("limit")
	if value == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(value)
	if err != nil || limit < 0 {
		return 0, strconv.ErrSyntax
	}

	return limit, nil
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	workflows, err := h.client.ListWorkflows(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.client.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid limit")
	}

	executions, err := h.client.ListExecutions(c.Context(), transport.ExecutionFilter{
		WorkflowID: c.Params("id"),
		Status:     models.ExecutionStatus(c.Query("status")),
		Limit:      limit,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) ListErrors(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid limit")
	}

	executions, err := h.client.ListErrors(c.Context(), c.Params("id"), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"errors": executions})
}

func (h *APIHandlers) ListArchive(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid limit")
	}

	entries, err := h.client.ListArchive(c.Context(), c.Params("id"), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"archive": entries})
}

func (h *APIHandlers) ListDecisions(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid limit")
	}

	decisions, err := h.client.ListDecisions(c.Context(), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"decisions": decisions})
}

func (h *APIHandlers) Propose(c fiber.Ctx) error {
	var req ProposeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if req.Workflow == nil {
		return badRequest(c, "Workflow is required")
	}

	proposal, err := h.client.Propose(c.Context(), client.ProposeRequest{
		Workflow:   req.Workflow,
		Reason:     req.Reason,
		ProposedBy: req.Proposer,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(proposal)
}

func (h *APIHandlers) ValidateProposal(c fiber.Ctx) error {
	var req ValidateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	report, err := h.client.Check(c.Context(), req.Workflow, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ValidateResponse{Report: report, Valid: !report.HasErrors()})
}

func (h *APIHandlers) Deploy(c fiber.Ctx) error {
	var req DeployRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Proposal == nil || req.Workflow == nil {
		return badRequest(c, "Proposal and workflow are required")
	}

	deployment, err := h.client.Deploy(c.Context(), req.Proposal, req.Workflow, req.Approver)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(deployment)
}

func (h *APIHandlers) PrepareRollback(c fiber.Ctx) error {
	var req RollbackRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.client.PrepareRollback(c.Context(), req.WorkflowID, req.TargetHash, req.Reason, req.Actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) ExecuteRollback(c fiber.Ctx) error {
	var req ExecuteRollbackRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Rollback == nil {
		return badRequest(c, "Rollback is required")
	}

	deployment, err := h.client.ExecuteRollback(c.Context(), req.Rollback, req.DecisionID, req.Approver)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(deployment)
}

func (h *APIHandlers) GetEngagement(c fiber.Ctx) error {
	state, err := h.engagements.Get(c.Context(), c.Params("entityId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) EngagementHistory(c fiber.Ctx) error {
	entries, err := h.engagements.History(c.Context(), c.Params("entityId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"history": entries})
}

func (h *APIHandlers) Transition(c fiber.Ctx) error {
	var req TransitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	state, err := h.engagements.Transition(c.Context(), engagement.TransitionRequest{
		EntityID: c.Params("entityId"),
		From:     req.From,
		To:       req.To,
		Guard:    req.Guard,
		Actor:    req.Actor,
		Reason:   req.Reason,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) RequestHuman(c fiber.Ctx) error {
	var req HumanRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	state, err := h.engagements.RequestHumanInvolvement(c.Context(), c.Params("entityId"), req.Actor, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) ApproveHuman(c fiber.Ctx) error {
	var req HumanApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	entry, err := h.client.Decision(c.Context(), req.DecisionID)
	if err != nil {
		if services.IsNotFoundError(err) {
			// An approval must cite a logged decision.
			return handleServiceError(c, services.NewError("web.ApproveHuman", services.CodeUnauthorizedOperation,
				"decision "+req.DecisionID+" is not in the decision log", err))
		}

		return handleServiceError(c, err)
	}

	state, err := h.engagements.ApproveHumanInvolvement(c.Context(), c.Params("entityId"), &entry.Decision, req.Actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) DenyHuman(c fiber.Ctx) error {
	var req HumanRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	state, err := h.engagements.DenyHumanInvolvement(c.Context(), c.Params("entityId"), req.Actor, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) StartHuman(c fiber.Ctx) error {
	var req HumanRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Actor == "" {
		return badRequest(c, "Actor is required")
	}

	state, err := h.engagements.StartHumanWork(c.Context(), c.Params("entityId"), req.Actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) CompleteHuman(c fiber.Ctx) error {
	var req HumanCompleteRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	state, err := h.engagements.CompleteHumanWork(c.Context(), c.Params("entityId"), req.Actor, req.ReturnToAutonomy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}
