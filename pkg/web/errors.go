package web

import (
	"errors"
	"strings"

	"github.com/dukex/orion/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// Problem is the RFC 7807 document returned for every failed request. Code
// repeats the service error code so clients need not parse Type.
type Problem struct {
	*problems.DefaultProblem

	Code    services.Code `json:"code"`
	Details any           `json:"details,omitempty"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType(problemType(services.CodeValidationFailed)).
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(Problem{DefaultProblem: problem, Code: services.CodeValidationFailed})
}

func problemType(code services.Code) string {
	return strings.ToLower(string(code))
}

// statusFor maps an error code to its HTTP status.
func statusFor(code services.Code) int {
	switch code {
	case services.CodeValidationFailed:
		return fiber.StatusBadRequest
	case services.CodeOrionRejected:
		return fiber.StatusUnprocessableEntity
	case services.CodeNotFound, services.CodeRollbackUnavailable:
		return fiber.StatusNotFound
	case services.CodeDeploymentBlocked:
		return fiber.StatusBadGateway
	case services.CodeInvalidStateTransition:
		return fiber.StatusConflict
	case services.CodeUnauthorizedOperation:
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

// handleServiceError turns a service error into a problem document carrying
// its code and structured details.
func handleServiceError(c fiber.Ctx, err error) error {
	code := services.CodeOf(err)
	status := statusFor(code)

	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType(code))

	switch code {
	case services.CodeInternal, services.CodeAuditWriteFailed:
		// Don't expose wrapped driver errors.
		problem = problem.WithDetail(messageOf(err))
	default:
		problem = problem.WithDetail(err.Error())
	}

	return c.Status(status).JSON(Problem{
		DefaultProblem: problem,
		Code:           code,
		Details:        services.DetailsOf(err),
	})
}

func messageOf(err error) string {
	var serviceErr *services.Error
	if errors.As(err, &serviceErr) && serviceErr.Message != "" {
		return serviceErr.Message
	}

	return "internal error"
}
