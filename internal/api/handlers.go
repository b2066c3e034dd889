package api

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// StatsProvider exposes component statistics for /metrics
type StatsProvider interface {
	GetStats(ctx context.Context) map[string]any
}

// Handlers contains all HTTP handlers for the sanitizer API
type Handlers struct {
	sanitizer     domain.Sanitizer
	store         StatsProvider
	healthChecker domain.HealthChecker
	validate      *validator.Validate
	startedAt     time.Time
}

// NewHandlers creates a new instance of API handlers. store may be nil.
func NewHandlers(sanitizer domain.Sanitizer, store StatsProvider, healthChecker domain.HealthChecker) *Handlers {
	return &Handlers{
		sanitizer:     sanitizer,
		store:         store,
		healthChecker: healthChecker,
		validate:      validator.New(),
		startedAt:     time.Now(),
	}
}

// VisitedRequest is a history visit event
type VisitedRequest struct {
	URL string `json:"url" validate:"max=8192"`
}

// CommittedRequest is a navigation commit event; frameId 0 is the top frame
type CommittedRequest struct {
	URL     string `json:"url" validate:"max=8192"`
	FrameID *int   `json:"frameId" validate:"required"`
}

// AddRuleRequest is the addRule command payload
type AddRuleRequest struct {
	Pattern   string `json:"pattern" validate:"max=2048"`
	MatchType string `json:"matchType"`
}

// PageRuleRequest derives a rule from the page currently shown
type PageRuleRequest struct {
	PageURL string `json:"pageUrl"`
	Kind    string `json:"kind" validate:"omitempty,oneof=domain keyword"`
}

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// SuccessResponse represents the standard success response format
type SuccessResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// AckResponse acknowledges a command
type AckResponse struct {
	OK bool `json:"ok"`
}

// ExportResponse wraps the exported state
type ExportResponse struct {
	State domain.State `json:"state"`
}

// VisitedHandler handles POST /v1/events/visited
func (h *Handlers) VisitedHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	var req VisitedRequest
	if err := h.parse(c, &req, "visited_event_parsing"); err != nil {
		return h.sendError(c, err)
	}

	outcome := h.sanitizer.OnVisited(ctx, strings.TrimSpace(req.URL))
	return c.Status(200).JSON(SuccessResponse{Status: "success", Data: outcome})
}

// CommittedHandler handles POST /v1/events/committed
func (h *Handlers) CommittedHandler(c *fiber.Ctx) error {
	var req CommittedRequest
	if err := h.parse(c, &req, "committed_event_parsing"); err != nil {
		return h.sendError(c, err)
	}

	scheduled := h.sanitizer.OnNavigationCommitted(strings.TrimSpace(req.URL), *req.FrameID)
	return c.Status(202).JSON(SuccessResponse{
		Status: "success",
		Data:   map[string]any{"scheduled": scheduled},
	})
}

// GetStateHandler handles GET /v1/state
func (h *Handlers) GetStateHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	view, err := h.sanitizer.GetState(ctx)
	if err != nil {
		return h.commandError(c, ctx, err, "get_state")
	}
	return c.Status(200).JSON(SuccessResponse{Status: "success", Data: view})
}

// ExportHandler handles GET /v1/export
func (h *Handlers) ExportHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	state, err := h.sanitizer.ExportState(ctx)
	if err != nil {
		return h.commandError(c, ctx, err, "export_state")
	}
	return c.Status(200).JSON(SuccessResponse{Status: "success", Data: ExportResponse{State: state}})
}

// AddRuleHandler handles POST /v1/rules
func (h *Handlers) AddRuleHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	var req AddRuleRequest
	if err := h.parse(c, &req, "add_rule_parsing"); err != nil {
		return h.sendError(c, err)
	}

	if err := h.sanitizer.AddRule(ctx, req.Pattern, req.MatchType); err != nil {
		return h.commandError(c, ctx, err, "add_rule")
	}
	return h.ack(c)
}

// AddPageRuleHandler handles POST /v1/rules/page
func (h *Handlers) AddPageRuleHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	var req PageRuleRequest
	if err := h.parse(c, &req, "page_rule_parsing"); err != nil {
		return h.sendError(c, err)
	}

	kind := domain.ParseRuleType(req.Kind)
	if err := h.sanitizer.AddPageRule(ctx, strings.TrimSpace(req.PageURL), kind); err != nil {
		return h.commandError(c, ctx, err, "add_page_rule")
	}
	return h.ack(c)
}

// RemoveRuleHandler handles DELETE /v1/rules/:index
func (h *Handlers) RemoveRuleHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	index, ok := ruleIndex(c)
	if !ok {
		return h.ack(c)
	}
	if err := h.sanitizer.RemoveRule(ctx, index); err != nil {
		return h.commandError(c, ctx, err, "remove_rule")
	}
	return h.ack(c)
}

// ToggleRuleHandler handles POST /v1/rules/:index/toggle
func (h *Handlers) ToggleRuleHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	index, ok := ruleIndex(c)
	if !ok {
		return h.ack(c)
	}
	if err := h.sanitizer.ToggleRule(ctx, index); err != nil {
		return h.commandError(c, ctx, err, "toggle_rule")
	}
	return h.ack(c)
}

// ResetCounterHandler handles POST /v1/counters/reset
func (h *Handlers) ResetCounterHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	if err := h.sanitizer.ResetCounter(ctx); err != nil {
		return h.commandError(c, ctx, err, "reset_counter")
	}
	return h.ack(c)
}

// ClearLogsHandler handles DELETE /v1/logs
func (h *Handlers) ClearLogsHandler(c *fiber.Ctx) error {
	ctx := requestContext(c)

	if err := h.sanitizer.ClearLogs(ctx); err != nil {
		return h.commandError(c, ctx, err, "clear_logs")
	}
	return h.ack(c)
}

// HealthHandler handles GET /health requests
func (h *Handlers) HealthHandler(c *fiber.Ctx) error {
	ctx := c.Context()

	health := h.healthChecker.CheckHealth(ctx)

	status := 200
	if health.Status == domain.HealthStatusUnhealthy {
		status = 503
	}

	return c.Status(status).JSON(map[string]any{
		"status":     health.Status,
		"timestamp":  health.Timestamp.Format(time.RFC3339),
		"components": health.Components,
		"uptime":     health.Uptime,
	})
}

// MetricsHandler handles GET /metrics requests
func (h *Handlers) MetricsHandler(c *fiber.Ctx) error {
	ctx := c.Context()

	data := map[string]any{
		"sanitizer": h.sanitizer.GetStats(ctx),
		"uptime": map[string]any{
			"started_at": h.startedAt.UTC().Format(time.RFC3339),
			"seconds":    int64(time.Since(h.startedAt).Seconds()),
		},
	}
	if h.store != nil {
		data["store"] = h.store.GetStats(ctx)
	}

	return c.Status(200).JSON(SuccessResponse{Status: "success", Data: data})
}

// ruleIndex parses the :index route parameter. A non-numeric index is
// treated like an out of range one.
func ruleIndex(c *fiber.Ctx) (int, bool) {
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return 0, false
	}
	return index, true
}

// parse decodes and validates the request body
func (h *Handlers) parse(c *fiber.Ctx, out any, operation string) *domain.AppError {
	ctx := requestContext(c)

	if err := c.BodyParser(out); err != nil {
		return domain.NewAppError(
			domain.ErrInvalidInput,
			"Invalid JSON payload",
			400,
			map[string]string{"error": err.Error()},
		).WithContext(ctx, operation)
	}

	if err := h.validate.Struct(out); err != nil {
		return validationError(err).WithContext(ctx, operation)
	}
	return nil
}

func validationError(err error) *domain.AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.NewAppErrorWithCause(domain.ErrValidationFailed, "Validation failed", 422, err, nil)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			fields[fe.Field()] = "is required"
		case "max":
			fields[fe.Field()] = "must be at most " + fe.Param() + " characters"
		case "oneof":
			fields[fe.Field()] = "must be one of: " + fe.Param()
		default:
			fields[fe.Field()] = "failed " + fe.Tag() + " validation"
		}
	}
	return domain.NewAppError(domain.ErrValidationFailed, "Validation failed", 422, fields)
}

// commandError logs a failed command and converts it into a response
func (h *Handlers) commandError(c *fiber.Ctx, ctx context.Context, err error, operation string) error {
	appErr := domain.AsAppError(err).WithContext(ctx, operation)

	if appErr.StatusCode >= 500 {
		log.Error().
			Err(err).
			Str("request_id", appErr.RequestID).
			Str("operation", operation).
			Msg("Command failed")
	}
	return h.sendError(c, appErr)
}

func (h *Handlers) ack(c *fiber.Ctx) error {
	return c.Status(200).JSON(SuccessResponse{Status: "success", Data: AckResponse{OK: true}})
}

// sendError sends a standardized error response
func (h *Handlers) sendError(c *fiber.Ctx, appErr *domain.AppError) error {
	return c.Status(appErr.StatusCode).JSON(ErrorResponse{
		Status:  "error",
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// requestContext returns the user context tagged with the request id
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if rid, ok := c.Locals("requestid").(string); ok {
		ctx = domain.ContextWithRequestID(ctx, rid)
	}
	return ctx
}
