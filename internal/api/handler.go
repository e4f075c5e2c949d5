package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/georgeshao/inference-gate/internal/admission"
	"github.com/georgeshao/inference-gate/internal/dispatcher"
	"github.com/georgeshao/inference-gate/pkg/types"
)

const (
	defaultRequestTimeout = 5 * time.Minute
	defaultPendingLimit   = 100
)

type Handler struct {
	dispatcher     *dispatcher.Dispatcher
	controller     *admission.Controller
	requestTimeout time.Duration
	logger         *zap.Logger
}

func NewHandler(d *dispatcher.Dispatcher, ctrl *admission.Controller, requestTimeout time.Duration, logger *zap.Logger) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dispatcher:     d,
		controller:     ctrl,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// CreateCompletion handles POST /v1/completions. It holds the connection
// until the request finishes or the request timeout passes.
func (h *Handler) CreateCompletion(c *fiber.Ctx) error {
	var req types.CompletionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if len(req.Messages) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "At least one message is required"})
	}

	priority, err := dispatcher.ParsePriority(req.Priority)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Priority must be high, normal or low"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.requestTimeout)
	defer cancel()

	completion, err := h.dispatcher.Submit(ctx, toUpstreamRequest(req), priority)
	if err != nil {
		return h.completionError(c, err)
	}
	return c.JSON(completionToResponse(completion))
}

func (h *Handler) completionError(c *fiber.Ctx, err error) error {
	var (
		upstreamErr *dispatcher.UpstreamError
		retryErr    *dispatcher.RetryError
	)
	resp := types.UpstreamErrorResponse{Error: err.Error()}
	if errors.As(err, &retryErr) {
		resp.Attempts = retryErr.Attempts
	}

	switch {
	case errors.Is(err, dispatcher.ErrQueueFull):
		c.Set(fiber.HeaderRetryAfter, "1")
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	case errors.Is(err, dispatcher.ErrRateLimited):
		if wait := h.dispatcher.Backoff().Remaining(); wait > 0 {
			c.Set(fiber.HeaderRetryAfter, retryAfterSeconds(wait))
		}
		return c.Status(fiber.StatusTooManyRequests).JSON(resp)
	case errors.Is(err, dispatcher.ErrOverloaded), errors.Is(err, dispatcher.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	case errors.As(err, &upstreamErr):
		resp.StatusCode = upstreamErr.StatusCode
		return c.Status(fiber.StatusBadGateway).JSON(resp)
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusGatewayTimeout).JSON(types.ErrorResponse{Error: "Timed out waiting for completion"})
	default:
		h.logger.Error("completion failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Completion failed"})
	}
}

func (h *Handler) QueueStats(c *fiber.Ctx) error {
	return c.JSON(statsToResponse(h.dispatcher.Stats()))
}

func (h *Handler) EnqueuePending(c *fiber.Ctx) error {
	var req types.EnqueuePendingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if req.Subject == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Subject is required"})
	}

	entry := admission.PendingEntry{Subject: req.Subject, Context: req.Context}
	if req.ArrivedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, req.ArrivedAt)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid arrived_at format"})
		}
		entry.ArrivedAt = t
	}

	stored, err := h.controller.Enqueue(c.UserContext(), entry)
	if err != nil {
		h.logger.Error("enqueue pending failed", zap.String("subject", req.Subject), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to add pending work"})
	}
	return c.Status(fiber.StatusCreated).JSON(pendingToResponse(stored))
}

func (h *Handler) ListPending(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultPendingLimit)

	entries, err := h.controller.Pending(c.UserContext(), limit)
	if err != nil {
		h.logger.Error("list pending failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to list pending work"})
	}

	pending := make([]types.PendingEntry, len(entries))
	for i, e := range entries {
		pending[i] = pendingToResponse(e)
	}
	return c.JSON(types.ListPendingResponse{Pending: pending, Limit: limit})
}

// Tick handles POST /v1/admission/tick. Skip verdicts are ordinary 200
// responses; only store failures are errors.
func (h *Handler) Tick(c *fiber.Ctx) error {
	decision, err := h.controller.Tick(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Tick failed: " + err.Error()})
	}
	return c.JSON(decisionToResponse(decision))
}

func (h *Handler) Complete(c *fiber.Ctx) error {
	var req types.CompleteRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if len(req.Subjects) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Subjects are required"})
	}

	closed, err := h.controller.CompleteClaims(c.UserContext(), toClaims(req.Subjects, req.Tokens)...)
	if err != nil {
		h.logger.Error("complete failed", zap.Strings("subjects", req.Subjects), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to complete subjects"})
	}
	return c.JSON(types.CompleteResponse{Completed: closed})
}

func (h *Handler) Abort(c *fiber.Ctx) error {
	var req types.AbortRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if len(req.Subjects) == 0 && req.Reason == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Subjects or reason is required"})
	}

	tripped, aborted, err := h.controller.AbortClaims(c.UserContext(), req.Reason, toClaims(req.Subjects, req.Tokens)...)
	if err != nil {
		h.logger.Error("abort failed", zap.Strings("subjects", req.Subjects), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to abort subjects"})
	}
	return c.JSON(types.AbortResponse{Aborted: aborted, Disabled: tripped})
}

func (h *Handler) Reset(c *fiber.Ctx) error {
	if err := h.controller.Reset(c.UserContext()); err != nil {
		h.logger.Error("reset failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to reset controller"})
	}
	return c.JSON(fiber.Map{"status": "reset"})
}

func (h *Handler) Status(c *fiber.Ctx) error {
	status, err := h.controller.Status(c.UserContext())
	if err != nil {
		h.logger.Error("status failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to read controller status"})
	}
	return c.JSON(types.StatusResponse{
		Queue:      statsToResponse(h.dispatcher.Stats()),
		Controller: controllerStatusToResponse(status),
	})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return strconv.FormatInt(secs, 10)
}
