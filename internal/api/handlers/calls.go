package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	callsvc "github.com/acme/voice-dispatch/internal/service/call"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

type submitCallRequest struct {
	ToNumber     string          `json:"to_number"`
	FromNumber   string          `json:"from_number"`
	Metadata     domain.Metadata `json:"metadata"`
	DelaySeconds float64         `json:"delay_seconds"`
	Voice        *voiceRequest   `json:"voice"`
}

type scheduleCallRequest struct {
	ToNumber     string          `json:"to_number"`
	FromNumber   string          `json:"from_number"`
	ScheduleTime string          `json:"schedule_time"`
	TimeZone     string          `json:"timezone"`
	Metadata     domain.Metadata `json:"metadata"`
	Voice        *voiceRequest   `json:"voice"`
}

type taskErrorResponse struct {
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
}

type taskResponse struct {
	TaskID       uuid.UUID          `json:"task_id"`
	CampaignID   uuid.UUID          `json:"campaign_id"`
	Status       domain.TaskStatus  `json:"status"`
	ToNumber     string             `json:"to_number"`
	FromNumber   string             `json:"from_number"`
	AttemptCount int                `json:"attempt_count"`
	MaxAttempts  int                `json:"max_attempts"`
	CallID       string             `json:"call_id,omitempty"`
	NotBefore    time.Time          `json:"not_before"`
	LastError    *taskErrorResponse `json:"last_error,omitempty"`
	Metadata     domain.Metadata    `json:"metadata,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

type progressResponse struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Active    int     `json:"active"`
	Completed int     `json:"completed"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
}

type campaignStatusResponse struct {
	CampaignID uuid.UUID             `json:"campaign_id"`
	Kind       domain.CampaignKind   `json:"kind"`
	Status     domain.CampaignStatus `json:"status"`
	Progress   progressResponse      `json:"progress"`
	CreatedAt  time.Time             `json:"created_at"`
}

type transitionResponse struct {
	From       domain.TaskStatus  `json:"from"`
	To         domain.TaskStatus  `json:"to"`
	Attempt    int                `json:"attempt"`
	CallID     string             `json:"call_id,omitempty"`
	Error      *taskErrorResponse `json:"error,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

type historyResponse struct {
	Items         []transitionResponse `json:"items"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) submitCall(ctx *fiber.Ctx) error {
	var req submitCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := callsvc.SubmitCallInput{
		ToNumber:     req.ToNumber,
		FromNumber:   req.FromNumber,
		Metadata:     req.Metadata,
		DelaySeconds: req.DelaySeconds,
		Voice:        h.voiceFromRequest(req.Voice),
	}

	task, err := h.calls.SubmitCall(ctx.Context(), input)
	return h.acceptedTask(ctx, task, err)
}

func (h *HandlerSet) scheduleCall(ctx *fiber.Ctx) error {
	var req scheduleCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := callsvc.ScheduleCallInput{
		ToNumber:     req.ToNumber,
		FromNumber:   req.FromNumber,
		ScheduleTime: req.ScheduleTime,
		TimeZone:     req.TimeZone,
		Metadata:     req.Metadata,
		Voice:        h.voiceFromRequest(req.Voice),
	}

	task, err := h.calls.ScheduleCall(ctx.Context(), input)
	return h.acceptedTask(ctx, task, err)
}

// acceptedTask answers a single-call submission. A rejected number still
// produced a task, so its id is returned with the 400.
func (h *HandlerSet) acceptedTask(ctx *fiber.Ctx, task *domain.CallTask, err error) error {
	if err != nil {
		if task != nil && errors.Is(err, apperrors.ErrValidation) {
			return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
				"error":   err.Error(),
				"task_id": task.ID,
				"status":  task.Status,
			})
		}
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toTaskResponse(task))
}

func (h *HandlerSet) taskStatus(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid task id")
	}

	status, err := h.calls.Status(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	if status.Task != nil {
		return ctx.Status(http.StatusOK).JSON(toTaskResponse(status.Task))
	}

	p := status.Progress
	return ctx.Status(http.StatusOK).JSON(campaignStatusResponse{
		CampaignID: status.Campaign.ID,
		Kind:       status.Campaign.Kind,
		Status:     p.StatusOf(status.Campaign),
		Progress: progressResponse{
			Total:     p.Total,
			Pending:   p.Pending,
			Active:    p.Active,
			Completed: p.Completed(),
			Succeeded: p.Succeeded,
			Failed:    p.Failed,
			Cancelled: p.Cancelled,
			Percent:   p.Percent(),
		},
		CreatedAt: status.Campaign.CreatedAt,
	})
}

func (h *HandlerSet) cancelTask(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid task id")
	}

	res, err := h.calls.Cancel(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"success": true, "cancelled": res.Cancelled})
}

func (h *HandlerSet) taskHistory(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid task id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))

	page, err := h.calls.History(ctx.Context(), id, limit, ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	resp := historyResponse{Items: make([]transitionResponse, 0, len(page.Transitions)), NextPageToken: page.NextToken}
	for _, tr := range page.Transitions {
		resp.Items = append(resp.Items, transitionResponse{
			From:       tr.From,
			To:         tr.To,
			Attempt:    tr.Attempt,
			CallID:     tr.CallID,
			Error:      toTaskError(tr.Error),
			OccurredAt: tr.OccurredAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toTaskResponse(task *domain.CallTask) taskResponse {
	return taskResponse{
		TaskID:       task.ID,
		CampaignID:   task.CampaignID,
		Status:       task.Status,
		ToNumber:     task.ToNumber,
		FromNumber:   task.FromNumber,
		AttemptCount: task.AttemptCount,
		MaxAttempts:  task.MaxAttempts,
		CallID:       task.CallID,
		NotBefore:    task.NotBefore,
		LastError:    toTaskError(task.LastError),
		Metadata:     task.Metadata,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
		CompletedAt:  task.CompletedAt,
	}
}

func toTaskError(e *domain.TaskError) *taskErrorResponse {
	if e == nil {
		return nil
	}
	return &taskErrorResponse{Kind: e.Kind, Message: e.Message}
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}
