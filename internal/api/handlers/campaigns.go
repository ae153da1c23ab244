package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	callsvc "github.com/acme/voice-dispatch/internal/service/call"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

type submitCampaignRequest struct {
	PhoneNumbers       []string              `json:"phone_numbers"`
	FromNumber         string                `json:"from_number"`
	DelayBetweenCalls  *float64              `json:"delay_between_calls"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	Metadata           domain.Metadata       `json:"metadata"`
	TimeZone           string                `json:"time_zone"`
	BusinessHours      []businessHourRequest `json:"business_hours"`
	RetryPolicy        *retryPolicyRequest   `json:"retry_policy"`
	Voice              *voiceRequest         `json:"voice"`
}

type retryPolicyRequest struct {
	MaxRetries int     `json:"max_retries"`
	BaseDelay  string  `json:"base_delay"`
	MaxDelay   string  `json:"max_delay"`
	Jitter     float64 `json:"jitter"`
}

type businessHourRequest struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type campaignResponse struct {
	TaskID             uuid.UUID   `json:"task_id"`
	CampaignID         uuid.UUID   `json:"campaign_id"`
	TotalCalls         int         `json:"total_calls"`
	Rejected           int         `json:"rejected"`
	DelayBetweenCalls  float64     `json:"delay_between_calls"`
	MaxConcurrentCalls int         `json:"max_concurrent_calls"`
	TaskIDs            []uuid.UUID `json:"task_ids"`
	CreatedAt          time.Time   `json:"created_at"`
}

func (h *HandlerSet) submitCampaign(ctx *fiber.Ctx) error {
	var req submitCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := h.toSubmitCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	res, err := h.calls.SubmitCampaign(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	resp := campaignResponse{
		TaskID:             res.Campaign.ID,
		CampaignID:         res.Campaign.ID,
		TotalCalls:         res.Campaign.TotalCalls,
		Rejected:           res.Rejected,
		DelayBetweenCalls:  res.Campaign.DelayBetweenCalls.Seconds(),
		MaxConcurrentCalls: res.Campaign.ConcurrencyLimit,
		TaskIDs:            make([]uuid.UUID, 0, len(res.Tasks)),
		CreatedAt:          res.Campaign.CreatedAt,
	}
	for _, task := range res.Tasks {
		resp.TaskIDs = append(resp.TaskIDs, task.ID)
	}
	return ctx.Status(http.StatusAccepted).JSON(resp)
}

type campaignStateResponse struct {
	CampaignID uuid.UUID            `json:"campaign_id"`
	State      domain.CampaignState `json:"state"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

type campaignCallsResponse struct {
	CampaignID uuid.UUID      `json:"campaign_id"`
	Calls      []taskResponse `json:"calls"`
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.setCampaignState(ctx, h.calls.Pause)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.setCampaignState(ctx, h.calls.Resume)
}

func (h *HandlerSet) setCampaignState(ctx *fiber.Ctx, apply func(context.Context, uuid.UUID) (*domain.Campaign, error)) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := apply(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(campaignStateResponse{
		CampaignID: campaign.ID,
		State:      campaign.State,
		UpdatedAt:  campaign.UpdatedAt,
	})
}

func (h *HandlerSet) listCampaignCalls(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	tasks, err := h.calls.ListCalls(ctx.Context(), id, domain.TaskStatus(ctx.Query("status")), limit)
	if err != nil {
		return translateError(err)
	}

	resp := campaignCallsResponse{CampaignID: id, Calls: make([]taskResponse, 0, len(tasks))}
	for _, task := range tasks {
		resp.Calls = append(resp.Calls, toTaskResponse(task))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) toSubmitCampaignInput(req submitCampaignRequest) (callsvc.SubmitCampaignInput, error) {
	input := callsvc.SubmitCampaignInput{
		PhoneNumbers:       req.PhoneNumbers,
		FromNumber:         req.FromNumber,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		Metadata:           req.Metadata,
		TimeZone:           req.TimeZone,
		Voice:              h.voiceFromRequest(req.Voice),
	}

	if req.DelayBetweenCalls != nil {
		d := time.Duration(*req.DelayBetweenCalls * float64(time.Second))
		input.DelayBetweenCalls = &d
	}

	if req.RetryPolicy != nil {
		rp, err := parseRetryPolicy(*req.RetryPolicy)
		if err != nil {
			return callsvc.SubmitCampaignInput{}, err
		}
		input.RetryPolicy = &rp
	}

	if len(req.BusinessHours) > 0 {
		windows, err := parseBusinessHours(req.BusinessHours)
		if err != nil {
			return callsvc.SubmitCampaignInput{}, err
		}
		input.BusinessHours = windows
	}

	return input, nil
}

func parseRetryPolicy(req retryPolicyRequest) (domain.RetryPolicy, error) {
	policy := domain.RetryPolicy{MaxRetries: req.MaxRetries, Jitter: req.Jitter}
	if req.BaseDelay != "" {
		d, err := time.ParseDuration(req.BaseDelay)
		if err != nil {
			return domain.RetryPolicy{}, apperrors.Validation("invalid base_delay")
		}
		policy.BaseDelay = d
	}
	if req.MaxDelay != "" {
		d, err := time.ParseDuration(req.MaxDelay)
		if err != nil {
			return domain.RetryPolicy{}, apperrors.Validation("invalid max_delay")
		}
		policy.MaxDelay = d
	}
	return policy, nil
}

func parseBusinessHours(req []businessHourRequest) ([]domain.BusinessHourWindow, error) {
	windows := make([]domain.BusinessHourWindow, 0, len(req))
	for _, bh := range req {
		start, err := time.Parse("15:04", bh.Start)
		if err != nil {
			return nil, apperrors.Validation("invalid start time " + bh.Start)
		}
		end, err := time.Parse("15:04", bh.End)
		if err != nil {
			return nil, apperrors.Validation("invalid end time " + bh.End)
		}
		windows = append(windows, domain.BusinessHourWindow{
			DayOfWeek: time.Weekday(bh.DayOfWeek),
			Start:     start,
			End:       end,
		})
	}
	return windows, nil
}
