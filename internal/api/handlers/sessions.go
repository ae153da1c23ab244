package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/synthesis"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// voiceRequest carries a voice choice. Unset fields keep the value of the
// voice it is applied to.
type voiceRequest struct {
	VoiceID         string   `json:"voice_id"`
	Stability       *float64 `json:"stability"`
	SimilarityBoost *float64 `json:"similarity_boost"`
	Style           *float64 `json:"style"`
	UseSpeakerBoost *bool    `json:"use_speaker_boost"`
	Speed           *float64 `json:"speed"`
}

func (r voiceRequest) apply(base domain.VoiceConfig) domain.VoiceConfig {
	cfg := base
	if r.VoiceID != "" {
		cfg.VoiceID = r.VoiceID
	}
	if r.Stability != nil {
		cfg.Settings.Stability = *r.Stability
	}
	if r.SimilarityBoost != nil {
		cfg.Settings.SimilarityBoost = *r.SimilarityBoost
	}
	if r.Style != nil {
		cfg.Settings.Style = *r.Style
	}
	if r.UseSpeakerBoost != nil {
		cfg.Settings.UseSpeakerBoost = *r.UseSpeakerBoost
	}
	if r.Speed != nil {
		speed := *r.Speed
		cfg.Settings.Speed = &speed
	}
	return cfg
}

func (h *HandlerSet) voiceFromRequest(req *voiceRequest) *domain.VoiceConfig {
	if req == nil {
		return nil
	}
	cfg := req.apply(h.defaultVoice)
	return &cfg
}

type sessionResponse struct {
	CallID     string              `json:"call_id"`
	TaskID     uuid.UUID           `json:"task_id"`
	State      domain.SessionState `json:"state"`
	Voice      domain.VoiceConfig  `json:"voice"`
	QueueDepth int                 `json:"audio_queue_depth"`
	LastError  string              `json:"last_error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

type speakRequest struct {
	Text string `json:"text"`
}

type utteranceResponse struct {
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
	VoiceID     string `json:"voice_id"`
}

func (h *HandlerSet) getSession(ctx *fiber.Ctx) error {
	rec, err := h.sessions.Get(ctx.Context(), ctx.Params("callID"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(sessionResponse{
		CallID:     rec.CallID,
		TaskID:     rec.TaskID,
		State:      rec.State,
		Voice:      rec.Voice,
		QueueDepth: rec.QueueDepth,
		LastError:  rec.LastError,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	})
}

func (h *HandlerSet) speak(ctx *fiber.Ctx) error {
	var req speakRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return translateError(apperrors.Validation("text is required"))
	}

	u, err := h.sessions.Speak(ctx.Context(), ctx.Params("callID"), req.Text)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(utteranceResponse{
		UtteranceID: u.ID,
		Text:        u.Text,
		VoiceID:     u.Voice.VoiceID,
	})
}

func (h *HandlerSet) stopUtterance(ctx *fiber.Ctx) error {
	if err := h.sessions.StopUtterance(ctx.Context(), ctx.Params("callID"), ctx.Params("utteranceID")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) updateVoice(ctx *fiber.Ctx) error {
	var req voiceRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	callID := ctx.Params("callID")
	rec, err := h.sessions.Get(ctx.Context(), callID)
	if err != nil {
		return translateError(err)
	}
	cfg := req.apply(rec.Voice)
	if err := h.sessions.UpdateVoice(ctx.Context(), callID, cfg); err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(cfg)
}

func (h *HandlerSet) listVoices(ctx *fiber.Ctx) error {
	if h.voices == nil {
		return translateError(apperrors.ErrUnavailable)
	}
	voices, err := h.voices.ListVoices(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	if voices == nil {
		voices = []synthesis.Voice{}
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"voices": voices})
}
