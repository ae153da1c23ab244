package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/domain"
	callsvc "github.com/acme/voice-dispatch/internal/service/call"
	"github.com/acme/voice-dispatch/internal/synthesis"
	"github.com/acme/voice-dispatch/internal/voice"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// Sessions is the control surface of live call sessions.
type Sessions interface {
	Get(ctx context.Context, callID string) (*domain.SessionRecord, error)
	Speak(ctx context.Context, callID, text string) (*voice.Utterance, error)
	StopUtterance(ctx context.Context, callID, utteranceID string) error
	UpdateVoice(ctx context.Context, callID string, cfg domain.VoiceConfig) error
}

// CallEvents receives vendor status callbacks.
type CallEvents interface {
	PublishCallEvent(ctx context.Context, ev domain.CallEvent) error
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Calls        *callsvc.Service
	Sessions     Sessions
	Voices       synthesis.Backend
	Events       CallEvents
	MediaURL     string
	DefaultVoice domain.VoiceConfig
	Health       func(ctx context.Context) map[string]string
	Logger       *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	calls        *callsvc.Service
	sessions     Sessions
	voices       synthesis.Backend
	events       CallEvents
	mediaURL     string
	defaultVoice domain.VoiceConfig
	healthCheck  func(ctx context.Context) map[string]string
	log          *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &HandlerSet{
		calls:        deps.Calls,
		sessions:     deps.Sessions,
		voices:       deps.Voices,
		events:       deps.Events,
		mediaURL:     deps.MediaURL,
		defaultVoice: deps.DefaultVoice,
		healthCheck:  deps.Health,
		log:          log.Named("http"),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	calls := v1.Group("/calls")
	calls.Post("/", h.submitCall)
	calls.Post("/schedule", h.scheduleCall)

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.submitCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Get("/:id/calls", h.listCampaignCalls)

	tasks := v1.Group("/tasks")
	tasks.Get("/:id", h.taskStatus)
	tasks.Post("/:id/cancel", h.cancelTask)
	tasks.Get("/:id/history", h.taskHistory)

	sessions := v1.Group("/sessions")
	sessions.Get("/:callID", h.getSession)
	sessions.Post("/:callID/utterances", h.speak)
	sessions.Delete("/:callID/utterances/:utteranceID", h.stopUtterance)
	sessions.Put("/:callID/voice", h.updateVoice)

	v1.Get("/voices", h.listVoices)

	webhooks := v1.Group("/webhooks/twilio")
	webhooks.Post("/voice", h.voiceWebhook)
	webhooks.Post("/status", h.statusWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := map[string]string{}
	if h.healthCheck != nil {
		errs = h.healthCheck(healthCtx)
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
