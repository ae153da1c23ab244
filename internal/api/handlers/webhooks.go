package handlers

import (
	"net/http"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/telephony/twilio"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// voiceWebhook answers the vendor's call-answered request with TwiML that
// connects the call audio to the media websocket.
func (h *HandlerSet) voiceWebhook(ctx *fiber.Ctx) error {
	form := formValues(ctx)
	callID := form.Get("CallSid")
	if callID == "" {
		return translateError(apperrors.Validation("CallSid is required"))
	}

	body, err := twilio.StreamTwiML(h.mediaURL, callID, ctx.Query("task_id"))
	if err != nil {
		return err
	}
	ctx.Set(fiber.HeaderContentType, fiber.MIMEApplicationXMLCharsetUTF8)
	return ctx.Status(http.StatusOK).Send(body)
}

// statusWebhook turns a status callback into a call event.
func (h *HandlerSet) statusWebhook(ctx *fiber.Ctx) error {
	ev, err := twilio.ParseStatusCallback(formValues(ctx))
	if err != nil {
		return translateError(err)
	}

	h.log.WithCall(ev.CallID).Debug("status callback",
		zap.String("status", string(ev.Status)),
		zap.String("task_id", ctx.Query("task_id")))

	if h.events == nil {
		return translateError(apperrors.ErrUnavailable)
	}
	if err := h.events.PublishCallEvent(ctx.Context(), ev); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func formValues(ctx *fiber.Ctx) url.Values {
	form := url.Values{}
	ctx.Request().PostArgs().VisitAll(func(key, value []byte) {
		form.Add(string(key), string(value))
	})
	return form
}
