package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/telephony/twilio"
	"github.com/acme/voice-dispatch/internal/voice"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// Sessions is the part of the session manager the media server drives.
type Sessions interface {
	Attach(ctx context.Context, callID string, t voice.Transport) (*voice.Session, error)
	Detach(callID string, t voice.Transport)
}

// Options tune the media websocket.
type Options struct {
	Port             int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Server accepts the telephony vendor's media websockets at /media/:callID
// and attaches each one to its call session.
type Server struct {
	sessions Sessions
	opts     Options
	log      *logger.Logger
	app      *fiber.App
	ctx      context.Context
}

// NewServer builds the media server.
func NewServer(sessions Sessions, opts Options, log *logger.Logger) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		sessions: sessions,
		opts:     opts,
		log:      log.Named("media"),
		ctx:      context.Background(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voice-dispatch-media",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
	})
	app.Use("/media", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	app.Get("/media/:callID", websocket.New(s.serveStream, websocket.Config{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}))
	s.app = app
	return s
}

// Start serves on the configured port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("media server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts media websockets on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ctx = ctx
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.app.ShutdownWithContext(shutdownCtx)
	}()
	if err := s.app.Listener(ln); err != nil {
		return fmt.Errorf("media server: %w", err)
	}
	return nil
}

func (s *Server) serveStream(conn *websocket.Conn) {
	callID := conn.Params("callID")
	stream := twilio.NewMediaStream(conn, s.opts.WriteTimeout)
	defer stream.Close()

	log := s.log.WithCall(callID)
	if err := stream.Handshake(s.opts.HandshakeTimeout); err != nil {
		log.Warn("media handshake failed", zap.Error(err))
		return
	}
	if stream.CallID() != callID {
		log.Warn("media stream announced a different call", zap.String("announced", stream.CallID()))
		return
	}

	ctx, span := otel.Tracer("voice.media").Start(s.ctx, "media.stream", trace.WithAttributes(
		attribute.String("call.id", callID),
	))
	defer span.End()

	session, err := s.sessions.Attach(ctx, callID, stream)
	if err != nil {
		span.RecordError(err)
		log.Warn("attach media stream", zap.Error(err))
		return
	}
	log.Info("media stream attached", zap.String("state", string(session.State())))

	err = stream.ReadLoop(session.Inbound, nil)
	s.sessions.Detach(callID, stream)
	if err != nil && !errors.Is(err, twilio.ErrStreamStopped) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		span.RecordError(err)
		log.Warn("media stream dropped", zap.Error(err))
		return
	}
	log.Info("media stream closed")
}
