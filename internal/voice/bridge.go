package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/synthesis"
	apperrors "github.com/acme/voice-dispatch/pkg/errors"
	"github.com/acme/voice-dispatch/pkg/logger"
)

var (
	// ErrBridgeClosed is returned by Speak once the bridge no longer accepts utterances.
	ErrBridgeClosed = errors.New("voice: bridge closed")
	// ErrUtteranceNotFound is returned when stopping an unknown or finished utterance.
	ErrUtteranceNotFound = errors.New("voice: utterance not found")

	errStopped = errors.New("voice: utterance stopped")
)

// EventType describes what happened to an utterance.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventStopped   EventType = "stopped"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
)

// Event reports utterance progress. EventFailed is terminal for the session.
type Event struct {
	UtteranceID string
	Type        EventType
	Frames      int
	Err         error
}

// BridgeOptions tune synthesis streaming.
type BridgeOptions struct {
	FrameBytes   int
	HighWater    int
	LowWater     int
	RetryTimeout time.Duration
	OnEvent      func(Event)
}

// Utterance is the handle for one Speak call.
type Utterance struct {
	ID    string
	Text  string
	Voice domain.VoiceConfig

	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	frames  int
	err     error
}

// Done is closed when the utterance has finished, failed or been stopped.
func (u *Utterance) Done() <-chan struct{} { return u.done }

// Err is the terminal error, valid after Done.
func (u *Utterance) Err() error { return u.err }

// Frames counts frames handed to the relay, valid after Done.
func (u *Utterance) Frames() int { return u.frames }

// Bridge streams synthesized audio for a session's utterances into its relay,
// one utterance at a time.
type Bridge struct {
	backend synthesis.Backend
	relay   *Relay
	opts    BridgeOptions
	log     *logger.Logger
	onFatal func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	voice  domain.VoiceConfig
	last   *Utterance
	active map[string]*Utterance
	sealed bool
}

// NewBridge builds a bridge for one session. onFatal is called when an
// utterance fails after its retry.
func NewBridge(backend synthesis.Backend, relay *Relay, voice domain.VoiceConfig, opts BridgeOptions, log *logger.Logger, onFatal func(error)) *Bridge {
	if opts.HighWater <= 0 {
		opts.HighWater = 100
	}
	if opts.LowWater < 0 || opts.LowWater >= opts.HighWater {
		opts.LowWater = opts.HighWater / 4
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = 3 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		backend: backend,
		relay:   relay,
		opts:    opts,
		log:     log,
		onFatal: onFatal,
		ctx:     ctx,
		cancel:  cancel,
		voice:   voice,
		active:  make(map[string]*Utterance),
	}
}

// Handshake confirms the backend serves the configured voice.
func (b *Bridge) Handshake(ctx context.Context) error {
	voice := b.Voice()
	ok, err := b.backend.ValidateVoice(ctx, voice.VoiceID)
	if err != nil {
		return fmt.Errorf("voice: bridge handshake: %w", err)
	}
	if !ok {
		return apperrors.Validation("unknown voice " + voice.VoiceID)
	}
	return nil
}

// Voice returns the config the next utterance will use.
func (b *Bridge) Voice() domain.VoiceConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.voice
}

// UpdateVoice changes the config for utterances started afterwards.
func (b *Bridge) UpdateVoice(cfg domain.VoiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.voice = cfg
	b.mu.Unlock()
	return nil
}

// Speak queues text behind any utterance already playing.
func (b *Bridge) Speak(text string) (*Utterance, error) {
	if text == "" {
		return nil, apperrors.Validation("text is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return nil, ErrBridgeClosed
	}

	ctx, cancel := context.WithCancel(b.ctx)
	u := &Utterance{
		ID:     uuid.NewString(),
		Text:   text,
		Voice:  b.voice,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	prev := b.last
	b.last = u
	b.active[u.ID] = u

	go b.run(ctx, u, prev)
	return u, nil
}

// Stop cancels an utterance and returns once none of its frames can reach
// the transport. An utterance whose synthesis already finished stays
// stoppable while the relay still holds its frames.
func (b *Bridge) Stop(utteranceID string) error {
	b.mu.Lock()
	u, ok := b.active[utteranceID]
	if ok {
		u.stopped = true
	}
	b.mu.Unlock()
	if !ok {
		if b.relay.Pending(utteranceID) == 0 {
			return ErrUtteranceNotFound
		}
		b.relay.Discard(utteranceID)
		b.emit(Event{UtteranceID: utteranceID, Type: EventStopped})
		return nil
	}

	u.cancel()
	b.relay.Discard(u.ID)
	<-u.done
	return nil
}

// Idle is closed once the most recent utterance has finished.
func (b *Bridge) Idle() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return b.last.done
}

// Seal refuses further utterances while letting queued ones finish.
func (b *Bridge) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

// Close seals the bridge and cancels every utterance.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.sealed = true
	pending := make([]*Utterance, 0, len(b.active))
	for _, u := range b.active {
		u.stopped = true
		pending = append(pending, u)
	}
	b.mu.Unlock()

	b.cancel()
	for _, u := range pending {
		b.relay.Discard(u.ID)
		<-u.done
	}
}

func (b *Bridge) run(ctx context.Context, u *Utterance, prev *Utterance) {
	defer func() {
		b.mu.Lock()
		delete(b.active, u.ID)
		b.mu.Unlock()
		close(u.done)
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			u.err = errStopped
			b.emit(Event{UtteranceID: u.ID, Type: EventStopped})
			return
		}
	}

	ctx, span := otel.Tracer("voice.bridge").Start(ctx, "Bridge.Speak",
		trace.WithAttributes(
			attribute.String("utterance.id", u.ID),
			attribute.String("voice.id", u.Voice.VoiceID),
		))
	defer span.End()

	b.emit(Event{UtteranceID: u.ID, Type: EventStarted})
	framer := NewFramer(b.opts.FrameBytes)
	received := 0

	for attempt := 0; ; attempt++ {
		err := b.stream(ctx, u, framer, &received, attempt > 0)
		if err == nil {
			if tail := framer.Flush(); tail != nil {
				err = b.enqueue(ctx, u, tail)
			}
		}
		if err == nil {
			b.emit(Event{UtteranceID: u.ID, Type: EventCompleted, Frames: u.frames})
			return
		}

		if ctx.Err() != nil || errors.Is(err, errStopped) {
			u.err = errStopped
			b.emit(Event{UtteranceID: u.ID, Type: EventStopped, Frames: u.frames})
			return
		}
		if errors.Is(err, ErrRelayClosed) || errors.Is(err, ErrReconnectOverflow) {
			u.err = err
			b.emit(Event{UtteranceID: u.ID, Type: EventStopped, Frames: u.frames, Err: err})
			return
		}

		kind := apperrors.KindOf(err)
		if attempt == 0 && kind != apperrors.KindAuth && kind != apperrors.KindValidation {
			b.log.Warn("synthesis stream interrupted, retrying once",
				zap.String("utterance_id", u.ID), zap.Int("received_bytes", received), zap.Error(err))
			b.emit(Event{UtteranceID: u.ID, Type: EventRetrying, Frames: u.frames, Err: err})
			continue
		}

		span.RecordError(err)
		u.err = apperrors.TransientStream("synthesis failed after retry", err)
		b.log.Error("synthesis failed", zap.String("utterance_id", u.ID), zap.Error(err))
		b.emit(Event{UtteranceID: u.ID, Type: EventFailed, Frames: u.frames, Err: u.err})
		if b.onFatal != nil {
			go b.onFatal(u.err)
		}
		return
	}
}

// stream pulls one backend stream through the framer. A retry resumes after
// the bytes already received so nothing is sent twice. The resumed audio comes
// from a fresh synthesis, so the seam may be audible when the backend does not
// render the same text deterministically.
func (b *Bridge) stream(ctx context.Context, u *Utterance, framer *Framer, received *int, retry bool) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// a retry must reconnect within RetryTimeout; the stream itself is unbounded
	var timer *time.Timer
	if retry {
		timer = time.AfterFunc(b.opts.RetryTimeout, cancel)
	}
	s, err := b.backend.SynthesizeStream(streamCtx, synthesis.Request{
		UtteranceID: u.ID,
		Text:        u.Text,
		Voice:       u.Voice,
		Offset:      *received,
	})
	if timer != nil && !timer.Stop() && err == nil {
		err = context.DeadlineExceeded
		_ = s.Close()
	}
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		chunk, err := s.Recv(streamCtx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		*received += len(chunk)
		for _, frame := range framer.Push(chunk) {
			if err := b.enqueue(ctx, u, frame); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) enqueue(ctx context.Context, u *Utterance, payload []byte) error {
	if b.relay.Depth() >= b.opts.HighWater {
		if err := b.relay.WaitBelow(ctx, b.opts.LowWater); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if u.stopped {
		return errStopped
	}
	if err := b.relay.Enqueue(Frame{UtteranceID: u.ID, Seq: u.frames, Payload: payload}); err != nil {
		return err
	}
	u.frames++
	return nil
}

func (b *Bridge) emit(ev Event) {
	if b.opts.OnEvent != nil {
		b.opts.OnEvent(ev)
	}
}
