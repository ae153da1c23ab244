package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/config"
	"github.com/acme/voice-dispatch/internal/dispatcher"
	"github.com/acme/voice-dispatch/internal/domain"
	"github.com/acme/voice-dispatch/internal/infra/db"
	"github.com/acme/voice-dispatch/internal/infra/redis"
	"github.com/acme/voice-dispatch/internal/queue"
	"github.com/acme/voice-dispatch/internal/repository"
	"github.com/acme/voice-dispatch/internal/repository/memory"
	scyllarepo "github.com/acme/voice-dispatch/internal/repository/scylla"
	"github.com/acme/voice-dispatch/internal/repository/sqlstore"
	"github.com/acme/voice-dispatch/internal/scheduler"
	callsvc "github.com/acme/voice-dispatch/internal/service/call"
	"github.com/acme/voice-dispatch/internal/service/concurrency"
	"github.com/acme/voice-dispatch/internal/service/ratelimit"
	"github.com/acme/voice-dispatch/internal/synthesis"
	"github.com/acme/voice-dispatch/internal/synthesis/elevenlabs"
	synthmock "github.com/acme/voice-dispatch/internal/synthesis/mock"
	"github.com/acme/voice-dispatch/internal/telephony"
	telephonymock "github.com/acme/voice-dispatch/internal/telephony/mock"
	"github.com/acme/voice-dispatch/internal/telephony/twilio"
	"github.com/acme/voice-dispatch/internal/voice"
	"github.com/acme/voice-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	SQLite   *db.SQLite
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once      sync.Once
		stores    *stores
		pubs      *publishers
		providers *providers
		limiters  *limiters

		runtimeOnce sync.Once
		runtime     *runtime
	}
}

type stores struct {
	Tasks    repository.Store
	Sessions repository.SessionStore
	History  repository.TransitionLog
}

type publishers struct {
	Status     dispatcher.StatusSink
	Offers     *queue.OfferPublisher
	CallEvents *queue.CallEventPublisher
}

type providers struct {
	Telephony telephony.Client
	Synthesis synthesis.Backend
}

type limiters struct {
	Rate ratelimit.Limiter
	Gate concurrency.Gate
}

type runtime struct {
	Dispatcher *dispatcher.Dispatcher
	Voice      *voice.Manager
	Calls      *callsvc.Service
	Offers     scheduler.Offerer
	Events     CallEventSink
}

// CallEventSink accepts vendor call progress from webhooks or the mock provider.
type CallEventSink interface {
	PublishCallEvent(ctx context.Context, ev domain.CallEvent) error
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}

	return New(ctx, cfg, lg)
}

// New connects the infrastructure enabled in cfg.
func New(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*Container, error) {
	c := &Container{Config: cfg, Logger: lg}

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
		if cfg.Store.AutoMigrate {
			if err := db.Migrate(pg.DB(), "postgres"); err != nil {
				_ = c.Close(ctx)
				return nil, fmt.Errorf("bootstrap postgres: %w", err)
			}
		}
	case "sqlite":
		lite, err := db.NewSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("bootstrap sqlite: %w", err)
		}
		c.SQLite = lite
		if cfg.Store.AutoMigrate {
			if err := db.Migrate(lite.DB(), "sqlite3"); err != nil {
				_ = c.Close(ctx)
				return nil, fmt.Errorf("bootstrap sqlite: %w", err)
			}
		}
	case "memory", "":
	default:
		return nil, fmt.Errorf("bootstrap: unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Scylla.Enabled {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
		if err := scyllarepo.EnsureSchema(scylla.Session()); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = redisClient
	}

	if cfg.Kafka.Enabled {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = kafka
	}

	return c, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		// process-local fallback for whatever has no external backend
		local := memory.NewStore()

		st := &stores{Tasks: local, Sessions: local, History: local}
		switch {
		case c.Postgres != nil:
			st.Tasks = sqlstore.NewStore(c.Postgres.DB(), cfg.Store.TransitionTry)
		case c.SQLite != nil:
			st.Tasks = sqlstore.NewStore(c.SQLite.DB(), cfg.Store.TransitionTry)
		}
		if c.Scylla != nil {
			st.Sessions = scyllarepo.NewSessionStore(c.Scylla.Session(), cfg.Scylla.SessionTTL)
			st.History = scyllarepo.NewTransitionLog(c.Scylla.Session())
		}

		pubs := &publishers{Status: &historySink{history: st.History}}
		if c.Kafka != nil {
			status := queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic)
			pubs.Status = status
			pubs.Offers = queue.NewOfferPublisher(c.Kafka, cfg.Kafka.OfferTopic)
			pubs.CallEvents = queue.NewCallEventPublisher(c.Kafka, cfg.Kafka.CallEventTopic)
		}

		provs := &providers{}
		switch cfg.Telephony.Provider {
		case "mock":
			provs.Telephony = telephonymock.NewProvider(1.0, 20*time.Second)
		default:
			provs.Telephony = twilio.NewClient(cfg.Telephony, cfg.Dispatcher.RequestTimeout)
		}
		switch cfg.Synthesis.Provider {
		case "mock":
			provs.Synthesis = synthmock.NewBackend(cfg.Relay.FrameBytes, 50)
		default:
			provs.Synthesis = elevenlabs.NewClient(cfg.Synthesis)
		}

		rate := ratelimit.Config{RatePerMinute: cfg.Throttle.RatePerMinute, Burst: cfg.Throttle.Burst}
		lim := &limiters{
			Rate: ratelimit.NewTokenBucket(rate),
			Gate: concurrency.NewMemoryGate(),
		}
		if c.Redis != nil {
			lim.Rate = ratelimit.NewRedisBucket(c.Redis.Inner(), c.Redis.Prefix(), rate)
			lim.Gate = concurrency.NewRedisGate(c.Redis.Inner(), c.Redis.Prefix(), cfg.Dispatcher.SlotLeaseTTL)
		}

		c.components.stores = st
		c.components.pubs = pubs
		c.components.providers = provs
		c.components.limiters = lim
	})
}

func (c *Container) initRuntime() {
	c.components.runtimeOnce.Do(func() {
		cfg := c.Config
		st, pubs, provs, lim := c.Stores(), c.Publishers(), c.Providers(), c.Limiters()
		log := c.Logger

		manager := voice.NewManager(provs.Synthesis, st.Sessions, cfg.Relay, c.DefaultVoice(), log)
		d := dispatcher.New(dispatcher.Deps{
			Store:     st.Tasks,
			Telephony: provs.Telephony,
			Limiter:   lim.Rate,
			Gate:      lim.Gate,
			Sessions:  manager,
			Status:    pubs.Status,
			Logger:    log,
		}, cfg.Dispatcher, c.RetryPolicy())
		manager.SetLostHook(d.SessionLost)

		rt := &runtime{
			Dispatcher: d,
			Voice:      manager,
			Offers:     d,
			Events:     dispatcherEvents{d: d},
		}
		if pubs.Offers != nil {
			rt.Offers = pubs.Offers
			rt.Events = pubs.CallEvents
		}
		if mock, ok := provs.Telephony.(*telephonymock.Provider); ok {
			events := rt.Events
			mock.SetEventSink(func(ctx context.Context, ev domain.CallEvent) {
				if err := events.PublishCallEvent(ctx, ev); err != nil {
					log.Warn("mock call event", zap.String("call_id", ev.CallID), zap.Error(err))
				}
			})
		}

		rt.Calls = callsvc.NewService(st.Tasks, st.History, rt.Offers, d, callsvc.Defaults{
			RetryPolicy:       c.RetryPolicy(),
			Concurrency:       cfg.Throttle.DefaultConcurrency,
			DelayBetweenCalls: cfg.Throttle.DefaultDelayBetweenCalls,
			MaxCampaignSize:   cfg.Dispatcher.MaxCampaignSize,
			FromNumber:        cfg.Dispatcher.DefaultFromNumber,
		}, log)

		c.components.runtime = rt
	})
}

// Stores exposes initialized repositories.
func (c *Container) Stores() *stores {
	c.initComponents()
	return c.components.stores
}

// Publishers exposes Kafka publishers; Offers and CallEvents are nil without Kafka.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.pubs
}

// Providers exposes external vendors.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Limiters exposes the rate limiter and campaign gate.
func (c *Container) Limiters() *limiters {
	c.initComponents()
	return c.components.limiters
}

// Runtime starts the in-process dispatcher and session manager.
func (c *Container) Runtime() *runtime {
	c.initRuntime()
	return c.components.runtime
}

// Scheduler builds the sweep scheduler. Embedded schedulers share the
// process's dispatcher and session manager; a standalone one publishes offers
// to Kafka.
func (c *Container) Scheduler(embedded bool) (*scheduler.Scheduler, error) {
	deps := scheduler.Deps{
		Store:  c.Stores().Tasks,
		Status: c.Publishers().Status,
		Logger: c.Logger,
	}
	if embedded {
		rt := c.Runtime()
		deps.Offers = rt.Offers
		deps.Sessions = rt.Voice
	} else {
		if c.Publishers().Offers == nil {
			return nil, errors.New("scheduler: standalone mode needs kafka.enabled")
		}
		deps.Offers = c.Publishers().Offers
	}
	return scheduler.New(deps, c.Config.Scheduler, c.Config.Dispatcher.ClaimLease), nil
}

// RetryPolicy is the configured default retry policy.
func (c *Container) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxRetries: c.Config.Retry.MaxRetries,
		BaseDelay:  c.Config.Retry.BaseDelay,
		MaxDelay:   c.Config.Retry.MaxDelay,
		Jitter:     c.Config.Retry.Jitter,
	}
}

// DefaultVoice is the configured default synthesis voice.
func (c *Container) DefaultVoice() domain.VoiceConfig {
	s := c.Config.Synthesis
	return domain.VoiceConfig{
		VoiceID: s.DefaultVoiceID,
		Settings: domain.VoiceSettings{
			Stability:       s.Stability,
			SimilarityBoost: s.Similarity,
			Style:           s.Style,
			UseSpeakerBoost: s.SpeakerBoost,
		},
	}
}

// Health pings every connected backend and reports failures by name.
func (c *Container) Health(ctx context.Context) map[string]string {
	errs := make(map[string]string)
	if c.Postgres != nil {
		if err := c.Postgres.Ping(ctx); err != nil {
			errs["postgres"] = err.Error()
		}
	}
	if c.SQLite != nil {
		if err := c.SQLite.DB().PingContext(ctx); err != nil {
			errs["sqlite"] = err.Error()
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			errs["redis"] = err.Error()
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Ping(ctx); err != nil {
			errs["scylla"] = err.Error()
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Ping(ctx); err != nil {
			errs["kafka"] = err.Error()
		}
	}
	return errs
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if rt := c.components.runtime; rt != nil {
		rt.Dispatcher.Close()
		rt.Voice.Close(ctx)
	}
	if p := c.components.pubs; p != nil {
		if p.Offers != nil {
			if err := p.Offers.Close(); err != nil {
				errs = append(errs, fmt.Errorf("offer publisher close: %w", err))
			}
		}
		if p.CallEvents != nil {
			if err := p.CallEvents.Close(); err != nil {
				errs = append(errs, fmt.Errorf("call event publisher close: %w", err))
			}
		}
		if sp, ok := p.Status.(*queue.StatusPublisher); ok {
			if err := sp.Close(); err != nil {
				errs = append(errs, fmt.Errorf("status publisher close: %w", err))
			}
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.SQLite != nil {
		if err := c.SQLite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sqlite close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 12
	}
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), partitions, 1)
}

// historySink records transitions straight into the transition log when no
// status topic is configured.
type historySink struct {
	history repository.TransitionLog
}

func (s *historySink) PublishStatus(ctx context.Context, msg queue.StatusMessage) error {
	if err := s.history.AppendTransition(ctx, msg.TaskTransition); err != nil {
		return fmt.Errorf("history sink: %w", err)
	}
	return nil
}

// dispatcherEvents delivers call events in-process.
type dispatcherEvents struct {
	d *dispatcher.Dispatcher
}

func (e dispatcherEvents) PublishCallEvent(ctx context.Context, ev domain.CallEvent) error {
	return e.d.HandleCallEvent(ctx, ev)
}
