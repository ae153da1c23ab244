package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Media      MediaConfig      `mapstructure:"media"`
	Store      StoreConfig      `mapstructure:"store"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Telephony  TelephonyConfig  `mapstructure:"telephony"`
	Synthesis  SynthesisConfig  `mapstructure:"synthesis"`
	Relay      RelayConfig      `mapstructure:"relay"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MediaConfig configures the websocket listener the telephony vendor streams audio to.
type MediaConfig struct {
	Port      int    `mapstructure:"port"`
	PublicURL string `mapstructure:"public_url"`
}

// StoreConfig selects the TaskStatusStore backend: postgres, sqlite or memory.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
	TransitionTry int    `mapstructure:"transition_tries"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type ScyllaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Replication int           `mapstructure:"replication_factor"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
}

type KafkaConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	OfferTopic      string        `mapstructure:"offer_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	CallEventTopic  string        `mapstructure:"call_event_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatcherConfig tunes the per-campaign dispatch lanes.
type DispatcherConfig struct {
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	SlotPollInterval  time.Duration `mapstructure:"slot_poll_interval"`
	ClaimLease        time.Duration `mapstructure:"claim_lease"`
	WindowRecheck     time.Duration `mapstructure:"window_recheck"`
	LaneIdleTimeout   time.Duration `mapstructure:"lane_idle_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	DefaultFromNumber string        `mapstructure:"default_from_number"`
	WebhookBaseURL    string        `mapstructure:"webhook_base_url"`
	MaxCampaignSize   int           `mapstructure:"max_campaign_size"`
	SlotLeaseTTL      time.Duration `mapstructure:"slot_lease_ttl"`
}

type SchedulerConfig struct {
	Embedded      bool          `mapstructure:"embedded"`
	SweepSpec     string        `mapstructure:"sweep_spec"`
	CleanupSpec   string        `mapstructure:"cleanup_spec"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	SessionMaxAge time.Duration `mapstructure:"session_max_age"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     float64       `mapstructure:"jitter"`
}

type ThrottleConfig struct {
	RatePerMinute            float64       `mapstructure:"rate_per_minute"`
	Burst                    int           `mapstructure:"burst"`
	DefaultConcurrency       int           `mapstructure:"default_concurrency"`
	DefaultDelayBetweenCalls time.Duration `mapstructure:"default_delay_between_calls"`
}

type TelephonyConfig struct {
	Provider   string `mapstructure:"provider"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	BaseURL    string `mapstructure:"base_url"`
}

type SynthesisConfig struct {
	Provider       string        `mapstructure:"provider"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	ModelID        string        `mapstructure:"model_id"`
	OutputFormat   string        `mapstructure:"output_format"`
	DefaultVoiceID string        `mapstructure:"default_voice_id"`
	Stability      float64       `mapstructure:"stability"`
	Similarity     float64       `mapstructure:"similarity_boost"`
	Style          float64       `mapstructure:"style"`
	SpeakerBoost   bool          `mapstructure:"use_speaker_boost"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type RelayConfig struct {
	FrameBytes         int           `mapstructure:"frame_bytes"`
	HighWater          int           `mapstructure:"high_water"`
	LowWater           int           `mapstructure:"low_water"`
	ReconnectBuffer    int           `mapstructure:"reconnect_buffer"`
	ReconnectTimeout   time.Duration `mapstructure:"reconnect_timeout"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	BridgeRetryTimeout time.Duration `mapstructure:"bridge_retry_timeout"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := new(Config)
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "voice-dispatch")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("media.port", 8081)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("store.transition_tries", 5)
	v.SetDefault("sqlite.path", "voice-dispatch.db")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)
	v.SetDefault("scylla.session_ttl", 48*time.Hour)
	v.SetDefault("scylla.keyspace", "voice_dispatch")
	v.SetDefault("scylla.replication_factor", 1)

	v.SetDefault("kafka.client_id", "voice-dispatch")
	v.SetDefault("kafka.offer_topic", "call-offers")
	v.SetDefault("kafka.status_topic", "task-status")
	v.SetDefault("kafka.call_event_topic", "call-events")
	v.SetDefault("kafka.consumer_group_id", "voice-dispatch")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 12)

	v.SetDefault("redis.key_prefix", "voice")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)

	v.SetDefault("dispatcher.acquire_timeout", 5*time.Second)
	v.SetDefault("dispatcher.slot_poll_interval", 250*time.Millisecond)
	v.SetDefault("dispatcher.claim_lease", 5*time.Minute)
	v.SetDefault("dispatcher.window_recheck", time.Minute)
	v.SetDefault("dispatcher.lane_idle_timeout", time.Minute)
	v.SetDefault("dispatcher.request_timeout", 15*time.Second)
	v.SetDefault("dispatcher.max_campaign_size", 1000)
	v.SetDefault("dispatcher.slot_lease_ttl", 2*time.Hour)

	v.SetDefault("scheduler.embedded", true)
	v.SetDefault("scheduler.sweep_spec", "@every 1m")
	v.SetDefault("scheduler.cleanup_spec", "0 3 * * *")
	v.SetDefault("scheduler.stale_after", 2*time.Minute)
	v.SetDefault("scheduler.max_batch_size", 200)
	v.SetDefault("scheduler.session_max_age", 24*time.Hour)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 5*time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("throttle.rate_per_minute", 30)
	v.SetDefault("throttle.burst", 1)
	v.SetDefault("throttle.default_concurrency", 10)
	v.SetDefault("throttle.default_delay_between_calls", 5*time.Second)

	v.SetDefault("telephony.provider", "twilio")
	v.SetDefault("telephony.base_url", "https://api.twilio.com")

	v.SetDefault("synthesis.provider", "elevenlabs")
	v.SetDefault("synthesis.base_url", "https://api.elevenlabs.io")
	v.SetDefault("synthesis.stream_url", "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input")
	v.SetDefault("synthesis.model_id", "eleven_flash_v2_5")
	v.SetDefault("synthesis.output_format", "ulaw_8000")
	v.SetDefault("synthesis.default_voice_id", "IKne3meq5aSn9XLyUdCD")
	v.SetDefault("synthesis.stability", 0.5)
	v.SetDefault("synthesis.similarity_boost", 0.75)
	v.SetDefault("synthesis.style", 0.0)
	v.SetDefault("synthesis.use_speaker_boost", true)
	v.SetDefault("synthesis.request_timeout", 10*time.Second)

	v.SetDefault("relay.frame_bytes", 160)
	v.SetDefault("relay.high_water", 100)
	v.SetDefault("relay.low_water", 25)
	v.SetDefault("relay.reconnect_buffer", 250)
	v.SetDefault("relay.reconnect_timeout", 10*time.Second)
	v.SetDefault("relay.drain_timeout", 5*time.Second)
	v.SetDefault("relay.bridge_retry_timeout", 3*time.Second)
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
