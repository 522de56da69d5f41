// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server, storage,
// routing, broadcast and collaborator settings for the support backend.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the storage backend.
type DBConfig struct {
	Driver       string // sqlite|postgres
	Path         string // SQLite file
	DSN          string // PostgreSQL DSN
	MaxOpenConns int
}

// ChatConfig tunes session mutation, routing and the AI responder.
type ChatConfig struct {
	LockTimeout         time.Duration // bounded wait for a session lock
	AIThreshold         float64       // replies below suggest a human
	AIHistory           int           // messages handed to the responder
	KBPath              string        // knowledge base markdown
	MatchExclusive      bool          // claim operators with compare-and-swap
	OperatorIdleTimeout time.Duration // heartbeat silence before auto-unavailable
	SweepInterval       time.Duration
	MaxContentRunes     int
	Greeting            string // first SYSTEM message of a new session; empty disables
}

// BroadcastConfig sizes subscriber buffers and the optional Redis relay.
type BroadcastConfig struct {
	Buffer        int
	RedisAddr     string
	RedisPassword string
	RedisChannel  string
}

// KafkaConfig enables the Kafka notifier and ticket sink when Brokers is set.
type KafkaConfig struct {
	Brokers     []string
	NotifyTopic string
	TicketTopic string
}

// AttachmentConfig configures on-disk attachment storage. Empty Dir disables uploads.
type AttachmentConfig struct {
	Dir      string
	BaseURL  string
	MaxBytes int64
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	DB DBConfig

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS      CORSConfig
	Security  SecurityConfig
	JWTSecret string // HS256 key for operator tokens; empty accepts X-Operator-ID

	IdempotencyTTL time.Duration

	Chat        ChatConfig
	Broadcast   BroadcastConfig
	Kafka       KafkaConfig
	Attachments AttachmentConfig

	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver:       strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:         getenv("DB_PATH", "support.db"),
			DSN:          getenv("DB_DSN", ""),
			MaxOpenConns: getint("DB_MAX_OPEN_CONNS", 0),
		},

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},
		JWTSecret: getenv("JWT_SECRET", ""),

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Chat: ChatConfig{
			LockTimeout:         getdur("LOCK_TIMEOUT", 5*time.Second),
			AIThreshold:         getfloat("AI_CONFIDENCE_THRESHOLD", 0.35),
			AIHistory:           getint("AI_HISTORY", 10),
			KBPath:              getenv("KB_PATH", "data/knowledge.md"),
			MatchExclusive:      getbool("MATCH_EXCLUSIVE", false),
			OperatorIdleTimeout: getdur("OPERATOR_IDLE_TIMEOUT", 5*time.Minute),
			SweepInterval:       getdur("SWEEP_INTERVAL", time.Minute),
			MaxContentRunes:     getint("MAX_CONTENT_RUNES", 4000),
			Greeting:            strings.TrimSpace(os.Getenv("CHAT_GREETING")),
		},
		Broadcast: BroadcastConfig{
			Buffer:        getint("WS_BUFFER", 64),
			RedisAddr:     getenv("REDIS_ADDR", ""),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisChannel:  getenv("REDIS_CHANNEL", "support:events"),
		},
		Kafka: KafkaConfig{
			Brokers:     splitCSV(getenv("KAFKA_BROKERS", "")),
			NotifyTopic: getenv("KAFKA_NOTIFY_TOPIC", "support.notifications"),
			TicketTopic: getenv("KAFKA_TICKET_TOPIC", "support.tickets"),
		},
		Attachments: AttachmentConfig{
			Dir:      getenv("ATTACHMENT_DIR", ""),
			BaseURL:  strings.TrimRight(getenv("ATTACHMENT_BASE_URL", "/files"), "/"),
			MaxBytes: int64(getint("ATTACHMENT_MAX_BYTES", 10<<20)),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-support-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if cfg.DB.MaxOpenConns < 0 {
		return cfg, errors.New("DB_MAX_OPEN_CONNS must be >= 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Chat.LockTimeout <= 0 {
		return cfg, errors.New("LOCK_TIMEOUT must be > 0")
	}
	if cfg.Chat.AIThreshold < 0 || cfg.Chat.AIThreshold > 1 {
		return cfg, errors.New("AI_CONFIDENCE_THRESHOLD must be between 0 and 1")
	}
	if cfg.Chat.AIHistory < 0 {
		return cfg, errors.New("AI_HISTORY must be >= 0")
	}
	if cfg.Chat.OperatorIdleTimeout <= 0 || cfg.Chat.SweepInterval <= 0 {
		return cfg, errors.New("OPERATOR_IDLE_TIMEOUT and SWEEP_INTERVAL must be > 0")
	}
	if cfg.Chat.MaxContentRunes < 1 {
		return cfg, errors.New("MAX_CONTENT_RUNES must be >= 1")
	}
	if cfg.Broadcast.Buffer < 1 {
		return cfg, errors.New("WS_BUFFER must be >= 1")
	}
	if cfg.Attachments.MaxBytes <= 0 {
		return cfg, errors.New("ATTACHMENT_MAX_BYTES must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
