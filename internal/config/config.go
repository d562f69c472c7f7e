// Package config provides application configuration loaded from environment
// variables with defaults and validation. It covers the device engine (store
// backend, sync tuning, delivery transport) and the reference sink (server
// timeouts, database path, auth, rate limiting, observability).
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

// StoreConfig selects the device record store. The backend is fixed for the
// lifetime of the process.
type StoreConfig struct {
	Backend string // STORE_BACKEND: file|memory
	Path    string // STORE_PATH (file backend)
}

// SyncConfig tunes delivery passes.
type SyncConfig struct {
	MaxRetries      int           // SYNC_MAX_RETRIES (>= 1)
	BatchSize       int           // SYNC_BATCH_SIZE (0 = whole queue)
	Concurrency     int           // SYNC_CONCURRENCY (>= 1)
	DeliveryTimeout time.Duration // SYNC_DELIVERY_TIMEOUT
	Schedule        string        // SYNC_SCHEDULE, cron spec; empty disables
}

// RemoteConfig selects where records are delivered.
type RemoteConfig struct {
	Transport    string   // REMOTE_TRANSPORT: http|kafka|memory
	SinkURL      string   // SINK_URL (http)
	Token        string   // SINK_TOKEN, bearer token (http)
	KafkaBrokers []string // KAFKA_BROKERS (kafka)
	KafkaTopic   string   // KAFKA_TOPIC (kafka)
}

// JWTConfig configures bearer auth on the sink. An empty secret disables it.
type JWTConfig struct {
	Secret string        // JWT_SECRET
	Issuer string        // JWT_ISSUER
	TTL    time.Duration // JWT_TTL, lifetime of minted tokens
}

// Config holds all configuration values for the device agent and the sink.
type Config struct {
	// Server (sink)
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap
	GinMode           string        // debug|release|test
	APIBasePath       string        // base path for API routes
	SinkDBPath        string        // SINK_DB_PATH, SQLite file of the sink

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Device engine
	Store  StoreConfig
	Sync   SyncConfig
	Remote RemoteConfig

	// Rate limiting (sink, per owner)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig
	JWT      JWTConfig

	// Observability
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
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 1<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		SinkDBPath:        getenv("SINK_DB_PATH", "sink.db"),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Device engine
		Store: StoreConfig{
			Backend: strings.ToLower(getenv("STORE_BACKEND", "file")),
			Path:    getenv("STORE_PATH", "outbox.db"),
		},
		Sync: SyncConfig{
			MaxRetries:      getint("SYNC_MAX_RETRIES", 5),
			BatchSize:       getint("SYNC_BATCH_SIZE", 0),
			Concurrency:     getint("SYNC_CONCURRENCY", 1),
			DeliveryTimeout: getdur("SYNC_DELIVERY_TIMEOUT", 15*time.Second),
			Schedule:        strings.TrimSpace(getenv("SYNC_SCHEDULE", "")),
		},
		Remote: RemoteConfig{
			Transport:    strings.ToLower(getenv("REMOTE_TRANSPORT", "http")),
			SinkURL:      getenv("SINK_URL", "http://localhost:8080"),
			Token:        getenv("SINK_TOKEN", ""),
			KafkaBrokers: splitCSV(getenv("KAFKA_BROKERS", "")),
			KafkaTopic:   getenv("KAFKA_TOPIC", "physio.records"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},
		JWT: JWTConfig{
			Secret: getenv("JWT_SECRET", ""),
			Issuer: getenv("JWT_ISSUER", "physiosync"),
			TTL:    getdur("JWT_TTL", 24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "physiosync"),
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
	if cfg.MaxHeaderBytes <= 0 || cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES and MAX_BODY_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.SinkDBPath) == "" {
		return cfg, errors.New("SINK_DB_PATH must not be empty")
	}

	switch cfg.Store.Backend {
	case "file":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return cfg, errors.New("STORE_PATH must not be empty for the file backend")
		}
	case "memory":
	default:
		return cfg, errors.New("STORE_BACKEND must be one of: file, memory")
	}

	if cfg.Sync.MaxRetries < 1 {
		return cfg, errors.New("SYNC_MAX_RETRIES must be >= 1")
	}
	if cfg.Sync.BatchSize < 0 {
		return cfg, errors.New("SYNC_BATCH_SIZE must be >= 0")
	}
	if cfg.Sync.Concurrency < 1 {
		return cfg, errors.New("SYNC_CONCURRENCY must be >= 1")
	}
	if cfg.Sync.DeliveryTimeout <= 0 {
		return cfg, errors.New("SYNC_DELIVERY_TIMEOUT must be > 0")
	}

	switch cfg.Remote.Transport {
	case "http":
		if strings.TrimSpace(cfg.Remote.SinkURL) == "" {
			return cfg, errors.New("SINK_URL must not be empty for the http transport")
		}
	case "kafka":
		if len(cfg.Remote.KafkaBrokers) == 0 || strings.TrimSpace(cfg.Remote.KafkaTopic) == "" {
			return cfg, errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required for the kafka transport")
		}
	case "memory":
	default:
		return cfg, errors.New("REMOTE_TRANSPORT must be one of: http, kafka, memory")
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
	if cfg.JWT.TTL <= 0 {
		return cfg, errors.New("JWT_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

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
		t := strings.TrimSpace(p)
		if t != "" {
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
