package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/lukasbauer/captionstream/internal/session"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	SentryDSN   string
	LogLevel    string

	// Inference providers
	DeepgramAPIKey    string
	DeepgramModel     string
	STTEndpointingMs  int // Deepgram endpointing in ms (silence threshold)
	STTUtteranceEndMs int // Hard timeout after last speech, regardless of noise
	OpenAIAPIKey      string
	TranslationModel  string
	DefaultLanguage   string

	// Session limits
	HeartbeatInterval          time.Duration
	HeartbeatTimeoutMultiplier int
	MaxInFlight                int
	MaxMessageBytes            int
	ResumeWindow               time.Duration
	ReplayCapacity             int // 0 means 4x max in flight
	DebounceHz                 float64
	HandshakeTimeout           time.Duration
	DrainTimeout               time.Duration

	// Resume tokens
	ResumeTokenSecret string
	ResumeTokenTTL    time.Duration

	// Diagnostics access
	AdminJWTSecret string
	AllowedOrigins []string

	// Operations
	DiscordWebhookURL string
	AuditRetention    time.Duration // 0 keeps audit events forever
	TelemetryExporter string        // "stdout" or "none"
	TelemetryInterval time.Duration
}

// fileConfig is the TOML layout of CONFIG_FILE. Durations are plain numbers
// so the file reads the same as the environment.
type fileConfig struct {
	HTTPAddr                   string   `toml:"http_addr"`
	DatabaseURL                string   `toml:"database_url"`
	SentryDSN                  string   `toml:"sentry_dsn"`
	LogLevel                   string   `toml:"log_level"`
	DeepgramAPIKey             string   `toml:"deepgram_api_key"`
	DeepgramModel              string   `toml:"deepgram_model"`
	STTEndpointingMs           int      `toml:"stt_endpointing_ms"`
	STTUtteranceEndMs          int      `toml:"stt_utterance_end_ms"`
	OpenAIAPIKey               string   `toml:"openai_api_key"`
	TranslationModel           string   `toml:"translation_model"`
	DefaultLanguage            string   `toml:"default_language"`
	HeartbeatIntervalMs        int      `toml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMultiplier int      `toml:"heartbeat_timeout_multiplier"`
	MaxInFlight                int      `toml:"max_in_flight"`
	MaxMessageBytes            int      `toml:"max_message_bytes"`
	ResumeWindowSec            int      `toml:"resume_window_sec"`
	ReplayCapacity             int      `toml:"replay_capacity"`
	DebounceHz                 float64  `toml:"debounce_hz"`
	HandshakeTimeout           string   `toml:"handshake_timeout"`
	DrainTimeout               string   `toml:"drain_timeout"`
	ResumeTokenSecret          string   `toml:"resume_token_secret"`
	ResumeTokenTTL             string   `toml:"resume_token_ttl"`
	AdminJWTSecret             string   `toml:"admin_jwt_secret"`
	AllowedOrigins             []string `toml:"allowed_origins"`
	DiscordWebhookURL          string   `toml:"discord_webhook_url"`
	AuditRetention             string   `toml:"audit_retention"`
	TelemetryExporter          string   `toml:"telemetry_exporter"`
	TelemetryInterval          string   `toml:"telemetry_interval"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		HTTPAddr:                   ":8080",
		LogLevel:                   "info",
		DeepgramModel:              "nova-3",
		STTEndpointingMs:           300,
		STTUtteranceEndMs:          1000,
		TranslationModel:           "gpt-4o-mini",
		DefaultLanguage:            "en",
		HeartbeatIntervalMs:        10000,
		HeartbeatTimeoutMultiplier: 3,
		MaxInFlight:                64,
		MaxMessageBytes:            65536,
		ResumeWindowSec:            300,
		DebounceHz:                 5,
		HandshakeTimeout:           "10s",
		DrainTimeout:               "5s",
		ResumeTokenTTL:             "24h",
		AuditRetention:             "720h",
		TelemetryExporter:          "stdout",
		TelemetryInterval:          "60s",
	}
}

// LoadConfig reads CONFIG_FILE when set and applies environment overrides
// on top. Environment variables always win.
func LoadConfig() (Config, error) {
	fc := defaultFileConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := readConfigFile(path, &fc); err != nil {
			return Config{}, err
		}
	}
	return fromEnv(fc), nil
}

// LoadConfigFromEnv uses built-in defaults and the environment only.
func LoadConfigFromEnv() Config {
	return fromEnv(defaultFileConfig())
}

func readConfigFile(path string, fc *fileConfig) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func fromEnv(fc fileConfig) Config {
	allowed := fc.AllowedOrigins
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		allowed = parseList(v)
	}

	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", fc.HTTPAddr),
		DatabaseURL: getenv("DATABASE_URL", fc.DatabaseURL),
		SentryDSN:   getenv("SENTRY_DSN", fc.SentryDSN),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", fc.LogLevel)),

		// Inference providers
		DeepgramAPIKey:    getenv("DEEPGRAM_API_KEY", fc.DeepgramAPIKey),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", fc.DeepgramModel),
		STTEndpointingMs:  getenvIntClamped("STT_ENDPOINTING_MS", fc.STTEndpointingMs, 10, 5000),
		STTUtteranceEndMs: getenvIntClamped("STT_UTTERANCE_END_MS", fc.STTUtteranceEndMs, 0, 5000),
		OpenAIAPIKey:      getenv("OPENAI_API_KEY", fc.OpenAIAPIKey),
		TranslationModel:  getenv("TRANSLATION_MODEL", fc.TranslationModel),
		DefaultLanguage:   getenv("DEFAULT_LANGUAGE", fc.DefaultLanguage),

		// Session limits
		HeartbeatInterval:          time.Duration(getenvIntClamped("HEARTBEAT_INTERVAL_MS", fc.HeartbeatIntervalMs, 1000, 60000)) * time.Millisecond,
		HeartbeatTimeoutMultiplier: getenvIntClamped("HEARTBEAT_TIMEOUT_MULTIPLIER", fc.HeartbeatTimeoutMultiplier, 2, 10),
		MaxInFlight:                getenvIntClamped("MAX_IN_FLIGHT", fc.MaxInFlight, 1, 4096),
		MaxMessageBytes:            getenvIntClamped("MAX_MESSAGE_BYTES", fc.MaxMessageBytes, 1024, 1<<20),
		ResumeWindow:               time.Duration(getenvIntClamped("RESUME_WINDOW_SEC", fc.ResumeWindowSec, 0, 3600)) * time.Second,
		ReplayCapacity:             getenvIntClamped("REPLAY_CAPACITY", fc.ReplayCapacity, 0, 1<<16),
		DebounceHz:                 getenvFloatClamped("DEBOUNCE_HZ", fc.DebounceHz, 1, 20),
		HandshakeTimeout:           getenvDuration("HANDSHAKE_TIMEOUT", parseDurationOr(fc.HandshakeTimeout, 10*time.Second)),
		DrainTimeout:               getenvDuration("DRAIN_TIMEOUT", parseDurationOr(fc.DrainTimeout, 5*time.Second)),

		// Resume tokens
		ResumeTokenSecret: getenv("RESUME_TOKEN_SECRET", fc.ResumeTokenSecret),
		ResumeTokenTTL:    getenvDuration("RESUME_TOKEN_TTL", parseDurationOr(fc.ResumeTokenTTL, 24*time.Hour)),

		// Diagnostics access
		AdminJWTSecret: getenv("ADMIN_JWT_SECRET", fc.AdminJWTSecret),
		AllowedOrigins: allowed,

		// Operations
		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", fc.DiscordWebhookURL),
		AuditRetention:    auditRetention(getenv("AUDIT_RETENTION", fc.AuditRetention)),
		TelemetryExporter: strings.ToLower(getenv("TELEMETRY_EXPORTER", fc.TelemetryExporter)),
		TelemetryInterval: getenvDuration("TELEMETRY_INTERVAL", parseDurationOr(fc.TelemetryInterval, time.Minute)),
	}
}

// Debug reports whether per-message logging is enabled.
func (c Config) Debug() bool {
	return c.LogLevel == "debug"
}

// SessionConfig derives the per-session limits.
func (c Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.HeartbeatTimeout = time.Duration(c.HeartbeatTimeoutMultiplier) * c.HeartbeatInterval
	cfg.MaxInFlight = c.MaxInFlight
	cfg.MaxMessageBytes = c.MaxMessageBytes
	cfg.ResumeWindow = c.ResumeWindow
	cfg.ReplayCapacity = c.ReplayCapacity
	cfg.DebounceHz = c.DebounceHz
	cfg.HandshakeTimeout = c.HandshakeTimeout
	cfg.DrainTimeout = c.DrainTimeout
	cfg.DefaultLanguage = c.DefaultLanguage
	return cfg
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses k as an int within [min, max]. Unparseable values
// fall back to def.
func getenvIntClamped(k string, def, min, max int) int {
	v := def
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			v = n
		}
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := def
	if s := os.Getenv(k); s != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			v = f
		}
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// getenvDuration accepts Go durations ("750ms", "2m") or plain seconds.
func getenvDuration(k string, def time.Duration) time.Duration {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return parseDurationOr(s, def)
}

// auditRetention accepts a duration, or "0"/"off" to keep events forever.
func auditRetention(s string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "off":
		return 0
	}
	return parseDurationOr(s, 30*24*time.Hour)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
