package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the OSP reference server.
type Config struct {
	Port    int
	Version string

	// AdminKey guards the /admin endpoints. Empty disables them.
	AdminKey string

	// SignatureEnforce selects "strict" (missing or bad signatures are
	// rejected with 401) or "soft" (logged and admitted). Strict is the
	// default; soft exists for local development and tests.
	SignatureEnforce string

	// CORSOrigins is the allowed origin list for browser clients.
	CORSOrigins []string

	RateLimit  RateLimitConfig
	Monitor    MonitorConfig
	Embeddings EmbeddingsConfig
	Telemetry  TelemetryConfig
}

type RateLimitConfig struct {
	// RequestsPerWindow per client IP.
	RequestsPerWindow int
	Window            time.Duration
}

type MonitorConfig struct {
	// Enabled starts the auto-degradation vitals monitor.
	Enabled  bool
	Interval time.Duration
}

type EmbeddingsConfig struct {
	// Driver is "openai", "ollama" or "" (semantic rerank disabled).
	Driver string

	OpenAIAPIKey string
	OpenAIModel  string

	OllamaEndpoint string
	OllamaModel    string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:             envInt("OSP_PORT", 8000),
		Version:          envStr("OSP_VERSION", "1.0.0"),
		AdminKey:         envStr("OSP_ADMIN_KEY", ""),
		SignatureEnforce: envStr("OSP_SIGNATURE_ENFORCE", "strict"),
		CORSOrigins:      splitCSV(envStr("OSP_CORS_ORIGINS", "*")),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: envInt("OSP_RATE_LIMIT", 100),
			Window:            envDuration("OSP_RATE_LIMIT_WINDOW", time.Minute),
		},
		Monitor: MonitorConfig{
			Enabled:  envBool("OSP_MONITOR_ENABLED", true),
			Interval: envDuration("OSP_MONITOR_INTERVAL", 5*time.Second),
		},
		Embeddings: EmbeddingsConfig{
			Driver:         envStr("OSP_EMBEDDINGS_DRIVER", ""),
			OpenAIAPIKey:   envStr("OPENAI_API_KEY", ""),
			OpenAIModel:    envStr("OSP_OPENAI_EMBED_MODEL", "text-embedding-3-small"),
			OllamaEndpoint: envStr("OSP_OLLAMA_ENDPOINT", "http://localhost:11434"),
			OllamaModel:    envStr("OSP_OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "osp-server"),
		},
	}
}

// StrictSignatures reports whether signature enforcement is strict.
func (c *Config) StrictSignatures() bool {
	return c.SignatureEnforce != "soft"
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
