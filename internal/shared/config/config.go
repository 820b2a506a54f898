package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"deckcheck/internal/shared/telemetry"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	CORSAllowOrigin []string
	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string
	DatabaseURL     string
	DBMaxOpenConns  int
	DBConnAttempts  int
	DBPingTimeout   time.Duration
	LLMProvider     string
	LLMModel        string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GeminiAPIKey    string
	LLMTimeout      time.Duration
	QuartoBin       string
	WorkDir         string
	RenderTimeout   time.Duration
	PromptFile      string
	PipelineWorkers int
	NotifySQSURL    string
	LogLevel        string
	MaxUploadBytes  int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		telemetry.Warn("config.missing", map[string]any{"key": "DATABASE_URL", "env": env})
	}

	provider := normalizeProvider(getEnv("LLM_PROVIDER", "openai"))
	return Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),
		DatabaseURL:     dbURL,
		DBMaxOpenConns:  getInt("DB_MAX_OPEN_CONNS", 10),
		DBConnAttempts:  getInt("DB_CONNECT_ATTEMPTS", 5),
		DBPingTimeout:   getDuration("DB_PING_TIMEOUT", 5*time.Second),
		LLMProvider:     provider,
		LLMModel:        getEnv("LLM_MODEL", defaultModel(provider)),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		LLMTimeout:      time.Duration(getInt("LLM_TIMEOUT_SECONDS", 120)) * time.Second,
		QuartoBin:       getEnv("QUARTO_BIN", "quarto"),
		WorkDir:         getEnv("WORK_DIR", ""),
		RenderTimeout:   getDuration("RENDER_TIMEOUT", 2*time.Minute),
		PromptFile:      getEnv("PROMPT_FILE", ""),
		PipelineWorkers: getInt("PIPELINE_WORKERS", 2),
		NotifySQSURL:    getEnv("NOTIFY_SQS_QUEUE_URL", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		MaxUploadBytes:  int64(getInt("MAX_UPLOAD_BYTES", 10<<20)),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		telemetry.Warn("config.invalid", map[string]any{"key": key, "value": raw})
		return def
	}
	return v
}

// getDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	telemetry.Warn("config.invalid", map[string]any{"key": key, "value": raw})
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeProvider(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gemini", "google":
		return "gemini"
	default:
		return "openai"
	}
}

func defaultModel(provider string) string {
	if provider == "gemini" {
		return "gemini-2.0-flash"
	}
	return "gpt-4o"
}
