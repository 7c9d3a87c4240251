// Package config loads gateway configuration. The process environment is
// read exactly once, at Load; call sites never consult it again.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sentire-labs/trustgate/pkg/sandbox"
)

// Config holds gateway configuration.
type Config struct {
	Env         sandbox.Env
	LogLevel    string
	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTLPEndpoint     string
	TelemetryEnabled bool

	SandboxEnabled    bool
	SandboxFailClosed bool
	FallbackDirect    bool
	DockerImage       string
	SandboxTimeout    time.Duration

	ArtifactsDir string
	S3Bucket     string
	S3Prefix     string

	ListenAddr     string
	ApprovalSecret string
	LLMProvider    string
	LLMModel       string
	LLMAPIKey      string
	LLMBaseURL     string
}

// Load reads the environment into a Config.
func Load() *Config {
	cfg := &Config{
		Env:               sandbox.Env(envOr("APP_ENV", "development")),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("TRUSTGATE_DATABASE_URL"),
		SQLitePath:        envOr("TRUSTGATE_SQLITE_PATH", "trustgate.db"),
		RedisAddr:         os.Getenv("TRUSTGATE_REDIS_ADDR"),
		RedisPassword:     os.Getenv("TRUSTGATE_REDIS_PASSWORD"),
		RedisDB:           envInt("TRUSTGATE_REDIS_DB", 0),
		OTLPEndpoint:      envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled:  envBool("TELEMETRY_ENABLED", false),
		SandboxEnabled:    envBool("SANDBOX_ENABLED", true),
		SandboxFailClosed: envBool("SANDBOX_FAIL_CLOSED", false),
		FallbackDirect:    envBool("SANDBOX_FALLBACK_DIRECT", false),
		DockerImage:       envOr("SANDBOX_IMAGE", sandbox.DefaultImage),
		SandboxTimeout:    time.Duration(envInt("SANDBOX_TIMEOUT_SECONDS", 60)) * time.Second,
		ArtifactsDir:      envOr("ARTIFACTS_DIR", "artifacts"),
		S3Bucket:          os.Getenv("ARTIFACTS_S3_BUCKET"),
		S3Prefix:          envOr("ARTIFACTS_S3_PREFIX", "trustgate"),
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		ApprovalSecret:    os.Getenv("APPROVAL_TOKEN_HS256"),
		LLMProvider:       envOr("LLM_PROVIDER", "openai"),
		LLMModel:          envOr("LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:         os.Getenv("LLM_API_KEY"),
		LLMBaseURL:        os.Getenv("LLM_BASE_URL"),
	}
	return cfg
}

// SandboxConfig derives the sandbox configuration.
func (c *Config) SandboxConfig() sandbox.Config {
	return sandbox.Config{
		Env:            c.Env,
		Enabled:        c.SandboxEnabled,
		FailClosed:     c.SandboxFailClosed,
		FallbackDirect: c.FallbackDirect,
		DockerImage:    c.DockerImage,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
