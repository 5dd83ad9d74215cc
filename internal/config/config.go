package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	JWTSecret              string
	IdempotencyTTL         time.Duration
	NonceTTL               time.Duration
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	DockerHost             string
	SandboxTimeout         time.Duration
	SandboxMemoryMB        int
	SandboxCPUShares       int
	SandboxImages          map[string]string
	OpenAIAPIKey           string
	OpenAIModel            string
	WorkerPollInterval     time.Duration
	WorkerMaxAttempts      int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// IsProduction reports whether the service runs in a production environment.
// Guard stores fail closed in production and degrade to in-process fallbacks
// elsewhere.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("EXAMIND")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Examind API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("idempotency.ttl", "1h")
	v.SetDefault("nonce.ttl", "6h")
	v.SetDefault("cloudinary.folder", "examind/attachments")
	v.SetDefault("sandbox.timeout_ms", 30000)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpu_shares", 512)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.max_attempts", 3)

	idempotencyTTL, err := parseDuration(v.GetString("idempotency.ttl"), "idempotency ttl")
	if err != nil {
		return Config{}, err
	}
	nonceTTL, err := parseDuration(v.GetString("nonce.ttl"), "nonce ttl")
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := parseDuration(v.GetString("worker.poll_interval"), "worker poll interval")
	if err != nil {
		return Config{}, err
	}

	timeoutMs := v.GetInt("sandbox.timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		IdempotencyTTL:         idempotencyTTL,
		NonceTTL:               nonceTTL,
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		DockerHost:             v.GetString("docker_host"),
		SandboxTimeout:         time.Duration(timeoutMs) * time.Millisecond,
		SandboxMemoryMB:        v.GetInt("sandbox.memory_mb"),
		SandboxCPUShares:       v.GetInt("sandbox.cpu_shares"),
		SandboxImages:          sandboxImages(v.GetString("sandbox.images")),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		OpenAIModel:            v.GetString("openai.model"),
		WorkerPollInterval:     pollInterval,
		WorkerMaxAttempts:      v.GetInt("worker.max_attempts"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.SandboxMemoryMB <= 0 {
		cfg.SandboxMemoryMB = 256
	}
	if cfg.SandboxCPUShares <= 0 {
		cfg.SandboxCPUShares = 512
	}
	if cfg.WorkerMaxAttempts <= 0 {
		cfg.WorkerMaxAttempts = 3
	}

	return cfg, nil
}

func parseDuration(raw, name string) (time.Duration, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s must not be empty", name)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// sandboxImages parses a "language=image,language=image" mapping. An empty
// value yields the built-in defaults.
func sandboxImages(raw string) map[string]string {
	images := map[string]string{
		"python":     "python:3.12-alpine",
		"javascript": "node:20-alpine",
		"go":         "golang:1.24-alpine",
		"sh":         "alpine:3.20",
	}

	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		images[strings.ToLower(parts[0])] = parts[1]
	}

	return images
}
