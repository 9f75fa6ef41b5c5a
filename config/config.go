package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database (optional, enables usage persistence)
	PostgresDSN string

	// Cache (optional, shares endpoint preferences and quotas across instances)
	RedisAddr string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Endpoint preference files live here when Redis is not configured.
	CacheDir string // default: ./logs/llm

	// Rate Limiting
	ModelQuotaPerMinute int // requests per model per minute, 0 disables

	BackendsFile string
	Default      LLMConfig
}

// LLMConfig describes one backend. It is read-only input to the factory.
type LLMConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Provider    string            `yaml:"provider" json:"provider"`
	APIKey      string            `yaml:"api_key" json:"api_key"`
	Model       string            `yaml:"model" json:"model"`
	MaxTokens   int               `yaml:"max_tokens" json:"max_tokens"`
	Temperature *float64          `yaml:"temperature" json:"temperature"`
	BaseURL     string            `yaml:"base_url" json:"base_url"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
	Streaming   bool              `yaml:"streaming" json:"streaming"`

	// Zero means unbounded.
	FirstTokenTimeoutMs int `yaml:"first_token_timeout_ms" json:"first_token_timeout_ms"`
	StallTimeoutMs      int `yaml:"stall_timeout_ms" json:"stall_timeout_ms"`
}

func (c LLMConfig) FirstTokenTimeout() time.Duration {
	return time.Duration(c.FirstTokenTimeoutMs) * time.Millisecond
}

func (c LLMConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMs) * time.Millisecond
}

type backendsFile struct {
	Backends []LLMConfig `yaml:"backends" json:"backends"`
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		CacheDir:             getEnv("LLM_CACHE_DIR", filepath.Join("logs", "llm")),
		BackendsFile:         os.Getenv("LLM_BACKENDS_FILE"),
	}

	quota, err := strconv.Atoi(getEnv("MODEL_QUOTA_PER_MINUTE", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid MODEL_QUOTA_PER_MINUTE: %w", err)
	}
	cfg.ModelQuotaPerMinute = quota

	def, err := defaultBackend()
	if err != nil {
		return nil, err
	}
	cfg.Default = def

	// Validation
	switch cfg.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return nil, fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q", cfg.OTELExporterType)
	}
	if cfg.ModelQuotaPerMinute < 0 {
		return nil, fmt.Errorf("MODEL_QUOTA_PER_MINUTE must not be negative")
	}

	return cfg, nil
}

// defaultBackend builds the "default" backend from LLM_* variables. An empty
// provider leaves the choice to the factory.
func defaultBackend() (LLMConfig, error) {
	c := LLMConfig{
		Name:     "default",
		Provider: os.Getenv("LLM_PROVIDER"),
		APIKey:   os.Getenv("LLM_API_KEY"),
		Model:    os.Getenv("LLM_MODEL"),
		BaseURL:  os.Getenv("LLM_BASE_URL"),
		Headers:  parseHeaders(os.Getenv("LLM_HEADERS")),
	}

	var err error
	if c.MaxTokens, err = strconv.Atoi(getEnv("LLM_MAX_TOKENS", "1024")); err != nil {
		return c, fmt.Errorf("invalid LLM_MAX_TOKENS: %w", err)
	}
	temp, err := strconv.ParseFloat(getEnv("LLM_TEMPERATURE", "0.7"), 64)
	if err != nil {
		return c, fmt.Errorf("invalid LLM_TEMPERATURE: %w", err)
	}
	c.Temperature = &temp
	if c.Streaming, err = strconv.ParseBool(getEnv("LLM_STREAMING", "true")); err != nil {
		return c, fmt.Errorf("invalid LLM_STREAMING: %w", err)
	}
	if c.FirstTokenTimeoutMs, err = strconv.Atoi(getEnv("LLM_FIRST_TOKEN_TIMEOUT_MS", "0")); err != nil {
		return c, fmt.Errorf("invalid LLM_FIRST_TOKEN_TIMEOUT_MS: %w", err)
	}
	if c.StallTimeoutMs, err = strconv.Atoi(getEnv("LLM_STALL_TIMEOUT_MS", "0")); err != nil {
		return c, fmt.Errorf("invalid LLM_STALL_TIMEOUT_MS: %w", err)
	}
	return c, nil
}

// parseHeaders reads "k=v,k2=v2". Malformed pairs are skipped.
func parseHeaders(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// LoadBackends reads named backends from a YAML file, or from JSON with
// comments when the extension is .json or .jsonc.
func LoadBackends(path string) ([]LLMConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backends: read %q: %w", path, err)
	}

	var f backendsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(b), &f); err != nil {
			return nil, fmt.Errorf("backends: unmarshal %q: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("backends: unmarshal %q: %w", path, err)
		}
	}

	seen := make(map[string]bool)
	for i, c := range f.Backends {
		if c.Name == "" {
			return nil, fmt.Errorf("backends: entry %d has no name", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("backends: duplicate name %q", c.Name)
		}
		if c.FirstTokenTimeoutMs < 0 || c.StallTimeoutMs < 0 {
			return nil, fmt.Errorf("backends: %q has a negative timeout", c.Name)
		}
		seen[c.Name] = true
	}
	return f.Backends, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
