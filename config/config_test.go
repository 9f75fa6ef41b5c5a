package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("LLM_HEADERS", "X-Team=core, X-Trace = abc ,broken")
	t.Setenv("LLM_STALL_TIMEOUT_MS", "1500")
	t.Setenv("OTEL_EXPORTER_TYPE", "none")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Default.MaxTokens != 1024 || cfg.Default.Temperature == nil || *cfg.Default.Temperature != 0.7 {
		t.Errorf("Unexpected defaults: %+v", cfg.Default)
	}
	if !cfg.Default.Streaming {
		t.Error("Expected streaming enabled by default")
	}
	if cfg.Default.FirstTokenTimeout() != 0 || cfg.Default.StallTimeout() != 1500*time.Millisecond {
		t.Errorf("Unexpected timeouts: %s %s", cfg.Default.FirstTokenTimeout(), cfg.Default.StallTimeout())
	}
	if len(cfg.Default.Headers) != 2 || cfg.Default.Headers["X-Trace"] != "abc" {
		t.Errorf("Unexpected headers: %v", cfg.Default.Headers)
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("LLM_MAX_TOKENS", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid LLM_MAX_TOKENS")
	}
}

func TestLoad_InvalidExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_TYPE", "zipkin")
	if _, err := Load(); err == nil {
		t.Fatal("Expected error for unknown exporter")
	}
}

func TestLoadBackends_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	content := `
backends:
  - name: fast
    provider: openai
    model: gpt-4o-mini
    first_token_timeout_ms: 2000
    headers:
      X-Team: core
  - name: careful
    provider: anthropic
    model: claude-3-5-sonnet-20241022
    temperature: 0.2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	backends, err := LoadBackends(path)
	if err != nil {
		t.Fatalf("LoadBackends failed: %v", err)
	}
	if len(backends) != 2 {
		t.Fatalf("Expected 2 backends, got %d", len(backends))
	}
	if backends[0].FirstTokenTimeout() != 2*time.Second || backends[0].Headers["X-Team"] != "core" {
		t.Errorf("Unexpected first backend: %+v", backends[0])
	}
	if backends[1].Temperature == nil || *backends[1].Temperature != 0.2 {
		t.Errorf("Unexpected temperature: %v", backends[1].Temperature)
	}
}

func TestLoadBackends_JSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.jsonc")
	content := `{
  // local testing
  "backends": [
    {"name": "mock", "provider": "mock", "stall_timeout_ms": 50,},
  ],
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	backends, err := LoadBackends(path)
	if err != nil {
		t.Fatalf("LoadBackends failed: %v", err)
	}
	if len(backends) != 1 || backends[0].Provider != "mock" || backends[0].StallTimeoutMs != 50 {
		t.Errorf("Unexpected backends: %+v", backends)
	}
}

func TestLoadBackends_Duplicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	content := "backends:\n  - name: a\n    provider: mock\n  - name: a\n    provider: mock\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBackends(path); err == nil {
		t.Fatal("Expected duplicate name error")
	}
}

func TestLoadBackends_Missing(t *testing.T) {
	if _, err := LoadBackends(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected read error")
	}
}
