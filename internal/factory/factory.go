// Package factory builds providers from configuration. A Factory owns the
// state shared by every adapter it builds: the rate limiter and one endpoint
// preference cache per backend family.
package factory

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llmclient/config"
	"github.com/vnmchuo/llmclient/internal/prefcache"
	"github.com/vnmchuo/llmclient/internal/provider"
	"github.com/vnmchuo/llmclient/internal/provider/claude"
	"github.com/vnmchuo/llmclient/internal/provider/gemini"
	"github.com/vnmchuo/llmclient/internal/provider/mock"
	"github.com/vnmchuo/llmclient/internal/provider/openai"
	"github.com/vnmchuo/llmclient/internal/telemetry"
	"github.com/vnmchuo/llmclient/pkg/ratelimit"
)

const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderMock       = "mock"
)

// credentialEnv names the environment variable each provider falls back to.
var credentialEnv = map[string]string{
	ProviderOpenAI:     "OPENAI_API_KEY",
	ProviderOpenRouter: "OPENROUTER_API_KEY",
	ProviderAnthropic:  "ANTHROPIC_API_KEY",
	ProviderGemini:     "GEMINI_API_KEY",
}

// defaultOrder is the preference used when no provider is pinned.
var defaultOrder = []string{ProviderOpenRouter, ProviderOpenAI, ProviderAnthropic, ProviderGemini}

var defaultModels = map[string]string{
	ProviderOpenAI:     "gpt-4o-mini",
	ProviderOpenRouter: "openai/gpt-4o-mini",
	ProviderAnthropic:  "claude-3-5-sonnet-20241022",
	ProviderGemini:     "gemini-2.0-flash",
	ProviderMock:       "mock-1",
}

type Factory struct {
	limiter    provider.RateLimiter
	httpClient *http.Client
	tracer     trace.Tracer
	lookupEnv  func(string) (string, bool)

	openaiCache     *prefcache.Cache
	openrouterCache *prefcache.Cache
}

type options struct {
	limiter    provider.RateLimiter
	httpClient *http.Client
	tracer     trace.Tracer
	lookupEnv  func(string) (string, bool)
	cacheDir   string
	redis      prefcache.HashClient
}

type Option func(*options)

func WithLimiter(l provider.RateLimiter) Option {
	return func(o *options) { o.limiter = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTracer wraps every built provider in a span-emitting decorator.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithCacheDir sets where per-family preference files are kept.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

// WithRedis stores preferences in Redis instead of local files.
func WithRedis(client prefcache.HashClient) Option {
	return func(o *options) { o.redis = client }
}

func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = fn }
}

// New loads the preference caches once; Build never touches storage. An
// unreadable cache is treated as empty.
func New(ctx context.Context, opts ...Option) *Factory {
	o := options{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.NewLimiter()
	}

	return &Factory{
		limiter:         o.limiter,
		httpClient:      o.httpClient,
		tracer:          o.tracer,
		lookupEnv:       o.lookupEnv,
		openaiCache:     prefcache.Open(ctx, o.store(ProviderOpenAI)),
		openrouterCache: prefcache.Open(ctx, o.store(ProviderOpenRouter)),
	}
}

func (o options) store(family string) prefcache.Store {
	switch {
	case o.redis != nil:
		return prefcache.NewRedisStore(o.redis, family)
	case o.cacheDir != "":
		return &prefcache.FileStore{Path: prefcache.FamilyFile(o.cacheDir, family)}
	}
	return nil
}

// Build returns the adapter cfg describes. It validates credentials but
// performs no I/O.
func (f *Factory) Build(cfg config.LLMConfig) (provider.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "claude" {
		name = ProviderAnthropic
	}
	if name == "" || name == "default" {
		picked, err := f.pickDefault(cfg)
		if err != nil {
			return nil, err
		}
		name = picked
	}

	s := provider.Settings{
		Model:             cfg.Model,
		BaseURL:           cfg.BaseURL,
		Headers:           cfg.Headers,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		FirstTokenTimeout: cfg.FirstTokenTimeout(),
		StallTimeout:      cfg.StallTimeout(),
		HTTPClient:        f.httpClient,
		Limiter:           f.limiter,
	}
	if s.Model == "" {
		s.Model = defaultModels[name]
	}

	if name != ProviderMock {
		if _, known := credentialEnv[name]; !known {
			return nil, &provider.Error{Kind: provider.KindConfiguration, Provider: name, Message: fmt.Sprintf("unknown provider %q", cfg.Provider)}
		}
		key, err := f.credential(name, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		s.APIKey = key
	}

	var p provider.Provider
	switch name {
	case ProviderOpenAI:
		p = openai.New(s, f.openaiCache)
	case ProviderOpenRouter:
		p = openai.NewOpenRouter(s, f.openrouterCache)
	case ProviderAnthropic:
		p = claude.New(s)
	case ProviderGemini:
		p = gemini.New(s)
	case ProviderMock:
		p = mock.New(s, mock.ProfileFromEnv())
	}

	if f.tracer != nil {
		p = telemetry.WrapProvider(p, f.tracer)
	}
	return p, nil
}

// credential prefers the configured key; "env" or an empty key reads the
// provider's well-known variable.
func (f *Factory) credential(name, configured string) (string, error) {
	if configured != "" && configured != "env" {
		return configured, nil
	}
	envVar := credentialEnv[name]
	if v, ok := f.lookupEnv(envVar); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	return "", provider.MissingCredential(name, envVar)
}

func (f *Factory) pickDefault(cfg config.LLMConfig) (string, error) {
	for _, name := range defaultOrder {
		if v, ok := f.lookupEnv(credentialEnv[name]); ok && strings.TrimSpace(v) != "" {
			return name, nil
		}
	}
	if cfg.APIKey != "" && cfg.APIKey != "env" {
		return ProviderOpenRouter, nil
	}
	return "", provider.MissingCredential(ProviderOpenRouter, credentialEnv[ProviderOpenRouter])
}

// Limiter exposes the shared rate limiter, e.g. for status endpoints.
func (f *Factory) Limiter() provider.RateLimiter { return f.limiter }

// Preferences returns the learned shapes of a fallback-capable family.
func (f *Factory) Preferences(family string) map[string]string {
	switch family {
	case ProviderOpenAI:
		return f.openaiCache.Snapshot()
	case ProviderOpenRouter:
		return f.openrouterCache.Snapshot()
	}
	return nil
}
