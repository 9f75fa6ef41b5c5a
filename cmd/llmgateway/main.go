package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llmclient/config"
	"github.com/vnmchuo/llmclient/internal/factory"
	"github.com/vnmchuo/llmclient/internal/proxy"
	"github.com/vnmchuo/llmclient/internal/telemetry"
	"github.com/vnmchuo/llmclient/internal/usage"
	"github.com/vnmchuo/llmclient/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	pflag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	pflag.StringVar(&cfg.BackendsFile, "backends-file", cfg.BackendsFile, "YAML or JSONC file with named backends")
	pflag.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "directory for endpoint preference caches")
	pflag.Parse()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llmgateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Usage store: PostgreSQL when configured, process log otherwise
	var store usage.Store = usage.LogStore{}
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		pg := usage.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate usage table: %v", err)
		}
		store = pg
		log.Println("PostgreSQL connected")
	}

	// 4. Rate limiter and factory, shared through Redis when configured
	var limiterOpts []ratelimit.Option
	factoryOpts := []factory.Option{
		factory.WithCacheDir(cfg.CacheDir),
		factory.WithTracer(otel.GetTracerProvider().Tracer("llmgateway")),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		factoryOpts = append(factoryOpts, factory.WithRedis(rdb))
		if cfg.ModelQuotaPerMinute > 0 {
			limiterOpts = append(limiterOpts, ratelimit.WithQuota(ratelimit.NewRedisQuota(rdb, cfg.ModelQuotaPerMinute)))
		}
		log.Println("Redis connected")
	}
	limiter := ratelimit.NewLimiter(limiterOpts...)
	factoryOpts = append(factoryOpts, factory.WithLimiter(limiter))
	f := factory.New(ctx, factoryOpts...)

	// 5. Build backends
	backendCfgs := []config.LLMConfig{cfg.Default}
	if cfg.BackendsFile != "" {
		extra, err := config.LoadBackends(cfg.BackendsFile)
		if err != nil {
			log.Fatalf("failed to load backends: %v", err)
		}
		backendCfgs = append(backendCfgs, extra...)
	}

	var backends []proxy.Backend
	for _, bc := range backendCfgs {
		p, err := f.Build(bc)
		if err != nil {
			// A backend without credentials is skipped so the rest stay usable.
			log.Printf("backend %s disabled: %v", bc.Name, err)
			continue
		}
		backends = append(backends, proxy.Backend{Name: bc.Name, Provider: p, Streaming: bc.Streaming})
		log.Printf("backend %s: %s/%s streaming=%t", bc.Name, p.Name(), p.Model(), bc.Streaming)
	}
	if len(backends) == 0 {
		log.Fatalf("no usable backends configured")
	}

	// 6. Init handler
	handler := proxy.NewHandler(proxy.NewRouter(backends), store, limiter)

	// 7. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llmgateway"}`))
	})
	handler.Mount(r)

	// 8. Graceful shutdown. No write timeout: streams are bounded by the
	// per-backend deadlines.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("LLM gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
