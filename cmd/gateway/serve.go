package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/pysugar/pooled-llm-gateway/internal/config"
	"github.com/pysugar/pooled-llm-gateway/internal/db"
	"github.com/pysugar/pooled-llm-gateway/internal/db/secret"
	"github.com/pysugar/pooled-llm-gateway/internal/flowstate"
	"github.com/pysugar/pooled-llm-gateway/internal/oauth"
	"github.com/pysugar/pooled-llm-gateway/internal/pool"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
	"github.com/pysugar/pooled-llm-gateway/internal/proxy/handlers"
	"github.com/pysugar/pooled-llm-gateway/internal/proxy/middleware"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/antigravity"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/kiro"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/qwen"
)

const shutdownGrace = 10 * time.Second

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	database, err := db.InitDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	codec := secret.Plaintext()
	if cfg.EncryptionKey != "" {
		if codec, err = secret.NewCodec(cfg.EncryptionKey); err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
	} else {
		log.Printf("⚠️ No encryption_key configured; tokens are stored unencrypted")
	}

	accounts := pool.New(database, codec, pool.Options{
		FreeRate: cfg.Recovery.FreeRate,
		PaidRate: cfg.Recovery.PaidRate,
	})

	kiroProvider := kiro.New(cfg.Kiro)
	antigravityProvider := antigravity.New(cfg.Antigravity, cfg.Search)
	qwenProvider := qwen.New(cfg.Qwen)

	accounts.RegisterRefresher("kiro", kiroProvider)
	accounts.RegisterRefresher("antigravity", antigravityProvider)
	accounts.RegisterRefresher("qwen", qwenProvider)

	registry := providers.NewRegistry(cfg.DefaultProvider)
	registry.Register(kiroProvider, "claude")
	registry.Register(antigravityProvider, "gemini")
	registry.Register(qwenProvider, "qwen")

	store, closeStore, err := newFlowStore(cfg.FlowState)
	if err != nil {
		return err
	}
	defer closeStore()

	manager := oauth.NewManager(oauth.Deps{
		Store:       store,
		DB:          database,
		Codec:       codec,
		Pool:        accounts,
		Kiro:        kiroProvider,
		Antigravity: antigravityProvider,
		Qwen:        qwenProvider,
		FlowTTL:     cfg.FlowState.TTL,
	})

	accounts.StartRecoveryLoop(ctx, cfg.Recovery.Interval)
	accounts.StartRefreshLoop(ctx, cfg.Refresh.Interval)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: buildRouter(database, accounts, registry, manager),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 Gateway listening on http://%s", cfg.Listen)
		log.Printf("🔌 OpenAI API: http://%s/v1", cfg.Listen)
		log.Printf("🔐 Antigravity redirect target: http://%s/oauth/antigravity/callback", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Printf("⏳ Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func buildRouter(database *gorm.DB, accounts *pool.Pool, registry *providers.Registry, manager *oauth.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", handlers.Health())
	// Browser redirect target; Google calls it without gateway credentials.
	r.Get("/oauth/antigravity/callback", handlers.AntigravityCallback(manager))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Post("/chat/completions", handlers.ChatCompletions(registry, accounts))
		r.Get("/models", handlers.ListModels(registry))
		r.Route("/oauth/{provider}", func(r chi.Router) {
			r.Post("/authorize", handlers.OAuthAuthorize(manager))
			r.Get("/status/{state}", handlers.OAuthStatus(manager))
			r.Post("/callback", handlers.OAuthCallback(manager))
		})
		r.Post("/accounts/import", handlers.ImportAccount(manager))
		r.Get("/accounts", handlers.ListAccounts(database))
		r.Delete("/accounts/{id}", handlers.DeleteAccount(database, accounts, registry))
	})
	return r
}

func newFlowStore(cfg config.FlowStateConfig) (flowstate.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		log.Printf("✅ OAuth flow state in redis at %s", cfg.RedisAddr)
		return flowstate.NewRedisStore(client), func() { _ = client.Close() }, nil
	case "memory":
		store := flowstate.NewMemoryStore()
		return store, func() { _ = store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown flow_state.backend %q (want memory or redis)", cfg.Backend)
}
