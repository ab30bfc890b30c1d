package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grokgate/grokgate/internal/apikeys"
	"github.com/grokgate/grokgate/internal/auth"
	"github.com/grokgate/grokgate/internal/chat"
	"github.com/grokgate/grokgate/internal/circuit"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/conversation"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/mcp"
	"github.com/grokgate/grokgate/internal/media"
	"github.com/grokgate/grokgate/internal/proxypool"
	"github.com/grokgate/grokgate/internal/server"
	"github.com/grokgate/grokgate/internal/session"
	"github.com/grokgate/grokgate/internal/stats"
	"github.com/grokgate/grokgate/internal/storage"
	"github.com/grokgate/grokgate/internal/token"
	"github.com/grokgate/grokgate/internal/upstream"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "grokgate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(ctx, storage.Config{Type: cfg.Storage.Type, URL: cfg.Storage.URL})
	if err != nil {
		return err
	}
	defer store.Close()

	tokens := token.NewManager(cfg.Pool, store, log)
	convs := conversation.NewManager(cfg.Conversation, store, log)
	keys := apikeys.NewManager(store, cfg.Pool.SaveDelay, log)
	recorder := stats.NewRecorder(cfg.Stats, store, log, nil)
	for name, load := range map[string]func(context.Context) error{
		"tokens":        tokens.Load,
		"conversations": convs.Load,
		"api_keys":      keys.Load,
		"stats":         recorder.Load,
	} {
		if err := load(ctx); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}

	proxies := proxypool.New(cfg.Proxy, log, nil)
	client := upstream.NewClient(cfg.UpstreamBase, cfg.BrowserProfile, log)
	breaker := circuit.New(circuit.DefaultConfig(), log)
	resolver := media.NewResolver(cfg.AppURL, log)

	chatSvc := chat.NewService(cfg, tokens, convs, proxies, client, breaker, resolver, recorder, log)

	mcpHandler := mcp.NewHandler(mcp.NewService(chatSvc, tokens, log))
	authMW := auth.NewMiddleware(cfg.Auth, auth.NewSigner(cfg.Auth.SessionSecret), keys)
	tickets := session.NewStore(0)

	srv := server.New(cfg, chatSvc, tokens, convs, keys, recorder, resolver, authMW, tickets, mcpHandler, log)

	go convs.Run(ctx)
	go proxies.Run(ctx)
	go runTokenLoops(ctx, cfg, tokens, log)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", httpSrv.Addr, "storage", cfg.Storage.Type)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown", "error", err)
	}

	// Drain the debounced writers so dirty state reaches storage.
	for name, closeFn := range map[string]func(context.Context) error{
		"tokens":        tokens.Close,
		"conversations": convs.Close,
		"api_keys":      keys.Close,
		"stats":         recorder.Close,
	} {
		if err := closeFn(shutCtx); err != nil {
			log.Error("flush on shutdown failed", "name", name, "error", err)
		}
	}

	log.Info("bye")
	return nil
}

// runTokenLoops drives the pool's periodic maintenance: thawing expired
// cooldowns, refreshing quota windows, and reloading state written by
// other replicas.
func runTokenLoops(ctx context.Context, cfg *config.Config, tokens *token.Manager, log *logger.Logger) {
	thaw := time.NewTicker(time.Minute)
	refresh := time.NewTicker(10 * time.Minute)
	reload := time.NewTicker(cfg.Pool.ReloadInterval)
	defer thaw.Stop()
	defer refresh.Stop()
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-thaw.C:
			if n := tokens.ThawDue(); n > 0 {
				log.Info("tokens thawed", "count", n)
			}
		case <-refresh.C:
			if n := tokens.RefreshQuotas(); n > 0 {
				log.Info("token quotas refreshed", "count", n)
			}
		case <-reload.C:
			if err := tokens.ReloadIfStale(ctx); err != nil {
				log.Warn("token reload failed", "error", err)
			}
		}
	}
}
