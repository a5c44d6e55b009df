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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/ai"
	"github.com/ultralight-ai/mcp-host/internal/app"
	"github.com/ultralight-ai/mcp-host/internal/auth"
	"github.com/ultralight-ai/mcp-host/internal/billing"
	"github.com/ultralight-ai/mcp-host/internal/calllog"
	"github.com/ultralight-ai/mcp-host/internal/codecache"
	"github.com/ultralight-ai/mcp-host/internal/config"
	"github.com/ultralight-ai/mcp-host/internal/envcrypt"
	"github.com/ultralight-ai/mcp-host/internal/mcp"
	"github.com/ultralight-ai/mcp-host/internal/metrics"
	"github.com/ultralight-ai/mcp-host/internal/permission"
	"github.com/ultralight-ai/mcp-host/internal/ratelimit"
	"github.com/ultralight-ai/mcp-host/internal/runner"
	"github.com/ultralight-ai/mcp-host/internal/sandbox"
	"github.com/ultralight-ai/mcp-host/internal/session"
	"github.com/ultralight-ai/mcp-host/internal/setup"
	"github.com/ultralight-ai/mcp-host/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Store + envelope crypto ───────────────────────────────────────────────
	st, err := store.New(cfg.Store.URL, cfg.Store.ServiceKey, cfg.Store.CodeBucket, log)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	envelope, err := envcrypt.New(cfg.Crypto.MasterKey)
	if err != nil {
		log.Fatal("crypto init failed", zap.Error(err))
	}

	m := metrics.New()

	// ── Caches ────────────────────────────────────────────────────────────────
	code := codecache.New(st, log, codecache.Options{
		OnLookup: m.OnCacheLookup("code"),
	})
	perms := permission.NewResolver(st, log, permission.ResolverOptions{
		OnLookup: m.OnCacheLookup("permission"),
	})

	// ── Rate limiter ──────────────────────────────────────────────────────────
	limiter := ratelimit.New(rdb, st, log, ratelimit.Options{
		EndpointLimits: map[string]int64{
			"mcp:initialize": cfg.Limits.InitializePerMin,
			"mcp:tools/list": cfg.Limits.ToolsListPerMin,
			"mcp:tools/call": cfg.Limits.ToolsCallPerMin,
		},
		WeeklyLimit: cfg.WeeklyLimit,
		OnDeny: func(scope string) {
			m.RateLimitDenials.WithLabelValues(scope).Inc()
		},
	})

	// ── Execution engine (runner sidecar + capability bridge) ─────────────────
	bridge := runner.NewBridge(log)
	engine := runner.NewClient(cfg.Runner.URL, cfg.Runner.AdminKey, cfg.Server.BaseURL, bridge, log)
	gateway := sandbox.NewGateway(engine, log, m.SandboxDuration.Observe)

	orchestrator := setup.NewOrchestrator(code, st, envelope, func(provider, apiKey string) ai.Caller {
		return ai.NewOpenRouter(cfg.AI.OpenRouterBaseURL, apiKey)
	}, log)

	calls := calllog.New(st, log, calllog.Options{
		QueueDepth: m.CallLogDepth,
		Dropped:    m.CallLogDropped,
	})
	sessions := session.NewSequencer()

	srv := mcp.NewServer(mcp.Deps{
		BaseURL:            cfg.Server.BaseURL,
		ComputeCentsPerSec: cfg.Limits.ComputeCentsPerSec,
		Verifier:           auth.NewVerifier(st, log),
		Apps:               app.NewLoader(st),
		Perms:              perms,
		Limiter:            limiter,
		Setup:              orchestrator,
		Gateway:            gateway,
		Settler:            billing.NewSettler(st, log),
		Calls:              calls,
		Sessions:           sessions,
		Store:              st,
		Metrics:            m,
		Log:                log,
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.POST("/internal/capability/:executionId", bridge.Handler)

	srv.Register(r)
	srv.RegisterAdmin(r, cfg.Server.AdminToken)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop background workers after in-flight requests finish; the call
	// logger drains its queue so admitted calls stay audited.
	limiter.Close()
	sessions.Close()
	calls.Close()
	log.Info("shutdown complete")
}
