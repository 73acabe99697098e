// Command agentguard runs the AgentGuard control plane: identity and
// authorization for autonomous agents with a tamper-evident audit trail.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MEGA-M1ND/AgentGuard/pkg/api"
	"github.com/MEGA-M1ND/AgentGuard/pkg/approval"
	"github.com/MEGA-M1ND/AgentGuard/pkg/auth"
	"github.com/MEGA-M1ND/AgentGuard/pkg/config"
	"github.com/MEGA-M1ND/AgentGuard/pkg/identity"
	"github.com/MEGA-M1ND/AgentGuard/pkg/notify"
	"github.com/MEGA-M1ND/AgentGuard/pkg/observability"
	"github.com/MEGA-M1ND/AgentGuard/pkg/policy"
	"github.com/MEGA-M1ND/AgentGuard/pkg/ratelimit"
	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()

	var profile *config.DeploymentProfile
	if code := os.Getenv("AGENTGUARD_PROFILE"); code != "" {
		dir := os.Getenv("AGENTGUARD_PROFILES_DIR")
		if dir == "" {
			dir = "profiles"
		}
		p, err := config.LoadProfile(dir, code)
		if err != nil {
			slog.Error("failed to load deployment profile", "profile", code, "error", err)
			os.Exit(1)
		}
		p.Apply(cfg)
		profile = p
	}

	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "agentguard",
		ServiceVersion: version,
		Environment:    os.Getenv("AGENTGUARD_PROFILE"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := store.Ping(ctx, db); err != nil {
		slog.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	agents, err := store.NewAgentStore(db)
	if err != nil {
		fatal("agent store", err)
	}
	policies, err := store.NewPolicyStore(db)
	if err != nil {
		fatal("policy store", err)
	}
	approvals, err := store.NewApprovalStore(db)
	if err != nil {
		fatal("approval store", err)
	}
	audits, err := store.NewAuditLogStore(db)
	if err != nil {
		fatal("audit store", err)
	}
	revocations, err := store.NewRevocationStore(db)
	if err != nil {
		fatal("revocation store", err)
	}
	reports := store.NewReportStore(db)

	keys, err := identity.LoadOrGenerateKeySet(cfg.JWTPrivateKey)
	if err != nil {
		fatal("signing keys", err)
	}
	tokens := identity.NewTokenManager(keys,
		time.Duration(cfg.JWTAgentExpireSecs)*time.Second,
		time.Duration(cfg.JWTAdminExpireSecs)*time.Second)

	counterStore, err := ratelimit.ParseStorageURI(cfg.RateLimitStorageURI)
	if err != nil {
		fatal("rate limit storage", err)
	}
	limiter := ratelimit.NewLimiter(counterStore, cfg.RateLimitEnabled)
	if profile != nil {
		limiter = limiter.WithLimitOverrides(profile.BucketLimits())
	}

	notifier := notify.NewDispatcher(cfg.WebhookURL, cfg.WebhookSecret, 5*time.Second)
	approvalMgr := approval.NewManager(approvals, agents, notifier)
	engine := policy.NewEngine(policies, approvalMgr, audits)
	gate := auth.NewGate(tokens, revocations, agents, cfg.AdminAPIKey)

	// Expired revocation rows are cleared hourly, one hour past expiry.
	identity.StartSweeper(ctx, revocations, time.Hour, time.Hour)

	server := api.NewServer(api.Options{
		Gate:      gate,
		Engine:    engine,
		Approvals: approvalMgr,
		Agents:    agents,
		Policies:  policies,
		Audits:    audits,
		Reports:   reports,
		Keys:      keys,
		Limiter:   limiter,
		Obs:       obs,
		DB:        db,
		Version:   version,
	})

	requestTimeout := time.Duration(cfg.RequestTimeoutSecs) * time.Second
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           http.TimeoutHandler(server.Handler(cfg.CORSOrigins), requestTimeout, `{"detail":"request timed out"}`),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentguard listening", "addr", cfg.Addr(), "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}
	slog.Info("agentguard stopped")
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func fatal(what string, err error) {
	slog.Error("startup failed", "component", what, "error", err)
	os.Exit(1)
}
