package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/compass/internal/api"
	"github.com/MikeSquared-Agency/compass/internal/auth"
	"github.com/MikeSquared-Agency/compass/internal/config"
	"github.com/MikeSquared-Agency/compass/internal/conversation"
	"github.com/MikeSquared-Agency/compass/internal/hermes"
	"github.com/MikeSquared-Agency/compass/internal/session"
	"github.com/MikeSquared-Agency/compass/internal/slack"
	"github.com/MikeSquared-Agency/compass/internal/store"
	"github.com/MikeSquared-Agency/compass/internal/transport"
	"github.com/MikeSquared-Agency/compass/internal/voiceflow"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("compass starting", "port", cfg.Port, "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AuthSecret == "" {
		slog.Error("COMPASS_AUTH_SECRET is required")
		os.Exit(1)
	}
	signer := auth.NewSigner(cfg.AuthSecret)

	// Sessions live in Postgres when configured, otherwise in memory.
	var sessions session.Store = session.NewMemoryStore()
	var profiles conversation.ProfileLookup
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		sessions = db
		profiles = db
		slog.Info("database connected, using shared session store")
	} else {
		slog.Warn("DATABASE_URL not set — sessions are in-memory and lost on restart")
	}

	// NATS and Slack are optional; without them events are only logged.
	var events conversation.Publishers
	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		events = append(events, hermesClient)
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		events = append(events, slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default()))
		slog.Info("slack security alerts enabled", "channel", cfg.SlackChannel)
	}
	var publisher conversation.Publisher
	if len(events) > 0 {
		publisher = events
	}

	creds := voiceflow.Credentials{
		APIKey:    cfg.VoiceflowAPIKey,
		ProjectID: cfg.VoiceflowProjectID,
		VersionID: cfg.VoiceflowVersionID,
		BaseURL:   cfg.VoiceflowBaseURL,
	}
	if err := voiceflow.Guard(creds); err != nil {
		// Not fatal: each request reports the problem with remediation steps.
		slog.Warn("voiceflow not configured", "error", err)
	}
	rt := transport.NewRetrying(&http.Client{Timeout: 30 * time.Second}, slog.Default())
	agent := voiceflow.NewClient(creds, rt)

	conv := conversation.New(sessions, agent, creds, profiles, publisher, slog.Default())

	cookie := auth.NewSessionCookie(cfg.CookieName, time.Duration(cfg.CookieMaxAgeDays)*24*time.Hour, cfg.Production(), signer)
	srv := api.NewServer(cfg.Port, conv, signer, cookie, cfg.Production(), slog.Default())
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("compass ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	cancel()
	slog.Info("compass stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
