// Command chat-tender runs the bot's chat transport and admission-control core.
// It:
//   - Loads configuration and initializes structured logging.
//   - Validates the bot OAuth token against Twitch before connecting.
//   - Starts the IRC supervisor (auto-reconnect, throttled outbound queue).
//   - Runs the periodic admission-controller cleanup.
//   - Optionally mirrors chat traffic into Postgres (DB_DSN set).
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-tender/admission"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/irc"
	"github.com/onnwee/chat-tender/server"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateIRCReady(); err != nil {
		slog.Error("chat credentials missing", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chat-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Reject bad credentials before the supervisor starts retrying forever.
	// Transient validation failures are tolerated: Twitch being unreachable at
	// boot is a reconnect problem, not a configuration problem.
	vctx, vcancel := context.WithTimeout(context.Background(), 8*time.Second)
	val, err := (&twitchapi.Validator{}).Validate(vctx, cfg.OAuthToken)
	vcancel()
	switch {
	case errors.Is(err, twitchapi.ErrInvalidToken):
		slog.Error("twitch rejected the bot oauth token; refusing to start")
		os.Exit(1)
	case err != nil:
		slog.Warn("token validation unavailable, continuing", slog.Any("err", err))
	case !val.HasChatScopes():
		slog.Error("bot token lacks chat:read/chat:edit scopes; refusing to start", slog.Any("scopes", val.Scopes))
		os.Exit(1)
	default:
		slog.Info("bot token validated", slog.String("login", val.Login), slog.Int("expires_in", val.ExpiresIn))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional chat-line audit log.
	var lineLogger irc.LineLogger
	var database *sql.DB
	if cfg.DBDsn != "" {
		database, err = db.Connect(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		lineLogger = &db.LineStore{DB: database}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("DB_DSN empty; chat-line audit log disabled")
	}

	adm := admission.New(admission.Config{
		UserCooldown: cfg.UserCooldown,
		ChannelBurst: cfg.ChannelBurst,
		ChannelRate:  cfg.ChannelRate,
	})

	sup, err := irc.New(irc.Config{
		Host:       cfg.IRCHost,
		Port:       cfg.IRCPort,
		PlainText:  !cfg.IRCTLS,
		Nick:       cfg.BotUsername,
		Token:      cfg.OAuthToken,
		Channels:   cfg.Channels,
		MaxSends:   cfg.MaxSends,
		SendWindow: cfg.SendWindow,
		Logger:     lineLogger,
		OnLine: func(line string) {
			// Command dispatch lives outside this core; by default inbound
			// lines are only surfaced at debug level (and audited when the
			// line store is configured).
			slog.Debug("irc line", slog.String("line", line))
		},
	})
	if err != nil {
		slog.Error("irc supervisor config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	sup.Start()
	defer sup.Stop()

	// The admission controller does not self-schedule cleanup.
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				adm.Cleanup(cfg.CleanupMaxAge)
			}
		}
	}()

	deps := server.Deps{DB: database, Supervisor: sup, Admission: adm}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
