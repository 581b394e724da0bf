// Command standup-hub is the entrypoint for the standup add-on service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Selects the pub/sub backend (Kafka when brokers are configured,
//     in-process otherwise) and starts the live-connection registry.
//   - Exposes the HTTP surface: capabilities descriptor, install callbacks,
//     the standup webhook, live-update WebSockets, and /healthz, /readyz,
//     /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
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

	"github.com/joho/godotenv"

	"github.com/onnwee/standup-hub/addon"
	"github.com/onnwee/standup-hub/bus"
	"github.com/onnwee/standup-hub/config"
	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/hipchat"
	"github.com/onnwee/standup-hub/live"
	"github.com/onnwee/standup-hub/server"
	"github.com/onnwee/standup-hub/standup"
	"github.com/onnwee/standup-hub/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("standup-hub", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pub/sub backend: Kafka spans instances, memory serves a single one.
	var updateBus bus.Bus
	if len(cfg.KafkaBrokers) > 0 {
		slog.Info("initializing kafka update bus",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.KafkaTopic))
		updateBus = bus.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic)
	} else {
		slog.Info("initializing in-process update bus")
		updateBus = bus.NewMemoryBus()
	}
	liveReg := live.NewRegistry(updateBus)

	httpClient := &http.Client{}
	tokens := hipchat.NewTokenCache(httpClient)
	tokens.StartJanitor(ctx, 10*time.Minute)

	registry := addon.NewRegistry(database, tokens, httpClient)
	registry.AddListener(welcomeListener(cfg))

	store := standup.NewStore(database)
	dispatcher := standup.NewDispatcher(store, updateBus, cfg.AddonKey+".glance")
	handlers := server.NewHandlers(cfg, database, registry, dispatcher, liveReg, httpClient)

	if cfg.ReminderEnabled {
		standup.NewReminder(registry, store).Start(ctx, time.Hour)
	}

	go func() {
		slog.Info("http server starting", slog.String("addr", cfg.HTTPAddr))
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	// Bus first so the delivery loop drains, then the live sockets.
	if err := updateBus.Close(); err != nil {
		slog.Error("bus close error", slog.Any("err", err))
	}
	liveReg.Close()
}

// welcomeListener greets the room when the add-on is installed.
func welcomeListener(cfg *config.Config) addon.Listener {
	return addon.ListenerFunc(func(ctx context.Context, ev addon.Event) error {
		if ev.Name != addon.EventInstall {
			return nil
		}
		return ev.Client.SendNotification(ctx, "", hipchat.Notification{
			Text: cfg.AddonName + " was added to this room. Type '/standup I did (allthethings)' to get started.",
		})
	})
}
