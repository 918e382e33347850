package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	apiPkg "github.com/ticketvox-io/ticketvox/internal/api"
	"github.com/ticketvox-io/ticketvox/internal/approval"
	"github.com/ticketvox-io/ticketvox/internal/bot"
	"github.com/ticketvox-io/ticketvox/internal/config"
	"github.com/ticketvox-io/ticketvox/internal/connector"
	"github.com/ticketvox-io/ticketvox/internal/connector/telegram"
	"github.com/ticketvox-io/ticketvox/internal/draft"
	"github.com/ticketvox-io/ticketvox/internal/eventlog"
	"github.com/ticketvox-io/ticketvox/internal/logbuf"
	"github.com/ticketvox-io/ticketvox/internal/queue"
	"github.com/ticketvox-io/ticketvox/internal/scheduler"
	"github.com/ticketvox-io/ticketvox/internal/tracker"
	"github.com/ticketvox-io/ticketvox/internal/transcribe"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (2 modes: file, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("voxd starting", "repo", cfg.GitHub.Repo, "developers", len(cfg.Developers))

	// 1. Audit log
	os.MkdirAll(cfg.DataDir, 0o755)
	dbPath := cfg.DataDir + "/events.db"
	events, err := eventlog.Open(dbPath)
	if err != nil {
		logger.Error("failed to open event log", "path", dbPath, "error", err)
		os.Exit(1)
	}
	// events is cleaned up when the process exits

	// 2. Outbound clients
	trk := tracker.New(tracker.Config{
		Token:   cfg.GitHub.Token,
		Repo:    cfg.GitHub.Repo,
		BaseURL: cfg.GitHub.BaseURL,
	})
	stt := transcribe.New(transcribe.Config{
		URL:    cfg.Whisper.URL,
		APIKey: cfg.Whisper.APIKey,
		Model:  cfg.Whisper.Model,
	})
	if !stt.Configured() {
		logger.Warn("speech-to-text not configured, voice messages will be rejected")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Bot core. The coordinator's notifier and the connector's handler both
	// reference the bot, so it is forward-declared and bound after construction.
	var b *bot.Bot
	var tgConn *telegram.Connector

	coord := queue.New(trk, queue.Labels{
		Pending:   cfg.Queue.PendingLabel,
		Executing: cfg.Queue.ExecutingLabel,
	}, func(ctx context.Context, t queue.Target, text string) {
		b.NotifyTarget(ctx, t, text)
	}, logger.With("component", "queue"))

	tgConn, err = telegram.New(
		telegram.Config{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
		},
		func(ctx context.Context, ev connector.Event) error {
			return b.HandleEvent(ctx, ev)
		},
		logger.With("connector", "telegram"),
	)
	if err != nil {
		logger.Error("failed to init telegram connector", "error", err)
		os.Exit(1)
	}

	b = bot.New(cfg, tgConn, trk, stt, draft.NewStore(), coord, approval.NewStore(),
		events, logger.With("component", "bot"))

	go safeGo(logger, "telegram", func() { tgConn.Start(ctx) })
	logger.Info("telegram connector started")

	// 4. Queue reconcile: once at startup to rebuild markers from tracker
	// labels, then on a cron schedule if configured.
	go safeGo(logger, "reconcile-startup", func() { coord.Reconcile(ctx, b.Targets()) })

	if cfg.Queue.ReconcileSchedule != "" {
		sched := scheduler.New(logger.With("component", "scheduler"))
		if err := sched.AddJob("reconcile", cfg.Queue.ReconcileSchedule, func() {
			coord.Reconcile(ctx, b.Targets())
		}); err != nil {
			logger.Error("failed to register reconcile job", "error", err)
			os.Exit(1)
		}
		go safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	}

	// 5. API server
	apiSrv := apiPkg.NewServer(b, coord, apiPkg.Config{
		Host:         cfg.API.Host,
		Port:         cfg.API.Port,
		Key:          cfg.API.Key,
		DeploySecret: cfg.API.DeploySecret,
	}, logger.With("component", "api"), logBuf, events)

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 6. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("voxd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
