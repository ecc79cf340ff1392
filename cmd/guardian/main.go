package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/alisamani1378/m1m-guardian/internal/api"
	"github.com/alisamani1378/m1m-guardian/internal/config"
	"github.com/alisamani1378/m1m-guardian/internal/firewall"
	"github.com/alisamani1378/m1m-guardian/internal/notify"
	"github.com/alisamani1378/m1m-guardian/internal/orchestrator"
	"github.com/alisamani1378/m1m-guardian/internal/sshx"
	"github.com/alisamani1378/m1m-guardian/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("guardian exiting", "err", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config (required)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Optional: local overrides for tokens and the redis URL.
	godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *configPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("config loaded", "nodes", len(cfg.Nodes), "inbounds", len(cfg.InboundsLimit),
		"ban_minutes", cfg.BanMinutes)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := store.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer redisClient.Close()
	st := store.New(redisClient)

	runner := sshx.NewRunner("")
	defer runner.Close()

	enf := firewall.NewEnforcer(runner)

	tg := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.ExtraChatIDs)
	orch := orchestrator.New(cfg, st, enf, runner, tg)

	poller := notify.NewPoller(tg, orch, cfg.Telegram.AdminIDs, offsetPath(*configPath))
	go poller.Run(ctx)

	httpSrv := api.NewServer(cfg.ListenAddr, orch, st)
	httpErr := make(chan error, 1)
	go func() { httpErr <- httpSrv.Run(ctx) }()

	if err := orch.Run(ctx); err != nil {
		return err
	}
	if err := <-httpErr; err != nil {
		return fmt.Errorf("http surface: %w", err)
	}
	return nil
}

// offsetPath keeps the Telegram update offset next to the config file.
func offsetPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), ".guardian_tg_offset")
}
