package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"zvonok/internal/auth"
	"zvonok/internal/commands"
	"zvonok/internal/config"
	"zvonok/internal/http"
	"zvonok/internal/logging"
	"zvonok/internal/presence"
	"zvonok/internal/storage"
	"zvonok/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("zvonok", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create (prints the new user's id and token)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(ctx, *addUser, cfg, os.Stdout)
	}

	logger := logging.New("zvonok", cfg.LogLevel, cfg.LogFormat)

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	var mirror presence.Mirror
	if cfg.RedisURL != "" {
		rdb, err := presence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()

		redisMirror := presence.NewRedisMirror(rdb, "")
		if err := redisMirror.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset presence mirror: %w", err)
		}
		mirror = redisMirror
		logger.Info("presence mirrored to redis", slog.String("key", presence.DefaultMirrorKey))
	}

	hub := ws.NewHub(ws.Config{
		Store:         bbStorage,
		SingleSession: cfg.SingleSession,
		Mirror:        mirror,
		Logger:        logger,
	})

	g, gCtx := errgroup.WithContext(ctx)

	adminServer := http.NewAdminServer(bbStorage, authService, cfg.BaseURL, cfg.AdminAddr, logger)
	apiServer := http.NewAPIServer(gCtx, authService, hub, bbStorage, cfg.APIAddr, logger)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", logging.Err(err))
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", logging.Err(err))
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", logging.Err(err))
		os.Exit(1)
	}
}
