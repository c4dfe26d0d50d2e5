// Command gateway serves the REST API in front of a showtimes cluster.
// Configuration comes from the environment and an optional .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/shrtyk/raft-showtimes/client"
	"github.com/shrtyk/raft-showtimes/gateway"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	env, err := logger.ParseEnviroment(os.Getenv("GATEWAY_ENV"))
	if err != nil {
		return err
	}
	l := logger.NewLogger(env, false)
	cfg := gateway.LoadConfig()

	c, err := client.New(cfg.Endpoints, client.Config{Timeout: cfg.Timeout, BaseDelay: 100 * time.Millisecond}, l)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store gateway.Store
	if cfg.Cache.Enabled {
		if rdb := gateway.NewRedisClient(ctx, cfg.Redis, l); rdb != nil {
			defer rdb.Close()
			store = gateway.NewRedisStore(rdb, cfg.Cache.Prefix)
		}
	}

	e := gateway.New(c, cfg, store, l)
	errCh := make(chan error, 1)
	go func() {
		l.Info("gateway listening", slog.String("addr", cfg.Addr), slog.Any("endpoints", cfg.Endpoints))
		errCh <- e.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
