// Command showtimesd runs one node of the showtimes cluster.
//
//	showtimesd -config cluster.yaml
//	showtimesd <grpc_port> <raft_port> [host:raft_port:grpc_port ...]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shrtyk/raft-showtimes/config"
	"github.com/shrtyk/raft-showtimes/node"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the cluster YAML file")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromArgs(flag.Args())
	}
	if err != nil {
		return err
	}

	l := logger.NewLogger(cfg.LogEnv(), cfg.Log.AddSource)
	n, err := node.New(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to build node: %w", err)
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	l.Info("shutting down", slog.String("node", string(n.ID())))
	return n.Stop()
}
