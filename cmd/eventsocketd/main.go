// Command eventsocketd runs the WebSocket broadcast server.
//
// Configuration comes from EVENTSOCKET_* environment variables, overridden
// by flags. Run with -h for the list.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/eventsocket"
	"github.com/luciancaetano/eventsocket/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(args []string) error {
	fs := flag.NewFlagSet("eventsocketd", flag.ContinueOnError)
	opts, err := parseFlags(fs, args, optionsFromEnv(os.Getenv))
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.Debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := opts.serverConfig()
	cfg.Logger = logger
	cfg.OnConnect = func(conn eventsocket.Connection) {
		logger.Info("client connected",
			zap.String("conn_id", conn.ID()),
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.String("path", conn.Path()))
	}
	cfg.OnDisconnect = func(conn eventsocket.Connection, voluntary bool) {
		logger.Info("client disconnected",
			zap.String("conn_id", conn.ID()),
			zap.Bool("voluntary", voluntary))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := ws.New(cfg)
	if err := server.Start(context.Background()); err != nil {
		return err
	}
	logger.Info("eventsocketd started",
		zap.String("addr", server.Addr().String()),
		zap.String("queue_dir", opts.QueueDir))

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Stop(stopCtx)
}
