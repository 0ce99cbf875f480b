package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sky93/dripflow/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers and the operational HTTP API",
	Long: `Run the queue workers together with the operational HTTP API.

Examples:
  # Start with defaults (localhost:8080, one worker)
  dripflow serve

  # Listen on every interface with four workers
  dripflow serve --host 0.0.0.0 --port 9000 --concurrency 4`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "host address to bind to")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().IntP("concurrency", "c", 1, "number of queue workers")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []api.ServerOption
	opts = append(opts, api.WithLogger(logger.With(slog.String("component", "api"))))
	if cfg.Server.EnableCORS {
		origins := cfg.Server.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		opts = append(opts, api.WithCORS(origins...))
	}
	server := api.NewServer(a.ops, opts...)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runWorkersUntil(gctx, a, cfg.Broker.Concurrency)
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, addr)
	})

	logger.Info("dripflow serving",
		slog.String("addr", addr),
		slog.Int("workers", cfg.Broker.Concurrency),
		slog.String("broker", cfg.Broker.Backend),
		slog.String("queue", cfg.Broker.Queue))

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("dripflow stopped")
	return nil
}

// runWorkersUntil starts the workers and blocks until ctx is done.
func runWorkersUntil(ctx context.Context, a *app, count int) error {
	if err := a.queue.StartWorkers(ctx, count); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	<-ctx.Done()
	a.queue.Shutdown(cfg.Broker.LockTimeout)
	return nil
}
