package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerDrain bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers without the HTTP API",
	Long: `Run queue workers only. Several worker processes may share one database
or Redis broker.

With --drain the command handles every job that is due right now on the
calling goroutine and exits, which suits cron-style deployments.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().IntP("concurrency", "c", 1, "number of queue workers")
	workerCmd.Flags().BoolVar(&workerDrain, "drain", false, "process due jobs and exit")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if workerDrain {
		n := 0
		for ctx.Err() == nil && a.queue.ProcessNext(ctx) {
			n++
		}
		logger.Info("queue drained", slog.Int("jobs", n))
		fmt.Fprintf(cmd.OutOrStdout(), "processed %d job(s)\n", n)
		return nil
	}

	logger.Info("workers starting",
		slog.Int("workers", cfg.Broker.Concurrency),
		slog.String("broker", cfg.Broker.Backend))
	return runWorkersUntil(ctx, a, cfg.Broker.Concurrency)
}
