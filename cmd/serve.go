package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/polcomp/internal/metrics"
	"github.com/cwbudde/polcomp/internal/server"
	"github.com/cwbudde/polcomp/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server",
	Long: `Serves compensation runs over HTTP. Runs are queued and executed one
at a time on the bench; progress streams as server-sent events and metrics
are exposed at /metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bench, _, err := newSimBench(cfg, logger)
	if err != nil {
		return err
	}
	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	fs, err := store.NewFSStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}

	m := metrics.NewManager(metrics.WithConstLabels(map[string]string{"bench": bench.Name}))
	runs := server.NewRunManager(bench, cfg.SearchConfig(),
		server.WithStore(fs),
		server.WithTraceDir(fs.BaseDir()),
		server.WithLocker(locker),
		server.WithLeaseWait(cfg.Session.Wait),
		server.WithMetrics(m),
		server.WithLogger(logger),
	)
	srv := server.NewServer(cfg.Addr, runs, m)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
