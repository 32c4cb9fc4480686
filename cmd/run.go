package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/printer"
	"github.com/cwbudde/polcomp/internal/search"
	"github.com/cwbudde/polcomp/internal/server"
	"github.com/cwbudde/polcomp/internal/store"
)

var (
	withReference bool
	noSave        bool
	noHome        bool
	maxCycles     int
	globalTarget  float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one compensation on the bench",
	Long: `Runs the full compensation procedure once: home the paddles, then
optimize HV and DA until the mean visibility meets the global target or the
cycle budget is spent. The report and event trace are written to the data
directory.`,
	RunE: runCompensation,
}

func init() {
	runCmd.Flags().BoolVar(&withReference, "reference", false, "Also compute the model optimum of the simulated bench")
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "Do not write a report or trace")
	runCmd.Flags().BoolVar(&noHome, "no-home", false, "Start from the current paddle angles")
	runCmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "Override the global cycle budget")
	runCmd.Flags().Float64Var(&globalTarget, "global-target", 0, "Override the global mean visibility target")
	rootCmd.AddCommand(runCmd)
}

func runCompensation(cmd *cobra.Command, args []string) error {
	p := printer.New(cmd.OutOrStdout())

	scfg := cfg.SearchConfig()
	if noHome {
		scfg.Home = false
	}
	if maxCycles > 0 {
		scfg.MaxGlobalRetries = maxCycles
	}
	if globalTarget > 0 {
		scfg.GlobalTarget = globalTarget
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bench, rig, err := newSimBench(cfg, logger)
	if err != nil {
		return p.Error("Invalid simulator scenario", err.Error(), []string{"Check the sim section of your config"})
	}
	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return p.Error("Bench lease unavailable", err.Error(), []string{
			"Start Redis or fix session.redis_addr",
			"Use session.backend: local for a single process",
		})
	}
	defer closeLocker()

	opts := []server.ManagerOption{
		server.WithLocker(locker),
		server.WithLeaseWait(cfg.Session.Wait),
		server.WithLogger(logger),
	}
	if !noSave {
		fs, err := store.NewFSStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open data directory: %w", err)
		}
		opts = append(opts, server.WithStore(fs), server.WithTraceDir(fs.BaseDir()))
	}
	runs := server.NewRunManager(bench, scfg, opts...)

	p.Header("Running on %s (%d paddles, range %.0f-%.0f°)", bench.Name,
		len(bench.Actuator.Paddles()), bench.Actuator.Range().Min, bench.Actuator.Range().Max)

	report, err := runs.Execute(ctx, server.RunRequest{Config: &scfg, Reference: withReference})
	if errors.Is(err, search.ErrInvalidConfig) {
		return p.Error("Invalid search configuration", err.Error(), []string{"Check the search section of your config"})
	}
	if err != nil {
		return err
	}

	switch report.Status {
	case store.StatusCancelled:
		p.Warning("Run %s cancelled", report.RunID)
		return context.Canceled
	case store.StatusError:
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return p.Error("Run failed", report.Error, []string{
			"Check that the bench is connected and not in use",
			"Re-run with --log-level debug for device traces",
		})
	}

	p.Outcome(*report.Outcome, scfg.GlobalTarget)
	moves, reads := rig.Stats()
	p.Info("Bench: %d moves, %d readings, model HV %.4f DA %.4f",
		moves, reads, rig.Ideal(device.BasisHV), rig.Ideal(device.BasisDA))
	if ref := report.Reference; ref != nil {
		p.Info("Model optimum: mean %.4f (gap %.4f) after %d evaluations",
			ref.Mean, ref.Mean-report.Outcome.Mean, ref.Evaluations)
	}
	if !noSave {
		p.Info("Report: %s", report.RunID)
	}
	return nil
}
