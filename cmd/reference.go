package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/opt"
	"github.com/cwbudde/polcomp/internal/printer"
	"github.com/cwbudde/polcomp/internal/sim"
)

var (
	refIterations int
	refPopulation int
	refSeed       int64
)

var referenceCmd = &cobra.Command{
	Use:   "reference",
	Short: "Compute the model optimum of the simulated bench",
	Long: `Searches the noiseless model of the configured scenario with the
Mayfly optimizer and prints the best paddle angles. The result is an upper
bound for what a closed-loop run on the same scenario can reach.`,
	RunE: runReference,
}

func init() {
	referenceCmd.Flags().IntVar(&refIterations, "iterations", 0, "Optimizer iterations (0 = default)")
	referenceCmd.Flags().IntVar(&refPopulation, "population", 0, "Optimizer population size (0 = default)")
	referenceCmd.Flags().Int64Var(&refSeed, "seed", 0, "Random seed (0 = scenario seed)")
	rootCmd.AddCommand(referenceCmd)
}

func runReference(cmd *cobra.Command, args []string) error {
	p := printer.New(cmd.OutOrStdout())

	sc, err := cfg.Scenario()
	if err != nil {
		return p.Error("Invalid simulator scenario", err.Error(), []string{"Check the sim section of your config"})
	}

	seed := sc.Seed
	if refSeed != 0 {
		seed = refSeed
	}
	opts := []opt.MayflyOption{opt.WithSeed(seed)}
	if refIterations > 0 {
		opts = append(opts, opt.WithIterations(refIterations))
	}
	if refPopulation > 0 {
		opts = append(opts, opt.WithPopulation(refPopulation))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	ref, err := sim.ReferenceOptimum(ctx, sc, opt.NewMayfly(opts...))
	if err != nil {
		return err
	}

	p.Header("Model optimum for scenario %s", sc.Name)
	for i, a := range ref.Angles {
		p.Info("  paddle %d: %7.2f°", i, a)
	}
	p.Info("  HV %.4f  DA %.4f  mean %.4f",
		ref.Visibility[device.BasisHV], ref.Visibility[device.BasisDA], ref.Mean)
	fmt.Fprintf(cmd.OutOrStdout(), "%d evaluations in %s\n", ref.Evaluations, time.Since(start).Round(time.Millisecond))
	return nil
}
