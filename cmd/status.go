package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/polcomp/internal/printer"
	"github.com/cwbudde/polcomp/internal/server"
	"github.com/cwbudde/polcomp/internal/store"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Query server status or specific run",
	Long: `Queries a running server. Without a run-id it shows the bench and
lists all runs; with a run-id it shows that run in detail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	p := printer.New(cmd.OutOrStdout())
	client := &http.Client{Timeout: 10 * time.Second}

	if len(args) == 1 {
		var report store.Report
		if err := getJSON(client, serverURL+"/api/v1/runs/"+args[0], &report); err != nil {
			return err
		}
		printReport(p, report)
		return nil
	}

	var bench server.BenchState
	if err := getJSON(client, serverURL+"/api/v1/paddles", &bench); err != nil {
		return err
	}
	p.Header("Bench %s", bench.Bench)
	holder := bench.Holder
	if holder == "" {
		holder = "free"
	}
	p.Info("  Holder: %s", holder)
	for _, ps := range bench.Paddles {
		p.Info("  %s: %.2f°", ps.Paddle, ps.Angle)
	}

	var runs []store.Report
	if err := getJSON(client, serverURL+"/api/v1/runs", &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		p.Info("No runs found")
		return nil
	}
	p.Header("Found %d run(s)", len(runs))
	for _, r := range runs {
		line := fmt.Sprintf("  %s  %-9s  %s", r.RunID, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"))
		if r.Outcome != nil {
			line += fmt.Sprintf("  cycles %d  mean %.4f", r.Outcome.Cycles, r.Outcome.Mean)
		}
		p.Info("%s", line)
	}
	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// printReport shows one report with its outcome.
func printReport(p *printer.Printer, r store.Report) {
	p.Header("Run %s", r.RunID)
	p.Info("  Status:   %s", r.Status)
	p.Info("  Bench:    %s", r.Bench)
	p.Info("  Created:  %s", r.CreatedAt.Format(time.RFC3339))
	if d := r.Duration(); d > 0 {
		p.Info("  Duration: %s", d.Round(time.Millisecond))
	}
	p.Info("  Targets:  %s %.3f, %s %.3f, global %.3f",
		r.Config.Bases[0].Basis, r.Config.Bases[0].Visibility,
		r.Config.Bases[1].Basis, r.Config.Bases[1].Visibility,
		r.Config.GlobalTarget)
	if r.Error != "" {
		p.Warning("%s", r.Error)
	}
	if r.Outcome != nil {
		p.Outcome(*r.Outcome, r.Config.GlobalTarget)
	}
	if r.Reference != nil {
		p.Info("Model optimum: mean %.4f", r.Reference.Mean)
	}
}
