package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/polcomp/internal/printer"
	"github.com/cwbudde/polcomp/internal/search"
	"github.com/cwbudde/polcomp/internal/store"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool
	showYAML      bool
	showTrace     bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage stored run reports",
	Long:  `List, inspect and clean the reports and event traces written to the data directory.`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs",
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one stored run",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var cleanRunsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old runs",
	Long: `Delete old runs based on retention policy.
You can keep only the newest N runs or delete runs older than N days.`,
	RunE: runCleanRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(listRunsCmd)
	runsCmd.AddCommand(showRunCmd)
	runsCmd.AddCommand(cleanRunsCmd)

	showRunCmd.Flags().BoolVar(&showYAML, "yaml", false, "Print the full report as YAML")
	showRunCmd.Flags().BoolVar(&showTrace, "trace", false, "Print the event trace")

	cleanRunsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N runs (0 = keep all)")
	cleanRunsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanRunsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func openStore() (*store.FSStore, error) {
	fs, err := store.NewFSStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return fs, nil
}

func runListRuns(cmd *cobra.Command, args []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}
	infos, err := fs.ListReports()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tCREATED\tSTATUS\tCYCLES\tMEAN\tDURATION\tSIZE")
	fmt.Fprintln(w, "------\t-------\t------\t------\t----\t--------\t----")
	for _, info := range infos {
		size, err := getDirSize(filepath.Join(fs.BaseDir(), "runs", info.RunID))
		sizeStr := "unknown"
		if err == nil {
			sizeStr = formatBytes(size)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.4f\t%s\t%s\n",
			shortID(info.RunID),
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.Status,
			info.Cycles,
			info.Mean,
			info.Duration.Round(time.Millisecond),
			sizeStr,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal runs: %d\n", len(infos))
	return nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}
	report, err := fs.LoadReport(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if showYAML {
		data, err := reportYAML(report)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	printReport(printer.New(out), *report)

	if showTrace {
		reader, err := store.NewTraceReader(fs.BaseDir(), report.RunID)
		if err != nil {
			return err
		}
		defer reader.Close()
		events, err := reader.ReadAll()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nTrace (%d events):\n", len(events))
		for _, e := range events {
			fmt.Fprintln(out, "  "+formatEvent(e))
		}
	}
	return nil
}

// reportYAML renders the report with the same field names as its JSON form.
func reportYAML(r *store.Report) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

func runCleanRuns(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	fs, err := openStore()
	if err != nil {
		return err
	}
	infos, err := fs.ListReports()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs to clean.")
		return nil
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No runs match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s, %s)\n",
			shortID(info.RunID),
			info.Status,
			info.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := fs.DeleteRun(info.RunID); err != nil {
			slog.Error("Failed to delete run", "run_id", info.RunID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted run", "run_id", info.RunID)
		deleted++
	}

	fmt.Fprintf(out, "\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion applies the retention policy. Runs that are still
// pending or running are never selected.
func selectRunsForDeletion(infos []store.ReportInfo, keepLast int, olderThanDays int, now time.Time) []store.ReportInfo {
	var candidates []store.ReportInfo
	for _, info := range infos {
		if info.Status.Terminal() {
			candidates = append(candidates, info)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})

	selected := make(map[string]bool)
	var toDelete []store.ReportInfo
	add := func(info store.ReportInfo) {
		if !selected[info.RunID] {
			selected[info.RunID] = true
			toDelete = append(toDelete, info)
		}
	}

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range candidates {
			if info.CreatedAt.Before(cutoff) {
				add(info)
			}
		}
	}

	if keepLast > 0 && len(candidates) > keepLast {
		for _, info := range candidates[keepLast:] {
			add(info)
		}
	}

	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatEvent renders one trace line.
func formatEvent(e search.Event) string {
	ts := e.Time.Format("15:04:05.000")
	switch e.Kind {
	case search.EventState:
		return fmt.Sprintf("%s  cycle %d %s attempt %d -> %s (threshold %.3f)", ts, e.Cycle, e.Basis, e.Attempt, e.State, e.Threshold)
	case search.EventMeasurement:
		return fmt.Sprintf("%s  %-6s %s %.4f", ts, e.Phase, e.Basis, e.Visibility)
	case search.EventMoveSkipped:
		return fmt.Sprintf("%s  %-6s skip %s -> %.2f: %s", ts, e.Phase, e.Paddle, e.Target, e.Reason)
	case search.EventRanking:
		return fmt.Sprintf("%s  ranking %s %v", ts, e.Basis, e.Ranking)
	case search.EventBasisDone:
		return fmt.Sprintf("%s  %s done %.4f success=%t", ts, e.Basis, e.Visibility, e.Success)
	case search.EventCycleDone:
		return fmt.Sprintf("%s  cycle %d mean %.4f success=%t", ts, e.Cycle, e.Mean, e.Success)
	default:
		return fmt.Sprintf("%s  %s", ts, e.Kind)
	}
}
