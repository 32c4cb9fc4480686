package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// FSStore implements Store on the filesystem. Each run lives in
// <baseDir>/runs/<runID>/ with report.json and trace.jsonl.
//
// Writes go through a temp file and rename, so readers never see a partial
// report and no locking is needed.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a store rooted at baseDir, creating it if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

func (fs *FSStore) runsDir() string {
	return filepath.Join(fs.baseDir, "runs")
}

func (fs *FSStore) runDir(runID string) string {
	return runDir(fs.baseDir, runID)
}

func (fs *FSStore) reportPath(runID string) string {
	return filepath.Join(fs.runDir(runID), "report.json")
}

func runDir(baseDir, runID string) string {
	return filepath.Join(baseDir, "runs", runID)
}

// SaveReport validates and atomically writes the report.
func (fs *FSStore) SaveReport(report *Report) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	if err := report.Validate(); err != nil {
		return err
	}

	dir := fs.runDir(report.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}

	finalPath := fs.reportPath(report.RunID)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp report file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename report file: %w", err)
	}

	slog.Debug("Report saved", "runID", report.RunID, "status", report.Status, "path", finalPath)
	return nil
}

// LoadReport reads the report of runID.
func (fs *FSStore) LoadReport(runID string) (*Report, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}

	path := fs.reportPath(runID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{RunID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to deserialize report: %w", err)
	}

	slog.Debug("Report loaded", "runID", runID, "path", path)
	return &report, nil
}

// ListReports returns summaries of every readable report, newest first.
// Directories without a report and corrupted reports are skipped.
func (fs *FSStore) ListReports() ([]ReportInfo, error) {
	entries, err := os.ReadDir(fs.runsDir())
	if os.IsNotExist(err) {
		return []ReportInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []ReportInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		runID := entry.Name()
		if _, err := os.Stat(fs.reportPath(runID)); os.IsNotExist(err) {
			continue
		}

		report, err := fs.LoadReport(runID)
		if err != nil {
			slog.Warn("Failed to load report for listing", "runID", runID, "error", err)
			continue
		}
		infos = append(infos, report.ToInfo())
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].RunID < infos[j].RunID
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	slog.Debug("Listed reports", "count", len(infos))
	return infos, nil
}

// DeleteRun removes the run directory with all artifacts.
func (fs *FSStore) DeleteRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}

	dir := fs.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{RunID: runID}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}

	slog.Debug("Run deleted", "runID", runID, "path", dir)
	return nil
}
