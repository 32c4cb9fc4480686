package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/search"
)

func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()
	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, tempDir
}

func createTestReport(runID string) *Report {
	r := NewReport(runID, "default", search.DefaultConfig())
	r.CreatedAt = time.Now().Add(-time.Second)
	r.Status = StatusRunning
	r.StartedAt = r.CreatedAt.Add(time.Millisecond)
	r.Finish(&search.Outcome{
		Success:       true,
		Cycles:        1,
		Mean:          0.975,
		FinalReadings: map[device.Basis]float64{device.BasisHV: 0.96, device.BasisDA: 0.99},
		Bases: []search.BasisResult{
			{Basis: device.BasisHV, Target: 0.95, Threshold: 0.95, Visibility: 0.96, Attempts: 1, Success: true},
			{Basis: device.BasisDA, Target: 0.98, Threshold: 0.98, Visibility: 0.99, Attempts: 1, Success: true},
		},
		Angles: map[device.Paddle]float64{1: 0, 2: 40, 3: 170},
	}, nil)
	return r
}

func TestNewFSStore(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != tempDir {
		t.Errorf("Expected baseDir %s, got %s", tempDir, store.BaseDir())
	}
	if _, err := os.Stat(tempDir); err != nil {
		t.Errorf("Base directory not created: %v", err)
	}
}

func TestSaveAndLoadReport(t *testing.T) {
	store, tempDir := setupTestStore(t)

	report := createTestReport("run-1")
	if err := store.SaveReport(report); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	path := filepath.Join(tempDir, "runs", "run-1", "report.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("report.json not written: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file left behind")
	}

	loaded, err := store.LoadReport("run-1")
	if err != nil {
		t.Fatalf("LoadReport failed: %v", err)
	}

	if loaded.Status != StatusSucceeded {
		t.Errorf("Expected status %s, got %s", StatusSucceeded, loaded.Status)
	}
	if loaded.Outcome == nil {
		t.Fatal("Outcome not persisted")
	}
	if loaded.Outcome.Mean != 0.975 {
		t.Errorf("Expected mean 0.975, got %f", loaded.Outcome.Mean)
	}
	if loaded.Outcome.FinalReadings[device.BasisDA] != 0.99 {
		t.Errorf("Expected DA reading 0.99, got %f", loaded.Outcome.FinalReadings[device.BasisDA])
	}
	if loaded.Outcome.Angles[2] != 40 {
		t.Errorf("Expected paddle 2 at 40, got %f", loaded.Outcome.Angles[2])
	}
	if len(loaded.Config.GridOffsets) != len(report.Config.GridOffsets) {
		t.Errorf("Grid offsets not persisted: %v", loaded.Config.GridOffsets)
	}
	if !loaded.CreatedAt.Equal(report.CreatedAt) {
		t.Errorf("CreatedAt mismatch: expected %v, got %v", report.CreatedAt, loaded.CreatedAt)
	}
}

func TestSaveReport_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	report := NewReport("run-1", "default", search.DefaultConfig())
	if err := store.SaveReport(report); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	report.Status = StatusRunning
	report.StartedAt = time.Now()
	if err := store.SaveReport(report); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadReport("run-1")
	if err != nil {
		t.Fatalf("LoadReport failed: %v", err)
	}
	if loaded.Status != StatusRunning {
		t.Errorf("Expected status %s, got %s", StatusRunning, loaded.Status)
	}
}

func TestSaveReport_Invalid(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveReport(nil); err == nil {
		t.Error("Expected error for nil report")
	}

	report := createTestReport("")
	err := store.SaveReport(report)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected ValidationError, got %T: %v", err, err)
	}
	if vErr.Field != "RunID" {
		t.Errorf("Expected field RunID, got %s", vErr.Field)
	}
}

func TestLoadReport_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadReport("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %T: %v", err, err)
	}
}

func TestLoadReport_Corrupted(t *testing.T) {
	store, tempDir := setupTestStore(t)

	dir := filepath.Join(tempDir, "runs", "broken")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := store.LoadReport("broken")
	if err == nil {
		t.Fatal("Expected error for corrupted report")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("Corrupted report must not look missing: %v", err)
	}
}

func TestListReports_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListReports()
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected 0 reports, got %d", len(infos))
	}
}

func TestListReports_NewestFirst(t *testing.T) {
	store, _ := setupTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		r := createTestReport(id)
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		r.StartedAt = r.CreatedAt
		r.FinishedAt = r.CreatedAt.Add(2 * time.Second)
		if err := store.SaveReport(r); err != nil {
			t.Fatalf("SaveReport %s failed: %v", id, err)
		}
	}

	infos, err := store.ListReports()
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 reports, got %d", len(infos))
	}

	want := []string{"run-c", "run-b", "run-a"}
	for i, info := range infos {
		if info.RunID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], info.RunID)
		}
		if info.Duration != 2*time.Second {
			t.Errorf("%s: expected duration 2s, got %v", info.RunID, info.Duration)
		}
	}
}

func TestListReports_SkipsInvalidDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveReport(createTestReport("valid-run")); err != nil {
		t.Fatalf("Failed to save valid report: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(tempDir, "runs", "no-report"), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "runs", "dummy.txt"), []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create dummy file: %v", err)
	}
	corrupt := filepath.Join(tempDir, "runs", "corrupt")
	if err := os.MkdirAll(corrupt, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(corrupt, "report.json"), []byte("]"), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := store.ListReports()
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(infos))
	}
	if infos[0].RunID != "valid-run" {
		t.Errorf("Expected runID valid-run, got %s", infos[0].RunID)
	}
}

func TestDeleteRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveReport(createTestReport("run-del")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	tw, err := NewTraceWriter(tempDir, "run-del", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRun("run-del"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}

	if _, err := store.LoadReport("run-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError after delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "runs", "run-del")); !os.IsNotExist(err) {
		t.Errorf("Run directory still present")
	}
}

func TestDeleteRun_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.DeleteRun("nonexistent-run")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Expected NotFoundError, got %T: %v", err, err)
	}
	if nf.RunID != "nonexistent-run" {
		t.Errorf("Expected runID in error, got %q", nf.RunID)
	}
}

func TestDeleteRun_EmptyID(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.DeleteRun(""); err == nil {
		t.Fatal("Expected error for empty runID")
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	const numRuns = 10
	done := make(chan bool, numRuns)

	for i := 0; i < numRuns; i++ {
		go func(idx int) {
			runID := fmt.Sprintf("concurrent-run-%d", idx)
			if err := store.SaveReport(createTestReport(runID)); err != nil {
				t.Errorf("Concurrent save failed for run %s: %v", runID, err)
			}
			done <- true
		}(i)
	}
	for i := 0; i < numRuns; i++ {
		<-done
	}

	infos, err := store.ListReports()
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(infos) != numRuns {
		t.Errorf("Expected %d reports, got %d", numRuns, len(infos))
	}
}
