package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cwbudde/polcomp/internal/search"
)

// TraceWriter appends search events to <baseDir>/runs/<runID>/trace.jsonl,
// one JSON object per line. It is safe for concurrent use and implements
// search.Observer.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	failed bool
}

// NewTraceWriter opens the trace of runID. If append is false an existing
// trace is truncated.
func NewTraceWriter(baseDir, runID string, append bool) (*TraceWriter, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	dir := runDir(baseDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	path := filepath.Join(dir, "trace.jsonl")
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write buffers one event. Data reaches the file on Flush or Close.
func (tw *TraceWriter) Write(e search.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace event: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Observe writes e and logs the first failure. A trace is best-effort and
// never stops a run.
func (tw *TraceWriter) Observe(e search.Event) {
	if err := tw.Write(e); err != nil {
		tw.mu.Lock()
		first := !tw.failed
		tw.failed = true
		tw.mu.Unlock()
		if first {
			slog.Warn("Trace write failed", "path", tw.path, "error", err)
		}
	}
}

// Flush writes buffered events and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the trace file path.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads events back from a trace file.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens the trace of runID.
func NewTraceReader(baseDir, runID string) (*TraceReader, error) {
	path := filepath.Join(runDir(baseDir, runID), "trace.jsonl")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &TraceReader{
		file:    file,
		scanner: scanner,
	}, nil
}

// Read returns the next event, or io.EOF at the end of the trace.
func (tr *TraceReader) Read() (*search.Event, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var e search.Event
	if err := json.Unmarshal(tr.scanner.Bytes(), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace event: %w", err)
	}
	return &e, nil
}

// ReadAll reads every remaining event.
func (tr *TraceReader) ReadAll() ([]search.Event, error) {
	var events []search.Event
	for {
		e, err := tr.Read()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
}

// Close closes the trace file.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// DeleteTrace removes the trace of runID. A missing trace is not an error.
func DeleteTrace(baseDir, runID string) error {
	path := filepath.Join(runDir(baseDir, runID), "trace.jsonl")

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}
	return nil
}
