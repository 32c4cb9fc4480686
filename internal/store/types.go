package store

import (
	"time"

	"github.com/cwbudde/polcomp/internal/search"
	"github.com/cwbudde/polcomp/internal/sim"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

func (s Status) valid() bool {
	return s == StatusPending || s == StatusRunning || s.Terminal()
}

// Report is the persisted record of one compensation run.
type Report struct {
	RunID  string `json:"runId"`
	Status Status `json:"status"`

	// Bench names the scenario or hardware the run drove.
	Bench string `json:"bench"`

	// Config is the search configuration in force for the run.
	Config search.Config `json:"config"`

	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Outcome is set once the search has returned.
	Outcome *search.Outcome `json:"outcome,omitempty"`

	// Reference is the model optimum, computed only for simulated benches
	// when requested.
	Reference *sim.Reference `json:"reference,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewReport creates a pending report for a run.
func NewReport(runID, bench string, cfg search.Config) *Report {
	return &Report{
		RunID:     runID,
		Status:    StatusPending,
		Bench:     bench,
		Config:    cfg,
		CreatedAt: time.Now(),
	}
}

// Finish records the search result and derives the terminal status.
func (r *Report) Finish(o *search.Outcome, err error) {
	r.FinishedAt = time.Now()
	r.Outcome = o
	switch {
	case err != nil:
		r.Error = err.Error()
		r.Status = StatusError
	case o != nil && o.Success:
		r.Status = StatusSucceeded
	default:
		r.Status = StatusFailed
	}
}

// Duration is the time between start and finish, or zero while unfinished.
func (r *Report) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Validate checks that the report is internally consistent.
func (r *Report) Validate() error {
	if r.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if !r.Status.valid() {
		return &ValidationError{Field: "Status", Reason: "unknown value " + string(r.Status)}
	}
	if r.CreatedAt.IsZero() {
		return &ValidationError{Field: "CreatedAt", Reason: "cannot be zero"}
	}
	if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() && r.FinishedAt.Before(r.StartedAt) {
		return &ValidationError{Field: "FinishedAt", Reason: "is before StartedAt"}
	}
	if (r.Status == StatusSucceeded || r.Status == StatusFailed) && r.Outcome == nil {
		return &ValidationError{Field: "Outcome", Reason: "required for status " + string(r.Status)}
	}
	if r.Status == StatusError && r.Error == "" {
		return &ValidationError{Field: "Error", Reason: "required for status error"}
	}
	if err := r.Config.Validate(); err != nil {
		return &ValidationError{Field: "Config", Reason: err.Error()}
	}
	return nil
}

// ReportInfo summarizes a report for listings.
type ReportInfo struct {
	RunID     string        `json:"runId"`
	Status    Status        `json:"status"`
	Bench     string        `json:"bench"`
	CreatedAt time.Time     `json:"createdAt"`
	Duration  time.Duration `json:"duration"`
	Cycles    int           `json:"cycles"`
	Mean      float64       `json:"mean"`
}

// ToInfo extracts the listing summary.
func (r *Report) ToInfo() ReportInfo {
	info := ReportInfo{
		RunID:     r.RunID,
		Status:    r.Status,
		Bench:     r.Bench,
		CreatedAt: r.CreatedAt,
		Duration:  r.Duration(),
	}
	if r.Outcome != nil {
		info.Cycles = r.Outcome.Cycles
		info.Mean = r.Outcome.Mean
	}
	return info
}

// ValidationError reports a malformed report.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
