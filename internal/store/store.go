package store

// Store persists finished and in-flight run reports.
// Implementations must be safe for concurrent use.
//
// Error handling conventions:
//   - Return a *NotFoundError if the run doesn't exist (for Load/Delete)
//   - Return a *ValidationError if a report is malformed
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveReport atomically writes the report under its RunID, replacing any
	// earlier version.
	SaveReport(report *Report) error

	// LoadReport retrieves the report for runID.
	LoadReport(runID string) (*Report, error)

	// ListReports returns summaries of all stored runs, newest first.
	ListReports() ([]ReportInfo, error)

	// DeleteRun removes the report and all artifacts of the run, including
	// its trace.
	DeleteRun(runID string) error
}

// ErrNotFound matches any *NotFoundError with errors.Is.
var ErrNotFound = &NotFoundError{}

// NotFoundError reports a missing run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
