package exporter

import (
	"fmt"
)

// EnumerationError means the cursor walk broke down. The key space beyond
// the failure point is unknown, so the run is aborted.
type EnumerationError struct {
	Cursor   string
	Attempts int
	Err      error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumeration failed at cursor %q after %d attempt(s): %v", e.Cursor, e.Attempts, e.Err)
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// BatchExtractionError means one batch could not be extracted.
type BatchExtractionError struct {
	Index int
	Keys  int
	Err   error
}

func (e *BatchExtractionError) Error() string {
	return fmt.Sprintf("batch %d (%d keys) failed: %v", e.Index, e.Keys, e.Err)
}

func (e *BatchExtractionError) Unwrap() error {
	return e.Err
}

// ExportError is returned when the run result is unacceptable.
type ExportError struct {
	FailedBatches int
	Err           error
}

func (e *ExportError) Error() string {
	if e.FailedBatches > 0 {
		return fmt.Sprintf("export failed (%d failed batches): %v", e.FailedBatches, e.Err)
	}
	return fmt.Sprintf("export failed: %v", e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
