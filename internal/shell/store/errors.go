// Package store persists the audit history of pipeline runs.
package store

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already recorded")
	// ErrUnknownRun is returned for a stage record of a run that was never started.
	ErrUnknownRun = errors.New("stage record references unknown run")

	ErrOpen      = errors.New("cannot open audit database")
	ErrMigration = errors.New("audit schema migration failed")
	ErrCorrupt   = errors.New("stored run cannot be decoded")
	ErrTx        = errors.New("audit transaction failed")
)

// StoreError carries the run and table an audit operation touched.
type StoreError struct {
	Op    string // e.g. "RunStarted"
	RunID string
	Table string // "runs" or "stage_records"
	Err   error
	// Cause is the driver error, kept for the message only.
	Cause error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Table != "" {
		b.WriteString(" " + e.Table)
	}
	if e.RunID != "" {
		b.WriteString(" [" + e.RunID + "]")
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, table, runID string, sentinel, cause error) *StoreError {
	return &StoreError{Op: op, RunID: runID, Table: table, Err: sentinel, Cause: cause}
}
