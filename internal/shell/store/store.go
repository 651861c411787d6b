package store

import (
	"context"

	"github.com/artpar/shipper/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store records runs as they progress and answers history queries.
type Store interface {
	// Recording, called by the coordinator as the run progresses. RunFinished
	// also records the last entry of res.Stages.
	RunStarted(ctx context.Context, info domain.RunInfo) error
	StageEnded(ctx context.Context, runID string, rec domain.StageRecord) error
	RunFinished(ctx context.Context, res domain.PipelineResult) error

	// History
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// RunStatus is the recorded state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// RunRecord is one audited run. Result.Stages is only populated by GetRun.
type RunRecord struct {
	Info   domain.RunInfo        `json:"info" yaml:"info"`
	Status RunStatus             `json:"status" yaml:"status"`
	Result domain.PipelineResult `json:"result" yaml:"result"`
}

// =============================================================================
// List Options
// =============================================================================

// ListOptions defines pagination and filter options for ListRuns.
type ListOptions struct {
	Limit       int
	Offset      int
	ServiceName string // empty lists every service
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  20,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
