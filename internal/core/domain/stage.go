package domain

import "time"

// =============================================================================
// Pipeline Stages
// =============================================================================

// Stage is a state of the pipeline coordinator.
type Stage string

const (
	StageResolving   Stage = "Resolving"
	StagePublishing  Stage = "Publishing"
	StageConnecting  Stage = "Connecting"
	StageReconciling Stage = "Reconciling"
	StageSucceeded   Stage = "Succeeded"
	StageFailed      Stage = "Failed"
)

// Stages returns the working stages in execution order.
func Stages() []Stage {
	return []Stage{StageResolving, StagePublishing, StageConnecting, StageReconciling}
}

// IsValid checks if the stage is known.
func (s Stage) IsValid() bool {
	switch s {
	case StageResolving, StagePublishing, StageConnecting, StageReconciling, StageSucceeded, StageFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Stage) IsTerminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// =============================================================================
// Stage Records
// =============================================================================

// StageRecord is one audit entry: a stage, when it ran and how it ended.
type StageRecord struct {
	Stage     Stage     `json:"stage" yaml:"stage"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time `json:"ended_at" yaml:"ended_at"`
	Success   bool      `json:"success" yaml:"success"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration returns how long the stage ran.
func (r StageRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
