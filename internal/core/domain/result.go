package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Publish / Reconcile Results
// =============================================================================

// PublishResult describes a completed upload to the registry.
type PublishResult struct {
	Reference  ArtifactReference `json:"reference" yaml:"reference"`
	Digest     string            `json:"digest,omitempty" yaml:"digest,omitempty"`
	Tags       []string          `json:"tags" yaml:"tags"`
	Attempts   int               `json:"attempts" yaml:"attempts"`
	RetryCount int               `json:"retry_count" yaml:"retry_count"`
	PushedAt   time.Time         `json:"pushed_at" yaml:"pushed_at"`
}

// ReconcileResult describes what the reconciler did on the target.
type ReconcileResult struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
	Image       string `json:"image" yaml:"image"`
	ContainerID string `json:"container_id,omitempty" yaml:"container_id,omitempty"`
	// PreviousFound is false when stop/remove tolerated an absent instance.
	PreviousFound bool     `json:"previous_found" yaml:"previous_found"`
	StepsRun      []string `json:"steps_run" yaml:"steps_run"`
	FinalStep     string   `json:"final_step" yaml:"final_step"`
}

// =============================================================================
// Pipeline Result
// =============================================================================

// PipelineResult is the terminal value of a run. Treat it as immutable once
// returned by the coordinator.
type PipelineResult struct {
	RunID        string            `json:"run_id" yaml:"run_id"`
	BuildID      string            `json:"build_id" yaml:"build_id"`
	ServiceName  string            `json:"service_name" yaml:"service_name"`
	StageReached Stage             `json:"stage_reached" yaml:"stage_reached"`
	Success      bool              `json:"success" yaml:"success"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ErrorDetail  string            `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	Reference    ArtifactReference `json:"reference" yaml:"reference"`
	Publish      *PublishResult    `json:"publish,omitempty" yaml:"publish,omitempty"`
	Reconcile    *ReconcileResult  `json:"reconcile,omitempty" yaml:"reconcile,omitempty"`
	Stages       []StageRecord     `json:"stages" yaml:"stages"`
	StartedAt    time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time         `json:"finished_at" yaml:"finished_at"`

	// TargetStateUnknown is set when the run was interrupted after the
	// reconciler touched the running instance.
	TargetStateUnknown bool `json:"target_state_unknown,omitempty" yaml:"target_state_unknown,omitempty"`
}

// RunInfo identifies a run before it has a result.
type RunInfo struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	BuildID     string    `json:"build_id" yaml:"build_id"`
	ServiceName string    `json:"service_name" yaml:"service_name"`
	TargetHost  string    `json:"target_host" yaml:"target_host"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
}

// GenerateRunID generates a new run ID with "run_" prefix.
func GenerateRunID() string {
	return "run_" + uuid.New().String()[:8]
}

// RequiresIntervention returns true when the target may be left without a
// running instance: a degraded reconcile, an interrupted reconcile that had
// touched the instance, or a run cancelled while reconciling.
func (r PipelineResult) RequiresIntervention() bool {
	if r.ErrorKind == KindDeploymentDegraded || r.TargetStateUnknown {
		return true
	}
	return r.ErrorKind == KindCancelled && r.StageReached == StageReconciling
}

// SafeToRerun returns true when the failure happened before the target was
// modified, so re-invoking the pipeline is harmless.
func (r PipelineResult) SafeToRerun() bool {
	if r.Success {
		return true
	}
	return !r.RequiresIntervention()
}

// Duration returns the wall time of the run.
func (r PipelineResult) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
