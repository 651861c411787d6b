// Package pipeline holds the stage state machine of a single deployment run.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// A run moves strictly forward through Resolving, Publishing, Connecting and
// Reconciling to Succeeded. Any working stage may move to the absorbing
// Failed state, which remembers the stage that failed and the cause.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/shipper/internal/core/domain"
)

// ErrInvalidTransition is returned for a backward, skipping or post-terminal transition.
var ErrInvalidTransition = errors.New("invalid stage transition")

// validTransitions defines the allowed forward transitions. Failed is
// reachable from every working stage and is handled separately.
var validTransitions = map[domain.Stage]domain.Stage{
	domain.StageResolving:   domain.StagePublishing,
	domain.StagePublishing:  domain.StageConnecting,
	domain.StageConnecting:  domain.StageReconciling,
	domain.StageReconciling: domain.StageSucceeded,
}

// ValidateTransition checks if a stage transition is valid.
func ValidateTransition(from, to domain.Stage) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == domain.StageFailed {
		return nil
	}
	if next, ok := validTransitions[from]; ok && next == to {
		return nil
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Run
// =============================================================================

// Run is the mutable state of one pipeline run. It is owned by a single
// coordinator goroutine.
type Run struct {
	ID          string
	BuildID     string
	ServiceName string
	Stage       domain.Stage

	// FailedStage and Cause are set once the run is Failed.
	FailedStage domain.Stage
	Cause       error

	Reference domain.ArtifactReference
	Publish   *domain.PublishResult
	Reconcile *domain.ReconcileResult

	Records    []domain.StageRecord
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewRun starts a run in Resolving.
func NewRun(id, buildID string, now time.Time) *Run {
	return &Run{
		ID:        id,
		BuildID:   buildID,
		Stage:     domain.StageResolving,
		StartedAt: now,
		Records:   []domain.StageRecord{{Stage: domain.StageResolving, StartedAt: now}},
	}
}

// Advance closes the current stage as successful and enters the next one.
// Advancing out of Reconciling finishes the run as Succeeded.
func (r *Run) Advance(now time.Time) (domain.StageRecord, error) {
	next, ok := validTransitions[r.Stage]
	if !ok {
		return domain.StageRecord{}, fmt.Errorf("%w: %s has no successor", ErrInvalidTransition, r.Stage)
	}
	if err := ValidateTransition(r.Stage, next); err != nil {
		return domain.StageRecord{}, err
	}

	closed := r.closeCurrent(now, nil)
	r.Stage = next
	if next.IsTerminal() {
		r.FinishedAt = now
	} else {
		r.Records = append(r.Records, domain.StageRecord{Stage: next, StartedAt: now})
	}
	return closed, nil
}

// Fail closes the current stage with cause and moves the run to Failed.
func (r *Run) Fail(cause error, now time.Time) (domain.StageRecord, error) {
	if err := ValidateTransition(r.Stage, domain.StageFailed); err != nil {
		return domain.StageRecord{}, err
	}
	if cause == nil {
		cause = errors.New("stage failed without a cause")
	}

	closed := r.closeCurrent(now, cause)
	r.FailedStage = r.Stage
	r.Cause = &domain.StageError{Stage: r.Stage, Err: cause}
	r.Stage = domain.StageFailed
	r.FinishedAt = now
	return closed, nil
}

// Done reports whether the run reached a terminal stage.
func (r *Run) Done() bool {
	return r.Stage.IsTerminal()
}

// Result returns the terminal PipelineResult. StageReached is the stage that
// failed for a failed run, Succeeded otherwise. The stage records are copied
// so the result does not alias the run.
func (r *Run) Result() domain.PipelineResult {
	res := domain.PipelineResult{
		RunID:        r.ID,
		BuildID:      r.BuildID,
		ServiceName:  r.ServiceName,
		StageReached: r.Stage,
		Success:      r.Stage == domain.StageSucceeded,
		Reference:    r.Reference,
		Publish:      r.Publish,
		Reconcile:    r.Reconcile,
		Stages:       append([]domain.StageRecord(nil), r.Records...),
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}

	if r.Stage == domain.StageFailed {
		res.StageReached = r.FailedStage
		res.ErrorKind = domain.KindOf(r.Cause)
		res.ErrorDetail = Detail(r.FailedStage, r.Cause)
		res.TargetStateUnknown = errors.Is(r.Cause, domain.ErrTargetStateUnknown)
	}
	return res
}

func (r *Run) closeCurrent(now time.Time, cause error) domain.StageRecord {
	i := len(r.Records) - 1
	r.Records[i].EndedAt = now
	r.Records[i].Success = cause == nil
	if cause != nil {
		r.Records[i].Error = cause.Error()
	}
	return r.Records[i]
}

// =============================================================================
// Error Detail
// =============================================================================

// Detail renders the user-visible error detail. Degraded and interrupted
// reconciles are prefixed so they cannot be mistaken for a safe failure.
func Detail(stage domain.Stage, err error) string {
	if err == nil {
		return ""
	}
	switch kind := domain.KindOf(err); {
	case kind == domain.KindDeploymentDegraded:
		return "SERVICE DOWN, manual intervention required: " + err.Error()
	case kind == domain.KindCancelled && stage == domain.StageReconciling:
		return "cancelled during reconcile, target state unspecified, verify manually: " + err.Error()
	default:
		return err.Error()
	}
}
