package deployment

import (
	"fmt"

	"github.com/artpar/shipper/internal/core/domain"
)

// =============================================================================
// Reconcile Phases
// =============================================================================

// Phase is the state of a reconcile on the target.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseAuthenticated Phase = "authenticated"
	PhasePulled        Phase = "pulled"
	PhaseStopped       Phase = "stopped"
	PhaseRemoved       Phase = "removed"
	PhaseStarted       Phase = "started"
	PhaseVerified      Phase = "verified"
	PhaseFailed        Phase = "failed"
	// PhaseDegraded: the previous instance is gone and no new one runs.
	PhaseDegraded Phase = "degraded"
)

// IsTerminal reports whether the phase accepts no further steps.
func (p Phase) IsTerminal() bool {
	return p == PhaseFailed || p == PhaseDegraded || p == PhaseVerified
}

// IsSuccessful reports whether the new instance has been started.
func (p Phase) IsSuccessful() bool {
	return p == PhaseStarted || p == PhaseVerified
}

// serviceSlotTouched reports whether the previous instance may already be gone.
func (p Phase) serviceSlotTouched() bool {
	return p == PhaseStopped || p == PhaseRemoved || p == PhaseStarted
}

// stepTransitions maps a completed step to the phases it may follow and the
// phase it leads to.
var stepTransitions = map[domain.Step]struct {
	from []Phase
	to   Phase
}{
	domain.StepLogin:  {[]Phase{PhasePending}, PhaseAuthenticated},
	domain.StepPull:   {[]Phase{PhasePending, PhaseAuthenticated}, PhasePulled},
	domain.StepStop:   {[]Phase{PhasePulled}, PhaseStopped},
	domain.StepRemove: {[]Phase{PhaseStopped}, PhaseRemoved},
	domain.StepStart:  {[]Phase{PhaseRemoved}, PhaseStarted},
	domain.StepVerify: {[]Phase{PhaseStarted}, PhaseVerified},
}

// =============================================================================
// Progress
// =============================================================================

// Progress tracks a reconcile step by step. It is a value owned by one
// reconcile and is not safe for concurrent use.
type Progress struct {
	Phase Phase
	// PreviousFound is true once stop or remove acted on an existing instance.
	PreviousFound bool
	Completed     []domain.Step
}

// NewProgress returns a Progress in PhasePending.
func NewProgress() *Progress {
	return &Progress{Phase: PhasePending}
}

// Complete records a step that finished successfully. absent is true when a
// tolerate-absence step found no instance.
func (p *Progress) Complete(step domain.Step, absent bool) error {
	next, err := p.next(step)
	if err != nil {
		return err
	}
	if (step == domain.StepStop || step == domain.StepRemove) && !absent {
		p.PreviousFound = true
	}
	p.Phase = next
	p.Completed = append(p.Completed, step)
	return nil
}

// Fail records a failed step and returns the taxonomy error for it. Any
// failure after the service slot was touched (stop succeeded) moves to
// PhaseDegraded; everything else moves to PhaseFailed.
func (p *Progress) Fail(cmd domain.DeploymentCommand, res domain.CommandResult) error {
	if _, err := p.next(cmd.Step); err != nil {
		return err
	}

	detail := fmt.Sprintf("%s exited %d: %s", cmd.Step, res.ExitCode, Summarize(res))

	if p.Phase.serviceSlotTouched() {
		err := p.degraded(detail)
		p.Phase = PhaseDegraded
		return err
	}
	p.Phase = PhaseFailed

	switch cmd.Step {
	case domain.StepLogin:
		if IsAuthFailure(res) {
			return domain.NewError("RemoteLogin", detail, domain.ErrAuthentication)
		}
		return domain.NewError("RemoteLogin", detail, domain.ErrPullFailed)
	case domain.StepPull:
		return domain.NewError("Pull", detail, domain.ErrPullFailed)
	default:
		return domain.NewError(string(cmd.Step), detail, domain.ErrRemoteCommand)
	}
}

// Interrupt records an interrupted run (transport failure or cancellation)
// and wraps cause. Once the service slot was touched the error also wraps
// domain.ErrTargetStateUnknown.
func (p *Progress) Interrupt(step domain.Step, cause error) error {
	touched := p.Phase.serviceSlotTouched() || step == domain.StepStop
	p.Phase = PhaseFailed
	if touched {
		return fmt.Errorf("%s interrupted after the service slot was modified: %w: %w", step, domain.ErrTargetStateUnknown, cause)
	}
	return fmt.Errorf("%s interrupted: %w", step, cause)
}

// degraded must be called before the phase moves to PhaseDegraded.
func (p *Progress) degraded(detail string) error {
	what := "no previous instance existed"
	switch {
	case p.PreviousFound && p.Phase == PhaseStopped:
		what = "previous instance was stopped"
	case p.PreviousFound:
		what = "previous instance was removed"
	}
	return fmt.Errorf("%w: %s and no new instance is serving (%s)",
		domain.ErrDeploymentDegraded, what, detail)
}

func (p *Progress) next(step domain.Step) (Phase, error) {
	if p.Phase.IsTerminal() {
		return "", fmt.Errorf("reconcile already %s, cannot run %s", p.Phase, step)
	}
	t, ok := stepTransitions[step]
	if !ok {
		return "", fmt.Errorf("unknown reconcile step %q", step)
	}
	for _, from := range t.from {
		if p.Phase == from {
			return t.to, nil
		}
	}
	return "", fmt.Errorf("disallowed step %s in phase %s", step, p.Phase)
}
