// Package reconciler drives the target host to run exactly one instance of
// the service from the freshly published floating tag.
package reconciler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/shipper/internal/core/deployment"
	"github.com/artpar/shipper/internal/core/domain"
	"github.com/artpar/shipper/internal/shell/remote"
)

// logoutTimeout bounds the best-effort logout, which also runs after the
// run's context is cancelled.
const logoutTimeout = 30 * time.Second

// Config controls optional reconcile steps.
type Config struct {
	// RemoteLogin logs the target host in to the registry before pulling.
	RemoteLogin bool `mapstructure:"remote_login"`
	// Verify inspects the new instance after start.
	Verify bool `mapstructure:"verify"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{RemoteLogin: true, Verify: true}
}

// Reconciler executes a deployment plan over a remote session.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a reconciler. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{cfg: cfg, logger: logger.With("component", "reconciler")}
}

// Reconcile pulls the floating tag and replaces the instance named
// target.ServiceName. Running it twice for the same artifact ends in the
// same state: the second run finds and replaces the first run's instance.
//
// Errors wrap domain.ErrAuthentication (remote login), domain.ErrPullFailed,
// domain.ErrRemoteCommand, domain.ErrDeploymentDegraded, or the session's
// domain.ErrUnreachableHost / domain.ErrCancelled when a command's outcome
// is unknown.
func (r *Reconciler) Reconcile(ctx context.Context, sess remote.Session, ref domain.ArtifactReference, target domain.RemoteTarget, creds *domain.RegistryCredentials, runID string) (result domain.ReconcileResult, err error) {
	opts := deployment.PlanOptions{RunID: runID, Verify: r.cfg.Verify}
	if r.cfg.RemoteLogin && creds != nil {
		opts.Login = creds
	}

	plan, err := deployment.BuildPlan(ref, target, opts)
	if err != nil {
		return domain.ReconcileResult{}, domain.NewError("Plan", err.Error(), domain.ErrConfiguration)
	}

	logger := r.logger.With("service", target.ServiceName, "image", plan.Image, "run_id", runID)
	logger.Info("reconciling target", "steps", len(plan.Commands))

	progress := deployment.NewProgress()
	result = domain.ReconcileResult{ServiceName: target.ServiceName, Image: plan.Image}
	defer func() {
		result.PreviousFound = progress.PreviousFound
		for _, step := range progress.Completed {
			result.StepsRun = append(result.StepsRun, string(step))
		}
	}()

	if plan.Logout != nil {
		defer r.logout(ctx, sess, *plan.Logout, progress, logger)
	}

	for _, cmd := range plan.Commands {
		result.FinalStep = string(cmd.Step)

		res, err := sess.Run(ctx, cmd)
		if err != nil {
			logger.Error("reconcile interrupted", "step", cmd.Step, "error", err)
			return result, progress.Interrupt(cmd.Step, err)
		}

		absent := false
		switch {
		case cmd.Step == domain.StepVerify && res.Succeeded():
			report := deployment.ParseVerifyOutput(res.Stdout)
			switch {
			case !report.Running:
				res = domain.CommandResult{ExitCode: 1, Stdout: res.Stdout, Stderr: "instance is not running"}
				return result, r.fail(progress, cmd, res, logger)
			case !report.Binds(target):
				res = domain.CommandResult{ExitCode: 1, Stdout: res.Stdout, Stderr: "instance is not bound to " + target.PortMapping()}
				return result, r.fail(progress, cmd, res, logger)
			}
			if report.ContainerID != "" {
				result.ContainerID = report.ContainerID
			}
		case cmd.Step == domain.StepStart && res.Succeeded():
			result.ContainerID = firstLine(res.Stdout)
		case res.Succeeded():
		case cmd.Policy == domain.PolicyTolerateAbsence && deployment.IsAbsence(res):
			absent = true
			logger.Info("no previous instance", "step", cmd.Step)
		default:
			return result, r.fail(progress, cmd, res, logger)
		}

		if err := progress.Complete(cmd.Step, absent); err != nil {
			return result, domain.NewError("Reconcile", err.Error(), domain.ErrRemoteCommand)
		}
		logger.Debug("step completed", "step", cmd.Step, "phase", progress.Phase)
	}

	logger.Info("target reconciled",
		"container_id", result.ContainerID,
		"previous_found", progress.PreviousFound,
	)
	return result, nil
}

func (r *Reconciler) fail(progress *deployment.Progress, cmd domain.DeploymentCommand, res domain.CommandResult, logger *slog.Logger) error {
	err := progress.Fail(cmd, res)
	if progress.Phase == deployment.PhaseDegraded {
		logger.Error("DEPLOYMENT DEGRADED: service has no running instance",
			"step", cmd.Step,
			"exit_code", res.ExitCode,
			"previous_found", progress.PreviousFound,
		)
	} else {
		logger.Error("reconcile step failed", "step", cmd.Step, "exit_code", res.ExitCode)
	}
	return err
}

// logout drops the remote registry session once the login step ran. Its
// failure never changes the outcome.
func (r *Reconciler) logout(ctx context.Context, sess remote.Session, cmd domain.DeploymentCommand, progress *deployment.Progress, logger *slog.Logger) {
	if len(progress.Completed) == 0 || progress.Completed[0] != domain.StepLogin {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()

	res, err := sess.Run(ctx, cmd)
	switch {
	case err != nil:
		logger.Warn("registry logout failed", "error", err)
	case !res.Succeeded():
		logger.Warn("registry logout failed", "exit_code", res.ExitCode, "output", deployment.Summarize(res))
	default:
		logger.Debug("registry logout done")
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
