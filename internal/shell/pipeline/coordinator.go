// Package pipeline runs one deployment end to end: resolve the artifact
// reference, publish it, open the remote session and reconcile the target.
//
// Stages run strictly in order and each one is gated on the previous
// stage's success. The coordinator never retries a stage; retries live
// inside the publisher.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/shipper/internal/core/artifact"
	"github.com/artpar/shipper/internal/core/crypto"
	"github.com/artpar/shipper/internal/core/domain"
	corepipeline "github.com/artpar/shipper/internal/core/pipeline"
	"github.com/artpar/shipper/internal/shell/remote"
)

// =============================================================================
// Collaborators
// =============================================================================

// Publisher uploads the local image under the resolved reference.
type Publisher interface {
	Publish(ctx context.Context, localImage string, ref domain.ArtifactReference, creds *domain.RegistryCredentials) (domain.PublishResult, error)
}

// SessionManager opens the single remote session of a run.
type SessionManager interface {
	WithSession(ctx context.Context, target domain.RemoteTarget, fn func(remote.Session) error) error
}

// Reconciler replaces the running instance on the target.
type Reconciler interface {
	Reconcile(ctx context.Context, sess remote.Session, ref domain.ArtifactReference, target domain.RemoteTarget, creds *domain.RegistryCredentials, runID string) (domain.ReconcileResult, error)
}

// Sink receives the audit trail of a run. StageEnded is called for every
// stage that closes while the run goes on; the stage that ends the run is
// only delivered as the last entry of the result's Stages in RunFinished.
// Sink errors are logged and never change the outcome of the run.
type Sink interface {
	RunStarted(ctx context.Context, info domain.RunInfo) error
	StageEnded(ctx context.Context, runID string, rec domain.StageRecord) error
	RunFinished(ctx context.Context, res domain.PipelineResult) error
}

// =============================================================================
// Request
// =============================================================================

// Request is the input of one run. Credentials and Target.Identity are
// discarded when Run returns.
type Request struct {
	BuildID     string
	LocalImage  string
	Repository  artifact.RepositoryConfig
	Target      domain.RemoteTarget
	Credentials *domain.RegistryCredentials
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator sequences the stages of a run.
type Coordinator struct {
	publisher  Publisher
	sessions   SessionManager
	reconciler Reconciler
	sinks      []Sink
	logger     *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a coordinator. A nil logger uses slog.Default().
func New(publisher Publisher, sessions SessionManager, reconciler Reconciler, logger *slog.Logger, sinks ...Sink) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		publisher:  publisher,
		sessions:   sessions,
		reconciler: reconciler,
		sinks:      sinks,
		logger:     logger.With("component", "coordinator"),
		now:        time.Now,
		newID:      domain.GenerateRunID,
	}
}

// Run executes the pipeline and returns its terminal result. It never
// returns an error: every failure is described by the result's ErrorKind
// and ErrorDetail.
func (c *Coordinator) Run(ctx context.Context, req Request) domain.PipelineResult {
	defer req.Credentials.Discard()
	defer req.Target.Identity.Discard()

	run := corepipeline.NewRun(c.newID(), req.BuildID, c.now())
	run.ServiceName = req.Target.ServiceName
	logger := c.logger.With("run_id", run.ID, "build_id", req.BuildID)

	c.emitStarted(ctx, logger, domain.RunInfo{
		RunID:       run.ID,
		BuildID:     req.BuildID,
		ServiceName: req.Target.ServiceName,
		TargetHost:  req.Target.HostAddress,
		StartedAt:   run.StartedAt,
	})

	// Resolving
	ref, err := c.resolve(req, logger)
	if err != nil {
		return c.fail(ctx, run, err, logger)
	}
	run.Reference = ref
	if !c.advance(ctx, run, logger) {
		return c.finish(ctx, run, logger)
	}

	// Publishing
	if err := checkCancelled(ctx, domain.StagePublishing); err != nil {
		return c.fail(ctx, run, err, logger)
	}
	published, err := c.publisher.Publish(ctx, req.LocalImage, ref, req.Credentials)
	if published.Attempts > 0 {
		run.Publish = &published
	}
	if err != nil {
		return c.fail(ctx, run, err, logger)
	}
	if !c.advance(ctx, run, logger) {
		return c.finish(ctx, run, logger)
	}

	// Connecting, then Reconciling inside the session.
	if err := checkCancelled(ctx, domain.StageConnecting); err != nil {
		return c.fail(ctx, run, err, logger)
	}
	err = c.sessions.WithSession(ctx, req.Target, func(sess remote.Session) error {
		if !c.advance(ctx, run, logger) {
			return run.Cause
		}
		if err := checkCancelled(ctx, domain.StageReconciling); err != nil {
			return err
		}
		rec, err := c.reconciler.Reconcile(ctx, sess, ref, req.Target, req.Credentials, run.ID)
		run.Reconcile = &rec
		return err
	})
	if run.Done() {
		return c.finish(ctx, run, logger)
	}
	if err != nil {
		return c.fail(ctx, run, err, logger)
	}

	c.advance(ctx, run, logger)
	return c.finish(ctx, run, logger)
}

// resolve produces the artifact reference and checks the rest of the
// request before anything leaves the process.
func (c *Coordinator) resolve(req Request, logger *slog.Logger) (domain.ArtifactReference, error) {
	ref, err := artifact.Resolve(req.BuildID, req.Repository)
	if err != nil {
		return domain.ArtifactReference{}, err
	}
	if strings.TrimSpace(req.LocalImage) == "" {
		return domain.ArtifactReference{}, domain.NewError("Resolve", "local image is required", domain.ErrConfiguration)
	}
	if err := req.Target.Validate(); err != nil {
		return domain.ArtifactReference{}, domain.NewError("Resolve", "target: "+err.Error(), domain.ErrConfiguration)
	}
	if req.Target.Identity.IsEmpty() {
		return domain.ArtifactReference{}, domain.NewError("Resolve", "ssh identity is required", domain.ErrConfiguration)
	}
	fingerprint, err := crypto.Fingerprint(req.Target.Identity)
	if err != nil {
		return domain.ArtifactReference{}, domain.NewError("Resolve", "ssh identity: "+err.Error(), domain.ErrConfiguration)
	}

	logger.Info("artifact resolved",
		"reference", ref.FloatingRef(),
		"build_ref", ref.BuildRef(),
		"target", req.Target.SSHAddress(),
		"service", req.Target.ServiceName,
		"identity", fingerprint,
		"credentials", req.Credentials.Redacted(),
	)
	return ref, nil
}

// advance closes the current stage. It reports false when the transition
// was rejected, in which case the run has been failed.
func (c *Coordinator) advance(ctx context.Context, run *corepipeline.Run, logger *slog.Logger) bool {
	rec, err := run.Advance(c.now())
	if err != nil {
		c.failRun(ctx, run, domain.NewError("Advance", err.Error(), err), logger)
		return false
	}
	logger.Info("stage completed", "stage", rec.Stage, "duration", rec.Duration(), "next", run.Stage)
	if !run.Done() {
		c.emitStage(ctx, logger, run.ID, rec)
	}
	return true
}

// fail moves the run to Failed and returns the terminal result.
func (c *Coordinator) fail(ctx context.Context, run *corepipeline.Run, cause error, logger *slog.Logger) domain.PipelineResult {
	c.failRun(ctx, run, cause, logger)
	return c.finish(ctx, run, logger)
}

func (c *Coordinator) failRun(ctx context.Context, run *corepipeline.Run, cause error, logger *slog.Logger) {
	if run.Done() {
		return
	}
	rec, err := run.Fail(cause, c.now())
	if err != nil {
		logger.Error("fail run", "error", err)
		return
	}
	logger.Error("stage failed",
		"stage", rec.Stage,
		"duration", rec.Duration(),
		"error_kind", domain.KindOf(cause),
		"error", cause,
	)
}

func (c *Coordinator) finish(ctx context.Context, run *corepipeline.Run, logger *slog.Logger) domain.PipelineResult {
	res := run.Result()

	attrs := []any{
		"success", res.Success,
		"stage_reached", res.StageReached,
		"duration", res.Duration(),
	}
	switch {
	case res.Success:
		logger.Info("run succeeded", attrs...)
	case res.RequiresIntervention():
		logger.Error("run failed, manual intervention required", append(attrs, "error_kind", res.ErrorKind, "detail", res.ErrorDetail)...)
	default:
		logger.Warn("run failed", append(attrs, "error_kind", res.ErrorKind, "detail", res.ErrorDetail)...)
	}

	// Sinks must record the outcome even when the run was cancelled.
	sinkCtx := context.WithoutCancel(ctx)
	for _, s := range c.sinks {
		if err := s.RunFinished(sinkCtx, res); err != nil {
			logger.Warn("sink failed to record run", "error", err)
		}
	}
	return res
}

func (c *Coordinator) emitStarted(ctx context.Context, logger *slog.Logger, info domain.RunInfo) {
	logger.Info("run started", "service", info.ServiceName, "host", info.TargetHost)
	for _, s := range c.sinks {
		if err := s.RunStarted(context.WithoutCancel(ctx), info); err != nil {
			logger.Warn("sink failed to record run start", "error", err)
		}
	}
}

func (c *Coordinator) emitStage(ctx context.Context, logger *slog.Logger, runID string, rec domain.StageRecord) {
	for _, s := range c.sinks {
		if err := s.StageEnded(context.WithoutCancel(ctx), runID, rec); err != nil {
			logger.Warn("sink failed to record stage", "stage", rec.Stage, "error", err)
		}
	}
}

func checkCancelled(ctx context.Context, next domain.Stage) error {
	if err := ctx.Err(); err != nil {
		return domain.NewError("Run", fmt.Sprintf("cancelled before %s: %v", next, err), domain.ErrCancelled)
	}
	return nil
}
