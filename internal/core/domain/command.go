package domain

// =============================================================================
// Deployment Commands
// =============================================================================

// FailurePolicy decides how a non-zero exit of a DeploymentCommand is treated.
type FailurePolicy string

const (
	// PolicyFatal aborts the reconcile on any failure.
	PolicyFatal FailurePolicy = "fatal"
	// PolicyTolerateAbsence accepts "no such container" as success.
	PolicyTolerateAbsence FailurePolicy = "tolerate-absence"
	// PolicyBestEffort ignores failures; used only for post-run cleanup.
	PolicyBestEffort FailurePolicy = "best-effort"
)

// Step names a reconcile step.
type Step string

const (
	StepLogin  Step = "login"
	StepPull   Step = "pull"
	StepStop   Step = "stop"
	StepRemove Step = "remove"
	StepStart  Step = "start"
	StepVerify Step = "verify"
	StepLogout Step = "logout"
)

// DeploymentCommand is one remote shell invocation. It is built per run,
// executed once and discarded; it is never retried within a run.
type DeploymentCommand struct {
	Step        Step
	Description string
	Invocation  string
	// Stdin carries secret input (e.g. a registry password). Never log it.
	Stdin  []byte
	Policy FailurePolicy
}

// CommandResult is the outcome of one remote command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Succeeded reports a zero exit status.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}
