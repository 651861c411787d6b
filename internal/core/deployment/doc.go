// Package deployment provides pure functions for planning a remote container
// replacement.
//
// This package contains the functional core of the reconciler: it turns an
// artifact reference and a remote target into an ordered list of typed
// DeploymentCommand values, classifies command outcomes, and tracks the
// non-atomic stop/remove/start sequence as an explicit state machine with a
// recognized degraded terminal state. All functions are pure (no I/O, no
// side effects).
//
// # Functions
//
//   - Plan: Build the ordered command list (BuildPlan)
//   - Quoting: Quote shell words for the remote shell (Quote, Join)
//   - Ports: Parse "host:container[/proto]" mappings (ParsePortMapping)
//   - Classify: Recognize absence and auth failures in command output (IsAbsence, IsAuthFailure)
//   - Progress: Track completed steps and derive the failure outcome (Progress)
//
// # Usage
//
// The imperative shell (internal/shell/reconciler) executes the plan over a
// remote session and feeds each result back into Progress.
//
//	plan, err := deployment.BuildPlan(ref, target, opts)
//	progress := deployment.NewProgress()
//	for _, cmd := range plan.Commands {
//	    res, err := session.Run(ctx, cmd)
//	    ...
//	}
package deployment
