// Package domain contains the core value types of a deployment run and the
// error taxonomy shared by every stage.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrConfiguration is returned before any side effect when repository
	// coordinates or target settings are missing or malformed.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuthentication covers both registry and remote-host credential failures.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNetwork is the only retryable error, and only inside the publisher.
	ErrNetwork = errors.New("network error")

	// ErrRegistryRejected is returned when the registry refuses the upload
	// (quota, malformed image, missing local image).
	ErrRegistryRejected = errors.New("registry rejected artifact")

	// ErrUnreachableHost is returned when the SSH channel cannot be established.
	ErrUnreachableHost = errors.New("host unreachable")

	// ErrPullFailed is returned when the target cannot pull the floating tag.
	ErrPullFailed = errors.New("image pull failed")

	// ErrRemoteCommand is returned when a fatal remote step fails for a reason
	// other than the ones above (e.g. permission denied on stop).
	ErrRemoteCommand = errors.New("remote command failed")

	// ErrDeploymentDegraded means the previous instance is gone and the new
	// one did not start. The target needs manual intervention.
	ErrDeploymentDegraded = errors.New("deployment degraded: no running instance")

	// ErrTargetStateUnknown marks an interrupted reconcile that had already
	// touched the running instance. It does not change the error kind.
	ErrTargetStateUnknown = errors.New("target state unknown, verify manually")

	// ErrCancelled is the terminal outcome of a caller-cancelled run.
	ErrCancelled = errors.New("pipeline cancelled")
)

// ErrorKind is the stable name of a taxonomy entry, used in results and audit rows.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindConfiguration      ErrorKind = "ConfigurationError"
	KindAuthentication     ErrorKind = "AuthenticationError"
	KindNetwork            ErrorKind = "NetworkError"
	KindRegistryRejected   ErrorKind = "RegistryRejected"
	KindUnreachableHost    ErrorKind = "UnreachableHost"
	KindPullFailed         ErrorKind = "PullFailed"
	KindRemoteCommand      ErrorKind = "RemoteCommandFailed"
	KindDeploymentDegraded ErrorKind = "DeploymentDegraded"
	KindCancelled          ErrorKind = "Cancelled"
	KindUnknown            ErrorKind = "Unknown"
)

// kindOrder is checked in order; degraded must win over the cause that
// produced it.
var kindOrder = []struct {
	sentinel error
	kind     ErrorKind
}{
	{ErrDeploymentDegraded, KindDeploymentDegraded},
	{ErrCancelled, KindCancelled},
	{ErrConfiguration, KindConfiguration},
	{ErrAuthentication, KindAuthentication},
	{ErrNetwork, KindNetwork},
	{ErrRegistryRejected, KindRegistryRejected},
	{ErrUnreachableHost, KindUnreachableHost},
	{ErrPullFailed, KindPullFailed},
	{ErrRemoteCommand, KindRemoteCommand},
}

// KindOf maps an error onto the taxonomy. Context cancellation and deadline
// errors map to KindCancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// IsRetryable reports whether err may be retried by the publisher.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// =============================================================================
// Error Types
// =============================================================================

// Error wraps a taxonomy sentinel with operation context.
type Error struct {
	Op      string // Operation that failed (e.g., "Publish", "Dial")
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error.
func NewError(op, message string, err error) *Error {
	return &Error{
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// StageError is produced by the coordinator: the stage a failure happened in
// and the component error that caused it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
