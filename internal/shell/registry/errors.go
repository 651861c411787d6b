package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	"github.com/artpar/shipper/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

// PublishError wraps a publisher failure with the operation and reference.
// Err is always one of the domain taxonomy sentinels.
type PublishError struct {
	Op      string // Operation that failed (e.g., "Login", "Push")
	Ref     string // Image reference if applicable
	Message string
	Err     error
}

func (e *PublishError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Ref, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// NewPublishError creates a new PublishError.
func NewPublishError(op, ref, message string, err error) *PublishError {
	return &PublishError{
		Op:      op,
		Ref:     ref,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Classification
// =============================================================================

var authMessages = []string{
	"unauthorized",
	"authentication required",
	"incorrect username or password",
	"denied: requested access",
	"access denied",
	"insufficient_scope",
}

var networkMessages = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"tls handshake timeout",
	"no such host",
	"broken pipe",
	"unexpected eof",
	"503 service unavailable",
	"502 bad gateway",
	"504 gateway timeout",
	"toomanyrequests",
	"cannot connect to the docker daemon",
}

// classify maps a Docker Engine or registry error onto the taxonomy.
// Errors that match nothing are treated as a registry rejection, which is
// fatal, so an unknown failure is never retried.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), cerrdefs.IsCanceled(err):
		return domain.ErrCancelled
	case cerrdefs.IsUnauthorized(err), cerrdefs.IsPermissionDenied(err):
		return domain.ErrAuthentication
	case cerrdefs.IsUnavailable(err), cerrdefs.IsDeadlineExceeded(err), client.IsErrConnectionFailed(err):
		return domain.ErrNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrNetwork
	}

	return classifyMessage(err.Error())
}

// classifyMessage classifies by the text the daemon relays from the
// registry. Push stream errors only carry a message.
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	for _, m := range authMessages {
		if strings.Contains(lower, m) {
			return domain.ErrAuthentication
		}
	}
	for _, m := range networkMessages {
		if strings.Contains(lower, m) {
			return domain.ErrNetwork
		}
	}
	return domain.ErrRegistryRejected
}
