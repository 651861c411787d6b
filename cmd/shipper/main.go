package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess       = 0
	ExitConfigError   = 1
	ExitDatabaseError = 2
	ExitDockerError   = 3
	ExitRunFailed     = 4
	ExitGateFailed    = 5
	// ExitIntervention means the target may have no running instance.
	ExitIntervention = 6
	ExitCancelled    = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.Err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", cmdErr.Op, cmdErr.Err)
		}
		return cmdErr.ExitCode
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return ExitConfigError
}

// =============================================================================
// Command Error
// =============================================================================

// CommandError carries the process exit code of a failed command. A nil Err
// means the failure was already reported.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
