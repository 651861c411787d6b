package deployment

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/artpar/shipper/internal/core/domain"
)

// =============================================================================
// Output Classification
// =============================================================================

// exitCommandNotFound is the shell status for a missing executable.
const exitCommandNotFound = 127

var absenceMarkers = []string{
	"no such container",
	"no container with name or id",
}

var authMarkers = []string{
	"unauthorized",
	"incorrect username or password",
	"authentication required",
	"access denied",
	"denied: requested access",
}

// IsAbsence reports whether a failed stop/remove failed only because there
// is no instance with that name.
func IsAbsence(res domain.CommandResult) bool {
	if res.Succeeded() || res.ExitCode == exitCommandNotFound {
		return false
	}
	return containsAny(res.Stderr+"\n"+res.Stdout, absenceMarkers)
}

// IsAuthFailure reports whether a failed command was rejected for credentials.
func IsAuthFailure(res domain.CommandResult) bool {
	if res.Succeeded() {
		return false
	}
	return containsAny(res.Stderr+"\n"+res.Stdout, authMarkers)
}

// VerifyReport is the parsed output of VerifyCommand.
type VerifyReport struct {
	Running     bool
	ContainerID string
	Bindings    nat.PortMap
}

// ParseVerifyOutput parses the line printed by VerifyCommand. Bindings that
// do not parse are left empty.
func ParseVerifyOutput(stdout string) VerifyReport {
	fields := strings.SplitN(strings.TrimSpace(stdout), " ", 3)
	report := VerifyReport{Running: fields[0] == "true"}
	if len(fields) > 1 {
		report.ContainerID = fields[1]
	}
	if len(fields) > 2 {
		var bindings nat.PortMap
		if err := json.Unmarshal([]byte(fields[2]), &bindings); err == nil {
			report.Bindings = bindings
		}
	}
	return report
}

// Binds reports whether the instance publishes the target's container port
// on its host port.
func (r VerifyReport) Binds(target domain.RemoteTarget) bool {
	proto := target.Protocol
	if proto == "" {
		proto = "tcp"
	}
	port, err := nat.NewPort(proto, strconv.Itoa(target.ContainerPort))
	if err != nil {
		return false
	}
	hostPort := strconv.Itoa(target.HostPort)
	for _, b := range r.Bindings[port] {
		if b.HostPort == hostPort {
			return true
		}
	}
	return false
}

// Summarize returns a one-line excerpt of a command's error output.
func Summarize(res domain.CommandResult) string {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	if len(out) > 200 {
		out = out[:200] + "..."
	}
	return out
}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
