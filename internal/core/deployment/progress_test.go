package deployment

import (
	"context"
	"testing"

	"github.com/artpar/shipper/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmd(step domain.Step) domain.DeploymentCommand {
	return domain.DeploymentCommand{Step: step}
}

func failed(stderr string) domain.CommandResult {
	return domain.CommandResult{ExitCode: 1, Stderr: stderr}
}

// =============================================================================
// Classification Tests
// =============================================================================

func TestIsAbsence(t *testing.T) {
	tests := []struct {
		name string
		res  domain.CommandResult
		want bool
	}{
		{"success is not absence", domain.CommandResult{ExitCode: 0}, false},
		{"docker stop", failed("Error response from daemon: No such container: app"), true},
		{"docker rm", failed("Error: No such container: app"), true},
		{"podman", failed("Error: no container with name or ID \"app\" found"), true},
		{"permission denied", failed("permission denied while trying to connect to the Docker daemon socket"), false},
		{"docker missing", domain.CommandResult{ExitCode: 127, Stderr: "No such container"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAbsence(tt.res))
		})
	}
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, IsAuthFailure(failed("Error response from daemon: Get \"https://registry.example.com/v2/\": unauthorized: incorrect username or password")))
	assert.False(t, IsAuthFailure(failed("dial tcp: lookup registry.example.com: no such host")))
	assert.False(t, IsAuthFailure(domain.CommandResult{Stdout: "unauthorized"}))
}

func TestParseVerifyOutput(t *testing.T) {
	report := ParseVerifyOutput(`true 4f2a9c1e {"8080/tcp":[{"HostIp":"","HostPort":"80"}]}` + "\n")
	assert.True(t, report.Running)
	assert.Equal(t, "4f2a9c1e", report.ContainerID)
	assert.True(t, report.Binds(testTarget()))

	report = ParseVerifyOutput("false 4f2a9c1e null")
	assert.False(t, report.Running)
	assert.Empty(t, report.Bindings)

	report = ParseVerifyOutput("")
	assert.False(t, report.Running)
	assert.Empty(t, report.ContainerID)
}

func TestVerifyReport_Binds(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"matching binding", `true c1 {"8080/tcp":[{"HostIp":"0.0.0.0","HostPort":"80"}]}`, true},
		{"other host port", `true c1 {"8080/tcp":[{"HostIp":"","HostPort":"8081"}]}`, false},
		{"other container port", `true c1 {"9090/tcp":[{"HostIp":"","HostPort":"80"}]}`, false},
		{"other protocol", `true c1 {"8080/udp":[{"HostIp":"","HostPort":"80"}]}`, false},
		{"no bindings", `true c1 {}`, false},
		{"null bindings", `true c1 null`, false},
		{"missing bindings", `true c1`, false},
		{"garbage bindings", `true c1 {not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVerifyOutput(tt.output).Binds(testTarget()))
		})
	}
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "first", Summarize(domain.CommandResult{Stderr: "first\nsecond"}))
	assert.Equal(t, "out", Summarize(domain.CommandResult{Stdout: " out "}))
}

// =============================================================================
// Progress Tests
// =============================================================================

func TestProgress_HappyPath(t *testing.T) {
	p := NewProgress()
	for _, step := range []domain.Step{domain.StepLogin, domain.StepPull, domain.StepStop, domain.StepRemove, domain.StepStart, domain.StepVerify} {
		require.NoError(t, p.Complete(step, false))
	}
	assert.Equal(t, PhaseVerified, p.Phase)
	assert.True(t, p.Phase.IsSuccessful())
	assert.True(t, p.PreviousFound)
	assert.Len(t, p.Completed, 6)
}

func TestProgress_AbsentPrevious(t *testing.T) {
	p := NewProgress()
	require.NoError(t, p.Complete(domain.StepPull, false))
	require.NoError(t, p.Complete(domain.StepStop, true))
	require.NoError(t, p.Complete(domain.StepRemove, true))
	require.NoError(t, p.Complete(domain.StepStart, false))

	assert.Equal(t, PhaseStarted, p.Phase)
	assert.False(t, p.PreviousFound)
}

func TestProgress_RejectsOutOfOrder(t *testing.T) {
	p := NewProgress()
	assert.Error(t, p.Complete(domain.StepStart, false))
	assert.Error(t, p.Complete(domain.StepStop, false))

	require.NoError(t, p.Complete(domain.StepPull, false))
	assert.Error(t, p.Complete(domain.StepLogin, false))
	assert.Error(t, p.Complete(domain.Step("reboot"), false))
}

func TestProgress_FailPull(t *testing.T) {
	p := NewProgress()
	err := p.Fail(cmd(domain.StepPull), failed("manifest unknown"))

	assert.ErrorIs(t, err, domain.ErrPullFailed)
	assert.Equal(t, PhaseFailed, p.Phase)
	assert.Error(t, p.Complete(domain.StepStop, false), "terminal phase accepts no steps")
}

func TestProgress_FailLogin(t *testing.T) {
	p := NewProgress()
	err := p.Fail(cmd(domain.StepLogin), failed("unauthorized: incorrect username or password"))
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))

	p = NewProgress()
	err = p.Fail(cmd(domain.StepLogin), failed("dial tcp: i/o timeout"))
	assert.Equal(t, domain.KindPullFailed, domain.KindOf(err))
}

func TestProgress_FailStopIsFatal(t *testing.T) {
	p := NewProgress()
	require.NoError(t, p.Complete(domain.StepPull, false))

	err := p.Fail(cmd(domain.StepStop), failed("permission denied"))
	assert.Equal(t, domain.KindRemoteCommand, domain.KindOf(err))
	assert.Equal(t, PhaseFailed, p.Phase)
}

func TestProgress_FailStartAfterRemoveIsDegraded(t *testing.T) {
	p := NewProgress()
	require.NoError(t, p.Complete(domain.StepPull, false))
	require.NoError(t, p.Complete(domain.StepStop, false))
	require.NoError(t, p.Complete(domain.StepRemove, false))

	err := p.Fail(cmd(domain.StepStart), failed("port is already allocated"))
	assert.ErrorIs(t, err, domain.ErrDeploymentDegraded)
	assert.Contains(t, err.Error(), "previous instance was removed")
	assert.Equal(t, PhaseDegraded, p.Phase)
	assert.True(t, p.Phase.IsTerminal())
}

func TestProgress_FailRemoveAfterStopIsDegraded(t *testing.T) {
	p := NewProgress()
	require.NoError(t, p.Complete(domain.StepPull, false))
	require.NoError(t, p.Complete(domain.StepStop, false))

	err := p.Fail(cmd(domain.StepRemove), failed("permission denied while trying to connect to the Docker daemon socket"))
	assert.ErrorIs(t, err, domain.ErrDeploymentDegraded)
	assert.Contains(t, err.Error(), "previous instance was stopped")
	assert.Equal(t, PhaseDegraded, p.Phase)
}

func TestProgress_FailVerifyIsDegraded(t *testing.T) {
	p := NewProgress()
	for _, step := range []domain.Step{domain.StepPull, domain.StepStop, domain.StepRemove, domain.StepStart} {
		require.NoError(t, p.Complete(step, true))
	}

	err := p.Fail(cmd(domain.StepVerify), domain.CommandResult{ExitCode: 1})
	assert.Equal(t, domain.KindDeploymentDegraded, domain.KindOf(err))
	assert.Contains(t, err.Error(), "no previous instance existed")
}

func TestProgress_Interrupt(t *testing.T) {
	p := NewProgress()
	err := p.Interrupt(domain.StepPull, context.Canceled)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
	assert.NotContains(t, err.Error(), "verify manually")

	p = NewProgress()
	require.NoError(t, p.Complete(domain.StepPull, false))
	require.NoError(t, p.Complete(domain.StepStop, false))
	err = p.Interrupt(domain.StepRemove, context.Canceled)
	assert.Contains(t, err.Error(), "verify manually")
	assert.ErrorIs(t, err, domain.ErrTargetStateUnknown)
	assert.Equal(t, PhaseFailed, p.Phase)
}

func TestProgress_InterruptKeepsTransportKind(t *testing.T) {
	lost := domain.NewError("Run", "connection lost", domain.ErrUnreachableHost)

	p := NewProgress()
	err := p.Interrupt(domain.StepPull, lost)
	assert.Equal(t, domain.KindUnreachableHost, domain.KindOf(err))
	assert.NotErrorIs(t, err, domain.ErrTargetStateUnknown)

	p = NewProgress()
	require.NoError(t, p.Complete(domain.StepPull, false))
	err = p.Interrupt(domain.StepStop, lost)
	assert.Equal(t, domain.KindUnreachableHost, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrTargetStateUnknown)
}
