package deployment

import (
	"strings"
	"testing"
	"time"

	"github.com/artpar/shipper/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRef() domain.ArtifactReference {
	return domain.ArtifactReference{
		RegistryHost: "registry.example.com",
		Repository:   "svc/app",
		Tag:          "latest",
		BuildID:      "b123",
		BuildTag:     "b123",
	}
}

func testTarget() domain.RemoteTarget {
	return domain.RemoteTarget{
		HostAddress:   "deploy.example.com",
		User:          "deploy",
		ServiceName:   "app",
		HostPort:      80,
		ContainerPort: 8080,
	}
}

func steps(cmds []domain.DeploymentCommand) []domain.Step {
	out := make([]domain.Step, len(cmds))
	for i, c := range cmds {
		out[i] = c.Step
	}
	return out
}

// =============================================================================
// BuildPlan Tests
// =============================================================================

func TestBuildPlan_Order(t *testing.T) {
	creds := &domain.RegistryCredentials{ServerAddress: "registry.example.com", Username: "deployer", Password: "s3cret"}
	plan, err := BuildPlan(testRef(), testTarget(), PlanOptions{Login: creds, Verify: true, RunID: "run_1"})
	require.NoError(t, err)

	assert.Equal(t, "registry.example.com/svc/app:latest", plan.Image)
	assert.Equal(t, []domain.Step{
		domain.StepLogin, domain.StepPull, domain.StepStop, domain.StepRemove, domain.StepStart, domain.StepVerify,
	}, steps(plan.Commands))
	require.NotNil(t, plan.Logout)
	assert.Equal(t, "docker logout registry.example.com", plan.Logout.Invocation)
	assert.Equal(t, domain.PolicyBestEffort, plan.Logout.Policy)
}

func TestBuildPlan_WithoutLogin(t *testing.T) {
	plan, err := BuildPlan(testRef(), testTarget(), PlanOptions{})
	require.NoError(t, err)

	assert.Equal(t, []domain.Step{domain.StepPull, domain.StepStop, domain.StepRemove, domain.StepStart}, steps(plan.Commands))
	assert.Nil(t, plan.Logout)
}

func TestBuildPlan_Policies(t *testing.T) {
	plan, err := BuildPlan(testRef(), testTarget(), PlanOptions{})
	require.NoError(t, err)

	policies := map[domain.Step]domain.FailurePolicy{}
	for _, c := range plan.Commands {
		policies[c.Step] = c.Policy
	}
	assert.Equal(t, domain.PolicyFatal, policies[domain.StepPull])
	assert.Equal(t, domain.PolicyTolerateAbsence, policies[domain.StepStop])
	assert.Equal(t, domain.PolicyTolerateAbsence, policies[domain.StepRemove])
	assert.Equal(t, domain.PolicyFatal, policies[domain.StepStart])
}

func TestBuildPlan_LoginSecretOnStdin(t *testing.T) {
	creds := &domain.RegistryCredentials{Username: "deployer", Password: "s3cret"}
	plan, err := BuildPlan(testRef(), testTarget(), PlanOptions{Login: creds})
	require.NoError(t, err)

	login := plan.Commands[0]
	assert.Equal(t, "docker login registry.example.com --username deployer --password-stdin", login.Invocation)
	assert.NotContains(t, login.Invocation, "s3cret")
	assert.Equal(t, []byte("s3cret\n"), login.Stdin)
}

func TestBuildPlan_Commands(t *testing.T) {
	target := testTarget()
	target.Memory = "512m"
	target.CPUs = "1.5"
	target.StopTimeout = 30 * time.Second
	target.Env = map[string]string{"MODE": "prod", "GREETING": "hello world"}

	plan, err := BuildPlan(testRef(), target, PlanOptions{RunID: "run_1"})
	require.NoError(t, err)

	assert.Equal(t, "docker pull registry.example.com/svc/app:latest", plan.Commands[0].Invocation)
	assert.Equal(t, "docker stop --time 30 app", plan.Commands[1].Invocation)
	assert.Equal(t, "docker rm app", plan.Commands[2].Invocation)

	start := plan.Commands[3].Invocation
	assert.True(t, strings.HasPrefix(start, "docker run --detach --name app --publish 80:8080/tcp --restart unless-stopped --memory 512m --cpus 1.5"))
	assert.Contains(t, start, "--env 'GREETING=hello world' --env MODE=prod")
	assert.Contains(t, start, "--label com.shipper.build=b123")
	assert.Contains(t, start, "--label com.shipper.run=run_1")
	assert.True(t, strings.HasSuffix(start, " registry.example.com/svc/app:latest"))
}

func TestBuildPlan_Deterministic(t *testing.T) {
	target := testTarget()
	target.Env = map[string]string{"A": "1", "B": "2", "C": "3"}

	first, err := BuildPlan(testRef(), target, PlanOptions{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := BuildPlan(testRef(), target, PlanOptions{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBuildPlan_InvalidInput(t *testing.T) {
	_, err := BuildPlan(domain.ArtifactReference{}, testTarget(), PlanOptions{})
	assert.ErrorIs(t, err, ErrPlanInvalid)

	target := testTarget()
	target.ServiceName = ""
	_, err = BuildPlan(testRef(), target, PlanOptions{})
	assert.ErrorIs(t, err, ErrPlanInvalid)

	target = testTarget()
	target.HostPort = 0
	_, err = BuildPlan(testRef(), target, PlanOptions{})
	assert.ErrorIs(t, err, ErrPlanInvalid)
}

func TestInstanceLabels(t *testing.T) {
	labels := InstanceLabels(testRef(), "app", "")
	assert.Equal(t, "true", labels[LabelManaged])
	assert.Equal(t, "app", labels[LabelService])
	assert.Equal(t, "b123", labels[LabelBuild])
	assert.NotContains(t, labels, LabelRun)
}

// =============================================================================
// Quoting Tests
// =============================================================================

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"app", "app"},
		{"", "''"},
		{"hello world", "'hello world'"},
		{"it's", `'it'"'"'s'`},
		{"$(rm -rf /)", "'$(rm -rf /)'"},
		{"registry.example.com:5000/svc/app:latest", "registry.example.com:5000/svc/app:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Quote(tt.in))
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "docker rm 'my app'", Join("docker", "rm", "my app"))
}

// =============================================================================
// Port Mapping Tests
// =============================================================================

func TestParsePortMapping(t *testing.T) {
	m, err := ParsePortMapping("80:8080")
	require.NoError(t, err)
	assert.Equal(t, PortMapping{HostPort: 80, ContainerPort: 8080, Protocol: "tcp"}, m)
	assert.Equal(t, "80:8080/tcp", m.String())

	m, err = ParsePortMapping("5353:53/udp")
	require.NoError(t, err)
	assert.Equal(t, PortMapping{HostPort: 5353, ContainerPort: 53, Protocol: "udp"}, m)
}

func TestParsePortMapping_Invalid(t *testing.T) {
	for _, spec := range []string{"", "8080", "80:8080-8081", "abc:80", "80:abc"} {
		t.Run(spec, func(t *testing.T) {
			_, err := ParsePortMapping(spec)
			assert.Error(t, err)
		})
	}
}

func TestVerifyCommand_InspectsPortBindings(t *testing.T) {
	cmd := VerifyCommand("app")
	assert.Equal(t, domain.StepVerify, cmd.Step)
	assert.Equal(t, `docker inspect --format '{{.State.Running}} {{.Id}} {{json .HostConfig.PortBindings}}' app`, cmd.Invocation)
}
