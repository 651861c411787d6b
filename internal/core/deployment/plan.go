package deployment

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/artpar/shipper/internal/core/domain"
)

// =============================================================================
// Plan Types
// =============================================================================

// DefaultRestartPolicy is used when the target does not set one.
const DefaultRestartPolicy = "unless-stopped"

// DefaultStopTimeout is the docker stop grace period in seconds.
const DefaultStopTimeout = 10

// ErrPlanInvalid is returned when the inputs cannot produce a plan.
var ErrPlanInvalid = errors.New("invalid reconcile plan input")

// PlanOptions carries the per-run inputs that are not part of the target.
type PlanOptions struct {
	RunID string
	// Login holds the target host's own registry credentials. Nil skips the
	// login step (public images).
	Login *domain.RegistryCredentials
	// Verify adds an inspect step after start.
	Verify bool
}

// Plan is the ordered command list for one reconcile.
type Plan struct {
	Image    string
	Commands []domain.DeploymentCommand
	// Logout is run after the plan whatever the outcome; nil when no login was planned.
	Logout *domain.DeploymentCommand
}

// =============================================================================
// Plan Builder
// =============================================================================

// BuildPlan builds the reconcile command sequence:
//
//  1. login to the registry (only when opts.Login is set)
//  2. pull the floating tag
//  3. stop the current instance (tolerate absence)
//  4. remove the stopped instance (tolerate absence)
//  5. start the new instance bound to hostPort:containerPort
//  6. verify the instance is running (only when opts.Verify is set)
func BuildPlan(ref domain.ArtifactReference, target domain.RemoteTarget, opts PlanOptions) (Plan, error) {
	if ref.Repository == "" || ref.Tag == "" {
		return Plan{}, fmt.Errorf("%w: artifact reference needs repository and tag", ErrPlanInvalid)
	}
	if err := domain.ValidateServiceName(target.ServiceName); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	if err := domain.ValidatePort(target.HostPort); err != nil {
		return Plan{}, fmt.Errorf("%w: host port: %v", ErrPlanInvalid, err)
	}
	if err := domain.ValidatePort(target.ContainerPort); err != nil {
		return Plan{}, fmt.Errorf("%w: container port: %v", ErrPlanInvalid, err)
	}

	image := ref.FloatingRef()
	plan := Plan{Image: image}

	if opts.Login != nil {
		login := LoginCommand(ref.RegistryHost, opts.Login)
		logout := LogoutCommand(ref.RegistryHost)
		plan.Commands = append(plan.Commands, login)
		plan.Logout = &logout
	}

	plan.Commands = append(plan.Commands,
		PullCommand(image),
		StopCommand(target),
		RemoveCommand(target.ServiceName),
		StartCommand(image, target, InstanceLabels(ref, target.ServiceName, opts.RunID)),
	)

	if opts.Verify {
		plan.Commands = append(plan.Commands, VerifyCommand(target.ServiceName))
	}

	return plan, nil
}

// LoginCommand authenticates the target host to the registry. The secret is
// passed on stdin so it never appears in the remote process list.
func LoginCommand(registryHost string, creds *domain.RegistryCredentials) domain.DeploymentCommand {
	return domain.DeploymentCommand{
		Step:        domain.StepLogin,
		Description: "log in to registry " + registryHost,
		Invocation:  Join("docker", "login", registryHost, "--username", creds.Username, "--password-stdin"),
		Stdin:       []byte(creds.Secret() + "\n"),
		Policy:      domain.PolicyFatal,
	}
}

// LogoutCommand drops the target host's registry session.
func LogoutCommand(registryHost string) domain.DeploymentCommand {
	return domain.DeploymentCommand{
		Step:        domain.StepLogout,
		Description: "log out of registry " + registryHost,
		Invocation:  Join("docker", "logout", registryHost),
		Policy:      domain.PolicyBestEffort,
	}
}

// PullCommand pulls the floating tag.
func PullCommand(image string) domain.DeploymentCommand {
	return domain.DeploymentCommand{
		Step:        domain.StepPull,
		Description: "pull " + image,
		Invocation:  Join("docker", "pull", image),
		Policy:      domain.PolicyFatal,
	}
}

// StopCommand stops the instance named after the service, if any.
func StopCommand(target domain.RemoteTarget) domain.DeploymentCommand {
	timeout := DefaultStopTimeout
	if target.StopTimeout > 0 {
		timeout = int(target.StopTimeout.Seconds())
	}
	return domain.DeploymentCommand{
		Step:        domain.StepStop,
		Description: "stop instance " + target.ServiceName,
		Invocation:  Join("docker", "stop", "--time", strconv.Itoa(timeout), target.ServiceName),
		Policy:      domain.PolicyTolerateAbsence,
	}
}

// RemoveCommand removes the stopped instance, if any.
func RemoveCommand(serviceName string) domain.DeploymentCommand {
	return domain.DeploymentCommand{
		Step:        domain.StepRemove,
		Description: "remove instance " + serviceName,
		Invocation:  Join("docker", "rm", serviceName),
		Policy:      domain.PolicyTolerateAbsence,
	}
}

// StartCommand starts the new instance with the fixed port and resource mapping.
func StartCommand(image string, target domain.RemoteTarget, labels map[string]string) domain.DeploymentCommand {
	restart := target.RestartPolicy
	if restart == "" {
		restart = DefaultRestartPolicy
	}

	args := []string{
		"docker", "run", "--detach",
		"--name", target.ServiceName,
		"--publish", target.PortMapping(),
		"--restart", restart,
	}
	if target.Memory != "" {
		args = append(args, "--memory", target.Memory)
	}
	if target.CPUs != "" {
		args = append(args, "--cpus", target.CPUs)
	}
	for _, k := range sortedKeys(target.Env) {
		args = append(args, "--env", k+"="+target.Env[k])
	}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--label", k+"="+labels[k])
	}
	args = append(args, image)

	return domain.DeploymentCommand{
		Step:        domain.StepStart,
		Description: fmt.Sprintf("start instance %s on %s", target.ServiceName, target.PortMapping()),
		Invocation:  Join(args...),
		Policy:      domain.PolicyFatal,
	}
}

// verifyFormat prints "<running> <id> <port bindings as JSON>".
const verifyFormat = "{{.State.Running}} {{.Id}} {{json .HostConfig.PortBindings}}"

// VerifyCommand inspects the instance's state and port bindings.
func VerifyCommand(serviceName string) domain.DeploymentCommand {
	return domain.DeploymentCommand{
		Step:        domain.StepVerify,
		Description: "verify instance " + serviceName + " is running",
		Invocation:  Join("docker", "inspect", "--format", verifyFormat, serviceName),
		Policy:      domain.PolicyFatal,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
