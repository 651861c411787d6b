package domain

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

// =============================================================================
// Target Errors
// =============================================================================

var (
	// SSH validation errors
	ErrSSHHostRequired = errors.New("SSH host is required")
	ErrSSHHostInvalid  = errors.New("SSH host must be a valid hostname or IP address")
	ErrSSHPortInvalid  = errors.New("SSH port must be between 1 and 65535")
	ErrSSHUserRequired = errors.New("SSH user is required")

	// Service validation errors
	ErrServiceNameRequired = errors.New("service name is required")
	ErrServiceNameInvalid  = errors.New("service name must match [a-zA-Z0-9][a-zA-Z0-9_.-]*")
	ErrPortInvalid         = errors.New("port must be between 1 and 65535")
	ErrProtocolInvalid     = errors.New("protocol must be tcp, udp or sctp")
	ErrRestartPolicy       = errors.New("restart policy must be no, always, on-failure or unless-stopped")
)

var (
	hostnameRegex    = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	serviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// =============================================================================
// Remote Target
// =============================================================================

// RemoteTarget is the single host a run deploys to and the fixed shape of the
// service slot on it. ServiceName must be unique per host.
type RemoteTarget struct {
	HostAddress string
	Port        int
	User        string
	Identity    SSHIdentity

	ServiceName   string
	HostPort      int
	ContainerPort int
	Protocol      string // "tcp" when empty

	// Resource mapping applied to every new instance.
	Memory        string // docker --memory value, e.g. "512m"
	CPUs          string // docker --cpus value, e.g. "1.5"
	RestartPolicy string // "unless-stopped" when empty
	StopTimeout   time.Duration
	Env           map[string]string
}

// SSHAddress returns the SSH connection address (host:port).
func (t RemoteTarget) SSHAddress() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.HostAddress, strconv.Itoa(port))
}

// PortMapping returns the "hostPort:containerPort/proto" mapping.
func (t RemoteTarget) PortMapping() string {
	proto := t.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d:%d/%s", t.HostPort, t.ContainerPort, proto)
}

// Validate checks the target without touching the network.
func (t RemoteTarget) Validate() error {
	if err := ValidateSSHHost(t.HostAddress); err != nil {
		return err
	}
	if t.Port != 0 {
		if err := ValidateSSHPort(t.Port); err != nil {
			return err
		}
	}
	if err := ValidateSSHUser(t.User); err != nil {
		return err
	}
	if err := ValidateServiceName(t.ServiceName); err != nil {
		return err
	}
	if err := ValidatePort(t.HostPort); err != nil {
		return fmt.Errorf("host port: %w", err)
	}
	if err := ValidatePort(t.ContainerPort); err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	switch t.Protocol {
	case "", "tcp", "udp", "sctp":
	default:
		return ErrProtocolInvalid
	}
	switch t.RestartPolicy {
	case "", "no", "always", "on-failure", "unless-stopped":
	default:
		return ErrRestartPolicy
	}
	return nil
}

// =============================================================================
// Validation Functions
// =============================================================================

// ValidateSSHHost validates an SSH host (hostname or IP).
func ValidateSSHHost(host string) error {
	if host == "" {
		return ErrSSHHostRequired
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if hostnameRegex.MatchString(host) {
		return nil
	}
	return ErrSSHHostInvalid
}

// ValidateSSHPort validates an SSH port.
func ValidateSSHPort(port int) error {
	if port < 1 || port > 65535 {
		return ErrSSHPortInvalid
	}
	return nil
}

// ValidateSSHUser validates an SSH username.
func ValidateSSHUser(user string) error {
	if user == "" {
		return ErrSSHUserRequired
	}
	return nil
}

// ValidateServiceName validates a container name usable with docker --name.
func ValidateServiceName(name string) error {
	if name == "" {
		return ErrServiceNameRequired
	}
	if !serviceNameRegex.MatchString(name) {
		return ErrServiceNameInvalid
	}
	return nil
}

// ValidatePort validates a TCP/UDP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return ErrPortInvalid
	}
	return nil
}
