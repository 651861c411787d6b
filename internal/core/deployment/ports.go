package deployment

import (
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Port Mapping
// =============================================================================

// PortMapping is a fixed host-to-container port binding.
type PortMapping struct {
	HostPort      int
	ContainerPort int
	Protocol      string
}

// ParsePortMapping parses a "hostPort:containerPort[/proto]" spec. Ranges and
// missing host ports are rejected because the service slot is fixed.
//
// Example:
//
//	m, _ := ParsePortMapping("80:8080")
//	// m == PortMapping{HostPort: 80, ContainerPort: 8080, Protocol: "tcp"}
func ParsePortMapping(spec string) (PortMapping, error) {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return PortMapping{}, fmt.Errorf("parse port mapping %q: %w", spec, err)
	}
	if len(mappings) != 1 {
		return PortMapping{}, fmt.Errorf("port mapping %q must bind exactly one port", spec)
	}

	m := mappings[0]
	if m.Binding.HostPort == "" {
		return PortMapping{}, fmt.Errorf("port mapping %q needs a fixed host port", spec)
	}
	hostPort, err := strconv.Atoi(m.Binding.HostPort)
	if err != nil {
		return PortMapping{}, fmt.Errorf("port mapping %q: invalid host port: %w", spec, err)
	}

	return PortMapping{
		HostPort:      hostPort,
		ContainerPort: m.Port.Int(),
		Protocol:      m.Port.Proto(),
	}, nil
}

// String formats the mapping for docker --publish.
func (m PortMapping) String() string {
	proto := m.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d:%d/%s", m.HostPort, m.ContainerPort, proto)
}
