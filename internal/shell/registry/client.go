package registry

import (
	"context"
	"os"

	"github.com/docker/docker/client"

	"github.com/artpar/shipper/internal/core/domain"
)

// NewEngineClient connects to the local Docker Engine that holds the built
// image. If host is empty the environment (DOCKER_HOST etc.) decides; when
// that socket does not answer, the Docker Desktop socket is tried.
func NewEngineClient(ctx context.Context, host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewPublishError("Connect", "", err.Error(), domain.ErrConfiguration)
	}
	if _, err := cli.Ping(ctx); err == nil || host != "" {
		return cli, nil
	}

	homeDir, _ := os.UserHomeDir()
	desktop, err := client.NewClientWithOpts(
		client.WithHost("unix://"+homeDir+"/.docker/run/docker.sock"),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return cli, nil
	}
	if _, err := desktop.Ping(ctx); err != nil {
		desktop.Close()
		return cli, nil
	}
	cli.Close()
	return desktop, nil
}
