// Package registry publishes a locally built image to a container registry
// through the Docker Engine API.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"

	"github.com/artpar/shipper/internal/core/domain"
)

// DefaultMaxAttempts is the number of push attempts when not configured.
const DefaultMaxAttempts = 3

// =============================================================================
// Interfaces
// =============================================================================

// ImageAPI is the subset of the Docker Engine client the publisher uses.
// *client.Client satisfies it.
type ImageAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
}

// =============================================================================
// Publisher
// =============================================================================

// Config controls push retries.
type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff(),
	}
}

// Publisher uploads an artifact under its floating tag (and build tag).
// Only network failures during push are retried; authentication happens
// once per Publish call.
type Publisher struct {
	api    ImageAPI
	cfg    Config
	logger *slog.Logger

	// Progress receives the rendered push output. Defaults to io.Discard.
	Progress io.Writer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

// NewPublisher creates a publisher. A nil logger uses slog.Default().
func NewPublisher(api ImageAPI, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Publisher{
		api:      api,
		cfg:      cfg,
		logger:   logger.With("component", "publisher"),
		Progress: io.Discard,
		now:      time.Now,
		sleep:    sleepContext,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Publish tags localImage with the reference's tags and pushes them.
//
// Errors wrap one of domain.ErrAuthentication, domain.ErrNetwork (after the
// retry budget is spent), domain.ErrRegistryRejected or domain.ErrCancelled.
// Publishing the same image twice is harmless: the registry already has the
// layers and the tag is rewritten to the same digest.
func (p *Publisher) Publish(ctx context.Context, localImage string, ref domain.ArtifactReference, creds *domain.RegistryCredentials) (domain.PublishResult, error) {
	result := domain.PublishResult{Reference: ref}

	if ref.IsZero() {
		return result, NewPublishError("Publish", "", "artifact reference is empty", domain.ErrConfiguration)
	}
	if err := creds.Validate(p.now()); err != nil {
		return result, NewPublishError("Publish", ref.Name(), err.Error(), domain.ErrAuthentication)
	}

	if _, _, err := p.api.ImageInspectWithRaw(ctx, localImage); err != nil {
		kind := classify(err)
		if kind != domain.ErrCancelled && kind != domain.ErrNetwork {
			kind = domain.ErrRegistryRejected
		}
		return result, NewPublishError("Inspect", localImage, fmt.Sprintf("local image unavailable: %v", err), kind)
	}

	auth := authConfig(ref, creds)
	if err := p.login(ctx, auth); err != nil {
		return result, err
	}
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return result, NewPublishError("Publish", ref.Name(), "encode auth config", domain.ErrConfiguration)
	}

	targets := []string{ref.FloatingRef()}
	if build := ref.BuildRef(); build != "" {
		targets = append(targets, build)
	}

	for _, target := range targets {
		if err := p.api.ImageTag(ctx, localImage, target); err != nil {
			return result, NewPublishError("Tag", target, err.Error(), domain.ErrRegistryRejected)
		}
	}

	for _, target := range targets {
		d, attempts, err := p.pushWithRetry(ctx, target, encoded)
		result.Attempts += attempts
		if err != nil {
			result.RetryCount = result.Attempts - len(result.Tags) - 1
			return result, err
		}
		result.Tags = append(result.Tags, target)
		if target == ref.FloatingRef() {
			result.Digest = d
		}
	}

	result.RetryCount = result.Attempts - len(targets)
	result.PushedAt = p.now()

	p.logger.Info("artifact published",
		"reference", ref.FloatingRef(),
		"digest", result.Digest,
		"tags", len(result.Tags),
		"retries", result.RetryCount,
	)
	return result, nil
}

func (p *Publisher) login(ctx context.Context, auth registry.AuthConfig) error {
	_, err := p.api.RegistryLogin(ctx, auth)
	if err == nil {
		p.logger.Debug("registry login succeeded", "server", auth.ServerAddress, "user", auth.Username)
		return nil
	}

	kind := classify(err)
	if kind == domain.ErrRegistryRejected {
		// The login endpoint only rejects credentials.
		kind = domain.ErrAuthentication
	}
	p.logger.Warn("registry login failed", "server", auth.ServerAddress, "user", auth.Username, "error", err)
	return NewPublishError("Login", auth.ServerAddress, err.Error(), kind)
}

// pushWithRetry pushes one tag, retrying network failures.
func (p *Publisher) pushWithRetry(ctx context.Context, target, encodedAuth string) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		d, err := p.push(ctx, target, encodedAuth)
		if err == nil {
			return d, attempt, nil
		}
		lastErr = err

		if !domain.IsRetryable(err) || attempt == p.cfg.MaxAttempts {
			return "", attempt, err
		}

		delay := NextBackoffDelay(p.cfg.Backoff, attempt, p.rng)
		p.logger.Warn("push failed, retrying",
			"reference", target,
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := p.sleep(ctx, delay); err != nil {
			return "", attempt, NewPublishError("Push", target, "cancelled while waiting to retry", domain.ErrCancelled)
		}
	}
	return "", p.cfg.MaxAttempts, lastErr
}

func (p *Publisher) push(ctx context.Context, target, encodedAuth string) (string, error) {
	stream, err := p.api.ImagePush(ctx, target, image.PushOptions{RegistryAuth: encodedAuth})
	if err != nil {
		return "", NewPublishError("Push", target, err.Error(), classify(err))
	}
	defer stream.Close()

	d, err := readPushStream(stream, p.Progress)
	if err != nil {
		if errors.Is(err, errStreamError) {
			return "", NewPublishError("Push", target, err.Error(), classifyMessage(err.Error()))
		}
		if ctx.Err() != nil {
			return "", NewPublishError("Push", target, "push interrupted", domain.ErrCancelled)
		}
		return "", NewPublishError("Push", target, fmt.Sprintf("read push stream: %v", err), classify(err))
	}
	return d.String(), nil
}

// authConfig builds the Engine auth config. The server address defaults to
// the reference's registry host.
func authConfig(ref domain.ArtifactReference, creds *domain.RegistryCredentials) registry.AuthConfig {
	server := creds.ServerAddress
	if server == "" {
		server = ref.RegistryHost
	}
	return registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		IdentityToken: creds.IdentityToken,
		ServerAddress: server,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
