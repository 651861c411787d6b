// Package artifact turns a build identifier and static repository settings
// into a registry coordinate.
// This is part of the Functional Core - all functions are pure with no I/O.
package artifact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/artpar/shipper/internal/core/domain"
	"github.com/distribution/reference"
)

// DefaultFloatingTag is used when RepositoryConfig.FloatingTag is empty.
const DefaultFloatingTag = "latest"

// maxTagLength is the docker tag length limit.
const maxTagLength = 128

var invalidTagChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// RepositoryConfig is the static repository configuration of a service.
type RepositoryConfig struct {
	RegistryHost   string // e.g. "registry.example.com"; Docker Hub when empty
	Repository     string // e.g. "svc/app"
	FloatingTag    string // e.g. "latest"
	BuildTagPrefix string // prepended to the sanitized build id
	// DisableBuildTag skips the immutable build-specific tag.
	DisableBuildTag bool
}

// Resolve produces the ArtifactReference for buildID.
//
// The floating tag comes from configuration; the build tag is derived
// deterministically from buildID, so resolving the same input twice yields
// the same reference.
//
// Example:
//
//	ref, err := Resolve("b123", RepositoryConfig{RegistryHost: "registry.example.com", Repository: "svc/app"})
//	// ref.FloatingRef() == "registry.example.com/svc/app:latest"
//	// ref.BuildRef()    == "registry.example.com/svc/app:b123"
func Resolve(buildID string, cfg RepositoryConfig) (domain.ArtifactReference, error) {
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return domain.ArtifactReference{}, configError("build id is required")
	}
	if strings.TrimSpace(cfg.Repository) == "" {
		return domain.ArtifactReference{}, configError("repository is required")
	}

	named, err := parseRepository(cfg.RegistryHost, cfg.Repository)
	if err != nil {
		return domain.ArtifactReference{}, err
	}

	floating := cfg.FloatingTag
	if floating == "" {
		floating = DefaultFloatingTag
	}
	if _, err := reference.WithTag(named, floating); err != nil {
		return domain.ArtifactReference{}, configError(fmt.Sprintf("invalid floating tag %q: %v", floating, err))
	}

	ref := domain.ArtifactReference{
		RegistryHost: reference.Domain(named),
		Repository:   reference.Path(named),
		Tag:          floating,
		BuildID:      buildID,
	}

	if !cfg.DisableBuildTag {
		buildTag := BuildTag(cfg.BuildTagPrefix, buildID)
		if _, err := reference.WithTag(named, buildTag); err != nil {
			return domain.ArtifactReference{}, configError(fmt.Sprintf("invalid build tag %q: %v", buildTag, err))
		}
		ref.BuildTag = buildTag
	}

	return ref, nil
}

// BuildTag derives a valid docker tag from a build identifier.
// Characters outside [A-Za-z0-9_.-] become "-", a leading "." or "-" is
// replaced with "_", and the result is truncated to 128 characters.
func BuildTag(prefix, buildID string) string {
	tag := invalidTagChars.ReplaceAllString(prefix+buildID, "-")
	if tag != "" && (tag[0] == '.' || tag[0] == '-') {
		tag = "_" + tag[1:]
	}
	if len(tag) > maxTagLength {
		tag = tag[:maxTagLength]
	}
	return tag
}

// parseRepository validates host and repository as one normalized name and
// rejects a repository that smuggles in a different registry host.
func parseRepository(host, repository string) (reference.Named, error) {
	full := repository
	if host != "" {
		if first, _, found := strings.Cut(repository, "/"); found && looksLikeHost(first) {
			return nil, configError(fmt.Sprintf("repository %q does not belong to registry %q", repository, host))
		}
		full = host + "/" + repository
	}

	named, err := reference.ParseNormalizedNamed(full)
	if err != nil {
		return nil, configError(fmt.Sprintf("invalid repository %q: %v", full, err))
	}
	if !reference.IsNameOnly(named) {
		return nil, configError(fmt.Sprintf("repository %q must not carry a tag or digest", full))
	}
	if host != "" && reference.Domain(named) != host {
		return nil, configError(fmt.Sprintf("registry host %q is not a valid domain", host))
	}
	return named, nil
}

// looksLikeHost applies the docker rule for telling a registry host apart
// from the first path component.
func looksLikeHost(component string) bool {
	return strings.ContainsAny(component, ".:") || component == "localhost"
}

func configError(message string) error {
	return domain.NewError("Resolve", message, domain.ErrConfiguration)
}
