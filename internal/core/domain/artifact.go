package domain

// =============================================================================
// Artifact Reference
// =============================================================================

// ArtifactReference is a registry coordinate for a built image.
//
// Tag is the floating pointer (e.g. "latest") that every publish reassigns.
// BuildID is the immutable build identifier kept for audit; BuildTag is the
// build-specific tag derived from it. The registry protocol presents both as
// one "name:tag" string, so they are kept apart here.
type ArtifactReference struct {
	RegistryHost string `json:"registry_host" yaml:"registry_host"`
	Repository   string `json:"repository" yaml:"repository"`
	Tag          string `json:"tag" yaml:"tag"`
	BuildID      string `json:"build_id" yaml:"build_id"`
	BuildTag     string `json:"build_tag,omitempty" yaml:"build_tag,omitempty"`
}

// Name returns the repository name qualified with the registry host.
func (r ArtifactReference) Name() string {
	if r.RegistryHost == "" {
		return r.Repository
	}
	return r.RegistryHost + "/" + r.Repository
}

// FloatingRef returns "host/repo:tag" for the floating tag.
func (r ArtifactReference) FloatingRef() string {
	return r.Name() + ":" + r.Tag
}

// BuildRef returns "host/repo:buildtag", or "" when no build tag is set.
func (r ArtifactReference) BuildRef() string {
	if r.BuildTag == "" {
		return ""
	}
	return r.Name() + ":" + r.BuildTag
}

// String implements fmt.Stringer.
func (r ArtifactReference) String() string {
	return r.FloatingRef() + " (build " + r.BuildID + ")"
}

// IsZero reports whether the reference was never resolved.
func (r ArtifactReference) IsZero() bool {
	return r.Repository == "" && r.Tag == ""
}
