package domain

import (
	"errors"
	"time"
)

// =============================================================================
// Credential Errors
// =============================================================================

var (
	ErrCredentialsMissing = errors.New("registry credentials are required")
	ErrCredentialsExpired = errors.New("registry credentials have expired")
)

// =============================================================================
// Registry Credentials
// =============================================================================

// RegistryCredentials is per-run authentication material for one registry host.
// It is never persisted and must not be logged; use Redacted for log output.
type RegistryCredentials struct {
	ServerAddress string
	Username      string
	Password      string
	IdentityToken string
	// ExpiresAt is zero when the material does not expire.
	ExpiresAt time.Time
}

// Validate checks the credentials are usable at now.
func (c *RegistryCredentials) Validate(now time.Time) error {
	if c == nil || (c.Password == "" && c.IdentityToken == "") {
		return ErrCredentialsMissing
	}
	if c.IdentityToken == "" && c.Username == "" {
		return ErrCredentialsMissing
	}
	if c.Expired(now) {
		return ErrCredentialsExpired
	}
	return nil
}

// Expired reports whether the credentials are past their expiry.
func (c *RegistryCredentials) Expired(now time.Time) bool {
	return c != nil && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Secret returns the password or identity token used for login.
func (c *RegistryCredentials) Secret() string {
	if c.IdentityToken != "" {
		return c.IdentityToken
	}
	return c.Password
}

// Redacted returns a log-safe description.
func (c *RegistryCredentials) Redacted() string {
	if c == nil {
		return "<none>"
	}
	user := c.Username
	if user == "" {
		user = "<token>"
	}
	return user + "@" + c.ServerAddress
}

// Discard clears the secret material. The coordinator calls it when a run ends.
func (c *RegistryCredentials) Discard() {
	if c == nil {
		return
	}
	c.Password = ""
	c.IdentityToken = ""
	c.ExpiresAt = time.Time{}
}

// =============================================================================
// SSH Identity
// =============================================================================

// SSHIdentity is the private key used to reach a target host.
type SSHIdentity struct {
	PrivateKey []byte
	Passphrase []byte
}

// IsEmpty reports whether no key material is present.
func (i *SSHIdentity) IsEmpty() bool {
	return i == nil || len(i.PrivateKey) == 0
}

// Discard zeroes the key material in place.
func (i *SSHIdentity) Discard() {
	if i == nil {
		return
	}
	for n := range i.PrivateKey {
		i.PrivateKey[n] = 0
	}
	for n := range i.Passphrase {
		i.Passphrase[n] = 0
	}
	i.PrivateKey = nil
	i.Passphrase = nil
}
