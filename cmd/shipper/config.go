package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/shipper/internal/core/artifact"
	"github.com/artpar/shipper/internal/core/crypto"
	"github.com/artpar/shipper/internal/core/deployment"
	"github.com/artpar/shipper/internal/core/domain"
	"github.com/artpar/shipper/internal/shell/reconciler"
	"github.com/artpar/shipper/internal/shell/registry"
	"github.com/artpar/shipper/internal/shell/remote"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log       LogConfig         `mapstructure:"log"`
	Registry  RegistryConfig    `mapstructure:"registry"`
	Target    TargetConfig      `mapstructure:"target"`
	SSH       remote.Config     `mapstructure:"ssh"`
	Reconcile reconciler.Config `mapstructure:"reconcile"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Secrets   SecretsConfig     `mapstructure:"secrets"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RegistryConfig holds the repository coordinates and how to reach the
// registry. Password and IdentityToken are only read from the environment
// or from the referenced files.
type RegistryConfig struct {
	Host            string `mapstructure:"host"`
	Repository      string `mapstructure:"repository"`
	FloatingTag     string `mapstructure:"floating_tag"`
	BuildTagPrefix  string `mapstructure:"build_tag_prefix"`
	DisableBuildTag bool   `mapstructure:"disable_build_tag"`

	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	PasswordFile  string `mapstructure:"password_file"`
	IdentityToken string `mapstructure:"identity_token"`
	// TokenTTL marks short-lived credentials; zero means no expiry.
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	// DockerHost is the local engine holding the built image.
	DockerHost string          `mapstructure:"docker_host"`
	Publish    registry.Config `mapstructure:"publish"`
}

// TargetConfig describes the host and the service slot on it.
type TargetConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`

	// IdentityFile is a plain OpenSSH private key. SealedIdentityFile holds
	// a key sealed with "shipper seal"; it needs secrets.encryption_key.
	IdentityFile       string `mapstructure:"identity_file"`
	SealedIdentityFile string `mapstructure:"sealed_identity_file"`
	PassphraseFile     string `mapstructure:"passphrase_file"`

	ServiceName   string        `mapstructure:"service_name"`
	Ports         string        `mapstructure:"ports"` // "hostPort:containerPort[/proto]"
	Memory        string        `mapstructure:"memory"`
	CPUs          string        `mapstructure:"cpus"`
	RestartPolicy string        `mapstructure:"restart_policy"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	// Env is a list of KEY=VALUE pairs. A list keeps key case, which viper
	// does not for map keys.
	Env []string `mapstructure:"env"`
}

// DatabaseConfig holds the audit store configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	// Textfile is written after every run for the node exporter textfile
	// collector. Empty disables the export.
	Textfile string `mapstructure:"textfile"`
}

// SecretsConfig holds the key used to open sealed identities.
// Set via SHIPPER_SECRETS_ENCRYPTION_KEY.
type SecretsConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("registry.host", "")
	v.SetDefault("registry.repository", "")
	v.SetDefault("registry.floating_tag", artifact.DefaultFloatingTag)
	v.SetDefault("registry.build_tag_prefix", "")
	v.SetDefault("registry.disable_build_tag", false)
	v.SetDefault("registry.username", "")
	v.SetDefault("registry.password", "")
	v.SetDefault("registry.password_file", "")
	v.SetDefault("registry.identity_token", "")
	v.SetDefault("registry.token_ttl", "0s")
	v.SetDefault("registry.docker_host", "")
	v.SetDefault("registry.publish.max_attempts", registry.DefaultMaxAttempts)
	v.SetDefault("registry.publish.backoff.initial_delay", "1s")
	v.SetDefault("registry.publish.backoff.multiplier", 2.0)
	v.SetDefault("registry.publish.backoff.max_delay", "30s")
	v.SetDefault("registry.publish.backoff.jitter", true)

	v.SetDefault("target.host", "")
	v.SetDefault("target.port", 22)
	v.SetDefault("target.user", "")
	v.SetDefault("target.identity_file", "")
	v.SetDefault("target.sealed_identity_file", "")
	v.SetDefault("target.passphrase_file", "")
	v.SetDefault("target.service_name", "")
	v.SetDefault("target.ports", "")
	v.SetDefault("target.memory", "")
	v.SetDefault("target.cpus", "")
	v.SetDefault("target.restart_policy", "unless-stopped")
	v.SetDefault("target.stop_timeout", "30s")

	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "10m")
	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.insecure_ignore_host_key", false)

	v.SetDefault("reconcile.remote_login", true)
	v.SetDefault("reconcile.verify", true)

	v.SetDefault("database.dsn", "./data/shipper.db")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("secrets.encryption_key", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SHIPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Secrets
// =============================================================================

// RepositoryConfig returns the resolver settings.
func (c *Config) RepositoryConfig() artifact.RepositoryConfig {
	return artifact.RepositoryConfig{
		RegistryHost:    c.Registry.Host,
		Repository:      c.Registry.Repository,
		FloatingTag:     c.Registry.FloatingTag,
		BuildTagPrefix:  c.Registry.BuildTagPrefix,
		DisableBuildTag: c.Registry.DisableBuildTag,
	}
}

// LoadCredentials reads the registry credentials at call time. They are
// never kept in the Config after this returns.
func (c *Config) LoadCredentials(now time.Time) (*domain.RegistryCredentials, error) {
	password := c.Registry.Password
	if c.Registry.PasswordFile != "" {
		data, err := os.ReadFile(c.Registry.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read registry password file: %w", err)
		}
		password = strings.TrimRight(string(data), "\r\n")
	}

	creds := &domain.RegistryCredentials{
		ServerAddress: c.Registry.Host,
		Username:      c.Registry.Username,
		Password:      password,
		IdentityToken: c.Registry.IdentityToken,
	}
	if c.Registry.TokenTTL > 0 {
		creds.ExpiresAt = now.Add(c.Registry.TokenTTL)
	}

	c.Registry.Password = ""
	c.Registry.IdentityToken = ""
	return creds, nil
}

// LoadTarget builds the remote target, reading the SSH identity from disk.
func (c *Config) LoadTarget() (domain.RemoteTarget, error) {
	t := c.Target
	target := domain.RemoteTarget{
		HostAddress:   t.Host,
		Port:          t.Port,
		User:          t.User,
		ServiceName:   t.ServiceName,
		Memory:        t.Memory,
		CPUs:          t.CPUs,
		RestartPolicy: t.RestartPolicy,
		StopTimeout:   t.StopTimeout,
	}

	if len(t.Env) > 0 {
		target.Env = make(map[string]string, len(t.Env))
		for _, pair := range t.Env {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				return domain.RemoteTarget{}, fmt.Errorf("target.env entry %q must be KEY=VALUE", pair)
			}
			target.Env[key] = value
		}
	}

	if t.Ports != "" {
		mapping, err := deployment.ParsePortMapping(t.Ports)
		if err != nil {
			return domain.RemoteTarget{}, err
		}
		target.HostPort = mapping.HostPort
		target.ContainerPort = mapping.ContainerPort
		target.Protocol = mapping.Protocol
	}

	identity, err := c.loadIdentity()
	if err != nil {
		return domain.RemoteTarget{}, err
	}
	target.Identity = identity
	return target, nil
}

func (c *Config) loadIdentity() (domain.SSHIdentity, error) {
	t := c.Target

	var passphrase []byte
	if t.PassphraseFile != "" {
		data, err := os.ReadFile(t.PassphraseFile)
		if err != nil {
			return domain.SSHIdentity{}, fmt.Errorf("read passphrase file: %w", err)
		}
		passphrase = []byte(strings.TrimRight(string(data), "\r\n"))
	}

	switch {
	case t.SealedIdentityFile != "":
		if c.Secrets.EncryptionKey == "" {
			return domain.SSHIdentity{}, errors.New("secrets.encryption_key is required for a sealed identity")
		}
		sealed, err := os.ReadFile(t.SealedIdentityFile)
		if err != nil {
			return domain.SSHIdentity{}, fmt.Errorf("read sealed identity: %w", err)
		}
		key := crypto.DeriveKey(c.Secrets.EncryptionKey)
		identity, err := crypto.OpenIdentity(strings.TrimSpace(string(sealed)), key, passphrase)
		if err != nil {
			return domain.SSHIdentity{}, fmt.Errorf("open sealed identity: %w", err)
		}
		return identity, nil
	case t.IdentityFile != "":
		data, err := os.ReadFile(t.IdentityFile)
		if err != nil {
			return domain.SSHIdentity{}, fmt.Errorf("read identity file: %w", err)
		}
		return domain.SSHIdentity{PrivateKey: data, Passphrase: passphrase}, nil
	default:
		return domain.SSHIdentity{}, nil
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
