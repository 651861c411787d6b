// Package remote runs deployment commands on a target host over a single SSH
// connection per pipeline run.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/artpar/shipper/internal/core/crypto"
	"github.com/artpar/shipper/internal/core/domain"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the session manager.
type Config struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// CommandTimeout bounds a single remote command. Zero means no bound
	// other than the run's context.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string `mapstructure:"known_hosts"`
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool `mapstructure:"insecure_ignore_host_key"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 10 * time.Minute,
	}
}

// =============================================================================
// Interfaces
// =============================================================================

// Session executes commands on the target. Calls are serialized.
type Session interface {
	// Run executes one command and returns its exit status and output. A
	// non-zero exit is not an error; errors mean the command's outcome is
	// unknown (transport failure or cancellation).
	Run(ctx context.Context, cmd domain.DeploymentCommand) (domain.CommandResult, error)
}

// =============================================================================
// Manager
// =============================================================================

// Manager opens one SSH connection per WithSession call.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	dialer net.Dialer
}

// NewManager creates a session manager. A nil logger uses slog.Default().
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "remote"),
		dialer: net.Dialer{Timeout: cfg.ConnectTimeout},
	}
}

// WithSession connects to the target, calls fn with the session and closes
// the connection when fn returns, on every path.
//
// Connection errors wrap domain.ErrUnreachableHost, handshake credential
// errors wrap domain.ErrAuthentication and a cancelled ctx wraps
// domain.ErrCancelled. Errors from fn are returned unchanged.
func (m *Manager) WithSession(ctx context.Context, target domain.RemoteTarget, fn func(Session) error) error {
	client, err := m.connect(ctx, target)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			m.logger.Debug("close ssh connection", "host", target.HostAddress, "error", err)
		}
		m.logger.Debug("ssh connection closed", "host", target.HostAddress)
	}()

	return fn(&session{
		client:  client,
		timeout: m.cfg.CommandTimeout,
		logger:  m.logger.With("host", target.HostAddress, "service", target.ServiceName),
	})
}

func (m *Manager) connect(ctx context.Context, target domain.RemoteTarget) (*ssh.Client, error) {
	if err := validateConnection(target); err != nil {
		return nil, domain.NewError("Connect", err.Error(), domain.ErrConfiguration)
	}

	config, err := m.clientConfig(target)
	if err != nil {
		return nil, err
	}

	addr := target.SSHAddress()
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewError("Dial", "cancelled while connecting to "+addr, domain.ErrCancelled)
		}
		return nil, domain.NewError("Dial", fmt.Sprintf("%s: %v", addr, err), domain.ErrUnreachableHost)
	}

	// The handshake has no context parameter; closing the conn aborts it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if err := conn.SetDeadline(time.Now().Add(m.cfg.ConnectTimeout)); err != nil {
		conn.Close()
		return nil, domain.NewError("Dial", err.Error(), domain.ErrUnreachableHost)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, domain.NewError("Handshake", "cancelled during SSH handshake with "+addr, domain.ErrCancelled)
		}
		return nil, domain.NewError("Handshake", fmt.Sprintf("%s: %v", addr, err), classifyHandshake(err))
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, domain.NewError("Dial", err.Error(), domain.ErrUnreachableHost)
	}

	m.logger.Info("ssh connection established", "host", target.HostAddress, "user", target.User)
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (m *Manager) clientConfig(target domain.RemoteTarget) (*ssh.ClientConfig, error) {
	signer, err := crypto.ParseSigner(target.Identity)
	if err != nil {
		return nil, domain.NewError("Connect", "ssh identity: "+err.Error(), domain.ErrConfiguration)
	}

	hostKeyCallback, err := m.hostKeyCallback()
	if err != nil {
		return nil, domain.NewError("Connect", "known hosts: "+err.Error(), domain.ErrConfiguration)
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         m.cfg.ConnectTimeout,
	}, nil
}

func (m *Manager) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if m.cfg.InsecureIgnoreHostKey {
		m.logger.Warn("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := strings.TrimSpace(m.cfg.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

func validateConnection(target domain.RemoteTarget) error {
	if err := domain.ValidateSSHHost(target.HostAddress); err != nil {
		return err
	}
	if target.Port != 0 {
		if err := domain.ValidateSSHPort(target.Port); err != nil {
			return err
		}
	}
	return domain.ValidateSSHUser(target.User)
}

// classifyHandshake separates credential and host key rejections from
// transport failures.
func classifyHandshake(err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return domain.ErrAuthentication
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts: key") {
		return domain.ErrAuthentication
	}
	return domain.ErrUnreachableHost
}

// =============================================================================
// Session
// =============================================================================

type session struct {
	mu      sync.Mutex
	client  *ssh.Client
	timeout time.Duration
	logger  *slog.Logger
}

// timeoutExitCode is reported when a command is killed for exceeding the
// command timeout.
const timeoutExitCode = -1

func (s *session) Run(ctx context.Context, cmd domain.DeploymentCommand) (domain.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.CommandResult{}, domain.NewError("Run", string(cmd.Step)+" not started", domain.ErrCancelled)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return domain.CommandResult{}, domain.NewError("Run", "open channel: "+err.Error(), domain.ErrUnreachableHost)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		sess.Stdin = bytes.NewReader(cmd.Stdin)
	}

	s.logger.Debug("running remote command", "step", cmd.Step, "description", cmd.Description)
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd.Invocation)
	}()

	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		s.kill(sess, cmd)
		return domain.CommandResult{}, domain.NewError("Run", string(cmd.Step)+" interrupted", domain.ErrCancelled)

	case <-timeout:
		s.kill(sess, cmd)
		return domain.CommandResult{
			ExitCode: timeoutExitCode,
			Stderr:   fmt.Sprintf("%s timed out after %v", cmd.Step, s.timeout),
		}, nil

	case err := <-done:
		res := domain.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		default:
			return res, domain.NewError("Run", fmt.Sprintf("%s: connection lost: %v", cmd.Step, err), domain.ErrUnreachableHost)
		}

		s.logger.Debug("remote command finished",
			"step", cmd.Step,
			"exit_code", res.ExitCode,
			"duration", time.Since(start),
		)
		return res, nil
	}
}

func (s *session) kill(sess *ssh.Session, cmd domain.DeploymentCommand) {
	if err := sess.Signal(ssh.SIGKILL); err != nil {
		s.logger.Debug("signal remote command", "step", cmd.Step, "error", err)
	}
	sess.Close()
	s.logger.Warn("remote command killed", "step", cmd.Step)
}
