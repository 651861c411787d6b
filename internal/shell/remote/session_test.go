package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/artpar/shipper/internal/core/crypto"
	"github.com/artpar/shipper/internal/core/domain"
)

// =============================================================================
// In-process SSH server
// =============================================================================

type execResult struct {
	stdout string
	stderr string
	status uint32
}

type testServer struct {
	addr    string
	port    int
	hostKey ssh.PublicKey

	mu       sync.Mutex
	conns    int
	commands []string
	stdins   []string
	signals  []string
}

// newTestServer serves exec requests. The command "block" runs until it is
// signalled; "echo-stdin" echoes its input; "fail" exits 1 with stderr;
// everything else exits 0.
func newTestServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	hostPEM, _, err := crypto.GenerateSSHKeyPair()
	require.NoError(t, err)
	hostSigner, err := ssh.ParsePrivateKey(hostPEM)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &testServer{
		addr:    ln.Addr().String(),
		port:    ln.Addr().(*net.TCPAddr).Port,
		hostKey: hostSigner.PublicKey(),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, cfg)
		}
	}()
	return s
}

func (s *testServer) serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs)
	}
}

func (s *testServer) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	killed := make(chan struct{})
	var once sync.Once

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go s.exec(ch, payload.Command, killed)
		case "signal":
			var payload struct{ Signal string }
			ssh.Unmarshal(req.Payload, &payload)
			s.mu.Lock()
			s.signals = append(s.signals, payload.Signal)
			s.mu.Unlock()
			once.Do(func() { close(killed) })
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) exec(ch ssh.Channel, command string, killed <-chan struct{}) {
	stdin, _ := io.ReadAll(ch)

	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.stdins = append(s.stdins, string(stdin))
	s.mu.Unlock()

	var res execResult
	switch command {
	case "block":
		select {
		case <-killed:
		case <-time.After(5 * time.Second):
		}
		ch.Close()
		return
	case "echo-stdin":
		res = execResult{stdout: string(stdin)}
	case "fail":
		res = execResult{stderr: "Error: No such container: app", status: 1}
	default:
		res = execResult{stdout: "ok"}
	}

	io.WriteString(ch, res.stdout)
	io.WriteString(ch.Stderr(), res.stderr)
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.status}))
	ch.Close()
}

func (s *testServer) snapshot() (conns int, commands, stdins, signals []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns, append([]string(nil), s.commands...), append([]string(nil), s.stdins...), append([]string(nil), s.signals...)
}

// =============================================================================
// Test Helpers
// =============================================================================

type fixture struct {
	server  *testServer
	target  domain.RemoteTarget
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clientPEM, _, err := crypto.GenerateSSHKeyPair()
	require.NoError(t, err)
	signer, err := ssh.ParsePrivateKey(clientPEM)
	require.NoError(t, err)

	server := newTestServer(t, signer.PublicKey())

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{server.addr}, server.hostKey)
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	cfg := DefaultConfig()
	cfg.KnownHostsPath = knownHosts
	cfg.ConnectTimeout = 5 * time.Second

	return &fixture{
		server: server,
		target: domain.RemoteTarget{
			HostAddress: "127.0.0.1",
			Port:        server.port,
			User:        "deploy",
			Identity:    domain.SSHIdentity{PrivateKey: clientPEM},
			ServiceName: "app",
		},
		manager: NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func command(invocation string) domain.DeploymentCommand {
	return domain.DeploymentCommand{Step: domain.StepPull, Description: "test", Invocation: invocation}
}

// =============================================================================
// WithSession Tests
// =============================================================================

func TestWithSession_RunsCommandsOnOneConnection(t *testing.T) {
	f := newFixture(t)

	err := f.manager.WithSession(context.Background(), f.target, func(s Session) error {
		res, err := s.Run(context.Background(), command("docker pull registry.example.com/svc/app:latest"))
		require.NoError(t, err)
		assert.True(t, res.Succeeded())
		assert.Equal(t, "ok", res.Stdout)

		res, err = s.Run(context.Background(), command("fail"))
		require.NoError(t, err, "a non-zero exit is a result, not an error")
		assert.Equal(t, 1, res.ExitCode)
		assert.Contains(t, res.Stderr, "No such container")
		return nil
	})
	require.NoError(t, err)

	conns, commands, _, _ := f.server.snapshot()
	assert.Equal(t, 1, conns)
	assert.Equal(t, []string{"docker pull registry.example.com/svc/app:latest", "fail"}, commands)
}

func TestWithSession_Stdin(t *testing.T) {
	f := newFixture(t)

	err := f.manager.WithSession(context.Background(), f.target, func(s Session) error {
		cmd := command("echo-stdin")
		cmd.Stdin = []byte("s3cret\n")
		res, err := s.Run(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, "s3cret\n", res.Stdout)
		return nil
	})
	require.NoError(t, err)
}

func TestWithSession_ReturnsCallbackError(t *testing.T) {
	f := newFixture(t)
	want := errors.New("reconcile failed")

	err := f.manager.WithSession(context.Background(), f.target, func(Session) error { return want })
	assert.Same(t, want, err)
}

func TestWithSession_Unreachable(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.target.Port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	called := false
	err = f.manager.WithSession(context.Background(), f.target, func(Session) error {
		called = true
		return nil
	})
	assert.Equal(t, domain.KindUnreachableHost, domain.KindOf(err))
	assert.False(t, called)
}

func TestWithSession_WrongKey(t *testing.T) {
	f := newFixture(t)
	otherKey, _, err := crypto.GenerateSSHKeyPair()
	require.NoError(t, err)
	f.target.Identity = domain.SSHIdentity{PrivateKey: otherKey}

	err = f.manager.WithSession(context.Background(), f.target, func(Session) error { return nil })
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))
}

func TestWithSession_HostKeyMismatch(t *testing.T) {
	f := newFixture(t)

	otherPEM, _, err := crypto.GenerateSSHKeyPair()
	require.NoError(t, err)
	other, err := ssh.ParsePrivateKey(otherPEM)
	require.NoError(t, err)
	line := knownhosts.Line([]string{f.server.addr}, other.PublicKey())
	require.NoError(t, os.WriteFile(f.manager.cfg.KnownHostsPath, []byte(line+"\n"), 0o600))

	err = f.manager.WithSession(context.Background(), f.target, func(Session) error { return nil })
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))
}

func TestWithSession_InvalidTarget(t *testing.T) {
	f := newFixture(t)

	target := f.target
	target.User = ""
	err := f.manager.WithSession(context.Background(), target, func(Session) error { return nil })
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))

	target = f.target
	target.Identity = domain.SSHIdentity{}
	err = f.manager.WithSession(context.Background(), target, func(Session) error { return nil })
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))
}

func TestSession_CancelKillsCommand(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := f.manager.WithSession(context.Background(), f.target, func(s Session) error {
		go func() {
			assert.Eventually(t, func() bool {
				_, commands, _, _ := f.server.snapshot()
				return len(commands) == 1
			}, 2*time.Second, 10*time.Millisecond)
			cancel()
		}()

		_, err := s.Run(ctx, command("block"))
		return err
	})
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))

	assert.Eventually(t, func() bool {
		_, _, _, signals := f.server.snapshot()
		return len(signals) == 1 && signals[0] == "KILL"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_CommandTimeout(t *testing.T) {
	f := newFixture(t)
	f.manager.cfg.CommandTimeout = 100 * time.Millisecond

	err := f.manager.WithSession(context.Background(), f.target, func(s Session) error {
		res, err := s.Run(context.Background(), command("block"))
		require.NoError(t, err)
		assert.Equal(t, timeoutExitCode, res.ExitCode)
		assert.Contains(t, res.Stderr, "timed out")
		return nil
	})
	require.NoError(t, err)
}

func TestSession_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.manager.WithSession(context.Background(), f.target, func(s Session) error {
		_, err := s.Run(ctx, command("docker pull x"))
		return err
	})
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))

	_, commands, _, _ := f.server.snapshot()
	assert.Empty(t, commands)
}
