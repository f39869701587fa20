// Package ssh runs display power commands on a remote host.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Service defines the interface for SSH operations.
type Service interface {
	Run(ctx context.Context, cfg models.SSHConfig, cmd string) (*models.SSHResult, error)
	TestConnection(ctx context.Context, cfg models.SSHConfig) (*models.SSHResult, error)
	Close() error
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// Impl implements the SSH Service interface. One connection per host is kept open and reused
// across commands, since the display watcher polls every few seconds.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger

	mu     sync.Mutex
	client SSHClient
	addr   string
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.SSHConfig) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	// Load private key from file or use provided key
	switch {
	case len(cfg.PrivateKey) > 0:
		key = cfg.PrivateKey
	case cfg.KeyPath != "":
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	default:
		return nil, errors.New("no private key provided")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // display host on the local network
		Timeout:         10 * time.Second,
	}, nil
}

// Run executes cmd on the display host. A non-zero exit status is reported in the result.
func (s *Impl) Run(ctx context.Context, cfg models.SSHConfig, cmd string) (*models.SSHResult, error) {
	result := &models.SSHResult{}

	s.logger.Debug().
		Str("host", cfg.Host).
		Str("command", cmd).
		Msg("running remote command")

	output, err := s.exec(ctx, cfg, cmd)
	if errors.Is(err, errSession) {
		// The cached connection went stale; dial once more.
		s.logger.Debug().Err(err).Str("host", cfg.Host).Msg("reconnecting to display host")
		output, err = s.exec(ctx, cfg, cmd)
	}
	result.Output = string(output)

	if err != nil {
		if !errors.Is(err, errConnect) && !errors.Is(err, errSession) && ctx.Err() == nil {
			result.CommandRun = true
		}
		result.Error = err
		return result, nil
	}

	result.CommandRun = true
	return result, nil
}

// TestConnection verifies SSH connectivity by running a no-op command.
func (s *Impl) TestConnection(ctx context.Context, cfg models.SSHConfig) (*models.SSHResult, error) {
	s.logger.Debug().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("testing SSH connection")

	result, err := s.Run(ctx, cfg, "echo OK")
	if err != nil || result.Error == nil {
		return result, err
	}
	if result.CommandRun {
		result.Error = fmt.Errorf("test command failed: %w", result.Error)
	}
	return result, nil
}

// Close drops the cached connection.
func (s *Impl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}

var (
	errConnect = errors.New("failed to connect")
	errSession = errors.New("failed to create session")
)

func (s *Impl) exec(ctx context.Context, cfg models.SSHConfig, cmd string) ([]byte, error) {
	client, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		s.mu.Lock()
		if s.client == client {
			_ = s.dropLocked()
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", errSession, err)
	}
	defer func() { _ = session.Close() }()

	type outcome struct {
		output []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := session.CombinedOutput(cmd)
		done <- outcome{output, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return res.output, fmt.Errorf("remote command %q failed: %w", cmd, res.err)
		}
		return res.output, nil
	}
}

// connect returns the cached client for cfg, dialing when there is none.
func (s *Impl) connect(ctx context.Context, cfg models.SSHConfig) (SSHClient, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s.mu.Lock()
	if s.client != nil && s.addr == addr {
		client := s.client
		s.mu.Unlock()
		return client, nil
	}
	_ = s.dropLocked()
	s.mu.Unlock()

	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConnect, err)
	}

	// Create client with context timeout
	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	var client SSHClient
	select {
	case <-ctx.Done():
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %w", errConnect, res.err)
		}
		client = res.client
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		// Lost a race with another dial; keep the first connection.
		_ = client.Close()
		return s.client, nil
	}
	s.client = client
	s.addr = addr
	return client, nil
}

func (s *Impl) dropLocked() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.addr = ""
	return err
}
