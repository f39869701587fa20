package display

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fgeck/autooffice-daemon/internal/models"
	"github.com/fgeck/autooffice-daemon/internal/services/ssh"
)

// Runner runs a display command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// LocalRunner runs commands through sh -c on this machine.
type LocalRunner struct {
	executor CommandExecutor
}

// NewLocalRunner creates a LocalRunner. A nil executor uses os/exec.
func NewLocalRunner(executor CommandExecutor) *LocalRunner {
	if executor == nil {
		executor = &DefaultExecutor{}
	}
	return &LocalRunner{executor: executor}
}

// Run executes command with sh -c.
func (r *LocalRunner) Run(ctx context.Context, command string) (string, error) {
	output, err := r.executor.Execute(ctx, "sh", "-c", command)
	if err != nil {
		return string(output), fmt.Errorf("%q failed: %w: %s", command, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// SSHRunner runs commands on a remote display host.
type SSHRunner struct {
	svc ssh.Service
	cfg models.SSHConfig
}

// NewSSHRunner creates a runner for the host described by cfg.
func NewSSHRunner(svc ssh.Service, cfg models.SSHConfig) *SSHRunner {
	return &SSHRunner{svc: svc, cfg: cfg}
}

// Run executes command over SSH.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	result, err := r.svc.Run(ctx, r.cfg, command)
	if err != nil {
		return "", err
	}
	if result.Error != nil {
		return result.Output, fmt.Errorf("%s: %w", r.cfg.Host, result.Error)
	}
	return result.Output, nil
}

// noopRunner backs the "none" backend: requests are accepted and nothing runs.
type noopRunner struct{}

func (noopRunner) Run(context.Context, string) (string, error) {
	return "", nil
}

// errNoBackend is returned by state queries on the "none" backend.
var errNoBackend = errors.New("no display backend configured")
