// Package provision builds a version's runtime environment from its cached
// release artifact. The host operations that touch the real system sit
// behind Host so a simulated host can stand in for tests and dry runs.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/INLOpen/stackctl/core"
)

const (
	StepCreateEnvironment = "create-environment"
	StepInstallPackage    = "install-package"
)

// Host performs the privileged or external operations provisioning needs.
type Host interface {
	// CreateEnvironment creates an isolated runtime environment at envDir.
	CreateEnvironment(ctx context.Context, envDir string) error
	// InstallPackage installs the artifact into the environment at envDir.
	InstallPackage(ctx context.Context, envDir, artifactPath string) error
	// Name identifies the implementation in logs.
	Name() string
}

// RealHost runs the interpreter and package installer as child processes.
type RealHost struct {
	Python     string
	VenvArgs   []string
	PipArgs    []string
	logger     *slog.Logger
	runCommand func(ctx context.Context, name string, args ...string) (int, string, error)
}

func NewRealHost(python string, venvArgs, pipArgs []string, logger *slog.Logger) *RealHost {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if python == "" {
		python = "python3"
	}
	return &RealHost{
		Python:     python,
		VenvArgs:   venvArgs,
		PipArgs:    pipArgs,
		logger:     logger.With("component", "RealHost"),
		runCommand: runCommand,
	}
}

func (h *RealHost) Name() string { return "real" }

func (h *RealHost) CreateEnvironment(ctx context.Context, envDir string) error {
	args := append([]string{"-m", "venv"}, h.VenvArgs...)
	args = append(args, envDir)
	return h.run(ctx, StepCreateEnvironment, h.Python, args...)
}

func (h *RealHost) InstallPackage(ctx context.Context, envDir, artifactPath string) error {
	pip := filepath.Join(envDir, "bin", "pip")
	args := append([]string{"install", "--quiet"}, h.PipArgs...)
	args = append(args, artifactPath)
	return h.run(ctx, StepInstallPackage, pip, args...)
}

func (h *RealHost) run(ctx context.Context, step, name string, args ...string) error {
	h.logger.Debug("Running host command.", "step", step, "command", name, "args", args)
	code, stderr, err := h.runCommand(ctx, name, args...)
	if err != nil || code != 0 {
		return &core.ProvisionError{Step: step, ExitCode: code, Stderr: stderr, Err: err}
	}
	return nil
}

// runCommand returns the exit status and captured stderr. A process that
// could not be started reports exit status -1.
func runCommand(ctx context.Context, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return 0, stderr.String(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), stderr.String(), nil
	}
	return -1, stderr.String(), err
}

// SimulatedHost records operations instead of running them. It creates the
// directories a real environment would have so the marker checks behave the
// same way.
type SimulatedHost struct {
	mu    sync.Mutex
	calls []string

	// FailStep makes the named step fail with exit status 1.
	FailStep string
}

func NewSimulatedHost() *SimulatedHost {
	return &SimulatedHost{}
}

func (h *SimulatedHost) Name() string { return "simulated" }

func (h *SimulatedHost) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

// Calls returns the recorded operations in order.
func (h *SimulatedHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *SimulatedHost) CreateEnvironment(ctx context.Context, envDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.record(StepCreateEnvironment + " " + envDir)
	if h.FailStep == StepCreateEnvironment {
		return &core.ProvisionError{Step: StepCreateEnvironment, ExitCode: 1, Stderr: "simulated failure"}
	}
	return os.MkdirAll(filepath.Join(envDir, "bin"), 0755)
}

func (h *SimulatedHost) InstallPackage(ctx context.Context, envDir, artifactPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.record(StepInstallPackage + " " + filepath.Base(artifactPath))
	if h.FailStep == StepInstallPackage {
		return &core.ProvisionError{Step: StepInstallPackage, ExitCode: 1, Stderr: "simulated failure"}
	}
	if _, err := os.Stat(artifactPath); err != nil {
		return &core.ProvisionError{Step: StepInstallPackage, ExitCode: 1, Stderr: fmt.Sprintf("artifact not found: %v", err)}
	}
	return os.WriteFile(filepath.Join(envDir, "installed.txt"), []byte(filepath.Base(artifactPath)+"\n"), 0644)
}
