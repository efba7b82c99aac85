package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/layout"
)

// Provisioner makes a version directory runnable.
type Provisioner interface {
	Provision(ctx context.Context, versionDir, artifactPath string) error
}

// HostProvisioner provisions through a Host. A version directory counts as
// provisioned once cli/venv exists, so a failed run removes whatever partial
// environment it left.
type HostProvisioner struct {
	host   Host
	logger *slog.Logger
	tracer trace.Tracer
}

func NewHostProvisioner(host Host, logger *slog.Logger, tracer trace.Tracer) *HostProvisioner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tracer == nil {
		tracer = otel.Tracer("github.com/INLOpen/stackctl/provision")
	}
	return &HostProvisioner{
		host:   host,
		logger: logger.With("component", "Provisioner", "host", host.Name()),
		tracer: tracer,
	}
}

func (p *HostProvisioner) Provision(ctx context.Context, versionDir, artifactPath string) (err error) {
	ctx, span := p.tracer.Start(ctx, "Provisioner.Provision")
	defer span.End()
	span.SetAttributes(
		attribute.String("provision.version_dir", versionDir),
		attribute.String("provision.artifact", filepath.Base(artifactPath)),
	)

	if _, statErr := os.Stat(artifactPath); statErr != nil {
		err = fmt.Errorf("artifact %s: %w", artifactPath, core.ErrProvisionFailed)
		span.RecordError(err)
		return err
	}

	cliDir := filepath.Join(versionDir, layout.CLIDirName)
	envDir := filepath.Join(cliDir, layout.VenvDirName)
	if mkErr := os.MkdirAll(cliDir, 0755); mkErr != nil {
		return fmt.Errorf("failed to create %s: %w", cliDir, mkErr)
	}

	defer func() {
		if err == nil {
			return
		}
		span.RecordError(err)
		if rmErr := os.RemoveAll(envDir); rmErr != nil {
			p.logger.Warn("Failed to remove partial environment.", "path", envDir, "error", rmErr)
		}
	}()

	p.logger.Info("Provisioning version.", "version_dir", versionDir, "artifact", filepath.Base(artifactPath))
	if err = p.host.CreateEnvironment(ctx, envDir); err != nil {
		return fmt.Errorf("failed to create environment: %w", asProvisionError(StepCreateEnvironment, err))
	}
	if err = p.host.InstallPackage(ctx, envDir, artifactPath); err != nil {
		return fmt.Errorf("failed to install package: %w", asProvisionError(StepInstallPackage, err))
	}
	p.logger.Info("Version provisioned.", "version_dir", versionDir)
	return nil
}

// asProvisionError keeps typed host errors and wraps the rest, so every
// failure matches core.ErrProvisionFailed.
func asProvisionError(step string, err error) error {
	if _, ok := err.(*core.ProvisionError); ok {
		return err
	}
	return &core.ProvisionError{Step: step, ExitCode: -1, Err: err}
}
