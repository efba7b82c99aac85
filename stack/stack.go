// Package stack controls the running container stack.
package stack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Controller starts and stops the service stack.
type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

type ComposeOptions struct {
	// Binary defaults to "docker".
	Binary      string
	ComposeFile string
	Project     string
	Runner      Runner
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// ComposeController drives the stack through `docker compose`.
type ComposeController struct {
	binary      string
	composeFile string
	project     string
	run         Runner
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewComposeController(opts ComposeOptions) *ComposeController {
	c := &ComposeController{
		binary:      opts.Binary,
		composeFile: opts.ComposeFile,
		project:     opts.Project,
		run:         opts.Runner,
		tracer:      opts.Tracer,
	}
	if c.binary == "" {
		c.binary = "docker"
	}
	if c.run == nil {
		c.run = execRunner
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.logger = logger.With("component", "ComposeController")
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/INLOpen/stackctl/stack")
	}
	return c
}

func (c *ComposeController) args(action ...string) []string {
	args := []string{"compose"}
	if c.composeFile != "" {
		args = append(args, "-f", c.composeFile)
	}
	if c.project != "" {
		args = append(args, "-p", c.project)
	}
	return append(args, action...)
}

func (c *ComposeController) invoke(ctx context.Context, op string, action ...string) error {
	ctx, span := c.tracer.Start(ctx, "ComposeController."+op)
	defer span.End()
	span.SetAttributes(attribute.String("stack.project", c.project))

	args := c.args(action...)
	c.logger.Info("Running compose.", "op", op, "args", args)
	out, err := c.run(ctx, c.binary, args...)
	if err != nil {
		span.RecordError(err)
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("failed to %s stack: %w: %s", strings.ToLower(op), err, msg)
		}
		return fmt.Errorf("failed to %s stack: %w", strings.ToLower(op), err)
	}
	return nil
}

func (c *ComposeController) Stop(ctx context.Context) error {
	return c.invoke(ctx, "Stop", "stop")
}

func (c *ComposeController) Start(ctx context.Context) error {
	return c.invoke(ctx, "Start", "up", "-d")
}

// Noop is a Controller for installations without a running stack.
type Noop struct{}

func (Noop) Stop(context.Context) error  { return nil }
func (Noop) Start(context.Context) error { return nil }
