// Command stackctl installs, activates, backs up and rolls back versions of
// the service stack under one installation root.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maloquacious/semver"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/INLOpen/stackctl/config"
)

var managerVersion = semver.Version{Minor: 4, Build: semver.Commit()}

func currentManagerVersion() string {
	return managerVersion.String()
}

// cli carries the global flags and the lazily built app across commands.
type cli struct {
	configPath string
	root       string
	logLevel   string
	assumeYes  bool

	in      io.Reader
	out     io.Writer
	app     *app
	logger  *slog.Logger
	closers []func()
}

func newRootCmd(in io.Reader, out io.Writer) (*cobra.Command, *cli) {
	c := &cli{in: in, out: out}
	rootCmd := &cobra.Command{
		Use:           "stackctl",
		Short:         "Version and backup lifecycle manager for the service stack",
		Version:       currentManagerVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Context())
		},
	}
	rootCmd.SetOut(out)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "/etc/stackctl/stackctl.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&c.root, "root", "", "installation root (overrides install.root)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (overrides logging.level)")
	rootCmd.PersistentFlags().BoolVarP(&c.assumeYes, "yes", "y", false, "answer yes to every confirmation")

	rootCmd.AddCommand(
		c.statusCmd(),
		c.checkCmd(),
		c.updateCmd(),
		c.rollbackCmd(),
		c.restoreCmd(),
		c.versionsCmd(),
		c.backupCmd(),
	)
	return rootCmd, c
}

// setup loads the configuration and builds the app once per process.
func (c *cli) setup(ctx context.Context) error {
	if c.app != nil {
		return nil
	}
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.root != "" {
		cfg.Install.Root = c.root
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if closer != nil {
		c.closers = append(c.closers, func() { closer.Close() })
	}
	c.logger = logger

	_, cleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	c.closers = append(c.closers, cleanup)
	tracer := otel.Tracer("github.com/INLOpen/stackctl/cmd/stackctl")

	a, err := newApp(ctx, cfg, logger, tracer, c.in, c.out, c.assumeYes)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

// close releases everything setup acquired, in reverse order.
func (c *cli) close() {
	if c.app != nil {
		c.app.close()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd, c := newRootCmd(os.Stdin, os.Stdout)
	err := rootCmd.ExecuteContext(ctx)
	c.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := failureHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}
