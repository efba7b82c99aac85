package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/term"

	"github.com/INLOpen/stackctl/backup"
	"github.com/INLOpen/stackctl/config"
	"github.com/INLOpen/stackctl/hooks"
	"github.com/INLOpen/stackctl/hooks/listeners"
	"github.com/INLOpen/stackctl/layout"
	"github.com/INLOpen/stackctl/manifest"
	"github.com/INLOpen/stackctl/mirror"
	"github.com/INLOpen/stackctl/provision"
	"github.com/INLOpen/stackctl/release"
	"github.com/INLOpen/stackctl/stack"
	"github.com/INLOpen/stackctl/updater"
	"github.com/INLOpen/stackctl/versions"
)

// app holds every component a command may need, wired from one Config.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	layout   *layout.Layout
	manifest *manifest.Store
	hooks    hooks.HookManager
	backups  *backup.Engine
	versions *versions.Manager
	updater  *updater.Updater
	source   *release.GitHubSource
	confirm  updater.Confirmer
}

// newApp wires the components. Listeners are registered before any
// component can fire an event.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, in io.Reader, out io.Writer, assumeYes bool) (*app, error) {
	clk := clock.WallClock
	l := layout.New(cfg.Install.Root)

	store := manifest.NewStore(manifest.StoreOptions{
		Path:              l.ManifestPath(),
		InstallRoot:       l.Root,
		LockRetries:       cfg.Lock.Retries,
		LockRetryInterval: config.ParseDuration(cfg.Lock.RetryInterval, 100*time.Millisecond, logger),
		LockStaleTTL:      config.ParseDuration(cfg.Lock.StaleTTL, 10*time.Minute, logger),
		Logger:            logger,
		Tracer:            tracer,
		Clock:             clk,
	})

	var host provision.Host
	switch cfg.Provision.Mode {
	case "simulated":
		host = provision.NewSimulatedHost()
	default:
		host = provision.NewRealHost(cfg.Provision.Python, cfg.Provision.VenvArgs, cfg.Provision.PipArgs, logger)
	}
	provisioner := provision.NewHostProvisioner(host, logger, tracer)

	hm := hooks.NewHookManager(logger)

	managerVersion := cfg.Install.ManagerVersion
	if managerVersion == "" {
		managerVersion = currentManagerVersion()
	}
	dataPaths := cfg.Backup.DataPaths
	if len(dataPaths) == 0 {
		dataPaths = backup.DefaultDataPaths
	}
	backups := backup.NewEngine(backup.Options{
		Layout:           l,
		Manifest:         store,
		Provisioner:      provisioner,
		ManagerVersion:   managerVersion,
		DataPaths:        dataPaths,
		MinFreeBytes:     config.ParseBytes(cfg.Backup.MinFree, 256<<20, logger),
		ProbeConcurrency: cfg.Backup.ProbeConcurrency,
		HookManager:      hm,
		Logger:           logger,
		Tracer:           tracer,
		Clock:            clk,
	})

	vm := versions.NewManager(versions.Options{
		Layout:          l,
		Manifest:        store,
		Provisioner:     provisioner,
		HookManager:     hm,
		LauncherCommand: cfg.Install.LauncherCommand,
		Clock:           clk,
		Logger:          logger,
		Tracer:          tracer,
	})

	httpClient := &http.Client{Timeout: config.ParseDuration(cfg.Release.Timeout, 60*time.Second, logger)}
	source := release.NewGitHubSource(release.GitHubSourceOptions{
		APIURL:  cfg.Release.APIURL,
		Repo:    cfg.Release.Repo,
		Package: cfg.Release.Package,
		Token:   cfg.Release.Token,
		Client:  httpClient,
		Logger:  logger,
		Tracer:  tracer,
	})
	downloader := release.NewDownloader(release.DownloaderOptions{
		Client:   httpClient,
		Attempts: cfg.Release.DownloadAttempts,
		Delay:    config.ParseDuration(cfg.Release.RetryDelay, time.Second, logger),
		Clock:    clk,
		Logger:   logger,
		Tracer:   tracer,
	})

	if err := registerListeners(ctx, cfg, hm, backups, logger, tracer); err != nil {
		return nil, err
	}

	confirm := newConfirmer(in, out, assumeYes)
	up := updater.New(updater.Options{
		Layout:      l,
		Manifest:    store,
		Versions:    vm,
		Backups:     backups,
		Source:      source,
		Fetcher:     downloader,
		Confirm:     confirm,
		HookManager: hm,
		TempDir:     filepath.Join(l.Root, ".downloads"),
		Logger:      logger,
		Tracer:      tracer,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		layout:   l,
		manifest: store,
		hooks:    hm,
		backups:  backups,
		versions: vm,
		updater:  up,
		source:   source,
		confirm:  confirm,
	}, nil
}

func registerListeners(ctx context.Context, cfg *config.Config, hm hooks.HookManager, backups *backup.Engine, logger *slog.Logger, tracer trace.Tracer) error {
	if cfg.Stack.Enabled {
		ctrl := stack.NewComposeController(stack.ComposeOptions{
			Binary:      cfg.Stack.Binary,
			ComposeFile: filepath.Join(cfg.Install.Root, cfg.Stack.ComposeFile),
			Project:     cfg.Stack.Project,
			Logger:      logger,
			Tracer:      tracer,
		})
		stop := listeners.NewStackStopListener(ctrl, cfg.Stack.RestartAfterRestore, logger)
		hm.Register(hooks.EventPreRestore, stop)
		hm.Register(hooks.EventPostRestore, stop)
	}

	if cfg.Backup.PruneOnUpgrade {
		hm.Register(hooks.EventPostActivate, listeners.NewBackupPruneListener(backups, cfg.Backup.KeepVersions, logger))
	}

	if cfg.Backup.SizeWatch.Min != "" || cfg.Backup.SizeWatch.Max != "" {
		rule := listeners.SizeThresholds{
			Min: int64(config.ParseBytes(cfg.Backup.SizeWatch.Min, 0, logger)),
			Max: int64(config.ParseBytes(cfg.Backup.SizeWatch.Max, 0, logger)),
		}
		hm.Register(hooks.EventPostCreateBackup, listeners.NewBackupSizeWatchListener(logger, map[string]listeners.SizeThresholds{"": rule}))
	}

	stats := listeners.NewLifecycleStatsListener(logger)
	for _, et := range stats.Events() {
		hm.Register(et, stats)
	}
	hm.Register(hooks.EventPostUpdateFail, listeners.NewUpdateFailAlerterListener(logger))

	if cfg.Mirror.Enabled {
		m, err := mirror.New(ctx, mirror.Options{
			Bucket:          cfg.Mirror.Bucket,
			Prefix:          cfg.Mirror.Prefix,
			Region:          cfg.Mirror.Region,
			Endpoint:        cfg.Mirror.Endpoint,
			PathStyle:       cfg.Mirror.PathStyle,
			AccessKeyID:     cfg.Mirror.AccessKeyID,
			SecretAccessKey: cfg.Mirror.SecretAccessKey,
			Logger:          logger,
			Tracer:          tracer,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize backup mirror: %w", err)
		}
		hm.Register(hooks.EventPostCreateBackup, listeners.NewBackupMirrorListener(m, logger))
	}
	return nil
}

// newConfirmer prompts on out and reads the answer from in. Without a
// terminal on stdin every question is answered no, unless assumeYes is set.
func newConfirmer(in io.Reader, out io.Writer, assumeYes bool) updater.Confirmer {
	if assumeYes {
		return func(context.Context, string) (bool, error) { return true, nil }
	}
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	reader := bufio.NewReader(in)
	return func(ctx context.Context, prompt string) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s [y/N]: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				return false, nil
			}
			return false, fmt.Errorf("failed to read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// close flushes asynchronous listeners.
func (a *app) close() {
	a.hooks.Stop()
}
