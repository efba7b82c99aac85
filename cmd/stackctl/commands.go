package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/INLOpen/stackctl/core"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active version, installed versions and backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			active, err := a.manifest.ActiveVersion()
			if err != nil {
				return err
			}
			current, err := a.layout.CurrentVersion()
			if err != nil && !errors.Is(err, core.ErrNotFound) {
				return err
			}
			setup, err := a.manifest.SetupComplete()
			if err != nil {
				return err
			}
			installed, err := a.versions.List()
			if err != nil {
				return err
			}
			infos, err := a.backups.ListBackups(cmd.Context())
			if err != nil {
				return err
			}

			o := newOutput(c.out)
			o.field("Root", a.layout.Root)
			o.field("Active version", orNone(active))
			if current != active {
				o.warn("current pointer", orNone(current), "does not match the manifest")
			}
			o.field("Setup complete", fmt.Sprint(setup))
			o.field("Installed versions", fmt.Sprint(len(installed)))
			o.field("Backups", fmt.Sprint(len(infos)))
			if len(infos) > 0 {
				o.field("Latest backup", fmt.Sprintf("%s (%s)", infos[0].Filename, humanize.Time(infos[0].CreatedAt)))
			}
			return o.flush()
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check for a newer release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.updater.Check(cmd.Context())
			if err != nil {
				return err
			}
			o := newOutput(c.out)
			o.field("Current", orNone(res.Current))
			o.field("Latest", res.Latest)
			if res.UpdateAvailable {
				o.ok("Update available", "run `stackctl update` to install "+res.Latest)
			} else {
				o.field("Update available", "no")
			}
			return o.flush()
		},
	}
}

func (c *cli) updateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "update [version]",
		Short: "Download, install and activate a release (the latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var version string
			if len(args) == 1 {
				version = args[0]
			}
			res, err := c.app.updater.DownloadAndInstall(cmd.Context(), version, force)
			if err != nil {
				return err
			}
			o := newOutput(c.out)
			if res.Skipped {
				o.field("Skipped", res.Version+" is already installed")
				return o.flush()
			}
			o.ok("Activated", res.Version)
			o.field("Previous", orNone(res.Previous))
			if res.BackupCreated {
				o.field("Backup", res.BackupPath)
			}
			o.field("Operation", res.OperationID)
			return o.flush()
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reinstall a version that is already installed")
	return cmd
}

func (c *cli) rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <version>",
		Short: "Restore the installation from the newest backup of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.updater.RollbackToBackup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			o := newOutput(c.out)
			o.ok("Restored", res.Version)
			o.field("Files", fmt.Sprint(res.Files))
			o.field("Provisioned", fmt.Sprint(res.Provisioned))
			return o.flush()
		},
	}
}

func (c *cli) restoreCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore a backup archive into an installation root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = c.app.layout.Root
			}
			res, err := c.app.backups.RestoreFromBackup(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			if filepath.Clean(target) == filepath.Clean(c.app.layout.Root) {
				if err := c.app.versions.RefreshLauncher(); err != nil {
					return err
				}
			}
			o := newOutput(c.out)
			o.ok("Restored", res.Version)
			o.field("Target", res.TargetRoot)
			o.field("Files", fmt.Sprint(res.Files))
			return o.flush()
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "installation root to restore into (defaults to the configured root)")
	return cmd
}

func (c *cli) versionsCmd() *cobra.Command {
	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Manage installed versions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List installed versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := c.app.versions.List()
			if err != nil {
				return err
			}
			o := newOutput(c.out)
			o.header("VERSION", "ACTIVE", "PROVISIONED", "INSTALLED")
			for _, s := range statuses {
				installed := "-"
				if !s.InstalledAt.IsZero() {
					installed = humanize.Time(s.InstalledAt)
				}
				o.row(s.Active, s.Version, yesNo(s.Active), yesNo(s.Provisioned), installed)
			}
			return o.flush()
		},
	}

	var template string
	installCmd := &cobra.Command{
		Use:   "install <version> <artifact>",
		Short: "Install a version from a local artifact without activating it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.versions.Install(cmd.Context(), args[0], args[1], template); err != nil {
				return err
			}
			o := newOutput(c.out)
			o.ok("Installed", args[0])
			return o.flush()
		},
	}
	installCmd.Flags().StringVar(&template, "config-template", "", "configuration template shipped with the artifact")

	activateCmd := &cobra.Command{
		Use:   "activate <version>",
		Short: "Point current at an installed version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.versions.Activate(cmd.Context(), args[0]); err != nil {
				return err
			}
			o := newOutput(c.out)
			o.ok("Activated", args[0])
			return o.flush()
		},
	}

	uninstallCmd := &cobra.Command{
		Use:   "uninstall <version>",
		Short: "Remove an inactive version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.versions.Uninstall(cmd.Context(), args[0]); err != nil {
				return err
			}
			o := newOutput(c.out)
			o.ok("Uninstalled", args[0])
			return o.flush()
		},
	}

	previousCmd := &cobra.Command{
		Use:   "previous",
		Short: "Print the newest installed version other than the active one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := c.app.versions.PreviousVersion()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, v)
			return nil
		},
	}

	versionRollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "Activate the newest installed version other than the active one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := c.app.manifest.ActiveVersion()
			if err != nil {
				return err
			}
			previous, err := c.app.versions.PreviousVersion()
			if err != nil {
				return err
			}
			o := newOutput(c.out)
			o.field("Current version", orNone(active))
			o.field("Rollback to", previous)
			if err := o.flush(); err != nil {
				return err
			}

			proceed := false
			if c.app.confirm != nil {
				if proceed, err = c.app.confirm(cmd.Context(), "Proceed with rollback?"); err != nil {
					return err
				}
			}
			if !proceed {
				fmt.Fprintln(c.out, "Rollback cancelled.")
				return nil
			}
			if err := c.app.versions.Activate(cmd.Context(), previous); err != nil {
				return err
			}
			o = newOutput(c.out)
			o.ok("Rolled back to", previous)
			return o.flush()
		},
	}

	var keep int
	var dryRun bool
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove all but the newest versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep == 0 {
				keep = c.app.cfg.Versions.Keep
			}
			removed, err := c.app.versions.CleanupOldVersions(cmd.Context(), keep, dryRun)
			printRemoved(c.out, removed, dryRun)
			return err
		},
	}
	cleanupCmd.Flags().IntVar(&keep, "keep", 0, "versions to keep, the active one included (defaults to versions.keep)")
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print what would be removed")

	versionsCmd.AddCommand(listCmd, installCmd, activateCmd, uninstallCmd, previousCmd, versionRollbackCmd, cleanupCmd)
	return versionsCmd
}

func (c *cli) backupCmd() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, inspect and prune backups",
	}

	createCmd := &cobra.Command{
		Use:   "create [version]",
		Short: "Write a numbered backup (of the active version by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var version string
			if len(args) == 1 {
				version = args[0]
			}
			p, err := c.app.backups.CreateManualBackup(cmd.Context(), version)
			if err != nil {
				return err
			}
			o := newOutput(c.out)
			o.ok("Created", p)
			return o.flush()
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := c.app.backups.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			o := newOutput(c.out)
			o.header("FILE", "VERSION", "REASON", "SIZE", "CREATED")
			for _, info := range infos {
				reason := info.Reason
				if info.Metadata == nil {
					reason = "unreadable"
				}
				o.row(false, info.Filename, info.Version, reason, humanize.IBytes(uint64(info.Size)), humanize.Time(info.CreatedAt))
			}
			return o.flush()
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <archive>",
		Short: "Check every archive member against its recorded checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := c.app.backups.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			o := newOutput(c.out)
			o.ok("Verified", filepath.Base(args[0]))
			o.field("Version", meta.Version)
			o.field("Reason", meta.Reason)
			o.field("Files", fmt.Sprint(len(meta.Files)))
			o.field("Created", meta.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			return o.flush()
		},
	}

	var keep int
	var dryRun bool
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups of all but the newest backed-up versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep == 0 {
				keep = c.app.cfg.Backup.KeepVersions
			}
			deleted, err := c.app.backups.CleanupOldBackups(cmd.Context(), keep, dryRun)
			printRemoved(c.out, deleted, dryRun)
			return err
		},
	}
	cleanupCmd.Flags().IntVar(&keep, "keep", 0, "versions whose backups are kept (defaults to backup.keep_versions)")
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print what would be deleted")

	backupCmd.AddCommand(createCmd, listCmd, verifyCmd, cleanupCmd)
	return backupCmd
}
