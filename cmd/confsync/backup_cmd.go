package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/confsync/confsync/internal/backup"
	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/config"
)

func init() {
	rootCmd.AddCommand(
		newBackupCmd(),
		newListBackupsCmd(),
		newRestoreCmd(),
		newUndoCmd(),
		newCleanupBackupsCmd(),
	)
}

func backupManager(cmd *cobra.Command) (*backup.Manager, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	cmd.SilenceUsage = true
	return backup.NewManager(cfg.LocalDir, catalog.Default()), cfg, nil
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the local configuration tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := backupManager(cmd)
			if err != nil {
				return err
			}
			info, err := m.Snapshot()
			if err != nil {
				return err
			}
			if info == nil {
				fmt.Println("nothing to back up")
				return nil
			}
			fmt.Printf("%s %s (%s)\n", green("created"), info.ID, humanize.Bytes(uint64(backup.TreeSize(info.Path))))
			return nil
		},
	}
}

func newListBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups",
		Short: "List retained backups, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := backupManager(cmd)
			if err != nil {
				return err
			}
			backups, err := m.List()
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				fmt.Println("no backups")
				return nil
			}
			for _, b := range backups {
				fmt.Printf("  %s  %-10s %s\n", b.ID,
					humanize.Bytes(uint64(backup.TreeSize(b.Path))), humanize.Time(b.Time))
			}
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Replace the local tree with a backup (current state is snapshotted first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := backupManager(cmd)
			if err != nil {
				return err
			}
			if err := m.Restore(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s %s restored to %s\n", green("done:"), args[0], cfg.LocalDir)
			return nil
		},
	}
}

func newUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Revert the last mutating operation (one level)",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := backupManager(cmd)
			if err != nil {
				return err
			}
			info, err := m.Undo()
			if errors.Is(err, backup.ErrNothingToUndo) {
				fmt.Println("nothing to undo")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s reverted to backup %s\n", green("done:"), info.ID)
			return nil
		},
	}
}

func newCleanupBackupsCmd() *cobra.Command {
	var maxUnique int
	var dryRun bool

	cleanupCmd := &cobra.Command{
		Use:   "cleanup-backups",
		Short: "Collapse duplicate backups and enforce the retention cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := backupManager(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-unique") {
				maxUnique = cfg.MaxBackups
			}

			plan, err := m.Cleanup(maxUnique, dryRun)
			if err != nil {
				return err
			}

			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			for _, b := range plan.Duplicates {
				fmt.Printf("  %s %s (duplicate)\n", yellow(verb), b.ID)
			}
			for _, b := range plan.Evicted {
				fmt.Printf("  %s %s (over cap)\n", yellow(verb), b.ID)
			}
			fmt.Printf("%d kept, %d %s\n", len(plan.Kept), len(plan.Removals()), verb)
			return nil
		},
	}

	cleanupCmd.Flags().IntVar(&maxUnique, "max-unique", 0, "maximum distinct backups to keep (defaults to MAX_BACKUPS)")
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report decisions without deleting anything")
	return cleanupCmd
}
