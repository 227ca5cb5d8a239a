package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/daemon"
	"github.com/confsync/confsync/internal/engine"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-item drift, lock state and daemon state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			eng := engine.New(cfg, catalog.Default())
			report, err := eng.Status()
			if err != nil {
				return err
			}

			fmt.Printf("machine:    %s\n", report.MachineID)
			fmt.Printf("local:      %s\n", report.LocalDir)
			fmt.Printf("shared:     %s\n", report.SyncRoot)

			if report.LastSync.IsZero() {
				fmt.Printf("last sync:  %s\n", yellow("never"))
			} else {
				fmt.Printf("last sync:  %s by %s (%d items tracked)\n",
					humanize.Time(report.LastSync), report.LastSyncBy, report.Tracked)
			}

			if report.LockHolder != nil {
				age := report.LockHolder.Age(time.Now()).Round(time.Second)
				fmt.Printf("lock:       %s by %s (%s ago, pid %d)\n",
					yellow("held"), report.LockHolder.MachineID, age, report.LockHolder.PID)
			} else {
				fmt.Printf("lock:       %s\n", green("free"))
			}

			if ds, err := daemon.Status(); err == nil {
				if ds.Running {
					fmt.Printf("daemon:     %s (pid %d, up since %s)\n",
						green("running"), ds.PID, humanize.Time(ds.Since))
				} else {
					fmt.Printf("daemon:     %s\n", yellow("not running"))
				}
			}

			fmt.Println("items:")
			for _, it := range report.Items {
				marker := green("✓")
				switch it.Drift {
				case engine.DriftInSync:
					if !it.Present {
						marker = cyan("-")
					}
				case engine.DriftLocalOnly, engine.DriftRemoteOnly:
					marker = yellow("!")
				case engine.DriftDiffers:
					marker = red("✗")
				}
				fmt.Printf("  %s %-16s %s\n", marker, it.Name, it.Drift)
			}

			if len(report.ConflictArtifacts) > 0 {
				fmt.Printf("%s provider conflict artifacts (resolve manually):\n", red("warning:"))
				for _, p := range report.ConflictArtifacts {
					fmt.Printf("  %s\n", p)
				}
			}
			return nil
		},
	}
}
