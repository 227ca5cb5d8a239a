package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/daemon"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background sync daemon",
	}
	daemonCmd.AddCommand(
		newDaemonRunCmd(),
		newDaemonOnceCmd(),
		newDaemonStartCmd(),
		newDaemonStopCmd(),
		newDaemonStatusCmd(),
		newDaemonInstallCmd(),
	)
	return daemonCmd
}

func newDaemonRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the watch-and-sync loop in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			d := daemon.New(cfg, catalog.Default())
			err = d.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newDaemonOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Decide a direction and run a single sync cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			d := daemon.New(cfg, catalog.Default())
			result, err := d.Once()
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Println(green("already in sync"))
				return nil
			}
			fmt.Printf("%s: %s\n", result.Direction.String(), result.Report.Summary())
			if !result.Report.Ok() {
				return fmt.Errorf("%d item(s) failed", result.Report.Failed())
			}
			return nil
		},
	}
}

func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Launch the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Config problems should surface here, not in a detached process.
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			logPath := filepath.Join(daemon.RuntimeDir(), "daemon.log")
			pid, err := daemon.Start(logPath)
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				fmt.Printf("%s (pid %d)\n", yellow("already running"), pid)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s (pid %d, log %s)\n", green("started"), pid, logPath)
			return nil
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			stopped, err := daemon.Stop()
			if err != nil {
				return err
			}
			if stopped {
				fmt.Println(green("stopped"))
			} else {
				fmt.Println("not running")
			}
			return nil
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			status, err := daemon.Status()
			if err != nil {
				return err
			}
			if status.Running {
				fmt.Printf("%s (pid %d, up since %s)\n", green("running"), status.PID, humanize.Time(status.Since))
			} else if status.PID != 0 {
				fmt.Printf("%s (stale pidfile for %d)\n", yellow("not running"), status.PID)
			} else {
				fmt.Println(yellow("not running"))
			}
			return nil
		},
	}
}

func newDaemonInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install a login service for the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path, err := daemon.Install()
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", green("installed"), path)
			switch runtime.GOOS {
			case "darwin":
				fmt.Printf("activate with: launchctl load %s\n", path)
			case "linux":
				fmt.Println("activate with: systemctl --user enable --now confsync")
			}
			return nil
		},
	}
}
