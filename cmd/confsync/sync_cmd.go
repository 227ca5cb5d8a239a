package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/engine"
	"github.com/confsync/confsync/internal/lock"
	"github.com/confsync/confsync/internal/transfer"
)

func init() {
	rootCmd.AddCommand(newPushCmd(), newPullCmd())
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Copy the local configuration tree to the shared folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, transfer.Push)
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Copy the shared folder's configuration tree to this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, transfer.Pull)
		},
	}
}

// runSync drives one explicit-direction cycle. Interactive semantics: any
// failed item makes the whole command fail, with state untouched and the
// pre-cycle backup intact.
func runSync(cmd *cobra.Command, dir transfer.Direction) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	eng := engine.New(cfg, catalog.Default())
	result, err := eng.RunCycle(dir)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			fmt.Printf("%s %s\n", yellow("deferred:"), held.Error())
			return errors.New("sync deferred")
		}
		return err
	}

	for _, res := range result.Report.Results {
		switch res.Status {
		case transfer.StatusCopied:
			fmt.Printf("  %s %s\n", green("✓"), res.Item)
		case transfer.StatusSkipped:
			fmt.Printf("  %s %s (absent)\n", cyan("-"), res.Item)
		case transfer.StatusFailed:
			fmt.Printf("  %s %s: %v\n", red("✗"), res.Item, res.Err)
		}
	}
	fmt.Printf("%s: %s\n", dir.String(), result.Report.Summary())

	if !result.Report.Ok() {
		fmt.Printf("%s %s\n", yellow("note:"), failureHint())
		return fmt.Errorf("%d item(s) failed", result.Report.Failed())
	}
	return nil
}

// failureHint is printed after a cycle with failed items. Items copied before
// the failure did land, so the hint must not claim the tree is untouched.
func failureHint() string {
	return "sync state was not committed, but items copied before the failure did change the tree; " +
		"`confsync undo` or `confsync restore <id>` recover prior content"
}
