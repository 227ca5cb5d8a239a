package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/lock"
	"github.com/confsync/confsync/internal/state"
	"github.com/confsync/confsync/internal/utils"
	"github.com/confsync/confsync/internal/validate"
)

func init() {
	rootCmd.AddCommand(newValidateCmd())
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check configuration, directories and item validity on both sides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			fmt.Printf("config:     %s\n", cfg.Path)
			fmt.Printf("cloud base: %s %s\n", cfg.CloudBase, existsMark(utils.DirExists(cfg.CloudBase)))
			fmt.Printf("sync root:  %s %s\n", cfg.SyncRoot, existsMark(utils.DirExists(cfg.SyncRoot)))
			fmt.Printf("local:      %s %s\n", cfg.LocalDir, existsMark(utils.DirExists(cfg.LocalDir)))
			fmt.Printf("conflict:   %s, debounce %s, max batch %s\n", cfg.Conflict, cfg.Debounce, cfg.MaxBatch)

			cycleLock := lock.New(cfg.SyncRoot, state.MachineID())
			if tok, err := cycleLock.Info(); err == nil && tok != nil {
				fmt.Printf("lock:       held by %s (%s ago)\n", tok.MachineID, tok.Age(time.Now()).Round(time.Second))
			} else {
				fmt.Printf("lock:       free\n")
			}

			problems := 0
			for _, side := range []struct {
				label string
				root  string
			}{
				{"local", cfg.LocalDir},
				{"shared", cfg.SyncRoot},
			} {
				for _, it := range catalog.Default() {
					if err := validate.Item(filepath.Join(side.root, it.Name), it); err != nil {
						fmt.Printf("  %s %s/%s: %v\n", red("✗"), side.label, it.Name, err)
						problems++
					}
				}
			}

			if problems > 0 {
				return fmt.Errorf("%d validation problem(s)", problems)
			}
			fmt.Println(green("all items valid"))
			return nil
		},
	}
}

func existsMark(ok bool) string {
	if ok {
		return green("✓")
	}
	return red("missing")
}
