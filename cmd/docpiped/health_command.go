package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"docpipe/internal/statestore"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon storage health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			checks := map[string]bool{}

			store, err := statestore.Open(cfg.Paths.DataDir)
			if err != nil {
				checks["statestore"] = false
			} else {
				checks["statestore"] = store.Healthy(cmd.Context())
				_ = store.Close()
			}
			checks["directories"] = cfg.EnsureDirectories() == nil

			names := make([]string, 0, len(checks))
			for name := range checks {
				names = append(names, name)
			}
			sort.Strings(names)

			healthy := true
			rows := make([][]string, 0, len(checks))
			for _, name := range names {
				status := "ok"
				if !checks[name] {
					status = "failed"
					healthy = false
				}
				rows = append(rows, []string{name, status})
			}
			cmd.Println(renderTable([]string{"Check", "Status"}, rows))

			if !healthy {
				return fmt.Errorf("health check failed")
			}
			return nil
		},
	}
}
