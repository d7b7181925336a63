package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"docpipe/internal/pipeline"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and pipeline definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cmd.Printf("config ok (%s)\n", ctx.cfgPath)

			if cfg.Paths.PipelineDir == "" {
				cmd.Println("no pipeline directory configured")
				return nil
			}
			defs, err := pipeline.LoadDir(cfg.Paths.PipelineDir)
			if err != nil {
				return fmt.Errorf("pipeline definitions: %w", err)
			}
			for _, def := range defs {
				order, err := def.TopologicalOrder()
				if err != nil {
					return err
				}
				cmd.Printf("pipeline %s ok (%d stages: %v)\n", def.Name, len(def.Stages), order)
			}
			if len(defs) == 0 {
				cmd.Printf("no pipeline definitions found in %s\n", cfg.Paths.PipelineDir)
			}
			return nil
		},
	}
}
