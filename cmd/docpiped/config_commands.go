package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"docpipe/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand(ctx))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := path
			if target == "" {
				var err error
				target, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			if err := config.CreateSample(target); err != nil {
				return err
			}
			cmd.Printf("wrote sample config to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Target file (defaults to the standard config location)")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			rows := [][]string{
				{"config file", ctx.cfgPath},
				{"data dir", cfg.Paths.DataDir},
				{"staging dir", cfg.Paths.StagingDir},
				{"log dir", cfg.Paths.LogDir},
				{"pipeline dir", cfg.Paths.PipelineDir},
				{"cache dir", cfg.Cache.DurableDir},
				{"log level", cfg.Logging.Level},
				{"cooperative workers", strconv.Itoa(cfg.Workers.Cooperative)},
				{"cpu workers", strconv.Itoa(cfg.Workers.CPUBound)},
				{"queue capacity", strconv.Itoa(cfg.Workers.QueueCapacity)},
			}
			cmd.Println(renderTable([]string{"Setting", "Value"}, rows))
			return nil
		},
	}
}
