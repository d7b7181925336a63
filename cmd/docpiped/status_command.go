package main

import (
	"time"

	"github.com/spf13/cobra"

	"docpipe/internal/statestore"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List recorded pipeline executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			store, err := statestore.Open(cfg.Paths.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListExecutions(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				cmd.Println("no executions recorded")
				return nil
			}
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			rows := make([][]string, 0, len(records))
			for _, record := range records {
				rows = append(rows, []string{
					record.ID,
					record.Definition,
					record.DocumentID,
					record.Status,
					record.UpdatedAt.Local().Format(time.RFC3339),
					record.Error,
				})
			}
			cmd.Println(renderTable(
				[]string{"Execution", "Pipeline", "Document", "Status", "Updated", "Error"},
				rows))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of executions to show")
	return cmd
}
