package main

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docpipe/internal/daemon"
	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var pipelineName string
	var mimeType string
	var documentID string
	var metaPairs []string

	cmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Run one document through a pipeline and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			input, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(input))
			}
			if documentID == "" {
				documentID = filepath.Base(input)
			}

			logger, err := logging.New(logging.Options{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			if err != nil {
				return err
			}

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Start(cmd.Context()); err != nil {
				return err
			}
			defer d.Stop()

			metadata, err := parseMetadata(metaPairs)
			if err != nil {
				return err
			}
			id, err := d.Manager().Execute(cmd.Context(), pipelineName, documentID, input, mimeType, metadata)
			if err != nil {
				return err
			}

			snap := waitForExecution(cmd, d.Manager(), id)
			printExecution(cmd, snap)
			if snap.Status == pipeline.ExecutionFailed {
				return fmt.Errorf("execution %s failed", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&pipelineName, "pipeline", "p", "", "Pipeline to execute (required)")
	cmd.Flags().StringVar(&mimeType, "mime", "", "Input MIME type (defaults to extension-based detection)")
	cmd.Flags().StringVar(&documentID, "document-id", "", "Document identifier (defaults to the file name)")
	cmd.Flags().StringArrayVar(&metaPairs, "meta", nil, "Execution metadata as key=value, repeatable")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta entry %q, expected key=value", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}

func waitForExecution(cmd *cobra.Command, mgr *pipeline.Manager, id string) pipeline.Snapshot {
	for {
		snap, ok := mgr.Status(id)
		if ok && snap.Status.Terminal() {
			return snap
		}
		select {
		case <-cmd.Context().Done():
			snap, _ := mgr.Status(id)
			return snap
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func printExecution(cmd *cobra.Command, snap pipeline.Snapshot) {
	rows := make([][]string, 0, len(snap.Stages))
	for _, stage := range snap.Stages {
		detail := stage.Error
		if detail == "" && stage.Status == pipeline.StageCompleted {
			detail = fmt.Sprintf("%d bytes", len(stage.Outcome.Payload))
		}
		rows = append(rows, []string{
			stage.Name,
			string(stage.Status),
			fmt.Sprintf("%d", stage.Attempts),
			detail,
		})
	}
	cmd.Printf("execution %s (%s): %s\n", snap.ID, snap.Definition, snap.Status)
	cmd.Println(renderTable([]string{"Stage", "Status", "Attempts", "Detail"}, rows))
}
