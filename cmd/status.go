package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nordsight/rapport-cli/internal/batch"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show batch checkpoint status",
	Long:  "Lists every batch in the checkpoint file with its progress and whether it can be resumed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		cpFile, err := batch.LoadCheckpoints(cfg.Batch.CheckpointPath)
		if err != nil {
			return err
		}

		ids := cpFile.BatchIDs()
		if len(ids) == 0 {
			zap.L().Info("no batches found, run 'batch' to start one",
				zap.String("checkpoint", cfg.Batch.CheckpointPath))
			return nil
		}

		formatBatches(os.Stdout, cpFile, ids)
		return nil
	},
}

// formatBatches writes a tabular representation of checkpoints to out.
func formatBatches(out io.Writer, cpFile *batch.CheckpointFile, ids []string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BATCH\tCOMPLETED\tFAILED\tTOTAL\tLAST UPDATE\tRESUMABLE")
	_, _ = fmt.Fprintln(w, "-----\t---------\t------\t-----\t-----------\t---------")

	for _, id := range ids {
		cp := cpFile.Get(id)
		last := "-"
		if !cp.LastUpdate.IsZero() {
			last = cp.LastUpdate.Format("2006-01-02 15:04")
		}
		resumable := "no"
		if cp.Resumable() {
			resumable = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
			id, len(cp.Completed), len(cp.Failed), cp.TotalFiles, last, resumable)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
