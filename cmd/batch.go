package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/nordsight/rapport-cli/internal/batch"
)

var batchNoCache bool

var batchCmd = &cobra.Command{
	Use:   "batch <company>",
	Short: "Extract every PDF in the pending directory",
	Long:  "Runs the extraction pipeline over all PDFs in the pending directory with bounded concurrency. Progress is checkpointed after every file; an interrupted batch resumes where it stopped.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		company, err := env.Store.UpsertCompany(ctx, args[0])
		if err != nil {
			return err
		}

		paths, err := filepath.Glob(filepath.Join(cfg.Batch.PendingDir, "*.pdf"))
		if err != nil {
			return eris.Wrap(err, "list pending PDFs")
		}
		sort.Strings(paths)
		if len(paths) == 0 {
			fmt.Printf("no PDFs in %s\n", cfg.Batch.PendingDir)
			return nil
		}

		o := batch.NewOrchestrator(env.Pipeline.ProcessPDF, batch.Config{
			Width:          cfg.Batch.Width,
			CheckpointPath: cfg.Batch.CheckpointPath,
			PersistedDir:   cfg.Batch.PersistedDir,
			UseCache:       !batchNoCache,
		})

		sum, err := o.Run(ctx, company, paths, printProgress)
		if sum != nil {
			fmt.Printf("\nbatch %s: %d succeeded (%d cached), %d failed, %d skipped, %.2f SEK\n",
				sum.BatchID, sum.Succeeded, sum.Cached, sum.Failed, sum.Skipped, sum.CostSEK)
			for _, f := range sum.Failures {
				fmt.Printf("  failed: %s: %s\n", filepath.Base(f.Path), f.Error)
			}
		}
		return err
	},
}

func init() {
	batchCmd.Flags().BoolVar(&batchNoCache, "no-cache", false, "re-extract files whose hash is already persisted")
	rootCmd.AddCommand(batchCmd)
}
