package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nordsight/rapport-cli/internal/report"
)

var reportNoSync bool

var reportCmd = &cobra.Command{
	Use:   "report <company>",
	Short: "Render the extraction report for a company",
	Long:  "Reads the store and renders the per-company report: overview, status, classified errors, drift check and embedding coverage. Also reconciles the pending/persisted directories with the store unless --no-sync is set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("report"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		company, err := st.UpsertCompany(ctx, args[0])
		if err != nil {
			return err
		}

		if !reportNoSync {
			res, err := report.SyncFiles(ctx, st, company.ID, cfg.Batch.PendingDir, cfg.Batch.PersistedDir)
			if err != nil {
				return err
			}
			for _, f := range res.ToPersisted {
				fmt.Printf("moved to %s: %s\n", cfg.Batch.PersistedDir, f)
			}
			for _, f := range res.ToPending {
				fmt.Printf("moved to %s: %s\n", cfg.Batch.PendingDir, f)
			}
		}

		out, err := report.NewBuilder(st).Build(ctx, company)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportNoSync, "no-sync", false, "skip reconciling the pending/persisted directories")
	rootCmd.AddCommand(reportCmd)
}
