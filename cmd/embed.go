package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nordsight/rapport-cli/internal/cost"
	"github.com/nordsight/rapport-cli/internal/embedding"
	"github.com/nordsight/rapport-cli/pkg/voyage"
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed narrative sections that lack a vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("embed"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		client := voyage.NewClient(cfg.Voyage.Key, voyage.WithModel(cfg.Voyage.Model))
		w := embedding.NewWorker(st, client, cost.NewCalculator(cfg.Pricing), embedding.Config{
			BatchSize: cfg.Voyage.BatchSize,
			RPS:       cfg.Voyage.RPS,
		})

		sum, err := w.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("embedded %d sections in %d batches (%d skipped, %d tokens, %.2f SEK)\n",
			sum.Embedded, sum.Batches, sum.Skipped, sum.Tokens, sum.CostSEK)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(embedCmd)
}
