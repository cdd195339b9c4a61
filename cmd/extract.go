package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nordsight/rapport-cli/internal/model"
)

var extractNoCache bool

var extractCmd = &cobra.Command{
	Use:   "extract <company> <pdf>...",
	Short: "Extract one or more quarterly report PDFs",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		company, err := env.Store.UpsertCompany(ctx, args[0])
		if err != nil {
			return err
		}

		failed := 0
		for _, path := range args[1:] {
			res, err := env.Pipeline.ProcessPDF(ctx, company, path, !extractNoCache, printProgress)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				continue
			}
			if res.Cached {
				fmt.Printf("%s: Q%d %d already extracted (cache hit)\n", path, res.Quarter, res.Year)
				continue
			}
			fmt.Printf("%s: Q%d %d extracted: %d tables, %d sections, %d charts, %.2f SEK\n",
				path, res.Quarter, res.Year,
				res.Counts.Tables, res.Counts.Sections, res.Counts.Charts, res.CostSEK)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(args)-1)
		}
		return nil
	},
}

func printProgress(ev model.ProgressEvent) {
	fmt.Printf("  [%s] %s\n", ev.File, ev.Code())
}

func init() {
	extractCmd.Flags().BoolVar(&extractNoCache, "no-cache", false, "re-extract even when the PDF hash is already persisted")
	rootCmd.AddCommand(extractCmd)
}
