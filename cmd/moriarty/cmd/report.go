package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amirkhaki/moriarty/pkg/report"
)

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report STATS...",
	Short: "summarize and plot explorations",
	Long: `Report reads statistics files written by explore --stats, prints a
summary of every exploration and plots their coverage together.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var series []report.Series
		for _, path := range args {
			s, err := report.Load(path)
			if err != nil {
				return err
			}
			series = append(series, s...)
		}
		for _, s := range series {
			fmt.Fprintln(cmd.OutOrStdout(), report.Summarize(s))
		}
		if cfg.Plot == "" {
			return nil
		}
		return report.Plot(cfg.Plot, series)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().String("plot", "", "coverage plot to write, e.g. coverage.png")
}
