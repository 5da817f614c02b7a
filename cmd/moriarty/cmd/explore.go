package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"v.io/x/lib/vlog"

	"github.com/amirkhaki/moriarty/pkg/archive"
	"github.com/amirkhaki/moriarty/pkg/report"
	"github.com/amirkhaki/moriarty/pkg/runtime"
	"github.com/amirkhaki/moriarty/pkg/schedule"
	"github.com/amirkhaki/moriarty/pkg/strategy"
)

// exploreCmd represents the explore command
var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "explore the interleavings of a workload",
	Long: `Explore runs the workload under the configured strategy. Every seed is
explored separately, in parallel. The schedule of the first failure is
written to the schedule file and every failure is archived.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, err := program()
		if err != nil {
			return err
		}
		seeds := cfg.Seeds
		if len(seeds) == 0 {
			seeds = []int64{cfg.Seed}
		}
		results, err := runtime.ExploreSeeds(cmd.Context(), prog, seeds, cfg.Workers, func(seed int64) (strategy.Strategy, error) {
			return strategy.New(cfg.StrategyOptions(seed))
		}, options())
		if err != nil {
			return err
		}
		return summarize(cmd.OutOrStdout(), seeds, results)
	},
}

var statsPath string

func init() {
	rootCmd.AddCommand(exploreCmd)

	exploreCmd.Flags().StringP("strategy", "s", "", "strategy: "+strings.Join(strategy.Names()[:3], ", "))
	exploreCmd.Flags().String("tie-break", "", "trust tie-break policy: fifo or random")
	exploreCmd.Flags().Int64("seed", 0, "seed of the strategy")
	exploreCmd.Flags().Int64Slice("seeds", nil, "explore each seed in parallel")
	exploreCmd.Flags().IntP("parallel", "p", 0, "explorations running at once, 0 for all")
	exploreCmd.Flags().IntP("iterations", "n", 0, "maximum iterations per seed")
	exploreCmd.Flags().Bool("verify-replay", true, "replay failures to check they reproduce")
	exploreCmd.Flags().String("schedule", "", "file the first failing schedule is written to")
	exploreCmd.Flags().String("archive", "", "SQLite archive failures are stored in")
	exploreCmd.Flags().String("plot", "", "coverage plot to write, e.g. coverage.png")
	exploreCmd.Flags().StringVar(&statsPath, "stats", "", "file the per-iteration statistics are written to")
	addWorkloadFlags(exploreCmd)
}

func summarize(w io.Writer, seeds []int64, results []*runtime.Result) error {
	var store *archive.Store
	if cfg.Archive != "" {
		s, err := archive.Open(cfg.Archive)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	var series []report.Series
	failures := 0
	for i, res := range results {
		name := fmt.Sprintf("%s/seed=%d", res.Strategy, seeds[i])
		s := report.FromResult(name, res)
		series = append(series, s)
		fmt.Fprintf(w, "%s (run %s)\n", report.Summarize(s), res.RunID)
		if res.Exhausted {
			fmt.Fprintf(w, "  search space exhausted\n")
		}
		if res.Failure == nil {
			continue
		}

		fmt.Fprintf(w, "  FAILURE %v\n  reproducible=%v\n", res.Failure, res.Failure.Reproducible)
		if res.Failure.Diagnostics != "" {
			fmt.Fprintf(w, "%s", res.Failure.Diagnostics)
		}
		if failures == 0 && cfg.Schedule != "" {
			if err := schedule.Store(cfg.Schedule, res.Schedule); err != nil {
				return err
			}
			fmt.Fprintf(w, "  schedule written to %s\n", cfg.Schedule)
		}
		failures++
		if store != nil {
			rec, err := archive.NewRecord(res, cfg.Workload, seeds[i])
			if err != nil {
				return err
			}
			if err := store.Put(rec); err != nil {
				return err
			}
			fmt.Fprintf(w, "  archived as %s\n", rec.ID)
		}
	}

	if statsPath != "" {
		if err := report.Save(statsPath, series); err != nil {
			return err
		}
	}
	if cfg.Plot != "" {
		if err := report.Plot(cfg.Plot, series); err != nil {
			return err
		}
		vlog.VI(1).Infof("coverage plot written to %s", cfg.Plot)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d explorations failed", failures, len(results))
	}
	return nil
}
