package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirkhaki/moriarty/pkg/archive"
	"github.com/amirkhaki/moriarty/pkg/workload"
)

// archiveCmd represents the archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "inspect archived failures",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "list archived failures, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Archive == "" {
			return errors.New("no archive configured")
		}
		store, err := archive.Open(cfg.Archive)
		if err != nil {
			return err
		}
		defer store.Close()

		filter := ""
		if cmd.Flags().Changed("workload") {
			filter = cfg.Workload
		}
		records, err := store.List(filter)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, r := range records {
			fmt.Fprintf(w, "%s  %s  %-12s %-8s seed=%-4d iteration=%-5d %s reproducible=%v\n    %s\n",
				r.ID, r.CreatedAt.Format(time.RFC3339), r.Workload, r.Strategy, r.Seed, r.Iteration, r.Code, r.Reproducible, r.Message)
		}
		return nil
	},
}

var workloadsCmd = &cobra.Command{
	Use:   "workloads",
	Short: "list the built-in workloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range workload.Names() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", name, workload.Describe(name))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(workloadsCmd)
	archiveCmd.AddCommand(archiveListCmd)

	archiveListCmd.Flags().String("archive", "", "SQLite archive of failures")
	archiveListCmd.Flags().StringP("workload", "w", "", "only list failures of this workload")
}
