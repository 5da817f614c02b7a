package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amirkhaki/moriarty/pkg/archive"
	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/runtime"
	"github.com/amirkhaki/moriarty/pkg/schedule"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "replay a schedule",
	Long: `Replay runs the workload once following a schedule file, or an archived
failure given by --id. An archived failure must fail the same way again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			choices []event.Choice
			want    error
			rec     *archive.Record
			store   *archive.Store
			err     error
		)
		if replayID != "" {
			if cfg.Archive == "" {
				return errors.New("--id needs an archive")
			}
			store, err = archive.Open(cfg.Archive)
			if err != nil {
				return err
			}
			defer store.Close()
			rec, err = store.Get(replayID)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no archived failure %s", replayID)
			}
			if !cmd.Flags().Changed("workload") {
				cfg.Workload = rec.Workload
			}
			if choices, err = rec.Choices(); err != nil {
				return err
			}
			want = rec.Failure()
		} else if choices, err = schedule.Read(cfg.Schedule); err != nil {
			return err
		}

		prog, err := program()
		if err != nil {
			return err
		}
		res, err := runtime.NewEngine(nil, options()).Replay(cmd.Context(), prog, choices, want)
		if rec != nil {
			if serr := store.SetReproducible(rec.ID, err == nil); serr != nil {
				return serr
			}
		}
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if res.Failure == nil {
			fmt.Fprintf(w, "replayed %d choices, no failure\n", len(choices))
			return nil
		}
		fmt.Fprintf(w, "replayed %d choices: %v\n", len(choices), res.Failure)
		if len(res.Failure.Stack) > 0 {
			fmt.Fprintf(w, "%s", res.Failure.Stack)
		}
		return nil
	},
}

var replayID string

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("schedule", "", "schedule file to replay")
	replayCmd.Flags().StringVar(&replayID, "id", "", "id of an archived failure to replay")
	replayCmd.Flags().String("archive", "", "SQLite archive of failures")
	addWorkloadFlags(replayCmd)
}
