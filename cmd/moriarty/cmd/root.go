package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"v.io/x/lib/vlog"

	"github.com/amirkhaki/moriarty/pkg/config"
	"github.com/amirkhaki/moriarty/pkg/runtime"
	"github.com/amirkhaki/moriarty/pkg/workload"
)

var rootCmd = &cobra.Command{
	Use:   "moriarty",
	Short: "systematic concurrency testing",
	Long: `moriarty runs a concurrent program many times, controlling the order
in which its tasks interleave, until an interleaving fails or the strategy
has nothing left to explore. Failing interleavings are saved as schedules
that replay them exactly.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	cfgPath string
	cfg     *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "path of the configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "attach scheduler dumps to errors and log every choice")
	rootCmd.PersistentFlags().IntP("verbosity", "v", 0, "log verbosity")
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration, applies the environment and the flags set
// on the command line, and configures logging.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := c.ApplyEnv(); err != nil {
		return err
	}
	if err := override(cmd, c); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	return vlog.Log.Configure(vlog.OverridePriorConfiguration(true), vlog.LogToStderr(true), vlog.Level(cfg.LogLevel()))
}

// override copies the flags of cmd that were set explicitly into c.
func override(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	var err error
	set := func(name string, apply func()) {
		if err == nil && flags.Lookup(name) != nil && flags.Changed(name) {
			apply()
		}
	}
	set("debug", func() { c.Debug, err = flags.GetBool("debug") })
	set("verbosity", func() { c.Verbosity, err = flags.GetInt("verbosity") })
	set("strategy", func() { c.Strategy, err = flags.GetString("strategy") })
	set("tie-break", func() { c.TieBreak, err = flags.GetString("tie-break") })
	set("seed", func() { c.Seed, err = flags.GetInt64("seed") })
	set("seeds", func() { c.Seeds, err = flags.GetInt64Slice("seeds") })
	set("parallel", func() { c.Workers, err = flags.GetInt("parallel") })
	set("iterations", func() { c.Iterations, err = flags.GetInt("iterations") })
	set("max-events", func() { c.MaxEvents, err = flags.GetInt("max-events") })
	set("verify-replay", func() { c.VerifyReplay, err = flags.GetBool("verify-replay") })
	set("workload", func() { c.Workload, err = flags.GetString("workload") })
	set("tasks", func() { c.Params.Workers, err = flags.GetInt("tasks") })
	set("fixed", func() { c.Params.Fixed, err = flags.GetBool("fixed") })
	set("schedule", func() { c.Schedule, err = flags.GetString("schedule") })
	set("archive", func() { c.Archive, err = flags.GetString("archive") })
	set("plot", func() { c.Plot, err = flags.GetString("plot") })
	return err
}

// addWorkloadFlags registers the flags selecting the program under test.
func addWorkloadFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("workload", "w", "", "workload to run: "+fmt.Sprint(workload.Names()))
	cmd.Flags().Int("tasks", 0, "number of tasks of the workload, 0 for its default")
	cmd.Flags().Bool("fixed", false, "run the correct variant of the workload")
	cmd.Flags().Int("max-events", 0, "events per iteration before a task is aborted")
}

func options() runtime.Options {
	return runtime.Options{
		Iterations:   cfg.Iterations,
		MaxEvents:    cfg.MaxEvents,
		VerifyReplay: cfg.VerifyReplay,
		Debug:        cfg.Debug,
		Logger:       runtime.NewLogger("moriarty", cfg.LogLevel()),
	}
}

func program() (runtime.Program, error) {
	return workload.Get(cfg.Workload, cfg.Params)
}
