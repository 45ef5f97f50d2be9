package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/importer"
	"github.com/sba-tools/hubzone-cli/internal/scheduler"
)

var scheduleStates []string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the quarterly scheduler until interrupted",
	Long: `Blocks and triggers a full import at each quarterly boundary
(midnight UTC on the first day of January, April, July, October).
A fire that collides with an in-progress execution is skipped.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(env.Engine, importer.Options{States: scheduleStates})
		zap.L().Info("scheduler starting", zap.Time("next_fire", sched.Status().NextFire))

		return sched.Run(ctx)
	},
}

func init() {
	scheduleCmd.Flags().StringSliceVar(&scheduleStates, "states", nil, "restrict scheduled runs to these state FIPS codes")
	rootCmd.AddCommand(scheduleCmd)
}
