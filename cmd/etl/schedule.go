package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tableauetl/internal/log"
	"tableauetl/internal/schedule"
)

const defaultCron = "30 6 * * *"

func newScheduleCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	flags := &sourceFlags{}
	var spec, tz string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.apply(opts)
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("schedule: time zone %q: %w", tz, err)
			}
			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			selected := flags.selected()
			job := func(ctx context.Context) {
				sum, err := a.runOnce(ctx, selected, opts.progressMode)
				if err != nil {
					a.logger.Error(err, "scheduled run could not start")
					return
				}
				a.logSummary(sum)
			}
			s, err := schedule.New(spec, loc, job, a.logger)
			if err != nil {
				return err
			}
			a.logger.Info("scheduler started", log.Fields{"cron": spec, "next": s.Next(a.clock.Now().In(loc)).Format(time.RFC3339)})
			return s.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&spec, "cron", defaultCron, "cron expression (five fields or a descriptor such as @every 1h)")
	cmd.Flags().StringVar(&tz, "tz", "Local", "time zone the cron expression is evaluated in")
	addSourceFlags(cmd.Flags(), flags)
	return cmd
}
