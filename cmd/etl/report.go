package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tableauetl/internal/summary"
)

func newReportCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render run statistics from the summary table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 1 {
				return fmt.Errorf("report: --days must be at least 1, got %d", days)
			}
			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			target, err := a.openTarget(cmd.Context())
			if err != nil {
				return err
			}
			defer target.Close()

			rep, err := summary.LoadReport(cmd.Context(), target, a.clock.Now(), days)
			if err != nil {
				return err
			}
			out, err := summary.Render(rep)
			if err != nil {
				return err
			}
			fmt.Fprint(stdout, out)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to cover, today included")
	return cmd
}
