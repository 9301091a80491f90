package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tableauetl/internal/config"
	"tableauetl/internal/log"
	"tableauetl/internal/pipeline"
	"tableauetl/internal/storage"
)

func newRunCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	flags := &sourceFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the selected sources once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.apply(opts)
			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			sum, err := a.runOnce(cmd.Context(), flags.selected(), opts.progressMode)
			if err != nil {
				return err
			}
			a.logSummary(sum)
			printSummary(stdout, sum)
			if !sum.Succeeded() {
				return errRunFailed
			}
			return nil
		},
	}
	addSourceFlags(cmd.Flags(), flags)
	return cmd
}

func (a *app) logSummary(sum pipeline.RunSummary) {
	fields := log.Fields{"run": sum.Timestamp.Format(storage.TimestampLayout), "rows": sum.TotalRows()}
	for _, s := range config.Sources {
		fields[string(s)] = string(sum.Status(s))
	}
	if sum.Succeeded() {
		a.logger.Info("etl run complete", fields)
		return
	}
	a.logger.Error(errRunFailed, "etl run finished with failures", fields)
}

// printSummary writes one line per source: label, status and rows written.
func printSummary(w io.Writer, sum pipeline.RunSummary) {
	for _, s := range config.Sources {
		fmt.Fprintf(w, "%-4s %-9s %d\n", s.Label(), sum.Status(s), sum.Rows[s])
	}
}
