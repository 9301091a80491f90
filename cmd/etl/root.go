package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tableauetl/internal/config"
	"tableauetl/internal/progress"
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "etl",
		Short:         "Batch-replace MES and SAP extracts into the reporting database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "config.json", "path to the configuration file")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: trace, debug, info, warn or error")
	pf.BoolVar(&opts.jsonLogs, "json-logs", false, "emit JSON log lines instead of console output")
	pf.StringVar(&opts.metricsBackend, "metrics-backend", "none", "metrics backend: none, memory or datadog")
	pf.StringVar(&opts.metricsTags, "metrics-tags", "", "extra comma-separated metric tags (e.g. env:prod,team:data)")
	pf.StringVar(&opts.progressMode, "progress", progress.ModeAuto, "progress display: auto, bar, log or none")

	rootCmd.AddCommand(
		newRunCmd(opts, stdout, stderr),
		newScheduleCmd(opts, stdout, stderr),
		newValidateCmd(opts, stdout, stderr),
		newCheckCmd(opts, stdout, stderr),
		newDescribeCmd(opts, stdout, stderr),
		newReportCmd(opts, stdout, stderr),
	)
	return rootCmd
}

// execute runs the command line and maps the outcome to a process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(stderr, "error:", err)
		}
		return 1
	}
	return 0
}

// sourceFlags selects which sources a run covers.
type sourceFlags struct {
	all   bool
	mes   bool
	sap   bool
	debug bool
}

func addSourceFlags(fs *pflag.FlagSet, f *sourceFlags) {
	fs.BoolVar(&f.all, "all", false, "run every source (default when no source flag is given)")
	fs.BoolVar(&f.mes, "mes", false, "run the MES queries")
	fs.BoolVar(&f.sap, "sap", false, "run the SAP queries")
	fs.BoolVar(&f.debug, "debug", false, "force debug logging")
}

// selected returns the requested sources. No flag means all of them.
func (f *sourceFlags) selected() []config.SourceType {
	if f.all || (!f.mes && !f.sap) {
		return append([]config.SourceType(nil), config.Sources...)
	}
	var out []config.SourceType
	if f.mes {
		out = append(out, config.SourceMES)
	}
	if f.sap {
		out = append(out, config.SourceSAP)
	}
	return out
}

func (f *sourceFlags) apply(opts *globalOptions) {
	if f.debug {
		opts.logLevel = "debug"
	}
}
