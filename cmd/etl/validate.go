package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tableauetl/internal/config"
)

func newValidateCmd(opts *globalOptions, stdout, _ io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and print any issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			issues := config.Validate(cfg)
			for _, iss := range issues {
				fmt.Fprintln(stdout, iss.String())
			}
			if config.HasErrors(issues) {
				return config.ErrInvalid
			}
			fmt.Fprintf(stdout, "configuration ok: %d databases, %d queries\n", len(cfg.Databases), len(cfg.Queries))
			return nil
		},
	}
}
