package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newDescribeCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <table>",
		Short: "Print the column structure of a target table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			cols, err := target.GetStructure(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data := pterm.TableData{{"COLUMN", "TYPE", "NULLABLE", "LENGTH", "PRECISION", "SCALE"}}
			for _, c := range cols {
				data = append(data, []string{
					c.Name, c.Type, strconv.FormatBool(c.Nullable),
					sizeOrDash(c.MaxLength), sizeOrDash(c.Precision), sizeOrDash(c.Scale),
				})
			}
			out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, out)
			return nil
		},
	}
}

func sizeOrDash(v int64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatInt(v, 10)
}
