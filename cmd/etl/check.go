package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"tableauetl/internal/database"
)

var errCheckFailed = errors.New("one or more databases are unreachable")

func newCheckCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Test connectivity to every configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			names := make([]string, 0, len(a.cfg.Databases))
			for name := range a.cfg.Databases {
				names = append(names, name)
			}
			sort.Strings(names)

			failed := false
			for _, name := range names {
				dbCfg := a.cfg.Databases[name]
				start := a.clock.Now()
				db, err := database.Open(cmd.Context(), name, dbCfg, a.cfg.Runtime, a.logger)
				if err == nil {
					err = database.Ping(cmd.Context(), db, a.cfg.Runtime.ConnectTimeout)
					db.Close()
				}
				if err != nil {
					failed = true
					fmt.Fprintf(stdout, "%-12s FAILED  %v\n", name, err)
					continue
				}
				fmt.Fprintf(stdout, "%-12s ok      %s (%s)\n", name, dbCfg.KindOrDefault(), a.clock.Since(start).Round(time.Millisecond))
			}
			if failed {
				return errCheckFailed
			}
			return nil
		},
	}
}
