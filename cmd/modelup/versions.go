package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionsCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List the catalog versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(global, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, e := range a.Catalog().Entries() {
				ident := e.Schema.FileIdentifier
				if ident == "" {
					ident = "-"
				}
				fmt.Fprintf(out, "v%d  %016x  ident=%-4s  root=%s", e.Version, e.Fingerprint, ident, e.Schema.RootType)
				if e.Version > 0 {
					if steps, err := a.Pipeline().Chain().Path(e.Version-1, e.Version); err == nil {
						fmt.Fprintf(out, "  via %s", steps[0].Name())
					}
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}
