package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelup/modelup/internal/container"
	"github.com/modelup/modelup/internal/graph"
	"github.com/modelup/modelup/internal/pipeline"
)

func newInspectCmd(global *globalOptions) *cobra.Command {
	var sourceVersion int
	cmd := &cobra.Command{
		Use:   "inspect <input>",
		Short: "Detect the version of a model file and print its object graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(global, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			raw, compression, err := container.Unwrap(data)
			if err != nil {
				return err
			}
			in := pipeline.Detect(raw)
			if cmd.Flags().Changed("source-version") {
				in = pipeline.Declared(raw, sourceVersion)
			}
			root, v, method, err := a.Pipeline().Decode(in)
			if err != nil {
				return err
			}
			entry, _ := a.Catalog().Get(v)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:     %d (%s)\n", v, method)
			fmt.Fprintf(out, "container:   %s\n", compression)
			fmt.Fprintf(out, "bytes:       %d\n", len(raw))
			if unknown := root.UnknownIDs(); len(unknown) > 0 {
				fmt.Fprintf(out, "unknown ids: %v\n", unknown)
			}
			fmt.Fprintln(out)
			return graph.Fprint(out, root, entry.Schema)
		},
	}
	cmd.Flags().IntVar(&sourceVersion, "source-version", 0, "Declared source version (skips detection)")
	return cmd
}
