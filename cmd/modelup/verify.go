package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/modelup/modelup/internal/compat"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/schema"
)

func newVerifyCmd(global *globalOptions) *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "verify [old.fbs new.fbs]",
		Short: "Check that schema versions evolve compatibly",
		Long: "With two schema files, check the second against the first. With --from and\n" +
			"--to, check one pair of catalog versions. Otherwise check the whole catalog.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or two schema files, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				return verifyFiles(out, args[0], args[1])
			}

			a, err := newApp(global, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			cat := a.Catalog()
			reports := compat.VerifyCatalog(cat)
			if cmd.Flags().Changed("from") || cmd.Flags().Changed("to") {
				if !cmd.Flags().Changed("to") {
					to = cat.Latest().Version
				}
				oldEntry, ok := cat.Get(from)
				if !ok {
					return uperrors.UnsupportedSourceVersion(from)
				}
				newEntry, ok := cat.Get(to)
				if !ok {
					return uperrors.UnsupportedSourceVersion(to)
				}
				reports = []compat.PairReport{{
					From:       from,
					To:         to,
					Violations: compat.Verify(oldEntry.Schema, newEntry.Schema),
				}}
			}
			return printReports(out, reports)
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "Older catalog version")
	cmd.Flags().IntVar(&to, "to", 0, "Newer catalog version (default: latest)")
	return cmd
}

func verifyFiles(out io.Writer, oldPath, newPath string) error {
	oldSchema, err := schema.ParseFile(oldPath)
	if err != nil {
		return err
	}
	newSchema, err := schema.ParseFile(newPath)
	if err != nil {
		return err
	}
	violations := compat.Verify(oldSchema, newSchema)
	for _, v := range violations {
		fmt.Fprintf(out, "  %s\n", v)
	}
	if err := compat.Err(violations); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s -> %s: ok\n", oldPath, newPath)
	return nil
}

func printReports(out io.Writer, reports []compat.PairReport) error {
	failed := 0
	for _, r := range reports {
		if r.Passed() {
			fmt.Fprintf(out, "v%d -> v%d: ok\n", r.From, r.To)
			continue
		}
		failed++
		fmt.Fprintf(out, "v%d -> v%d: %d violations\n", r.From, r.To, len(r.Violations))
		for _, v := range r.Violations {
			fmt.Fprintf(out, "  %s\n", v)
		}
	}
	if failed > 0 {
		return uperrors.Newf(uperrors.ErrCategoryCompat, uperrors.CodeIncompatibleSchema,
			"%d version pairs are incompatible", failed)
	}
	return nil
}
