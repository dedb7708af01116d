// Command modelup-schemacheck verifies schema evolution at build time. With
// no arguments it checks the catalog; with two schema files it checks that
// the second is a compatible evolution of the first. It exits 1 on any
// violation.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelup/modelup/internal/catalog"
	"github.com/modelup/modelup/internal/compat"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/schema"
)

// errViolations marks a completed check that found violations.
var errViolations = uperrors.New(uperrors.ErrCategoryCompat, uperrors.CodeIncompatibleSchema, "schema check failed")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var schemaDir string
	cmd := &cobra.Command{
		Use:           "modelup-schemacheck [old.fbs new.fbs]",
		Short:         "Verify that schema versions evolve compatibly",
		Args:          cobra.MatchAll(cobra.MaximumNArgs(2), notOneArg),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return checkPair(cmd.OutOrStdout(), args[0], args[1])
			}
			return checkCatalog(cmd.OutOrStdout(), schemaDir)
		},
	}
	cmd.Flags().StringVar(&schemaDir, "schema-dir", "", "Directory of schema_v<N>.fbs files (default: built-in schemas)")
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		if err != errViolations {
			fmt.Fprintf(stderr, "modelup-schemacheck: %v\n", err)
		}
		return 1
	}
	return 0
}

func notOneArg(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return fmt.Errorf("expected no arguments or two schema files")
	}
	return nil
}

func checkCatalog(out io.Writer, dir string) error {
	var (
		cat *catalog.Catalog
		err error
	)
	if dir != "" {
		cat, err = catalog.LoadDir(dir)
	} else {
		cat, err = catalog.Bundled()
	}
	if err != nil {
		return err
	}

	failed := false
	for _, r := range compat.VerifyCatalog(cat) {
		status := "ok"
		if !r.Passed() {
			status = "FAIL"
			failed = true
		}
		fmt.Fprintf(out, "v%d -> v%d %s\n", r.From, r.To, status)
		for _, v := range r.Violations {
			fmt.Fprintf(out, "    %s\n", v)
		}
	}
	if failed {
		return errViolations
	}
	return nil
}

func checkPair(out io.Writer, oldPath, newPath string) error {
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
		fmt.Fprintln(out, v)
	}
	if len(violations) > 0 {
		return errViolations
	}
	fmt.Fprintf(out, "%s -> %s ok\n", oldPath, newPath)
	return nil
}
