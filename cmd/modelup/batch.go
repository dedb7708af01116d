package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/modelup/modelup/internal/app"
	"github.com/modelup/modelup/internal/config"
)

type batchOptions struct {
	target       int
	concurrency  int
	failFast     bool
	skipUpgraded bool
	outputPrefix string
	compression  string
}

func newBatchCmd(global *globalOptions) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch [prefix]",
		Short: "Upgrade every object under a storage prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return runBatch(cmd, global, opts, prefix)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.target, "target", -1, "Target version; -1 is the latest")
	f.IntVar(&opts.concurrency, "concurrency", 0, "Parallel upgrades")
	f.BoolVar(&opts.failFast, "fail-fast", false, "Stop at the first failure")
	f.BoolVar(&opts.skipUpgraded, "skip-upgraded", false, "Skip inputs the ledger already upgraded to the target")
	f.StringVar(&opts.outputPrefix, "output-prefix", "", "Prefix prepended to every output key")
	f.StringVar(&opts.compression, "compression", "", "Output container: none or snappy")
	return cmd
}

func runBatch(cmd *cobra.Command, global *globalOptions, opts *batchOptions, prefix string) error {
	flags := cmd.Flags()
	a, err := newApp(global, func(cfg *config.Config) {
		if flags.Changed("target") {
			cfg.Upgrade.TargetVersion = opts.target
		}
		if flags.Changed("concurrency") {
			cfg.Batch.Concurrency = opts.concurrency
		}
		if flags.Changed("fail-fast") {
			cfg.Batch.FailFast = opts.failFast
		}
		if flags.Changed("skip-upgraded") {
			cfg.Batch.SkipUpgraded = opts.skipUpgraded
		}
		if flags.Changed("output-prefix") {
			cfg.Batch.OutputPrefix = opts.outputPrefix
		}
		if flags.Changed("compression") {
			cfg.Output.Compression = config.Compression(opts.compression)
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := app.SignalContext(cmd.Context())
	defer stop()

	runner, err := a.BatchRunner(ctx)
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx, prefix)
	if report != nil {
		out := cmd.OutOrStdout()
		s := report.Summary
		fmt.Fprintf(out, "run %s: %d upgraded, %d skipped, %d failed in %s\n",
			report.RunID, s.Succeeded, s.Skipped, s.Failed, report.Duration.Round(1e6))
		codes := make([]string, 0, len(s.Codes))
		for code := range s.Codes {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(out, "  %-28s %d\n", code, s.Codes[code])
		}
	}
	if err != nil {
		return err
	}
	return report.Err()
}
