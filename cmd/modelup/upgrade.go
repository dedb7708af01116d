package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/modelup/modelup/internal/config"
	"github.com/modelup/modelup/internal/container"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/pipeline"
	"github.com/modelup/modelup/internal/storage"
)

type upgradeOptions struct {
	output        string
	sourceVersion int
	target        int
	compression   string
}

func newUpgradeCmd(global *globalOptions) *cobra.Command {
	opts := &upgradeOptions{}
	cmd := &cobra.Command{
		Use:   "upgrade <input>",
		Short: "Upgrade one model file",
		Long: "Upgrade one model file to the target version. The source version is detected\n" +
			"unless --source-version is given. Use - as input or output for stdin or stdout.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpgrade(cmd, global, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output path (required)")
	cmd.Flags().IntVar(&opts.sourceVersion, "source-version", 0, "Declared source version (skips detection)")
	cmd.Flags().IntVar(&opts.target, "target", pipeline.LatestVersion, "Target version; -1 is the latest")
	cmd.Flags().StringVar(&opts.compression, "compression", "", "Output container: none or snappy (default: same as input)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runUpgrade(cmd *cobra.Command, global *globalOptions, opts *upgradeOptions, input string) error {
	a, err := newApp(global, func(cfg *config.Config) {
		if cmd.Flags().Changed("target") {
			cfg.Upgrade.TargetVersion = opts.target
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := readInput(cmd, input)
	if err != nil {
		return err
	}
	raw, stored, err := container.Unwrap(data)
	if err != nil {
		return err
	}

	in := pipeline.Detect(raw)
	if cmd.Flags().Changed("source-version") {
		in = pipeline.Declared(raw, opts.sourceVersion)
	}
	res, err := a.Pipeline().Upgrade(in, a.Config().Upgrade.TargetVersion)
	if err != nil {
		return err
	}

	compression := stored
	if opts.compression != "" {
		compression = config.Compression(opts.compression)
	}
	out, err := container.Wrap(res.Data, compression)
	if err != nil {
		return err
	}
	if err := writeOutput(cmd, opts.output, out); err != nil {
		return err
	}

	a.Logger().Info("upgraded",
		zap.String("input", input),
		zap.String("output", opts.output),
		zap.Int("from", res.SourceVersion),
		zap.Int("to", res.TargetVersion),
		zap.String("detection", string(res.Detection)),
		zap.Strings("steps", res.Steps))
	return nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, uperrors.NewStorageError(uperrors.CodeStorageFailed, "read "+path, err)
	}
	return data, nil
}

// writeOutput replaces path atomically, so a failed write leaves any
// previous file untouched.
func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path != "-" {
		dir, err := storage.NewLocalStorage(filepath.Dir(path))
		if err != nil {
			return err
		}
		return dir.Put(cmd.Context(), filepath.Base(path), data)
	}
	if _, err := cmd.OutOrStdout().Write(data); err != nil {
		return uperrors.NewStorageError(uperrors.CodeStorageFailed, "write "+path, err)
	}
	return nil
}
