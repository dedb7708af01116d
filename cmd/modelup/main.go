// Command modelup upgrades serialized model files to newer schema
// versions, one file at a time or in parallel over object storage.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelup/modelup/internal/app"
	"github.com/modelup/modelup/internal/config"
	uperrors "github.com/modelup/modelup/internal/errors"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configFile string
	dataDir    string
	logLevel   string
	schemaDir  string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		code := uperrors.GetCode(err)
		if code == "" {
			code = "ERROR"
		}
		fmt.Fprintf(stderr, "modelup: %s: %v\n", code, err)
		return uperrors.ExitCode(err)
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "modelup",
		Short:         "Upgrade serialized model files between schema versions",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Base directory for local state")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.schemaDir, "schema-dir", "", "Directory of schema_v<N>.fbs files replacing the built-in schemas")

	root.AddCommand(
		newUpgradeCmd(opts),
		newBatchCmd(opts),
		newInspectCmd(opts),
		newVerifyCmd(opts),
		newVersionsCmd(opts),
	)
	return root
}

// loadConfig builds the configuration from defaults, file, environment and
// flags, in increasing precedence.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.schemaDir != "" {
		cfg.Catalog.SchemaDir = opts.schemaDir
	}
	return cfg, nil
}

// newApp loads the configuration, lets the subcommand adjust it, and
// builds the application.
func newApp(opts *globalOptions, adjust func(*config.Config)) (*app.App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}
	return app.New(cfg)
}
