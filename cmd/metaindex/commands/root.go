// Package commands implements the metaindex command line.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"metaindex/internal/config"
	"metaindex/internal/printer"
)

var (
	configPath string
	// loadConfig is swapped by tests to avoid reading the process environment.
	loadConfig = config.Load
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "metaindex",
		Short: "Index metadata bundles into contribution and aggregate documents",
		Long: `metaindex turns metadata bundles into one contribution document per
entity and bundle, then merges the contributions of every entity into a single
aggregate document.

Bundles are read from canned bundles in a blob store or from a tabular
snapshot, in which case upstream bundles are stitched in.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("METAINDEX_CONFIG"), "path to metaindex.yml")
	root.AddCommand(
		newCreateIndicesCmd(),
		newDeleteIndicesCmd(),
		newIndexCmd(),
		newDeleteCmd(),
		newAggregateCmd(),
		newListCmd(),
		newCanCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version reported by --version.
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func newPrinter(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// withApp loads the configuration, opens the app for the duration of fn and
// closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	p := newPrinter(cmd)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return p.Error("Invalid configuration", err, "check --config and the METAINDEX_* environment")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, p, cmd.ErrOrStderr())
	if err != nil {
		return p.Error("Failed to start", err)
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = p.Error("Failed to shut down cleanly", err)
	}
	return runErr
}
