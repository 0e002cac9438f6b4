package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newCreateIndicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-indices",
		Short: "Create the contribution and aggregate index of every entity type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.service.CreateIndices(ctx); err != nil {
					return a.printer.Error("Failed to create indices", err)
				}
				for _, name := range a.service.IndexNames() {
					a.printer.Detail("index", name)
				}
				a.printer.Success("created %d indices in catalog %s", len(a.service.IndexNames()), a.cfg.Catalog)
				return nil
			})
		},
	}
}

func newDeleteIndicesCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete-indices",
		Short: "Drop every index of the catalog with all documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd)
			if !force {
				return p.Error("Refusing to delete indices", nil, "pass --force to drop every document of the catalog")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.service.DeleteIndices(ctx); err != nil {
					return a.printer.Error("Failed to delete indices", err)
				}
				a.printer.Success("deleted %d indices in catalog %s", len(a.service.IndexNames()), a.cfg.Catalog)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm dropping the indices")
	return cmd
}
