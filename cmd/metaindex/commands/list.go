package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the bundles of the configured repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				repo, err := a.repository(ctx)
				if err != nil {
					return a.printer.Error("Failed to open repository", err)
				}
				bundles, err := repo.ListBundles(ctx, prefix)
				if err != nil {
					return a.printer.Error("Failed to list bundles", err)
				}
				for _, b := range bundles {
					a.printer.Info("%s", b)
				}
				a.printer.Success("%d bundles", len(bundles))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list bundles whose uuid starts with this prefix")
	return cmd
}

func newCanCmd() *cobra.Command {
	var snapshotDSN string
	cmd := &cobra.Command{
		Use:   "can bundle...",
		Short: "Copy bundles from a snapshot into the canned blob store",
		Long: `Emulate each bundle from the snapshot at --snapshot, stitching in its
upstream bundles, and store the result as a canned bundle in the configured
blob store.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fqids, err := parseBundleArgs(args)
			if err != nil {
				return newPrinter(cmd).Error("Invalid bundle", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if snapshotDSN != "" {
					a.cfg.Repository.SnapshotDSN = snapshotDSN
				}
				if a.cfg.Repository.SnapshotDSN == "" {
					return a.printer.Error("No snapshot configured", nil, "pass --snapshot or set repository.snapshot_dsn")
				}
				src, err := a.snapshotRepository(ctx)
				if err != nil {
					return a.printer.Error("Failed to open snapshot", err)
				}
				dst, err := a.cannedRepository(ctx)
				if err != nil {
					return a.printer.Error("Failed to open blob store", err)
				}
				for _, fqid := range fqids {
					bundle, err := src.FetchBundle(ctx, fqid)
					if err != nil {
						return a.printer.Error(fmt.Sprintf("Failed to fetch bundle %s", fqid), err)
					}
					if err := dst.Can(ctx, bundle); err != nil {
						return a.printer.Error(fmt.Sprintf("Failed to can bundle %s", bundle.FQID), err)
					}
					a.printer.Success("canned bundle %s (%d files, %d stitched)", bundle.FQID, len(bundle.Manifest), len(bundle.Stitched))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&snapshotDSN, "snapshot", "", "snapshot database (sqlite path or postgres URL)")
	return cmd
}
