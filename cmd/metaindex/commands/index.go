package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"metaindex/internal/index"
	"metaindex/pkg/domain"
)

type indexOptions struct {
	prefix        string
	all           bool
	createIndices bool
	keepGoing     bool
}

func newIndexCmd() *cobra.Command {
	var opts indexOptions
	cmd := &cobra.Command{
		Use:   "index [bundle...]",
		Short: "Index bundles",
		Long: `Fetch each bundle from the configured repository, write its contributions
and re-aggregate every entity it contributes to.

Bundles are named as uuid or uuid.version; a bare uuid selects the latest
version. Without arguments, --prefix or --all selects the bundles listed by the
repository.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundles(cmd, args, opts, false)
		},
	}
	addBundleFlags(cmd, &opts)
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var opts indexOptions
	cmd := &cobra.Command{
		Use:   "delete [bundle...]",
		Short: "Retract bundles from the index",
		Long: `Fetch each bundle, write deletion markers for its contributions and
re-aggregate the affected entities. Entities left without contributions keep
an aggregate with empty contents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundles(cmd, args, opts, true)
		},
	}
	addBundleFlags(cmd, &opts)
	return cmd
}

func addBundleFlags(cmd *cobra.Command, opts *indexOptions) {
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "select the latest version of every bundle whose uuid starts with this prefix")
	cmd.Flags().BoolVar(&opts.all, "all", false, "select the latest version of every bundle")
	cmd.Flags().BoolVar(&opts.createIndices, "create-indices", false, "create missing indices first (implied by the memory driver)")
	cmd.Flags().BoolVar(&opts.keepGoing, "keep-going", false, "continue with the remaining bundles after a failure")
}

func runBundles(cmd *cobra.Command, args []string, opts indexOptions, deleted bool) error {
	verb, done := "index", "indexed"
	if deleted {
		verb, done = "delete", "deleted"
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		repo, err := a.repository(ctx)
		if err != nil {
			return a.printer.Error("Failed to open repository", err)
		}
		bundles, err := selectBundles(ctx, repo, args, opts.prefix, opts.all)
		if err != nil {
			return a.printer.Error("No bundles selected", err, "pass bundle uuids", "pass --prefix or --all")
		}
		if opts.createIndices || index.Driver(a.cfg.Index.Driver) == index.DriverMemory {
			if err := a.service.CreateIndices(ctx); err != nil {
				return a.printer.Error("Failed to create indices", err)
			}
		}
		failed := 0
		for _, fqid := range bundles {
			if err := processBundle(ctx, a, fqid, deleted); err != nil {
				failed++
				if !opts.keepGoing {
					return a.printer.Error(fmt.Sprintf("Failed to %s bundle %s", verb, fqid), err)
				}
				a.printer.Warning("failed to %s bundle %s: %v", verb, fqid, err)
				continue
			}
			a.printer.Success("%s bundle %s", done, fqid)
		}
		a.reportWrites()
		if failed > 0 {
			return a.printer.Error(fmt.Sprintf("Failed to %s %d of %d bundles", verb, failed, len(bundles)), nil)
		}
		return nil
	})
}

func processBundle(ctx context.Context, a *app, fqid domain.BundleFQID, deleted bool) error {
	repo, err := a.repository(ctx)
	if err != nil {
		return err
	}
	if !deleted {
		return a.service.IndexFQID(ctx, repo, fqid)
	}
	bundle, err := repo.FetchBundle(ctx, fqid)
	if err != nil {
		return fmt.Errorf("fetch bundle %s: %w", fqid, err)
	}
	return a.service.Delete(ctx, bundle)
}
