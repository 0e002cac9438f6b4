package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"metaindex/pkg/domain"
)

func newAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate entity_type/entity_id...",
		Short: "Recompute the aggregates of entities from their stored contributions",
		Long: `Recompute the aggregate of each named entity from the contributions already
in the index, for example after a failed aggregation. Entity types are the
aggregate types, such as files or projects.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tallies := make(domain.Tallies, len(args))
			for _, arg := range args {
				ref, err := domain.ParseEntityReference(arg)
				if err != nil {
					return newPrinter(cmd).Error("Invalid entity", err, "name entities as entity_type/entity_id")
				}
				tallies.Add(ref, 0)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.service.Aggregate(ctx, tallies); err != nil {
					return a.printer.Error(fmt.Sprintf("Failed to aggregate %d entities", len(tallies)), err)
				}
				a.reportWrites()
				a.printer.Success("aggregated %d entities", len(tallies))
				return nil
			})
		},
	}
}
