package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"metaindex/internal/repository"
	"metaindex/pkg/domain"
)

// parseBundleArg parses "uuid" or "uuid.version". A bare uuid selects the
// latest version.
func parseBundleArg(arg string) (domain.BundleFQID, error) {
	id, version, _ := strings.Cut(arg, ".")
	if _, err := uuid.Parse(id); err != nil {
		return domain.BundleFQID{}, fmt.Errorf("invalid bundle %q: %w", arg, err)
	}
	return domain.BundleFQID{UUID: id, Version: version}, nil
}

func parseBundleArgs(args []string) ([]domain.BundleFQID, error) {
	out := make([]domain.BundleFQID, 0, len(args))
	for _, arg := range args {
		fqid, err := parseBundleArg(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, fqid)
	}
	return out, nil
}

// selectBundles returns the bundles named by args, or every bundle listed
// under prefix when args is empty.
func selectBundles(ctx context.Context, repo repository.Repository, args []string, prefix string, all bool) ([]domain.BundleFQID, error) {
	if len(args) > 0 {
		if prefix != "" || all {
			return nil, fmt.Errorf("bundle arguments cannot be combined with --prefix or --all")
		}
		return parseBundleArgs(args)
	}
	if prefix == "" && !all {
		return nil, fmt.Errorf("name bundles, pass --prefix or pass --all")
	}
	listed, err := repo.ListBundles(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return latestOnly(listed), nil
}

// latestOnly keeps the last version of each UUID in a list ordered by UUID
// then version.
func latestOnly(bundles []domain.BundleFQID) []domain.BundleFQID {
	var out []domain.BundleFQID
	for i, b := range bundles {
		if i+1 < len(bundles) && bundles[i+1].UUID == b.UUID {
			continue
		}
		out = append(out, b)
	}
	return out
}
