// Package repository reads bundles from the stores the indexer is fed from.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"metaindex/pkg/domain"
)

// Repository fetches bundles and enumerates the bundles of a source.
type Repository interface {
	// FetchBundle returns the bundle identified by fqid. An empty version
	// selects the latest version of the bundle.
	FetchBundle(ctx context.Context, fqid domain.BundleFQID) (*domain.Bundle, error)
	// ListBundles returns the bundles whose UUID starts with prefix, ordered
	// by UUID then version.
	ListBundles(ctx context.Context, prefix string) ([]domain.BundleFQID, error)
}

// ErrBundleNotFound is wrapped when a repository has no such bundle.
var ErrBundleNotFound = errors.New("bundle not found")

// ValidateUUIDPrefix accepts the empty string and any prefix of a
// lower-case hyphenated UUID.
func ValidateUUIDPrefix(prefix string) error {
	const template = "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"
	if len(prefix) > len(template) {
		return fmt.Errorf("uuid prefix %q is too long", prefix)
	}
	for i, c := range prefix {
		if template[i] == '-' {
			if c != '-' {
				return fmt.Errorf("uuid prefix %q: expected '-' at offset %d", prefix, i)
			}
			continue
		}
		if !strings.ContainsRune("0123456789abcdef", c) {
			return fmt.Errorf("uuid prefix %q: invalid character %q", prefix, c)
		}
	}
	return nil
}
