package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// VersionType selects the version-control discipline applied when a document
// is written.
type VersionType string

const (
	// VersionNone writes unconditionally, overwriting any existing document.
	VersionNone VersionType = "none"
	// VersionCreateOnly fails with a conflict if the document already exists.
	VersionCreateOnly VersionType = "create_only"
	// VersionInternal fails with a conflict unless the stored version matches
	// the expected one.
	VersionInternal VersionType = "internal"
)

// Unlimited disables a retry limit.
const Unlimited = -1

// Document is implemented by every value the index writer can persist.
type Document interface {
	Coordinates() DocumentCoordinates
	Versioning() VersionType
	// ExpectedVersion is only consulted for VersionInternal.
	ExpectedVersion() *int64
	// Delete reports whether writing the document removes it from the index.
	Delete() bool
	// Keywords are the exact-match fields queries can select documents by.
	Keywords() map[string]string
	Source() ([]byte, error)
}

// Keyword field names shared by contributions and aggregates.
const (
	FieldEntityID   = "entity_id"
	FieldBundleUUID = "bundle_uuid"
)

// Contribution is one bundle's view of one entity.
type Contribution struct {
	Entity        EntityReference
	Catalog       string
	Bundle        BundleFQID
	BundleDeleted bool
	VersionType   VersionType
	SourceName    string
	Contents      map[string]any
}

// NewContribution returns a create-only contribution.
func NewContribution(catalog string, entity EntityReference, bundle BundleFQID, deleted bool, contents map[string]any) *Contribution {
	return &Contribution{
		Entity:        entity,
		Catalog:       catalog,
		Bundle:        bundle,
		BundleDeleted: deleted,
		VersionType:   VersionCreateOnly,
		Contents:      contents,
	}
}

// DocumentID renders the contribution id, unique per entity, bundle version and
// deletion marker.
func (c *Contribution) DocumentID() string {
	marker := "exists"
	if c.BundleDeleted {
		marker = "deleted"
	}
	return fmt.Sprintf("%s_%s_%s_%s", c.Entity.EntityID, c.Bundle.UUID, c.Bundle.Version, marker)
}

func (c *Contribution) Coordinates() DocumentCoordinates {
	return DocumentCoordinates{
		IndexName:  IndexName(c.Catalog, c.Entity.EntityType, DocumentContribution),
		DocumentID: c.DocumentID(),
	}
}

func (c *Contribution) Versioning() VersionType { return c.VersionType }

func (c *Contribution) ExpectedVersion() *int64 { return nil }

func (c *Contribution) Delete() bool { return false }

func (c *Contribution) Keywords() map[string]string {
	return map[string]string{
		FieldEntityID:   c.Entity.EntityID,
		FieldBundleUUID: c.Bundle.UUID,
	}
}

type contributionSource struct {
	EntityType    EntityType     `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	DocumentID    string         `json:"document_id"`
	BundleUUID    string         `json:"bundle_uuid"`
	BundleVersion string         `json:"bundle_version"`
	BundleDeleted bool           `json:"bundle_deleted"`
	Source        string         `json:"source,omitempty"`
	Contents      map[string]any `json:"contents"`
}

func (c *Contribution) Source() ([]byte, error) {
	return json.Marshal(contributionSource{
		EntityType:    c.Entity.EntityType,
		EntityID:      c.Entity.EntityID,
		DocumentID:    c.DocumentID(),
		BundleUUID:    c.Bundle.UUID,
		BundleVersion: c.Bundle.Version,
		BundleDeleted: c.BundleDeleted,
		Source:        c.SourceName,
		Contents:      c.Contents,
	})
}

// ContributionFromSource decodes a contribution read back from the index.
func ContributionFromSource(catalog string, raw []byte) (*Contribution, error) {
	var src contributionSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("decode contribution: %w", err)
	}
	if src.EntityType == "" || src.EntityID == "" || src.BundleUUID == "" {
		return nil, fmt.Errorf("malformed contribution %q", src.DocumentID)
	}
	return &Contribution{
		Entity:        EntityReference{EntityType: src.EntityType, EntityID: src.EntityID},
		Catalog:       catalog,
		Bundle:        BundleFQID{UUID: src.BundleUUID, Version: src.BundleVersion},
		BundleDeleted: src.BundleDeleted,
		VersionType:   VersionNone,
		SourceName:    src.Source,
		Contents:      src.Contents,
	}, nil
}

// Aggregate is the merged view of one entity across its current contributions.
type Aggregate struct {
	Entity  EntityReference
	Catalog string
	// Version is the token observed when the aggregate was read; nil means the
	// aggregate is expected not to exist yet.
	Version          *int64
	Contents         map[string]any
	Bundles          []BundleFQID
	Sources          []string
	NumContributions int
}

func (a *Aggregate) Coordinates() DocumentCoordinates {
	return DocumentCoordinates{
		IndexName:  IndexName(a.Catalog, a.Entity.EntityType, DocumentAggregate),
		DocumentID: a.Entity.EntityID,
	}
}

func (a *Aggregate) Versioning() VersionType {
	if a.Version == nil {
		return VersionCreateOnly
	}
	return VersionInternal
}

func (a *Aggregate) ExpectedVersion() *int64 { return a.Version }

func (a *Aggregate) Delete() bool { return false }

func (a *Aggregate) Keywords() map[string]string {
	return map[string]string{FieldEntityID: a.Entity.EntityID}
}

// Tombstoned reports whether the aggregate was emptied because all of its
// contributions were retracted.
func (a *Aggregate) Tombstoned() bool { return len(a.Contents) == 0 }

type aggregateSource struct {
	EntityType       EntityType     `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	Contents         map[string]any `json:"contents"`
	Bundles          []BundleFQID   `json:"bundles"`
	Sources          []string       `json:"sources,omitempty"`
	NumContributions int            `json:"num_contributions"`
}

func (a *Aggregate) Source() ([]byte, error) {
	contents := a.Contents
	if contents == nil {
		contents = map[string]any{}
	}
	bundles := a.Bundles
	if bundles == nil {
		bundles = []BundleFQID{}
	}
	return json.Marshal(aggregateSource{
		EntityType:       a.Entity.EntityType,
		EntityID:         a.Entity.EntityID,
		Contents:         contents,
		Bundles:          bundles,
		Sources:          a.Sources,
		NumContributions: a.NumContributions,
	})
}

// AggregateFromSource decodes an aggregate read back from the index, carrying
// the stored version forward as the expected version of the next write.
func AggregateFromSource(catalog string, version int64, raw []byte) (*Aggregate, error) {
	var src aggregateSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("decode aggregate: %w", err)
	}
	if src.EntityType == "" || src.EntityID == "" {
		return nil, fmt.Errorf("malformed aggregate")
	}
	v := version
	return &Aggregate{
		Entity:           EntityReference{EntityType: src.EntityType, EntityID: src.EntityID},
		Catalog:          catalog,
		Version:          &v,
		Contents:         src.Contents,
		Bundles:          src.Bundles,
		Sources:          src.Sources,
		NumContributions: src.NumContributions,
	}, nil
}

// Deletion removes the document at Coords, optionally conditioned on Version.
type Deletion struct {
	Coords  DocumentCoordinates
	Version *int64
}

func (d *Deletion) Coordinates() DocumentCoordinates { return d.Coords }

func (d *Deletion) Versioning() VersionType {
	if d.Version == nil {
		return VersionNone
	}
	return VersionInternal
}

func (d *Deletion) ExpectedVersion() *int64 { return d.Version }

func (d *Deletion) Delete() bool { return true }

func (d *Deletion) Keywords() map[string]string { return nil }

func (d *Deletion) Source() ([]byte, error) { return nil, nil }

// Tallies count the contributions made to each entity in one pass. The counts
// are lower bounds; zero means aggregation is still required.
type Tallies map[EntityReference]int

// Add increments the tally of entity by n, creating the entry if needed.
func (t Tallies) Add(entity EntityReference, n int) {
	t[entity] += n
}

// Update merges other into t by summing counts.
func (t Tallies) Update(other Tallies) {
	for entity, n := range other {
		t[entity] += n
	}
}

// Clone returns an independent copy.
func (t Tallies) Clone() Tallies {
	out := make(Tallies, len(t))
	for entity, n := range t {
		out[entity] = n
	}
	return out
}

// Total sums all counts.
func (t Tallies) Total() int {
	total := 0
	for _, n := range t {
		total += n
	}
	return total
}

// Entities returns the tallied entities in deterministic order.
func (t Tallies) Entities() []EntityReference {
	out := make([]EntityReference, 0, len(t))
	for entity := range t {
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
