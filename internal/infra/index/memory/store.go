// Package memory implements an in-memory index Client for tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"metaindex/internal/index/core"
)

type document struct {
	version int64
	source  json.RawMessage
	terms   map[string]string
}

// Store implements core.Client backed by process memory.
type Store struct {
	mu      sync.RWMutex
	indices map[string]map[string]document
}

// New returns an empty in-memory index.
func New() *Store { return &Store{indices: make(map[string]map[string]document)} }

// Driver returns the index driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// CreateIndices creates the named indices; existing ones are kept.
func (s *Store) CreateIndices(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.indices[name]; !ok {
			s.indices[name] = make(map[string]document)
		}
	}
	return nil
}

// DeleteIndices drops the named indices and their documents.
func (s *Store) DeleteIndices(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.indices, name)
	}
	return nil
}

// MultiGet reads documents by reference.
func (s *Store) MultiGet(ctx context.Context, refs []core.Ref) ([]core.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.GetResult, len(refs))
	for i, ref := range refs {
		out[i].Ref = ref
		doc, ok := s.indices[ref.Index][ref.ID]
		if !ok {
			continue
		}
		out[i].Found = true
		out[i].Hit = toHit(ref.Index, ref.ID, doc)
	}
	return out, nil
}

// Search returns the first size matches and the total match count.
func (s *Store) Search(ctx context.Context, q core.Query, size int) (core.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return core.SearchResult{}, err
	}
	hits := s.match(q)
	res := core.SearchResult{Total: len(hits)}
	if size >= 0 && len(hits) > size {
		hits = hits[:size]
	}
	res.Hits = hits
	return res, nil
}

// Scan pages through all matches.
func (s *Store) Scan(ctx context.Context, q core.Query, pageSize int, fn func([]core.Hit) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	hits := s.match(q)
	for start := 0; start < len(hits); start += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + pageSize
		if end > len(hits) {
			end = len(hits)
		}
		if err := fn(hits[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) match(q core.Query) []core.Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []core.Hit
	for index, values := range q.Terms {
		docs, ok := s.indices[index]
		if !ok || len(values) == 0 {
			continue
		}
		wanted := make(map[string]struct{}, len(values))
		for _, v := range values {
			wanted[v] = struct{}{}
		}
		for id, doc := range docs {
			if _, ok := wanted[doc.terms[q.Field]]; ok {
				hits = append(hits, toHit(index, id, doc))
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Index != hits[j].Index {
			return hits[i].Index < hits[j].Index
		}
		return hits[i].ID < hits[j].ID
	})
	return hits
}

// Write applies a single action.
func (s *Store) Write(ctx context.Context, a core.Action) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(a)
}

// Bulk applies each action independently under one lock.
func (s *Store) Bulk(ctx context.Context, actions []core.Action) ([]core.BulkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]core.BulkItem, len(actions))
	for i, a := range actions {
		v, err := s.apply(a)
		items[i] = core.BulkItem{Action: a, Version: v, Err: err}
	}
	return items, nil
}

func (s *Store) apply(a core.Action) (int64, error) {
	docs, ok := s.indices[a.Index]
	if !ok {
		return 0, core.UnknownIndex(a.Index)
	}
	var stored *int64
	if doc, exists := docs[a.ID]; exists {
		v := doc.version
		stored = &v
	}
	if err := core.CheckPrecondition(a, stored); err != nil {
		return 0, err
	}
	if a.Op == core.OpDelete {
		delete(docs, a.ID)
		if stored == nil {
			return 0, nil
		}
		return *stored, nil
	}
	next := core.NextVersion(stored)
	docs[a.ID] = document{
		version: next,
		source:  append(json.RawMessage(nil), a.Source...),
		terms:   cloneTerms(a.Terms),
	}
	return next, nil
}

func toHit(index, id string, doc document) core.Hit {
	return core.Hit{Index: index, ID: id, Version: doc.version, Source: append(json.RawMessage(nil), doc.source...)}
}

func cloneTerms(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
