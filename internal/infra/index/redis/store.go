// Package redis implements the index Client on top of Redis. Each document is
// a hash, each (index, field, value) term a set of document ids, and writes
// are optimistic WATCH/MULTI transactions on the document key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"metaindex/internal/index/core"
)

const (
	defaultPrefix     = "metaindex"
	defaultTxAttempts = 5

	fieldVersion = "version"
	fieldSource  = "source"
	fieldTerms   = "terms"
)

// Config configures the Redis index store.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key written by the store.
	Prefix string
	// TxAttempts bounds how often a write is retried after a concurrent
	// modification aborted its transaction.
	TxAttempts int
}

// Store implements core.Client backed by Redis.
type Store struct {
	rdb        redis.UniversalClient
	prefix     string
	txAttempts int
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient, cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	attempts := cfg.TxAttempts
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}
	return &Store{rdb: rdb, prefix: prefix, txAttempts: attempts}
}

// Driver returns the index driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverRedis }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) indicesKey() string { return s.prefix + ":indices" }

func (s *Store) idsKey(index string) string { return fmt.Sprintf("%s:ids:%s", s.prefix, index) }

func (s *Store) docKey(index, id string) string {
	return fmt.Sprintf("%s:doc:%s:%s", s.prefix, index, id)
}

func (s *Store) termKey(index, field, value string) string {
	return fmt.Sprintf("%s:term:%s:%s:%s", s.prefix, index, field, value)
}

func (s *Store) termKeysKey(index string) string {
	return fmt.Sprintf("%s:termkeys:%s", s.prefix, index)
}

// CreateIndices registers the named indices.
func (s *Store) CreateIndices(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	members := make([]any, len(names))
	for i, n := range names {
		members[i] = n
	}
	if err := s.rdb.SAdd(ctx, s.indicesKey(), members...).Err(); err != nil {
		return fmt.Errorf("create indices: %w", err)
	}
	return nil
}

// DeleteIndices removes the named indices with all their documents and terms.
func (s *Store) DeleteIndices(ctx context.Context, names []string) error {
	for _, name := range names {
		ids, err := s.rdb.SMembers(ctx, s.idsKey(name)).Result()
		if err != nil {
			return fmt.Errorf("list %s: %w", name, err)
		}
		termKeys, err := s.rdb.SMembers(ctx, s.termKeysKey(name)).Result()
		if err != nil {
			return fmt.Errorf("list terms of %s: %w", name, err)
		}
		keys := make([]string, 0, len(ids)+len(termKeys)+2)
		for _, id := range ids {
			keys = append(keys, s.docKey(name, id))
		}
		keys = append(keys, termKeys...)
		keys = append(keys, s.idsKey(name), s.termKeysKey(name))
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.SRem(ctx, s.indicesKey(), name)
			return nil
		})
		if err != nil {
			return fmt.Errorf("delete index %s: %w", name, err)
		}
	}
	return nil
}

// MultiGet reads documents in one pipeline.
func (s *Store) MultiGet(ctx context.Context, refs []core.Ref) ([]core.GetResult, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.SliceCmd, len(refs))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, ref := range refs {
			cmds[i] = pipe.HMGet(ctx, s.docKey(ref.Index, ref.ID), fieldVersion, fieldSource)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("multi get: %w", err)
	}
	out := make([]core.GetResult, len(refs))
	for i, ref := range refs {
		out[i].Ref = ref
		hit, ok, err := decodeHit(ref.Index, ref.ID, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		if ok {
			out[i].Found = true
			out[i].Hit = hit
		}
	}
	return out, nil
}

func decodeHit(index, id string, vals []any) (core.Hit, bool, error) {
	if len(vals) != 2 || vals[0] == nil {
		return core.Hit{}, false, nil
	}
	vs, _ := vals[0].(string)
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return core.Hit{}, false, fmt.Errorf("decode version of %s/%s: %w", index, id, err)
	}
	src, _ := vals[1].(string)
	return core.Hit{Index: index, ID: id, Version: version, Source: json.RawMessage(src)}, true, nil
}

// matchIDs resolves the query to document refs ordered by index then id.
func (s *Store) matchIDs(ctx context.Context, q core.Query) ([]core.Ref, error) {
	indices := make([]string, 0, len(q.Terms))
	for index := range q.Terms {
		indices = append(indices, index)
	}
	sort.Strings(indices)
	var refs []core.Ref
	for _, index := range indices {
		values := q.Terms[index]
		if len(values) == 0 {
			continue
		}
		keys := make([]string, len(values))
		for i, v := range values {
			keys[i] = s.termKey(index, q.Field, v)
		}
		ids, err := s.rdb.SUnion(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("resolve terms of %s: %w", index, err)
		}
		sort.Strings(ids)
		for _, id := range ids {
			refs = append(refs, core.Ref{Index: index, ID: id})
		}
	}
	return refs, nil
}

func (s *Store) load(ctx context.Context, refs []core.Ref) ([]core.Hit, error) {
	results, err := s.MultiGet(ctx, refs)
	if err != nil {
		return nil, err
	}
	hits := make([]core.Hit, 0, len(results))
	for _, r := range results {
		if r.Found {
			hits = append(hits, r.Hit)
		}
	}
	return hits, nil
}

// Search returns the first size matches and the total match count.
func (s *Store) Search(ctx context.Context, q core.Query, size int) (core.SearchResult, error) {
	refs, err := s.matchIDs(ctx, q)
	if err != nil {
		return core.SearchResult{}, err
	}
	total := len(refs)
	if size >= 0 && len(refs) > size {
		refs = refs[:size]
	}
	hits, err := s.load(ctx, refs)
	if err != nil {
		return core.SearchResult{}, err
	}
	return core.SearchResult{Hits: hits, Total: total}, nil
}

// Scan pages through all matches, loading one page of hashes at a time.
func (s *Store) Scan(ctx context.Context, q core.Query, pageSize int, fn func([]core.Hit) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	refs, err := s.matchIDs(ctx, q)
	if err != nil {
		return err
	}
	for start := 0; start < len(refs); start += pageSize {
		end := min(start+pageSize, len(refs))
		hits, err := s.load(ctx, refs[start:end])
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			continue
		}
		if err := fn(hits); err != nil {
			return err
		}
	}
	return nil
}

// Write applies a single action in an optimistic transaction.
func (s *Store) Write(ctx context.Context, a core.Action) (int64, error) {
	key := s.docKey(a.Index, a.ID)
	var version int64
	for attempt := 0; attempt < s.txAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			v, err := s.apply(ctx, tx, key, a)
			version = v
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return version, err
	}
	return 0, &core.ConflictError{Index: a.Index, ID: a.ID, Op: a.Op, Expected: a.Version}
}

func (s *Store) apply(ctx context.Context, tx *redis.Tx, key string, a core.Action) (int64, error) {
	known, err := tx.SIsMember(ctx, s.indicesKey(), a.Index).Result()
	if err != nil {
		return 0, fmt.Errorf("check index %s: %w", a.Index, err)
	}
	if !known {
		return 0, core.UnknownIndex(a.Index)
	}
	vals, err := tx.HMGet(ctx, key, fieldVersion, fieldTerms).Result()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	var stored *int64
	var oldTerms map[string]string
	if len(vals) == 2 && vals[0] != nil {
		vs, _ := vals[0].(string)
		v, err := strconv.ParseInt(vs, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("decode version of %s: %w", key, err)
		}
		stored = &v
		if ts, ok := vals[1].(string); ok && ts != "" {
			if err := json.Unmarshal([]byte(ts), &oldTerms); err != nil {
				return 0, fmt.Errorf("decode terms of %s: %w", key, err)
			}
		}
	}
	if err := core.CheckPrecondition(a, stored); err != nil {
		return 0, err
	}

	if a.Op == core.OpDelete {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.idsKey(a.Index), a.ID)
			for field, value := range oldTerms {
				pipe.SRem(ctx, s.termKey(a.Index, field, value), a.ID)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		if stored == nil {
			return 0, nil
		}
		return *stored, nil
	}

	next := core.NextVersion(stored)
	terms, err := json.Marshal(a.Terms)
	if err != nil {
		return 0, fmt.Errorf("encode terms: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldVersion, next, fieldSource, string(a.Source), fieldTerms, string(terms))
		pipe.SAdd(ctx, s.idsKey(a.Index), a.ID)
		for field, value := range oldTerms {
			if a.Terms[field] != value {
				pipe.SRem(ctx, s.termKey(a.Index, field, value), a.ID)
			}
		}
		for field, value := range a.Terms {
			tk := s.termKey(a.Index, field, value)
			pipe.SAdd(ctx, tk, a.ID)
			pipe.SAdd(ctx, s.termKeysKey(a.Index), tk)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Bulk applies each action in its own transaction. Per-action failures are
// reported on the items.
func (s *Store) Bulk(ctx context.Context, actions []core.Action) ([]core.BulkItem, error) {
	items := make([]core.BulkItem, len(actions))
	for i, a := range actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := s.Write(ctx, a)
		items[i] = core.BulkItem{Action: a, Version: v, Err: err}
	}
	return items, nil
}
