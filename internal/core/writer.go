package core

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"metaindex/internal/index"
	"metaindex/pkg/domain"
)

// WriterConfig bounds retries and selects the write path of an IndexWriter.
type WriterConfig struct {
	// ConflictRetryLimit and ErrorRetryLimit count retries, so the second
	// attempt is the first retry. domain.Unlimited disables a limit.
	ConflictRetryLimit int
	ErrorRetryLimit    int
	// Batches smaller than BulkThreshold are written one document at a time.
	BulkThreshold int
	// Bulk batches of at least ParallelThreshold actions are written with
	// BulkWorkers concurrent chunks.
	ParallelThreshold int
	BulkWorkers       int
	ChunkSize         int
	MaxChunkBytes     int
}

// IndexWriter writes documents and tracks per-document conflict and error
// counters across the retry rounds driven by its caller. It is not safe for
// concurrent use and must not outlive one contribute or aggregate call.
type IndexWriter struct {
	client    index.Client
	cfg       WriterConfig
	logger    Logger
	outcomes  WriteOutcomeRecorder
	errors    map[domain.DocumentCoordinates]int
	conflicts map[domain.DocumentCoordinates]int
	retries   map[domain.DocumentCoordinates]struct{}
}

// NewIndexWriter returns a writer with empty counters.
func NewIndexWriter(client index.Client, cfg WriterConfig, logger Logger, outcomes WriteOutcomeRecorder) *IndexWriter {
	if logger == nil {
		logger = noopLogger{}
	}
	return &IndexWriter{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		outcomes:  outcomes,
		errors:    make(map[domain.DocumentCoordinates]int),
		conflicts: make(map[domain.DocumentCoordinates]int),
		retries:   make(map[domain.DocumentCoordinates]struct{}),
	}
}

// Retry reports whether the last Write marked doc for another attempt.
func (w *IndexWriter) Retry(doc domain.Document) bool {
	_, ok := w.retries[doc.Coordinates()]
	return ok
}

// RetryCount returns the number of documents marked by the last Write.
func (w *IndexWriter) RetryCount() int { return len(w.retries) }

// Write makes one attempt at every document. Failures update the counters and
// the retry set instead of failing the call; the returned error is reserved
// for problems that prevent an attempt, such as cancellation.
func (w *IndexWriter) Write(ctx context.Context, docs []domain.Document) error {
	w.retries = make(map[domain.DocumentCoordinates]struct{})
	if len(docs) < w.cfg.BulkThreshold {
		return w.writeIndividually(ctx, docs)
	}
	return w.writeBulk(ctx, docs)
}

func (w *IndexWriter) writeIndividually(ctx context.Context, docs []domain.Document) error {
	w.logger.Debug("writing documents individually", "count", len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		action, err := toAction(doc)
		if err != nil {
			return err
		}
		_, err = w.client.Write(ctx, action)
		w.record(doc, err)
	}
	return nil
}

func (w *IndexWriter) writeBulk(ctx context.Context, docs []domain.Document) error {
	byCoords := make(map[domain.DocumentCoordinates]domain.Document, len(docs))
	actions := make([]index.Action, 0, len(docs))
	for _, doc := range docs {
		coords := doc.Coordinates()
		if _, dup := byCoords[coords]; dup {
			continue
		}
		byCoords[coords] = doc
		action, err := toAction(doc)
		if err != nil {
			return err
		}
		actions = append(actions, action)
	}
	chunks := w.chunk(actions)
	results := make([]chunkResult, len(chunks))
	if len(actions) < w.cfg.ParallelThreshold {
		w.logger.Debug("writing documents in streaming bulk", "count", len(actions), "chunks", len(chunks))
		for i, c := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i].items, results[i].err = w.client.Bulk(ctx, c)
		}
	} else {
		w.logger.Debug("writing documents in parallel bulk", "count", len(actions), "chunks", len(chunks))
		var g errgroup.Group
		g.SetLimit(max(w.cfg.BulkWorkers, 1))
		for i, c := range chunks {
			g.Go(func() error {
				results[i].items, results[i].err = w.client.Bulk(ctx, c)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	for i, res := range results {
		if res.err != nil {
			for _, a := range chunks[i] {
				w.record(byCoords[coordsOf(a)], res.err)
			}
			continue
		}
		for _, item := range res.items {
			w.record(byCoords[coordsOf(item.Action)], item.Err)
		}
	}
	return nil
}

type chunkResult struct {
	items []index.BulkItem
	err   error
}

// chunk splits actions into requests bounded by count and approximate size.
// A single oversized action still forms its own chunk.
func (w *IndexWriter) chunk(actions []index.Action) [][]index.Action {
	var chunks [][]index.Action
	var cur []index.Action
	size := 0
	for _, a := range actions {
		n := a.Size()
		full := w.cfg.ChunkSize > 0 && len(cur) >= w.cfg.ChunkSize
		tooBig := w.cfg.MaxChunkBytes > 0 && size+n > w.cfg.MaxChunkBytes
		if len(cur) > 0 && (full || tooBig) {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, a)
		size += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

func (w *IndexWriter) record(doc domain.Document, err error) {
	if doc == nil {
		return
	}
	switch {
	case err == nil:
		w.onSuccess(doc)
	case index.IsConflict(err):
		w.onConflict(doc, err)
	default:
		w.onError(doc, err)
	}
}

func (w *IndexWriter) count(outcome string) {
	if w.outcomes != nil {
		w.outcomes.RecordWriteOutcome(outcome)
	}
}

func (w *IndexWriter) onSuccess(doc domain.Document) {
	coords := doc.Coordinates()
	delete(w.conflicts, coords)
	delete(w.errors, coords)
	w.count(OutcomeSuccess)
	if agg, ok := doc.(*domain.Aggregate); ok {
		w.logger.Debug("wrote aggregate", "coordinates", coords.String(), "contributions", agg.NumContributions)
		return
	}
	w.logger.Debug("wrote document", "coordinates", coords.String())
}

func (w *IndexWriter) onError(doc domain.Document, err error) {
	coords := doc.Coordinates()
	w.errors[coords]++
	w.count(OutcomeError)
	action := "giving up"
	if withinLimit(w.errors[coords], w.cfg.ErrorRetryLimit) {
		action = "retrying"
		w.markRetry(coords)
	}
	w.logger.Warn("error writing document", "coordinates", coords.String(), "error", err, "errors", w.errors[coords], "action", action)
}

func (w *IndexWriter) onConflict(doc domain.Document, err error) {
	coords := doc.Coordinates()
	w.conflicts[coords]++
	delete(w.errors, coords)
	w.count(OutcomeConflict)
	action := "giving up"
	if withinLimit(w.conflicts[coords], w.cfg.ConflictRetryLimit) {
		action = "retrying"
		w.markRetry(coords)
	}
	if c, ok := doc.(*domain.Contribution); ok && c.VersionType == domain.VersionCreateOnly {
		w.logger.Warn("document exists, retrying with overwrite", "coordinates", coords.String())
		c.VersionType = domain.VersionNone
		return
	}
	w.logger.Warn("conflict writing document", "coordinates", coords.String(), "error", err, "conflicts", w.conflicts[coords], "action", action)
}

func (w *IndexWriter) markRetry(coords domain.DocumentCoordinates) {
	w.retries[coords] = struct{}{}
	w.count(OutcomeRetry)
}

func withinLimit(n, limit int) bool {
	return limit == domain.Unlimited || n <= limit
}

// RaiseOnErrors fails if any document still carries an error or conflict.
func (w *IndexWriter) RaiseOnErrors() error {
	if len(w.errors) == 0 && len(w.conflicts) == 0 {
		return nil
	}
	failure := &WriteFailureError{
		Errors:    make(map[domain.DocumentCoordinates]int, len(w.errors)),
		Conflicts: make(map[domain.DocumentCoordinates]int, len(w.conflicts)),
	}
	for c, n := range w.errors {
		failure.Errors[c] = n
	}
	for c, n := range w.conflicts {
		failure.Conflicts[c] = n
	}
	return failure
}

func coordsOf(a index.Action) domain.DocumentCoordinates {
	return domain.DocumentCoordinates{IndexName: a.Index, DocumentID: a.ID}
}

// toAction maps a document onto the index operation its version discipline
// and delete flag call for.
func toAction(doc domain.Document) (index.Action, error) {
	coords := doc.Coordinates()
	a := index.Action{Index: coords.IndexName, ID: coords.DocumentID}
	if doc.Delete() {
		a.Op = index.OpDelete
		if doc.Versioning() == domain.VersionInternal {
			a.Version = doc.ExpectedVersion()
		}
		return a, nil
	}
	switch doc.Versioning() {
	case domain.VersionCreateOnly:
		a.Op = index.OpCreate
	case domain.VersionNone:
		a.Op = index.OpIndex
	case domain.VersionInternal:
		a.Op = index.OpIndex
		a.Version = doc.ExpectedVersion()
		if a.Version == nil {
			return index.Action{}, fmt.Errorf("document %s requires an expected version", coords)
		}
	default:
		return index.Action{}, fmt.Errorf("document %s has unknown version type %q", coords, doc.Versioning())
	}
	src, err := doc.Source()
	if err != nil {
		return index.Action{}, fmt.Errorf("encode %s: %w", coords, err)
	}
	a.Source = src
	a.Terms = doc.Keywords()
	return a, nil
}
