// ============================================================================
// backend/internal/remote/adapter.go
// Batched writes, tiered counting and paged deletion over a Backend
// ============================================================================

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"gradesync/backend/internal/shared"
)

// Count methods, reported with every count
const (
	MethodFieldFilter = "field-filter"
	MethodSnapshot    = "snapshot"
	MethodCoursesScan = "courses-scan"
)

const scanPageSize = 1000

// Adapter talks to the sharded remote store
type Adapter struct {
	backend Backend
	config  shared.ReconcileConfig
	log     *zap.Logger
}

// NewAdapter wraps a backend. Out-of-range limits are clamped.
func NewAdapter(backend Backend, config shared.ReconcileConfig, log *zap.Logger) *Adapter {
	if config.BatchSize <= 0 || config.BatchSize > shared.MaxBatchSize {
		config.BatchSize = shared.MaxBatchSize
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.DeletePageSize <= 0 {
		config.DeletePageSize = shared.DefaultDeletePageSize
	}
	return &Adapter{backend: backend, config: config, log: log.Named("remote")}
}

// Close releases the backend
func (a *Adapter) Close(ctx context.Context) error {
	return a.backend.Close(ctx)
}

// ============================================================================
// Bulk Write
// ============================================================================

// BatchOutcome is the result of one planned batch
type BatchOutcome struct {
	Index     int   `json:"index"`
	Size      int   `json:"size"`
	Committed int   `json:"committed"`
	Retries   int   `json:"retries,omitempty"`
	Err       error `json:"-"`
}

// WriteResult summarizes a bulk write. Writes are ordered, so the first
// Written documents of the input are exactly the committed ones.
type WriteResult struct {
	Written   int            `json:"written"`
	Failed    int            `json:"failed"`
	Batches   []BatchOutcome `json:"batches"`
	Cancelled bool           `json:"cancelled,omitempty"`
}

// BatchCallback observes each batch right after it commits
type BatchCallback func(outcome BatchOutcome, committed []Document)

// BulkWrite upserts docs under a course shard in sequential batches of at
// most BatchSize. Batch N+1 starts only after batch N committed. A failing
// batch stops the write with a PartialBatchFailure; an unavailable store is
// returned as is. Cancellation is honored between batches only.
func (a *Adapter) BulkWrite(ctx context.Context, courseID, collection string, docs []Document, onBatch BatchCallback) (WriteResult, error) {
	var result WriteResult
	size := a.config.BatchSize

	for start, index := 0, 0; start < len(docs); start, index = start+size, index+1 {
		if index > 0 && !a.pause(ctx) {
			result.Cancelled = true
			break
		}
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		batch := docs[start:min(start+size, len(docs))]
		outcome := a.commitBatch(ctx, collection, index, batch)
		result.Batches = append(result.Batches, outcome)
		result.Written += outcome.Committed

		if outcome.Committed > 0 && onBatch != nil {
			onBatch(outcome, batch[:outcome.Committed])
		}

		if outcome.Err != nil {
			result.Failed = len(docs) - result.Written
			if errors.Is(outcome.Err, ErrUnavailable) {
				return result, outcome.Err
			}
			a.log.Warn("Batch failed, stopping bulk write",
				zap.String("collection", collection),
				zap.String("course_id", courseID),
				zap.Int("batch", index+1),
				zap.Int("committed", result.Written),
				zap.Error(outcome.Err))
			return result, &PartialBatchFailure{
				Collection: collection,
				Shard:      courseID,
				Batch:      index,
				Committed:  result.Written,
				Failed:     result.Failed,
				Err:        outcome.Err,
			}
		}
	}

	if result.Cancelled {
		a.log.Info("Bulk write cancelled between batches",
			zap.String("collection", collection),
			zap.String("course_id", courseID),
			zap.Int("written", result.Written))
	}
	return result, nil
}

// commitBatch writes one planned batch. On a quota or timeout rejection the
// uncommitted remainder is retried in halves, up to MaxRetries times. The
// in-flight call is detached from cancellation so a batch never stops midway.
func (a *Adapter) commitBatch(ctx context.Context, collection string, index int, batch []Document) BatchOutcome {
	outcome := BatchOutcome{Index: index, Size: len(batch)}
	writeCtx := context.WithoutCancel(ctx)

	remaining := batch
	chunk := len(batch)
	for len(remaining) > 0 {
		n := min(chunk, len(remaining))
		committed, err := a.backend.UpsertBatch(writeCtx, collection, remaining[:n])
		outcome.Committed += committed
		remaining = remaining[committed:]
		if err == nil {
			continue
		}

		var quota *QuotaOrTimeoutError
		if errors.As(err, &quota) && outcome.Retries < a.config.MaxRetries {
			outcome.Retries++
			chunk = max(1, n/2)
			a.log.Warn("Batch rejected, retrying with a smaller size",
				zap.String("collection", collection),
				zap.Int("batch", index+1),
				zap.Int("size", chunk),
				zap.Int("attempt", outcome.Retries),
				zap.Error(err))
			continue
		}

		outcome.Err = err
		return outcome
	}
	return outcome
}

// pause yields between batches; false means the context ended
func (a *Adapter) pause(ctx context.Context) bool {
	if a.config.BatchPause <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(a.config.BatchPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ============================================================================
// Count
// ============================================================================

// CountResult carries the count and the tier that produced it
type CountResult struct {
	Count  int64  `json:"count"`
	Method string `json:"method"`
}

// Count tries a server-side count, then a full snapshot scan, then a
// per-course scan summation. The first tier that succeeds wins and is named
// in the result.
func (a *Adapter) Count(ctx context.Context, collection string, filter Filter) (CountResult, error) {
	n, err := a.backend.CountDocuments(ctx, collection, filter)
	if err == nil {
		return CountResult{Count: n, Method: MethodFieldFilter}, nil
	}
	if errors.Is(err, ErrUnavailable) {
		return CountResult{}, err
	}
	a.log.Warn("Aggregate count failed, falling back to snapshot", zap.String("collection", collection), zap.Error(err))

	n, err = a.snapshotCount(ctx, collection, filter)
	if err == nil {
		return CountResult{Count: n, Method: MethodSnapshot}, nil
	}
	if errors.Is(err, ErrUnavailable) {
		return CountResult{}, err
	}
	a.log.Warn("Snapshot count failed, falling back to per-course scan", zap.String("collection", collection), zap.Error(err))

	n, err = a.coursesScanCount(ctx, collection, filter)
	if err != nil {
		return CountResult{}, fmt.Errorf("all count methods failed for %s: %w", collection, err)
	}
	return CountResult{Count: n, Method: MethodCoursesScan}, nil
}

func (a *Adapter) snapshotCount(ctx context.Context, collection string, filter Filter) (int64, error) {
	var n int64
	err := a.Scan(ctx, collection, filter, func(bson.Raw) error {
		n++
		return nil
	})
	return n, err
}

// coursesScanCount walks each shard with a shard-only query, then the
// unsharded documents, and applies the rest of the filter client side.
func (a *Adapter) coursesScanCount(ctx context.Context, collection string, filter Filter) (int64, error) {
	shards, err := a.backend.Shards(ctx, collection)
	if err != nil {
		return 0, err
	}
	scopes := make([]Filter, 0, len(shards)+1)
	if filter.Shard != "" {
		scopes = append(scopes, Filter{Shard: filter.Shard})
	} else {
		for _, shard := range shards {
			scopes = append(scopes, Filter{Shard: shard})
		}
		scopes = append(scopes, Filter{Unsharded: true})
	}

	var total int64
	for _, scope := range scopes {
		err := a.Scan(ctx, collection, scope, func(doc bson.Raw) error {
			if filter.matches(doc) {
				total++
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("scan course %q: %w", scope.Shard, err)
		}
	}
	return total, nil
}

// Shards lists the course shards of a sharded collection
func (a *Adapter) Shards(ctx context.Context, collection string) ([]string, error) {
	return a.backend.Shards(ctx, collection)
}

// ============================================================================
// Scan
// ============================================================================

// Scan visits every matching document in _id order, one page at a time
func (a *Adapter) Scan(ctx context.Context, collection string, filter Filter, fn func(bson.Raw) error) error {
	var after bson.RawValue
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := a.backend.Find(ctx, collection, filter, after, scanPageSize)
		if err != nil {
			return err
		}
		for _, doc := range page {
			if err := fn(doc); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		after = page[len(page)-1].Lookup("_id")
		if after.Type == 0 {
			return fmt.Errorf("%s: document without _id", collection)
		}
	}
}

// ============================================================================
// Delete All
// ============================================================================

// UnshardedCursor resumes a delete after every course shard, in the step that
// removes documents without a string course_id
const UnshardedCursor = "$unsharded"

// DeleteOptions controls DeleteAll paging
type DeleteOptions struct {
	Paged    bool
	PageSize int    // default 1000, clamped to 2000
	Cursor   string // last fully processed shard or UnshardedCursor, "" to start
	Filter   Filter
}

// DeleteResult reports one DeleteAll call
type DeleteResult struct {
	Deleted    int64  `json:"deleted"`
	NextCursor string `json:"next_cursor,omitempty"`
	More       bool   `json:"more"`
}

// DeleteAll removes every matching document of a sharded collection, shard
// by shard in course ID order, then the documents no shard holds. In paged
// mode at most PageSize documents are deleted and the cursor names the last
// shard that was emptied; the caller re-invokes with it until More is false.
// Unpaged mode loops internally.
func (a *Adapter) DeleteAll(ctx context.Context, collection string, opts DeleteOptions) (DeleteResult, error) {
	opts.PageSize = ClampPageSize(opts.PageSize)
	if opts.Paged {
		return a.deletePage(ctx, collection, opts)
	}

	var total DeleteResult
	for {
		page, err := a.deletePage(ctx, collection, opts)
		total.Deleted += page.Deleted
		if err != nil {
			return total, err
		}
		if !page.More {
			return total, nil
		}
		if page.Deleted == 0 && page.NextCursor == opts.Cursor {
			return total, fmt.Errorf("delete of %s made no progress at cursor %q", collection, opts.Cursor)
		}
		opts.Cursor = page.NextCursor
	}
}

func (a *Adapter) deletePage(ctx context.Context, collection string, opts DeleteOptions) (DeleteResult, error) {
	result := DeleteResult{NextCursor: opts.Cursor}
	budget := opts.PageSize

	if opts.Cursor != UnshardedCursor {
		shards, err := a.backend.Shards(ctx, collection)
		if err != nil {
			return DeleteResult{}, err
		}
		for _, shard := range shards {
			if opts.Cursor != "" && shard <= opts.Cursor {
				continue
			}
			if opts.Filter.Shard != "" && shard != opts.Filter.Shard {
				continue
			}

			filter := opts.Filter
			filter.Shard = shard
			n, found, err := a.deleteMatching(ctx, collection, filter, budget)
			result.Deleted += n
			if err != nil {
				return result, err
			}
			budget -= found

			if budget <= 0 {
				// The shard may still hold documents; resume from it next time
				result.More = true
				a.log.Debug("Delete page full",
					zap.String("collection", collection),
					zap.String("course_id", shard),
					zap.Int64("deleted", result.Deleted))
				return result, nil
			}
			result.NextCursor = shard
		}
	}

	if opts.Filter.Shard != "" {
		result.NextCursor = ""
		return result, nil
	}

	filter := opts.Filter
	filter.Unsharded = true
	n, found, err := a.deleteMatching(ctx, collection, filter, budget)
	result.Deleted += n
	if err != nil {
		return result, err
	}
	if found >= budget {
		result.More = true
		result.NextCursor = UnshardedCursor
		return result, nil
	}

	result.NextCursor = ""
	return result, nil
}

// deleteMatching deletes the first limit documents matching filter and
// reports how many were found
func (a *Adapter) deleteMatching(ctx context.Context, collection string, filter Filter, limit int) (int64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	page, err := a.backend.Find(ctx, collection, filter, bson.RawValue{}, limit)
	if err != nil {
		return 0, 0, err
	}

	ids := make([]bson.RawValue, 0, len(page))
	for _, doc := range page {
		if id := doc.Lookup("_id"); id.Type != 0 {
			ids = append(ids, id)
		}
	}
	n, err := a.backend.DeleteByIDs(ctx, collection, ids)
	return n, len(page), err
}

// ClampPageSize applies the default and the hard maximum of delete pages
func ClampPageSize(size int) int {
	if size <= 0 {
		return shared.DefaultDeletePageSize
	}
	return min(size, shared.MaxDeletePageSize)
}
