// ============================================================================
// backend/internal/reconcile/engine.go
// Single writer that keeps the local cache and the remote store convergent
// ============================================================================

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gradesync/backend/internal/cache"
	"gradesync/backend/internal/ident"
	"gradesync/backend/internal/ingest"
	"gradesync/backend/internal/remote"
	"gradesync/backend/internal/shared"
)

var (
	// ErrConfirmationRequired is returned by DeleteAll without the confirmation token
	ErrConfirmationRequired = errors.New("delete-all requires explicit confirmation")

	// ErrNoProgress stops a multi-page delete whose remaining count did not decrease
	ErrNoProgress = errors.New("delete made no progress")

	// ErrInvalidCursor is returned for a cursor this engine did not issue
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidYear is returned for a namespace outside the accepted range
	ErrInvalidYear = errors.New("invalid year")

	errShortWrite = errors.New("store committed fewer documents than sent")
)

// ConfirmToken must be passed to DeleteAll
const ConfirmToken = "doit"

// Engine orchestrates import, sync and deletion. It is the only component
// that writes the cache; every public method holds one lock for its whole
// duration.
type Engine struct {
	mu     sync.Mutex
	cache  *cache.Store
	remote *remote.Adapter
	parser *ingest.Parser
	config shared.ReconcileConfig
	log    *zap.Logger
	now    func() time.Time
}

// New wires an engine
func New(store *cache.Store, adapter *remote.Adapter, config shared.ReconcileConfig, log *zap.Logger) *Engine {
	if config.PagedThreshold <= 0 {
		config.PagedThreshold = shared.DefaultPagedThreshold
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = 50
	}
	return &Engine{
		cache:  store,
		remote: adapter,
		parser: ingest.NewParser(config.ColumnAliases),
		config: config,
		log:    log.Named("reconcile"),
		now:    time.Now,
	}
}

// WithClock overrides the time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// MaxErrors is the number of error reasons surfaced to callers
func (e *Engine) MaxErrors() int { return e.config.MaxErrors }

// ============================================================================
// Namespace Helpers
// ============================================================================

// resolveYear picks the requested namespace, else the active one, else the current year
func (e *Engine) resolveYear(year int) (int, error) {
	if year != 0 {
		if year < 2000 || year > 2100 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidYear, year)
		}
		return year, nil
	}
	active, ok, err := e.cache.ActiveNamespace()
	if err != nil {
		return 0, err
	}
	if ok {
		return active, nil
	}
	return e.now().Year(), nil
}

// ensureNamespace syncs a namespace the cache has never held
func (e *Engine) ensureNamespace(ctx context.Context, year int) error {
	stats, err := e.cache.Stats(year)
	if err != nil {
		return err
	}
	if len(stats) > 0 {
		return nil
	}
	e.log.Info("Namespace not cached, syncing from remote", zap.Int("year", year))
	_, err = e.sync(ctx, year)
	return err
}

// loadResolver builds the identifier resolver from the cached directory
func (e *Engine) loadResolver(year int) (*ident.Resolver, error) {
	var snap ident.Snapshot
	var err error
	if snap.Courses, err = cache.Get[shared.Course](e.cache, shared.CollectionCourses, year); err != nil {
		return nil, err
	}
	if snap.Sections, err = cache.Get[shared.Section](e.cache, shared.CollectionSections, year); err != nil {
		return nil, err
	}
	if snap.Students, err = cache.Get[shared.Student](e.cache, shared.CollectionStudents, year); err != nil {
		return nil, err
	}
	if snap.Assignments, err = cache.Get[shared.Assignment](e.cache, shared.CollectionAssignments, year); err != nil {
		return nil, err
	}
	return ident.NewResolver(year, snap).WithClock(e.now), nil
}

// persistDirectory writes entities the resolver created or changed to the
// remote store, then mirrors the directory into the cache. Cache failures
// are returned as warnings: the next sync repairs them. A write that stops
// early is an error, and only the entities it committed reach the cache.
func (e *Engine) persistDirectory(ctx context.Context, r *ident.Resolver) ([]string, error) {
	pending := r.Pending()
	if pending.Empty() {
		return nil, nil
	}

	var (
		written ident.Snapshot
		err     error
	)
	written.Courses, err = writeEntities(ctx, e.remote, shared.CollectionCourses, pending.Courses, courseKey, nil)
	if err == nil {
		written.Sections, err = writeEntities(ctx, e.remote, shared.CollectionSections, pending.Sections, sectionKey, func(s shared.Section) string { return s.CourseID })
	}
	if err == nil {
		written.Students, err = writeEntities(ctx, e.remote, shared.CollectionStudents, pending.Students, studentKey, nil)
	}
	if err == nil {
		written.Assignments, err = writeEntities(ctx, e.remote, shared.CollectionAssignments, pending.Assignments, assignmentKey, func(a shared.Assignment) string { return a.CourseID })
	}
	if err != nil {
		e.log.Warn("Directory write stopped, caching committed entities only",
			zap.Int("year", r.Year()),
			zap.Int("courses", len(written.Courses)),
			zap.Int("sections", len(written.Sections)),
			zap.Int("students", len(written.Students)),
			zap.Int("assignments", len(written.Assignments)),
			zap.Error(err))
		e.cacheCommitted(r.Year(), written)
		return nil, err
	}
	r.MarkPersisted()

	e.log.Info("Directory changes written",
		zap.Int("courses", len(pending.Courses)),
		zap.Int("sections", len(pending.Sections)),
		zap.Int("students", len(pending.Students)),
		zap.Int("assignments", len(pending.Assignments)))

	return e.cacheDirectory(r.Year(), r.Snapshot()), nil
}

func courseKey(c shared.Course) string { return c.ID }
func sectionKey(s shared.Section) string { return s.ID }
func studentKey(s shared.Student) string { return s.ID }
func assignmentKey(a shared.Assignment) string { return a.ID }

// writeEntities upserts items and returns the prefix the store committed.
// Anything short of a full write is an error.
func writeEntities[T any](ctx context.Context, store *remote.Adapter, collection string, items []T, id, shard func(T) string) ([]T, error) {
	if len(items) == 0 {
		return nil, nil
	}
	res, err := store.BulkWrite(ctx, "", collection, remote.Docs(items, id, shard), nil)
	committed := items[:min(max(res.Written, 0), len(items))]
	if err != nil {
		return committed, fmt.Errorf("write %s: %w", collection, err)
	}
	if res.Cancelled || res.Written != len(items) {
		cause := ctx.Err()
		if cause == nil {
			cause = errShortWrite
		}
		return committed, fmt.Errorf("write %s stopped after %d of %d: %w", collection, res.Written, len(items), cause)
	}
	return committed, nil
}

// cacheCommitted merges entities a stopped write did commit over what the
// cache already holds. Entities left unwritten keep their cached version.
func (e *Engine) cacheCommitted(year int, written ident.Snapshot) {
	mergeCached(e, shared.CollectionCourses, year, written.Courses, courseKey)
	mergeCached(e, shared.CollectionSections, year, written.Sections, sectionKey)
	mergeCached(e, shared.CollectionStudents, year, written.Students, studentKey)
	mergeCached(e, shared.CollectionAssignments, year, written.Assignments, assignmentKey)
}

func mergeCached[T any](e *Engine, collection string, year int, items []T, id func(T) string) {
	if len(items) == 0 {
		return
	}
	cached, err := cache.Get[T](e.cache, collection, year)
	if err == nil {
		index := make(map[string]int, len(cached))
		for i, c := range cached {
			index[id(c)] = i
		}
		for _, item := range items {
			if i, ok := index[id(item)]; ok {
				cached[i] = item
			} else {
				cached = append(cached, item)
			}
		}
		err = cache.Set(e.cache, collection, year, cached)
	}
	if err != nil {
		e.log.Warn("Cache update failed, run a sync to repair", zap.String("collection", collection), zap.Int("year", year), zap.Error(err))
	}
}

// cacheDirectory stores each directory collection with its own Set. A failed
// Set leaves the others in place and is reported as a warning.
func (e *Engine) cacheDirectory(year int, snap ident.Snapshot) []string {
	var warnings []string
	record := func(collection string, err error) {
		if err != nil {
			e.log.Warn("Cache update failed, run a sync to repair", zap.String("collection", collection), zap.Int("year", year), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("cache %s: %v", collection, err))
		}
	}
	record(shared.CollectionCourses, cache.Set(e.cache, shared.CollectionCourses, year, orEmpty(snap.Courses)))
	record(shared.CollectionSections, cache.Set(e.cache, shared.CollectionSections, year, orEmpty(snap.Sections)))
	record(shared.CollectionStudents, cache.Set(e.cache, shared.CollectionStudents, year, orEmpty(snap.Students)))
	record(shared.CollectionAssignments, cache.Set(e.cache, shared.CollectionAssignments, year, orEmpty(snap.Assignments)))
	return warnings
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
