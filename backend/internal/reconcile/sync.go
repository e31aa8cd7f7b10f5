package reconcile

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"gradesync/backend/internal/cache"
	"gradesync/backend/internal/ident"
	"gradesync/backend/internal/ingest"
	"gradesync/backend/internal/remote"
	"gradesync/backend/internal/shared"
)

// SyncSummary reports a cache refresh from the remote store
type SyncSummary struct {
	Year       int            `json:"year"`
	Counts     map[string]int `json:"counts"`
	Normalized int            `json:"normalized"` // legacy grade shapes mapped to the canonical schema
	Rejected   int            `json:"rejected"`   // documents that could not be decoded
	Repaired   int            `json:"repaired"`   // denormalized fields corrected from the directory
	Warnings   []string       `json:"warnings,omitempty"`
}

// Sync rebuilds every cached collection of a namespace from the remote
// store. Each collection is built fully in memory and stored with a single
// Set, so readers never see a half-built collection.
func (e *Engine) Sync(ctx context.Context, year int) (*SyncSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	year, err := e.resolveYear(year)
	if err != nil {
		return nil, err
	}
	return e.sync(ctx, year)
}

// SwitchNamespace makes year the active namespace. The previous namespace is
// invalidated rather than merged, then the new one is synced.
func (e *Engine) SwitchNamespace(ctx context.Context, year int) (*SyncSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	year, err := e.resolveYear(year)
	if err != nil {
		return nil, err
	}

	previous, ok, err := e.cache.ActiveNamespace()
	if err != nil {
		return nil, err
	}
	if ok && previous != year {
		if _, err := e.cache.Invalidate(previous); err != nil {
			return nil, err
		}
	}
	return e.sync(ctx, year)
}

func (e *Engine) sync(ctx context.Context, year int) (*SyncSummary, error) {
	summary := &SyncSummary{Year: year, Counts: make(map[string]int)}
	filter := remote.Filter{Year: year}

	var snap ident.Snapshot
	var err error
	if snap.Courses, err = scanAll[shared.Course](ctx, e, shared.CollectionCourses, filter, summary); err != nil {
		return nil, err
	}
	if snap.Sections, err = scanAll[shared.Section](ctx, e, shared.CollectionSections, filter, summary); err != nil {
		return nil, err
	}
	if snap.Students, err = scanAll[shared.Student](ctx, e, shared.CollectionStudents, filter, summary); err != nil {
		return nil, err
	}
	if snap.Assignments, err = scanAll[shared.Assignment](ctx, e, shared.CollectionAssignments, filter, summary); err != nil {
		return nil, err
	}

	// Active refs are derived data; recompute them from the history
	for i, s := range snap.Students {
		refs := ident.ActiveRefs(snap.Assignments, s.ID)
		if !sameRefs(s.ActiveCourseRefs, refs) {
			snap.Students[i].ActiveCourseRefs = refs
			summary.Repaired++
		}
	}

	resolver := ident.NewResolver(year, snap)
	grades, err := e.scanGrades(ctx, year, resolver, summary)
	if err != nil {
		return nil, err
	}

	summary.Warnings = append(summary.Warnings, e.cacheDirectory(year, snap)...)
	if err := cache.Set(e.cache, shared.CollectionGrades, year, grades); err != nil {
		e.log.Warn("Cache grades write failed", zap.Int("year", year), zap.Error(err))
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("cache %s: %v", shared.CollectionGrades, err))
	}
	if err := e.cache.SetActiveNamespace(year); err != nil {
		return nil, err
	}

	summary.Counts[shared.CollectionCourses] = len(snap.Courses)
	summary.Counts[shared.CollectionSections] = len(snap.Sections)
	summary.Counts[shared.CollectionStudents] = len(snap.Students)
	summary.Counts[shared.CollectionAssignments] = len(snap.Assignments)
	summary.Counts[shared.CollectionGrades] = len(grades)

	e.log.Info("Namespace synced",
		zap.Int("year", year),
		zap.Any("counts", summary.Counts),
		zap.Int("normalized", summary.Normalized),
		zap.Int("rejected", summary.Rejected),
		zap.Int("repaired", summary.Repaired))
	return summary, nil
}

// scanGrades reads every grade shard, including shards keyed by a course
// slug or label, then the grades stored without a string course_id. Legacy
// shapes are mapped through the directory and the denormalized names are
// refreshed from it.
func (e *Engine) scanGrades(ctx context.Context, year int, r *ident.Resolver, summary *SyncSummary) ([]shared.Grade, error) {
	shards, err := e.remote.Shards(ctx, shared.CollectionGrades)
	if err != nil {
		return nil, fmt.Errorf("list grade shards: %w", err)
	}
	scopes := make([]remote.Filter, 0, len(shards)+1)
	for _, shard := range shards {
		scopes = append(scopes, remote.Filter{Shard: shard})
	}
	scopes = append(scopes, remote.Filter{Unsharded: true})

	grades := []shared.Grade{}
	seen := make(map[string]bool)
	for _, scope := range scopes {
		err := e.remote.Scan(ctx, shared.CollectionGrades, scope, func(raw bson.Raw) error {
			var doc map[string]interface{}
			if err := bson.Unmarshal(raw, &doc); err != nil {
				summary.Rejected++
				return nil
			}
			// Other namespaces are skipped before their course references are resolved
			if y, err := shared.GetInt64(doc["year"]); err == nil && y > 0 && int(y) != year {
				return nil
			}

			g, err := ingest.NormalizeLegacyGrade(doc, r)
			if err != nil {
				e.log.Debug("Grade rejected during sync", zap.Any("id", doc["_id"]), zap.Error(err))
				summary.Rejected++
				return nil
			}
			if g.Year != year || seen[g.ID] {
				return nil
			}
			if !canonical(raw) || g.CourseID != scope.Shard {
				summary.Normalized++
			}

			if student, ok := r.Student(g.StudentID); ok && student.DisplayName != "" && g.StudentName != student.DisplayName {
				g.StudentName = student.DisplayName
				summary.Repaired++
			}
			if c, ok := r.Course(g.CourseID); ok && g.CourseName != c.Name {
				g.CourseName = c.Name
				summary.Repaired++
			}

			seen[g.ID] = true
			grades = append(grades, g)
			return nil
		})
		if err != nil {
			if scope.Unsharded {
				return nil, fmt.Errorf("scan unsharded grades: %w", err)
			}
			return nil, fmt.Errorf("scan grades of course %s: %w", scope.Shard, err)
		}
	}
	return grades, nil
}

func scanAll[T any](ctx context.Context, e *Engine, collection string, filter remote.Filter, summary *SyncSummary) ([]T, error) {
	out := []T{}
	err := e.remote.Scan(ctx, collection, filter, func(raw bson.Raw) error {
		var item T
		if err := bson.Unmarshal(raw, &item); err != nil {
			e.log.Debug("Document rejected during sync", zap.String("collection", collection), zap.Error(err))
			summary.Rejected++
			return nil
		}
		out = append(out, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	return out, nil
}

// canonical reports whether a stored grade already uses the canonical keys
func canonical(raw bson.Raw) bool {
	for _, key := range []string{"student_id", "course_id", "score", "graded_at", "type", "year"} {
		if _, err := raw.LookupErr(key); err != nil {
			return false
		}
	}
	return true
}

func sameRefs(a, b []shared.CourseSectionRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
