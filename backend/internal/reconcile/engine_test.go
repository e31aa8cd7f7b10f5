package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"gradesync/backend/internal/cache"
	"gradesync/backend/internal/ident"
	"gradesync/backend/internal/remote"
	"gradesync/backend/internal/shared"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const threeRowCSV = "nombre,rut,nota,fecha,curso\n" +
	"Ana Pérez,11.111.111-1,6.5,2025-03-10,5to Básico\n" +
	"Luis Soto,22.222.222-2,abc,2025-03-10,5to Básico\n" +
	"Rosa Díaz,33.333.333-3,\"7,0\",10.03.2025,5to Básico\n"

func newTestEngine(t *testing.T, mem *remote.MemoryBackend, config shared.ReconcileConfig) *Engine {
	t.Helper()

	store, err := cache.Open(shared.CacheConfig{
		Path:        filepath.Join(t.TempDir(), "cache.db"),
		OpenTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	adapter := remote.NewAdapter(mem, config, zap.NewNop())
	return New(store, adapter, config, zap.NewNop()).WithClock(func() time.Time { return testNow })
}

func importCSV(t *testing.T, e *Engine, year int, src string) *ImportSummary {
	t.Helper()
	summary, err := e.Import(context.Background(), ImportRequest{Year: year, Source: strings.NewReader(src), Filename: "grades.csv"})
	require.NoError(t, err)
	return summary
}

// dump returns every stored document of a collection by ID
func dump(t *testing.T, mem *remote.MemoryBackend, collection string) map[string]bson.Raw {
	t.Helper()
	docs, err := mem.Find(context.Background(), collection, remote.Filter{}, bson.RawValue{}, 0)
	require.NoError(t, err)
	out := make(map[string]bson.Raw, len(docs))
	for _, d := range docs {
		id, ok := d.Lookup("_id").StringValueOK()
		if !ok {
			id = d.Lookup("_id").String()
		}
		out[id] = d
	}
	return out
}

func gradeIDs(grades []shared.Grade) []string {
	ids := make([]string, len(grades))
	for i, g := range grades {
		ids[i] = g.ID
	}
	return ids
}

func TestImport(t *testing.T) {
	t.Run("Three Rows With Invalid Score", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})

		summary := importCSV(t, e, 2025, threeRowCSV)
		assert.Equal(t, 3, summary.TotalRows)
		assert.Equal(t, 2, summary.Imported)
		assert.Equal(t, 2, summary.Changed)
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, []FailedRow{{Row: 2, Reason: "invalid score"}}, summary.FailedRows)
		assert.Equal(t, StatusPartial, summary.Status)
		assert.Equal(t, CreatedCounts{Students: 2, Courses: 1}, summary.Created)

		assert.Equal(t, 2, mem.Len(shared.CollectionGrades))
		assert.Equal(t, 2, mem.Len(shared.CollectionStudents))
		assert.Equal(t, 1, mem.Len(shared.CollectionCourses))

		cached, err := e.Grades(2025, "")
		require.NoError(t, err)
		require.Len(t, cached, 2)
		assert.ElementsMatch(t, gradeIDs(cached), keys(dump(t, mem, shared.CollectionGrades)))
		assert.Equal(t, "Ana Pérez", cached[0].StudentName)
		assert.Equal(t, "5to Básico", cached[0].CourseName)
	})

	t.Run("Replay Is Idempotent", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})

		first := importCSV(t, e, 2025, threeRowCSV)
		require.Equal(t, StatusPartial, first.Status)
		before := dump(t, mem, shared.CollectionGrades)

		e.WithClock(func() time.Time { return testNow.Add(time.Hour) })
		second := importCSV(t, e, 2025, threeRowCSV)
		assert.Equal(t, 0, second.Changed)
		assert.Equal(t, CreatedCounts{}, second.Created)
		assert.Equal(t, before, dump(t, mem, shared.CollectionGrades))

		clean := "rut,nota,fecha,curso\n11.111.111-1,6.5,2025-03-10,5to Básico\n"
		assert.Equal(t, StatusNoop, importCSV(t, e, 2025, clean).Status)
	})

	t.Run("Batch 3 Of 10 Fails", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		gradeCalls := 0
		mem.OnUpsert = func(_ int, collection string, _ []remote.Document) (int, error) {
			if collection != shared.CollectionGrades {
				return 0, nil
			}
			gradeCalls++
			if gradeCalls == 3 {
				return 0, errors.New("boom")
			}
			return 0, nil
		}
		e := newTestEngine(t, mem, shared.ReconcileConfig{BatchSize: 10})

		var b strings.Builder
		b.WriteString("rut,nota,fecha,curso\n")
		for i := 0; i < 100; i++ {
			fmt.Fprintf(&b, "%d-k,%d,2025-03-10,5to Básico\n", 10000000+i, i%100)
		}

		summary := importCSV(t, e, 2025, b.String())
		assert.Equal(t, 20, summary.Imported)
		assert.Equal(t, 70, summary.Skipped)
		assert.Equal(t, 10, summary.Failed)
		assert.Equal(t, 21, summary.FailedRows[0].Row)
		assert.Equal(t, 30, summary.FailedRows[9].Row)
		assert.Equal(t, "batch 3 failed: boom", summary.FailedRows[0].Reason)
		assert.Len(t, summary.Batches, 3)
		assert.Equal(t, StatusPartial, summary.Status)

		cached, err := e.Grades(2025, "")
		require.NoError(t, err)
		assert.Len(t, cached, 20)
		assert.ElementsMatch(t, gradeIDs(cached), keys(dump(t, mem, shared.CollectionGrades)))
	})

	t.Run("Unavailable Store Aborts", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		mem.OnUpsert = func(_ int, collection string, _ []remote.Document) (int, error) {
			if collection == shared.CollectionGrades {
				return 0, remote.ErrUnavailable
			}
			return 0, nil
		}
		e := newTestEngine(t, mem, shared.ReconcileConfig{})

		_, err := e.Import(context.Background(), ImportRequest{Year: 2025, Source: strings.NewReader(threeRowCSV)})
		assert.ErrorIs(t, err, remote.ErrUnavailable)
	})

	t.Run("Rejects Out Of Range Year", func(t *testing.T) {
		e := newTestEngine(t, remote.NewMemoryBackend(), shared.ReconcileConfig{})
		_, err := e.Import(context.Background(), ImportRequest{Year: 1999, Source: strings.NewReader(threeRowCSV)})
		assert.ErrorIs(t, err, ErrInvalidYear)
	})
}

func TestImportCancelled(t *testing.T) {
	const newCourseCSV = "rut,nota,fecha,curso\n44.444.444-4,6.0,2025-03-10,6to Básico\n"

	// cachedMatchesRemote checks the directory cache holds exactly what the store committed
	cachedMatchesRemote := func(t *testing.T, e *Engine, mem *remote.MemoryBackend) {
		t.Helper()
		courses, err := cache.Get[shared.Course](e.cache, shared.CollectionCourses, 2025)
		require.NoError(t, err)
		students, err := cache.Get[shared.Student](e.cache, shared.CollectionStudents, 2025)
		require.NoError(t, err)

		courseIDs := make([]string, len(courses))
		for i, c := range courses {
			courseIDs[i] = c.ID
		}
		studentIDs := make([]string, len(students))
		for i, s := range students {
			studentIDs[i] = s.ID
		}
		assert.ElementsMatch(t, keys(dump(t, mem, shared.CollectionCourses)), courseIDs)
		assert.ElementsMatch(t, keys(dump(t, mem, shared.CollectionStudents)), studentIDs)
	}

	t.Run("Before Any Write", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		importCSV(t, e, 2025, threeRowCSV)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		summary, err := e.Import(ctx, ImportRequest{Year: 2025, Source: strings.NewReader(newCourseCSV)})
		require.NoError(t, err)
		assert.True(t, summary.Cancelled)
		assert.Equal(t, StatusCancelled, summary.Status)
		assert.Equal(t, 0, summary.Imported)
		assert.Equal(t, 1, summary.Skipped)
		assert.Equal(t, 0, summary.Failed)

		assert.Equal(t, 1, mem.Len(shared.CollectionCourses))
		assert.Equal(t, 2, mem.Len(shared.CollectionStudents))
		cachedMatchesRemote(t, e, mem)
	})

	t.Run("After Courses Committed", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		importCSV(t, e, 2025, threeRowCSV)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mem.OnUpsert = func(_ int, collection string, _ []remote.Document) (int, error) {
			if collection == shared.CollectionCourses {
				cancel()
			}
			return 0, nil
		}

		summary, err := e.Import(ctx, ImportRequest{Year: 2025, Source: strings.NewReader(newCourseCSV)})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, summary.Status)
		assert.Equal(t, 2, mem.Len(shared.CollectionGrades))

		assert.Equal(t, 2, mem.Len(shared.CollectionCourses))
		assert.Equal(t, 2, mem.Len(shared.CollectionStudents))
		cachedMatchesRemote(t, e, mem)
	})

	t.Run("Before Any Grade Write", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		importCSV(t, e, 2025, threeRowCSV)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := "rut,nota,fecha,curso\n11.111.111-1,5.0,2025-03-11,5to Básico\n"
		summary, err := e.Import(ctx, ImportRequest{Year: 2025, Source: strings.NewReader(src)})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, summary.Status)
		assert.Equal(t, 0, summary.Failed)
		assert.Equal(t, 1, summary.Skipped)
		assert.Equal(t, 2, mem.Len(shared.CollectionGrades))
	})

	t.Run("Mid Grades Reports Partial", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{BatchSize: 1})
		importCSV(t, e, 2025, threeRowCSV)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mem.OnUpsert = func(_ int, collection string, _ []remote.Document) (int, error) {
			if collection == shared.CollectionGrades {
				cancel()
			}
			return 0, nil
		}

		src := "rut,nota,fecha,curso\n11.111.111-1,5.0,2025-03-11,5to Básico\n33.333.333-3,4.0,2025-03-11,5to Básico\n"
		summary, err := e.Import(ctx, ImportRequest{Year: 2025, Source: strings.NewReader(src)})
		require.NoError(t, err)
		assert.True(t, summary.Cancelled)
		assert.Equal(t, StatusPartial, summary.Status)
		assert.Equal(t, 1, summary.Imported)
		assert.Equal(t, 1, summary.Skipped)
	})
}

func keys(m map[string]bson.Raw) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	courseID := ident.CourseID(2025, "5to_basico")
	sectionID := ident.SectionID(courseID, "a")
	studentID := ident.StudentID("11.111.111-1")
	gradedAt := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	mem := remote.NewMemoryBackend()
	require.NoError(t, mem.Insert(shared.CollectionCourses,
		bson.M{"_id": courseID, "name": "5to Básico", "slug": "5to_basico", "year": 2025}))
	require.NoError(t, mem.Insert(shared.CollectionSections,
		bson.M{"_id": sectionID, "course_id": courseID, "name": "A", "slug": "a", "year": 2025}))
	require.NoError(t, mem.Insert(shared.CollectionStudents,
		bson.M{"_id": studentID, "code": "11111111-1", "display_name": "Ana Pérez", "year": 2025, "active": true, "active_course_refs": bson.A{}}))
	require.NoError(t, mem.Insert(shared.CollectionAssignments,
		bson.M{"_id": "as-1", "student_id": studentID, "course_id": courseID, "section_id": sectionID, "year": 2025, "created_at": gradedAt, "seq": int64(0)}))
	require.NoError(t, mem.Insert(shared.CollectionGrades,
		bson.M{"_id": "g-1", "student_id": studentID, "course_id": courseID, "section_id": sectionID, "score": 6.0,
			"graded_at": gradedAt, "type": "tarea", "year": 2025, "student_name": "stale"},
		bson.M{"_id": "legacy-1", "course_id": courseID, "studentId": studentID, "nota": "6,5", "fecha": "10-03-2025", "seccion": "a"},
		bson.M{"_id": "old-year", "student_id": studentID, "course_id": courseID, "score": 5.0, "graded_at": gradedAt, "year": 2024},
		bson.M{"_id": "broken", "student_id": studentID, "course_id": courseID},
	))

	e := newTestEngine(t, mem, shared.ReconcileConfig{})
	summary, err := e.Sync(ctx, 2025)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Counts[shared.CollectionGrades])
	assert.Equal(t, 1, summary.Counts[shared.CollectionStudents])
	assert.Equal(t, 1, summary.Normalized)
	assert.Equal(t, 1, summary.Rejected)

	grades, err := e.Grades(2025, courseID)
	require.NoError(t, err)
	require.Len(t, grades, 2)
	for _, g := range grades {
		assert.Equal(t, "Ana Pérez", g.StudentName, g.ID)
		assert.Equal(t, "5to Básico", g.CourseName, g.ID)
		assert.Equal(t, sectionID, g.SectionID, g.ID)
	}

	history, err := e.StudentAssignments(2025, studentID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sectionID, history[0].Current.SectionID)

	students, err := cache.Get[shared.Student](e.cache, shared.CollectionStudents, 2025)
	require.NoError(t, err)
	require.Len(t, students, 1)
	if diff := cmp.Diff([]shared.CourseSectionRef{{CourseID: courseID, SectionID: sectionID}}, students[0].ActiveCourseRefs); diff != "" {
		t.Errorf("active refs mismatch (-want +got):\n%s", diff)
	}

	active, ok, err := e.cache.ActiveNamespace()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2025, active)
}

func TestSyncLegacyCourseReferences(t *testing.T) {
	courseID := ident.CourseID(2025, "5to_basico")
	studentID := ident.StudentID("11.111.111-1")
	gradedAt := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	objectID := primitive.NewObjectID()

	mem := remote.NewMemoryBackend()
	require.NoError(t, mem.Insert(shared.CollectionCourses,
		bson.M{"_id": courseID, "name": "5to Básico", "slug": "5to_basico", "year": 2025}))
	require.NoError(t, mem.Insert(shared.CollectionStudents,
		bson.M{"_id": studentID, "code": "11111111-1", "display_name": "Ana Pérez", "year": 2025, "active": true, "active_course_refs": bson.A{}}))
	require.NoError(t, mem.Insert(shared.CollectionGrades,
		// sharded by slug
		bson.M{"_id": "by-slug", "student_id": studentID, "course_id": "5to_basico", "score": 6.0,
			"graded_at": gradedAt, "type": "tarea", "year": 2025},
		// course label only, no course_id at all
		bson.M{"_id": "by-label", "studentId": studentID, "course": "5to Básico", "nota": 5.5, "fecha": gradedAt.Add(24 * time.Hour)},
		// canonical, keyed by an ObjectID
		bson.M{"_id": objectID, "student_id": studentID, "course_id": courseID, "score": 4.0,
			"graded_at": gradedAt, "type": "tarea", "year": 2025},
		// another namespace under a slug shard is neither kept nor rejected
		bson.M{"_id": "other-year", "student_id": studentID, "course_id": "4to_basico", "score": 3.0,
			"graded_at": gradedAt, "type": "tarea", "year": 2024},
	))

	e := newTestEngine(t, mem, shared.ReconcileConfig{})
	summary, err := e.Sync(context.Background(), 2025)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Counts[shared.CollectionGrades])
	assert.Equal(t, 2, summary.Normalized)
	assert.Equal(t, 0, summary.Rejected)

	grades, err := e.Grades(2025, courseID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"by-slug", "by-label", objectID.Hex()}, gradeIDs(grades))
	for _, g := range grades {
		assert.Equal(t, courseID, g.CourseID, g.ID)
		assert.Equal(t, "5to Básico", g.CourseName, g.ID)
		assert.Equal(t, "Ana Pérez", g.StudentName, g.ID)
	}
}

func TestSwitchNamespace(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemoryBackend()
	e := newTestEngine(t, mem, shared.ReconcileConfig{})

	importCSV(t, e, 2024, "rut,nota,fecha,curso\n11.111.111-1,50,2024-04-01,4to Básico\n")
	cached, err := e.Grades(2024, "")
	require.NoError(t, err)
	require.Len(t, cached, 1)

	_, err = e.SwitchNamespace(ctx, 2025)
	require.NoError(t, err)

	stats, err := e.cache.Stats(2024)
	require.NoError(t, err)
	assert.Empty(t, stats)

	current, err := e.Grades(0, "")
	require.NoError(t, err)
	assert.Empty(t, current)
	assert.Equal(t, 1, mem.Len(shared.CollectionGrades))

	summary, err := e.SwitchNamespace(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts[shared.CollectionGrades])
	stats, err = e.cache.Stats(2025)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func seedSharded(t *testing.T, e *Engine, collection string, perCourse map[string]int) {
	t.Helper()
	for courseID, n := range perCourse {
		docs := make([]remote.Document, n)
		for i := range docs {
			id := fmt.Sprintf("%s-%s-%05d", collection, courseID, i)
			var body interface{} = shared.Grade{ID: id, CourseID: courseID, StudentID: "s", Score: 50, Type: shared.GradeTypeTarea, Year: 2025}
			if collection == shared.CollectionActivities {
				body = shared.Activity{ID: id, CourseID: courseID, Title: "Prueba", Type: shared.GradeTypePrueba, Year: 2025}
			}
			docs[i] = remote.Document{ID: id, Shard: courseID, Body: body}
		}
		_, err := e.remote.BulkWrite(context.Background(), courseID, collection, docs, nil)
		require.NoError(t, err)
	}
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	paged, unpaged := true, false

	t.Run("Requires Confirmation", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		seedSharded(t, e, shared.CollectionGrades, map[string]int{"c-a": 5})

		_, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ""})
		assert.ErrorIs(t, err, ErrConfirmationRequired)
		_, err = e.DeleteAll(ctx, DeleteRequest{Confirm: "yes"})
		assert.ErrorIs(t, err, ErrConfirmationRequired)
		assert.Equal(t, 5, mem.Len(shared.CollectionGrades))
	})

	t.Run("Paged Until Exhausted", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		seedSharded(t, e, shared.CollectionGrades, map[string]int{"c-a": 900, "c-b": 900, "c-c": 700})
		seedSharded(t, e, shared.CollectionActivities, map[string]int{"c-a": 20, "c-c": 10})

		var grades, activities int64
		var cursors []string
		cursor := ""
		for calls := 0; calls < 20; calls++ {
			res, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ConfirmToken, Paged: &paged, PageSize: 1000, Cursor: cursor})
			require.NoError(t, err)
			assert.True(t, res.Paged)
			grades += res.Deleted
			activities += res.ActivitiesDeleted
			if !res.More {
				assert.Equal(t, PhaseDone, res.Phase)
				break
			}
			cursor = res.NextCursor
			cursors = append(cursors, cursor)
		}

		assert.Equal(t, []string{"grades:c-a", "grades:c-b", "activities:"}, cursors)
		assert.Equal(t, int64(2500), grades)
		assert.Equal(t, int64(30), activities)
		assert.Equal(t, 0, mem.Len(shared.CollectionGrades))
		assert.Equal(t, 0, mem.Len(shared.CollectionActivities))
	})

	t.Run("Unpaged Runs To Completion", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		seedSharded(t, e, shared.CollectionGrades, map[string]int{"c-a": 1500, "c-b": 600})
		seedSharded(t, e, shared.CollectionActivities, map[string]int{"c-b": 3})

		res, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ConfirmToken, Paged: &unpaged})
		require.NoError(t, err)
		assert.False(t, res.More)
		assert.Equal(t, int64(2100), res.Deleted)
		assert.Equal(t, int64(3), res.ActivitiesDeleted)
		assert.Equal(t, 0, mem.Len(shared.CollectionGrades))
	})

	t.Run("Pages Automatically Above Threshold", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{PagedThreshold: 100})
		seedSharded(t, e, shared.CollectionGrades, map[string]int{"c-a": 150})

		res, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ConfirmToken, PageSize: 100})
		require.NoError(t, err)
		assert.True(t, res.Paged)
		assert.True(t, res.More)
		assert.Equal(t, int64(100), res.Deleted)
		assert.Equal(t, 50, mem.Len(shared.CollectionGrades))
	})

	t.Run("Stops When Nothing Is Deleted", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		seedSharded(t, e, shared.CollectionGrades, map[string]int{"c-a": 10})
		mem.DropDeletes = true

		_, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ConfirmToken, Paged: &unpaged})
		assert.ErrorIs(t, err, ErrNoProgress)
		assert.Equal(t, 10, mem.Len(shared.CollectionGrades))
	})

	t.Run("Reaches Grades Without A Course Shard", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		seedSharded(t, e, shared.CollectionGrades, map[string]int{"c-a": 3})
		require.NoError(t, mem.Insert(shared.CollectionGrades,
			bson.M{"_id": "legacy-label", "course": "5to Básico", "nota": 6.0},
			bson.M{"_id": "legacy-empty", "course_id": "", "nota": 5.0},
			bson.M{"_id": primitive.NewObjectID(), "course_id": int32(5), "nota": 4.0},
		))

		var deleted int64
		var cursors []string
		cursor := ""
		for calls := 0; calls < 10; calls++ {
			res, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ConfirmToken, Paged: &paged, PageSize: 4, Cursor: cursor})
			require.NoError(t, err)
			deleted += res.Deleted
			if !res.More {
				break
			}
			cursor = res.NextCursor
			cursors = append(cursors, cursor)
		}
		assert.Equal(t, []string{"grades:" + remote.UnshardedCursor, "activities:"}, cursors)
		assert.Equal(t, int64(6), deleted)
		assert.Equal(t, 0, mem.Len(shared.CollectionGrades))

		counters, err := e.Counters(ctx, 2025)
		require.NoError(t, err)
		assert.Equal(t, int64(0), counters.TotalGrades)

		res, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ConfirmToken, Paged: &unpaged})
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.Deleted)
		assert.Equal(t, PhaseDone, res.Phase)
	})

	t.Run("Rejects Foreign Cursor", func(t *testing.T) {
		e := newTestEngine(t, remote.NewMemoryBackend(), shared.ReconcileConfig{})
		for _, cursor := range []string{"c-a", "students:c-a"} {
			_, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ConfirmToken, Cursor: cursor})
			assert.ErrorIs(t, err, ErrInvalidCursor, cursor)
		}
	})

	t.Run("Invalidates Cached Grades", func(t *testing.T) {
		mem := remote.NewMemoryBackend()
		e := newTestEngine(t, mem, shared.ReconcileConfig{})
		importCSV(t, e, 2025, threeRowCSV)

		_, err := e.DeleteAll(ctx, DeleteRequest{Confirm: ConfirmToken})
		require.NoError(t, err)

		cached, err := e.Grades(2025, "")
		require.NoError(t, err)
		assert.Empty(t, cached)
	})
}

func TestCounters(t *testing.T) {
	ctx := context.Background()

	mem := remote.NewMemoryBackend()
	e := newTestEngine(t, mem, shared.ReconcileConfig{})
	importCSV(t, e, 2025, threeRowCSV)
	require.NoError(t, mem.Insert(shared.CollectionGrades,
		bson.M{"_id": "old", "student_id": "s", "course_id": "c-old", "score": 1.0, "year": 2024}))

	counters, err := e.Counters(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, &GradeCounters{
		TotalGrades: 3,
		Year:        2025,
		YearCount:   2,
		Method:      remote.MethodFieldFilter,
		TotalMethod: remote.MethodFieldFilter,
	}, counters)

	mem.CountErr = errors.New("index missing")
	counters, err = e.Counters(ctx, 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters.YearCount)
	assert.Equal(t, int64(3), counters.TotalGrades)
	assert.Equal(t, remote.MethodSnapshot, counters.Method)
}

func TestAssign(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemoryBackend()
	e := newTestEngine(t, mem, shared.ReconcileConfig{})

	summary := importCSV(t, e, 2025, "rut,nota,fecha,curso,seccion\n"+
		"11.111.111-1,60,2025-03-10,5to Básico,A\n"+
		"22.222.222-2,70,2025-03-10,5to Básico,B\n")
	require.Equal(t, StatusOK, summary.Status)
	assert.Equal(t, 2, summary.Created.Sections)
	assert.Equal(t, 2, summary.Created.Assignments)

	courseID := ident.CourseID(2025, ident.Slugify("5to Básico"))
	sectionA := ident.SectionID(courseID, "a")
	sectionB := ident.SectionID(courseID, "b")
	studentID := ident.StudentID("11.111.111-1")

	moved, err := e.Assign(ctx, 2025, studentID, courseID, sectionB)
	require.NoError(t, err)
	assert.True(t, moved.Changed)
	require.Len(t, moved.History, 1)
	assert.Equal(t, sectionA, moved.History[0].SectionID)
	assert.Equal(t, []shared.CourseSectionRef{{CourseID: courseID, SectionID: sectionB}}, moved.Student.ActiveCourseRefs)
	assert.Equal(t, 3, mem.Len(shared.CollectionAssignments))

	again, err := e.Assign(ctx, 2025, studentID, courseID, sectionB)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, 3, mem.Len(shared.CollectionAssignments))

	back, err := e.Assign(ctx, 2025, studentID, courseID, sectionA)
	require.NoError(t, err)
	assert.True(t, back.Changed)
	assert.Len(t, back.History, 2)

	history, err := e.StudentAssignments(2025, studentID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sectionA, history[0].Current.SectionID)
	assert.Len(t, history[0].History, 2)

	_, err = e.Assign(ctx, 2025, studentID, ident.CourseID(2025, "missing"), sectionA)
	assert.ErrorIs(t, err, ident.ErrUnknownIdentifier)
	_, err = e.StudentAssignments(2025, ident.StudentID("99"))
	assert.ErrorIs(t, err, ident.ErrUnknownIdentifier)
}
