package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"gradesync/backend/internal/shared"
)

func testConfig(batchSize int) shared.ReconcileConfig {
	return shared.ReconcileConfig{BatchSize: batchSize, MaxRetries: 3}
}

func gradeDocs(courseID string, year, n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		g := shared.Grade{
			ID:        fmt.Sprintf("%s-g%04d", courseID, i),
			CourseID:  courseID,
			StudentID: fmt.Sprintf("s%04d", i),
			Score:     float64(i % 100),
			Type:      shared.GradeTypeTarea,
			Year:      year,
		}
		docs[i] = Document{ID: g.ID, Shard: courseID, Body: g}
	}
	return docs
}

func TestBulkWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("All Batches Commit In Order", func(t *testing.T) {
		mem := NewMemoryBackend()
		a := NewAdapter(mem, testConfig(10), zap.NewNop())

		var sizes []int
		res, err := a.BulkWrite(ctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 25), func(o BatchOutcome, committed []Document) {
			sizes = append(sizes, len(committed))
		})
		require.NoError(t, err)
		assert.Equal(t, 25, res.Written)
		assert.Equal(t, 0, res.Failed)
		assert.Equal(t, []int{10, 10, 5}, sizes)
		assert.Equal(t, 25, mem.Len(shared.CollectionGrades))
	})

	t.Run("Batch 3 Of 10 Fails", func(t *testing.T) {
		mem := NewMemoryBackend()
		mem.OnUpsert = func(call int, _ string, _ []Document) (int, error) {
			if call == 3 {
				return 0, errors.New("write rejected")
			}
			return 0, nil
		}
		a := NewAdapter(mem, testConfig(10), zap.NewNop())

		var committed []Document
		docs := gradeDocs("c1", 2025, 100)
		res, err := a.BulkWrite(ctx, "c1", shared.CollectionGrades, docs, func(_ BatchOutcome, c []Document) {
			committed = append(committed, c...)
		})

		var pbf *PartialBatchFailure
		require.ErrorAs(t, err, &pbf)
		assert.Equal(t, 2, pbf.Batch)
		assert.Equal(t, 20, pbf.Committed)
		assert.Equal(t, 80, pbf.Failed)
		assert.Equal(t, 20, res.Written)
		assert.Len(t, res.Batches, 3)
		assert.Equal(t, docs[:20], committed)
		assert.Equal(t, 20, mem.Len(shared.CollectionGrades))
	})

	t.Run("Partial Commit Inside A Batch", func(t *testing.T) {
		mem := NewMemoryBackend()
		mem.OnUpsert = func(call int, _ string, _ []Document) (int, error) {
			if call == 2 {
				return 4, errors.New("duplicate key")
			}
			return 0, nil
		}
		a := NewAdapter(mem, testConfig(10), zap.NewNop())

		res, err := a.BulkWrite(ctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 30), nil)
		var pbf *PartialBatchFailure
		require.ErrorAs(t, err, &pbf)
		assert.Equal(t, 14, res.Written)
		assert.Equal(t, 14, mem.Len(shared.CollectionGrades))
	})

	t.Run("Quota Rejection Retries Smaller", func(t *testing.T) {
		mem := NewMemoryBackend()
		var sizes []int
		mem.OnUpsert = func(call int, _ string, docs []Document) (int, error) {
			sizes = append(sizes, len(docs))
			if len(docs) > 3 {
				return 0, &QuotaOrTimeoutError{Err: errors.New("too large")}
			}
			return 0, nil
		}
		a := NewAdapter(mem, testConfig(10), zap.NewNop())

		res, err := a.BulkWrite(ctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 10), nil)
		require.NoError(t, err)
		assert.Equal(t, 10, res.Written)
		assert.Equal(t, 2, res.Batches[0].Retries)
		assert.Equal(t, []int{10, 5, 2, 2, 2, 2, 2}, sizes)
	})

	t.Run("Quota Retries Exhausted", func(t *testing.T) {
		mem := NewMemoryBackend()
		mem.OnUpsert = func(int, string, []Document) (int, error) {
			return 0, &QuotaOrTimeoutError{Err: errors.New("timeout")}
		}
		a := NewAdapter(mem, testConfig(8), zap.NewNop())

		_, err := a.BulkWrite(ctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 8), nil)
		var pbf *PartialBatchFailure
		require.ErrorAs(t, err, &pbf)
		var quota *QuotaOrTimeoutError
		assert.ErrorAs(t, err, &quota)
		assert.Equal(t, 0, pbf.Committed)
	})

	t.Run("Unavailable Is Fatal", func(t *testing.T) {
		mem := NewMemoryBackend()
		mem.OnUpsert = func(call int, _ string, _ []Document) (int, error) {
			return 0, fmt.Errorf("%w: connection reset", ErrUnavailable)
		}
		a := NewAdapter(mem, testConfig(10), zap.NewNop())

		res, err := a.BulkWrite(ctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 30), nil)
		assert.ErrorIs(t, err, ErrUnavailable)
		var pbf *PartialBatchFailure
		assert.False(t, errors.As(err, &pbf))
		assert.Len(t, res.Batches, 1)
	})

	t.Run("Cancellation Between Batches Is Exact", func(t *testing.T) {
		mem := NewMemoryBackend()
		a := NewAdapter(mem, testConfig(10), zap.NewNop())

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		res, err := a.BulkWrite(cctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 50), func(o BatchOutcome, _ []Document) {
			if o.Index == 1 {
				cancel()
			}
		})
		require.NoError(t, err)
		assert.True(t, res.Cancelled)
		assert.Equal(t, 20, res.Written)
		assert.Equal(t, 20, mem.Len(shared.CollectionGrades))
	})

	t.Run("Batch Size Clamped To Platform Ceiling", func(t *testing.T) {
		a := NewAdapter(NewMemoryBackend(), testConfig(5000), zap.NewNop())
		res, err := a.BulkWrite(ctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 1200), nil)
		require.NoError(t, err)
		require.Len(t, res.Batches, 3)
		assert.Equal(t, shared.MaxBatchSize, res.Batches[0].Size)
	})
}

func TestCount(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T) *MemoryBackend {
		mem := NewMemoryBackend()
		a := NewAdapter(mem, testConfig(100), zap.NewNop())
		for _, c := range []string{"c1", "c2", "c3"} {
			_, err := a.BulkWrite(ctx, c, shared.CollectionGrades, gradeDocs(c, 2025, 7), nil)
			require.NoError(t, err)
			_, err = a.BulkWrite(ctx, c, shared.CollectionGrades, gradeDocs(c+"-old", 2024, 3), nil)
			require.NoError(t, err)
		}
		return mem
	}

	t.Run("Field Filter", func(t *testing.T) {
		a := NewAdapter(seed(t), testConfig(100), zap.NewNop())
		res, err := a.Count(ctx, shared.CollectionGrades, Filter{Year: 2025})
		require.NoError(t, err)
		assert.Equal(t, CountResult{Count: 21, Method: MethodFieldFilter}, res)
	})

	t.Run("Snapshot Fallback", func(t *testing.T) {
		mem := seed(t)
		mem.CountErr = errors.New("index not found")
		a := NewAdapter(mem, testConfig(100), zap.NewNop())

		res, err := a.Count(ctx, shared.CollectionGrades, Filter{Year: 2025})
		require.NoError(t, err)
		assert.Equal(t, int64(21), res.Count)
		assert.Equal(t, MethodSnapshot, res.Method)
	})

	t.Run("Courses Scan Fallback", func(t *testing.T) {
		mem := seed(t)
		mem.CountErr = errors.New("index not found")
		mem.FindErr = errors.New("query needs an index")
		a := NewAdapter(mem, testConfig(100), zap.NewNop())

		res, err := a.Count(ctx, shared.CollectionGrades, Filter{Year: 2024})
		require.NoError(t, err)
		assert.Equal(t, CountResult{Count: 9, Method: MethodCoursesScan}, res)
	})

	t.Run("All Tiers Fail", func(t *testing.T) {
		mem := seed(t)
		mem.CountErr = errors.New("a")
		mem.FindErr = errors.New("b")
		mem.ShardFindErr = errors.New("c")
		a := NewAdapter(mem, testConfig(100), zap.NewNop())

		_, err := a.Count(ctx, shared.CollectionGrades, Filter{Year: 2025})
		assert.Error(t, err)
	})
}

func TestAdapterKeepsBackendPrivate(t *testing.T) {
	var a interface{} = NewAdapter(NewMemoryBackend(), testConfig(10), zap.NewNop())
	_, exposed := a.(interface{ Backend() Backend })
	assert.False(t, exposed, "callers must go through the adapter operations")
}

// legacyUnsharded returns grades stored without a usable string course_id
func legacyUnsharded() []bson.M {
	return []bson.M{
		{"_id": "legacy-label", "course": "5to Básico", "nota": 6.0},
		{"_id": primitive.NewObjectID(), "course_id": "", "nota": 5.0},
		{"_id": int64(7), "course_id": int32(3), "nota": 4.0},
	}
}

func TestScan(t *testing.T) {
	ctx := context.Background()

	mem := NewMemoryBackend()
	a := NewAdapter(mem, testConfig(500), zap.NewNop())
	_, err := a.BulkWrite(ctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 1200), nil)
	require.NoError(t, err)

	objectIDs := []primitive.ObjectID{primitive.NewObjectID(), primitive.NewObjectID(), primitive.NewObjectID()}
	for _, id := range objectIDs {
		require.NoError(t, mem.Insert(shared.CollectionGrades, bson.M{"_id": id, "course_id": "c1", "year": 2025}))
	}
	require.NoError(t, mem.Insert(shared.CollectionGrades, bson.M{"_id": int64(42), "course_id": "c1", "year": 2025}))

	t.Run("Pages Across ID Types", func(t *testing.T) {
		seen := make(map[string]int)
		err := a.Scan(ctx, shared.CollectionGrades, Filter{Shard: "c1"}, func(doc bson.Raw) error {
			seen[idKey(doc.Lookup("_id"))]++
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 1204)
		for key, n := range seen {
			assert.Equal(t, 1, n, "visited twice: %q", key)
		}
		for _, id := range objectIDs {
			raw, err := bson.Marshal(bson.M{"_id": id})
			require.NoError(t, err)
			assert.Contains(t, seen, idKey(bson.Raw(raw).Lookup("_id")))
		}
	})

	t.Run("Snapshot Count Includes Every ID Type", func(t *testing.T) {
		counting := NewMemoryBackend()
		c := NewAdapter(counting, testConfig(500), zap.NewNop())
		_, err := c.BulkWrite(ctx, "c1", shared.CollectionGrades, gradeDocs("c1", 2025, 1001), nil)
		require.NoError(t, err)
		require.NoError(t, counting.Insert(shared.CollectionGrades, bson.M{"_id": primitive.NewObjectID(), "course_id": "c1", "year": 2025}))
		counting.CountErr = errors.New("index not found")

		res, err := c.Count(ctx, shared.CollectionGrades, Filter{Year: 2025})
		require.NoError(t, err)
		assert.Equal(t, CountResult{Count: 1002, Method: MethodSnapshot}, res)
	})

	t.Run("Delete Removes Non String IDs", func(t *testing.T) {
		res, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(1204), res.Deleted)
		assert.Equal(t, 0, mem.Len(shared.CollectionGrades))
	})
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T, perShard map[string]int) *MemoryBackend {
		mem := NewMemoryBackend()
		a := NewAdapter(mem, testConfig(500), zap.NewNop())
		for c, n := range perShard {
			_, err := a.BulkWrite(ctx, c, shared.CollectionGrades, gradeDocs(c, 2025, n), nil)
			require.NoError(t, err)
		}
		return mem
	}

	t.Run("Paged Until Exhausted", func(t *testing.T) {
		mem := seed(t, map[string]int{"c1": 1500, "c2": 10, "c3": 2500, "c4": 0, "c5": 999})
		a := NewAdapter(mem, testConfig(500), zap.NewNop())

		var total int64
		cursor := ""
		for calls := 0; ; calls++ {
			require.Less(t, calls, 20, "pagination did not terminate")
			res, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{Paged: true, PageSize: 1000, Cursor: cursor})
			require.NoError(t, err)
			assert.LessOrEqual(t, res.Deleted, int64(1000))
			total += res.Deleted
			if !res.More {
				break
			}
			cursor = res.NextCursor
		}
		assert.Equal(t, int64(5009), total)
		assert.Equal(t, 0, mem.Len(shared.CollectionGrades))
	})

	t.Run("Cursor Names Last Finished Shard", func(t *testing.T) {
		mem := seed(t, map[string]int{"c1": 5, "c2": 5, "c3": 5})
		a := NewAdapter(mem, testConfig(500), zap.NewNop())

		res, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{Paged: true, PageSize: 7})
		require.NoError(t, err)
		assert.Equal(t, int64(7), res.Deleted)
		assert.True(t, res.More)
		assert.Equal(t, "c1", res.NextCursor)
	})

	t.Run("Unpaged Loops Internally", func(t *testing.T) {
		mem := seed(t, map[string]int{"c1": 2100, "c2": 300})
		a := NewAdapter(mem, testConfig(500), zap.NewNop())

		res, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{PageSize: 5000})
		require.NoError(t, err)
		assert.Equal(t, int64(2400), res.Deleted)
		assert.False(t, res.More)
		assert.Equal(t, 0, mem.Len(shared.CollectionGrades))
	})

	t.Run("Year Filter Leaves Other Years", func(t *testing.T) {
		mem := seed(t, map[string]int{"c1": 10})
		require.NoError(t, mem.Insert(shared.CollectionGrades, bson.M{"_id": "keep", "course_id": "c1", "year": 2024}))
		a := NewAdapter(mem, testConfig(500), zap.NewNop())

		res, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{Filter: Filter{Year: 2025}})
		require.NoError(t, err)
		assert.Equal(t, int64(10), res.Deleted)
		assert.Equal(t, 1, mem.Len(shared.CollectionGrades))
	})

	t.Run("Documents Without A Course Shard Go Last", func(t *testing.T) {
		mem := seed(t, map[string]int{"c1": 2})
		require.NoError(t, mem.Insert(shared.CollectionGrades, legacyUnsharded()...))
		a := NewAdapter(mem, testConfig(500), zap.NewNop())

		res, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{Paged: true, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(5), res.Deleted)
		assert.False(t, res.More)
		assert.Empty(t, res.NextCursor)
		assert.Equal(t, 0, mem.Len(shared.CollectionGrades))
	})

	t.Run("Unsharded Step Resumes From Its Cursor", func(t *testing.T) {
		mem := seed(t, map[string]int{"c1": 2})
		require.NoError(t, mem.Insert(shared.CollectionGrades, legacyUnsharded()...))
		a := NewAdapter(mem, testConfig(500), zap.NewNop())

		first, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{Paged: true, PageSize: 3})
		require.NoError(t, err)
		assert.Equal(t, int64(3), first.Deleted)
		assert.True(t, first.More)
		assert.Equal(t, UnshardedCursor, first.NextCursor)

		second, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{Paged: true, PageSize: 3, Cursor: first.NextCursor})
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Deleted)
		assert.False(t, second.More)
		assert.Equal(t, 0, mem.Len(shared.CollectionGrades))
	})

	t.Run("Shard Filter Leaves Unsharded Documents", func(t *testing.T) {
		mem := seed(t, map[string]int{"c1": 2, "c2": 4})
		require.NoError(t, mem.Insert(shared.CollectionGrades, legacyUnsharded()...))
		a := NewAdapter(mem, testConfig(500), zap.NewNop())

		res, err := a.DeleteAll(ctx, shared.CollectionGrades, DeleteOptions{Filter: Filter{Shard: "c1"}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Deleted)
		assert.Equal(t, 7, mem.Len(shared.CollectionGrades))
	})

	t.Run("Page Size Clamped", func(t *testing.T) {
		assert.Equal(t, 1000, ClampPageSize(0))
		assert.Equal(t, 2000, ClampPageSize(50000))
		assert.Equal(t, 10, ClampPageSize(10))
	})
}

func TestResolveCredentials(t *testing.T) {
	env := func(m map[string]string) LookupFunc {
		return func(k string) (string, bool) {
			v, ok := m[k]
			return v, ok
		}
	}

	dir := t.TempDir()
	prev := LocalCredentialsFile
	LocalCredentialsFile = filepath.Join(dir, "credentials.json")
	t.Cleanup(func() { LocalCredentialsFile = prev })

	filePath := filepath.Join(dir, "svc.json")
	require.NoError(t, os.WriteFile(filePath, []byte(`{"uri":"mongodb://file","database":"fromfile"}`), 0600))

	t.Run("Inline JSON Wins", func(t *testing.T) {
		creds, source, err := ResolveCredentials(env(map[string]string{
			SourceInlineJSON: `{"uri":"mongodb://inline"}`,
			SourceFileEnv:    filePath,
			SourceAmbient:    "mongodb://ambient",
		}))
		require.NoError(t, err)
		assert.Equal(t, SourceInlineJSON, source)
		assert.Equal(t, "mongodb://inline", creds.URI)
	})

	t.Run("File Path Next", func(t *testing.T) {
		creds, source, err := ResolveCredentials(env(map[string]string{
			SourceFileEnv: filePath,
			SourceAmbient: "mongodb://ambient",
		}))
		require.NoError(t, err)
		assert.Equal(t, SourceFileEnv, source)
		assert.Equal(t, Credentials{URI: "mongodb://file", Database: "fromfile"}, creds)
	})

	t.Run("Ambient Last", func(t *testing.T) {
		creds, source, err := ResolveCredentials(env(map[string]string{SourceAmbient: "mongodb://ambient"}))
		require.NoError(t, err)
		assert.Equal(t, SourceAmbient, source)
		assert.Equal(t, "mongodb://ambient", creds.URI)
	})

	t.Run("Known Local File Before Ambient", func(t *testing.T) {
		require.NoError(t, os.WriteFile(LocalCredentialsFile, []byte(`{"uri":"mongodb://local"}`), 0600))
		defer os.Remove(LocalCredentialsFile)

		creds, source, err := ResolveCredentials(env(map[string]string{SourceAmbient: "mongodb://ambient"}))
		require.NoError(t, err)
		assert.Equal(t, SourceLocalFile, source)
		assert.Equal(t, "mongodb://local", creds.URI)
	})

	t.Run("Broken Source Does Not Fall Through", func(t *testing.T) {
		_, _, err := ResolveCredentials(env(map[string]string{
			SourceInlineJSON: `{not json`,
			SourceAmbient:    "mongodb://ambient",
		}))
		assert.Error(t, err)
	})

	t.Run("Nothing Resolves", func(t *testing.T) {
		_, _, err := ResolveCredentials(env(nil))
		var credErr *CredentialError
		require.ErrorAs(t, err, &credErr)
		assert.Len(t, credErr.Tried, 4)
	})
}
