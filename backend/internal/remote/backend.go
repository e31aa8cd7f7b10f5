package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"gradesync/backend/internal/shared"
)

// Document is one record to upsert. ID is the deterministic document ID and
// Shard the course it is stored under ("" for directory collections).
type Document struct {
	ID    string
	Shard string
	Body  interface{}
}

// Docs wraps typed records as Documents
func Docs[T any](items []T, id func(T) string, shard func(T) string) []Document {
	out := make([]Document, len(items))
	for i, item := range items {
		out[i] = Document{ID: id(item), Body: item}
		if shard != nil {
			out[i].Shard = shard(item)
		}
	}
	return out
}

// Filter selects documents by shard and namespace. Zero values match everything.
// Unsharded selects the documents no shard holds: those whose course_id is
// missing, empty or not a string.
type Filter struct {
	Shard     string
	Year      int
	Unsharded bool
}

func (f Filter) bson() bson.M {
	m := bson.M{}
	switch {
	case f.Shard != "":
		m["course_id"] = f.Shard
	case f.Unsharded:
		m["$or"] = bson.A{
			bson.M{"course_id": bson.M{"$not": bson.M{"$type": "string"}}},
			bson.M{"course_id": ""},
		}
	}
	if f.Year != 0 {
		m["year"] = f.Year
	}
	return m
}

// matches evaluates the filter client side against a raw document
func (f Filter) matches(doc bson.Raw) bool {
	shard, ok := doc.Lookup("course_id").StringValueOK()
	switch {
	case f.Shard != "":
		if !ok || shard != f.Shard {
			return false
		}
	case f.Unsharded:
		if ok && shard != "" {
			return false
		}
	}
	if f.Year != 0 {
		var m bson.M
		if err := bson.Unmarshal(doc, &m); err != nil {
			return false
		}
		year, err := shared.GetInt64(m["year"])
		if err != nil || int(year) != f.Year {
			return false
		}
	}
	return true
}

// Backend is the storage primitive behind the Adapter. Every method is a
// single round trip; batching, retries and fallbacks live in the Adapter.
type Backend interface {
	// UpsertBatch writes docs in order and returns how many were committed
	// before the first failure.
	UpsertBatch(ctx context.Context, collection string, docs []Document) (int, error)

	// CountDocuments is the server-side aggregate count
	CountDocuments(ctx context.Context, collection string, filter Filter) (int64, error)

	// Find returns up to limit documents whose _id sorts after the given
	// one (from the start when after is the zero value), ordered by _id
	Find(ctx context.Context, collection string, filter Filter, after bson.RawValue, limit int) ([]bson.Raw, error)

	// DeleteByIDs removes the listed documents
	DeleteByIDs(ctx context.Context, collection string, ids []bson.RawValue) (int64, error)

	// Shards lists the distinct non-empty string course IDs of a collection, sorted
	Shards(ctx context.Context, collection string) ([]string, error)

	Close(ctx context.Context) error
}

// ============================================================================
// In-Memory Backend
// ============================================================================

// MemoryBackend keeps documents in process. It backs dry runs and tests;
// the hooks inject failures.
type MemoryBackend struct {
	mu    sync.Mutex
	colls map[string]map[string]bson.Raw

	upserts int

	// OnUpsert runs before the n-th (1-based) UpsertBatch call. Returning an
	// error commits the first `commit` documents and fails the call.
	OnUpsert func(call int, collection string, docs []Document) (commit int, err error)

	// CountErr fails server-side counts, FindErr fails finds filtered by
	// year and ShardFindErr fails finds filtered by shard.
	CountErr     error
	FindErr      error
	ShardFindErr error

	// DropDeletes makes DeleteByIDs report success without deleting
	DropDeletes bool
}

// NewMemoryBackend returns an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{colls: make(map[string]map[string]bson.Raw)}
}

func (m *MemoryBackend) UpsertBatch(ctx context.Context, collection string, docs []Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upserts++
	limit, failure := len(docs), error(nil)
	if m.OnUpsert != nil {
		if commit, err := m.OnUpsert(m.upserts, collection, docs); err != nil {
			limit, failure = min(commit, len(docs)), err
		}
	}

	coll := m.collection(collection)
	for _, d := range docs[:limit] {
		raw, err := bson.Marshal(d.Body)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", d.ID, err)
		}
		coll[idKey(stringID(d.ID))] = raw
	}
	return limit, failure
}

func (m *MemoryBackend) CountDocuments(ctx context.Context, collection string, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CountErr != nil {
		return 0, m.CountErr
	}
	var n int64
	for _, doc := range m.colls[collection] {
		if filter.matches(doc) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Find(ctx context.Context, collection string, filter Filter, after bson.RawValue, limit int) ([]bson.Raw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FindErr != nil && filter.Year != 0 {
		return nil, m.FindErr
	}
	if m.ShardFindErr != nil && filter.Shard != "" {
		return nil, m.ShardFindErr
	}

	docs := make([]bson.Raw, 0, len(m.colls[collection]))
	for _, doc := range m.colls[collection] {
		if after.Type == 0 || compareIDs(doc.Lookup("_id"), after) > 0 {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		return compareIDs(docs[i].Lookup("_id"), docs[j].Lookup("_id")) < 0
	})

	var out []bson.Raw
	for _, doc := range docs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if filter.matches(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *MemoryBackend) DeleteByIDs(ctx context.Context, collection string, ids []bson.RawValue) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DropDeletes {
		return int64(len(ids)), nil
	}
	var n int64
	coll := m.colls[collection]
	for _, id := range ids {
		if _, ok := coll[idKey(id)]; ok {
			delete(coll, idKey(id))
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Shards(ctx context.Context, collection string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for _, doc := range m.colls[collection] {
		if shard, ok := doc.Lookup("course_id").StringValueOK(); ok && shard != "" {
			seen[shard] = true
		}
	}
	shards := make([]string, 0, len(seen))
	for s := range seen {
		shards = append(shards, s)
	}
	sort.Strings(shards)
	return shards, nil
}

func (m *MemoryBackend) Close(ctx context.Context) error { return nil }

// Len returns the number of documents in a collection
func (m *MemoryBackend) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.colls[collection])
}

// Insert stores raw documents directly, bypassing batching. Tests use it to
// seed legacy shapes, including non-string _ids.
func (m *MemoryBackend) Insert(collection string, docs ...bson.M) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(collection)
	for _, doc := range docs {
		if doc["_id"] == nil {
			return fmt.Errorf("document without _id in %s", collection)
		}
		raw, err := bson.Marshal(doc)
		if err != nil {
			return err
		}
		coll[idKey(bson.Raw(raw).Lookup("_id"))] = raw
	}
	return nil
}

func (m *MemoryBackend) collection(name string) map[string]bson.Raw {
	coll, ok := m.colls[name]
	if !ok {
		coll = make(map[string]bson.Raw)
		m.colls[name] = coll
	}
	return coll
}
