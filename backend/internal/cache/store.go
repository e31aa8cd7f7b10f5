// ============================================================================
// backend/internal/cache/store.go
// Namespaced local cache backed by a bbolt file
// ============================================================================

package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"gradesync/backend/internal/shared"
)

// ErrQuotaExceeded is returned when a collection would exceed the per-collection entry limit
var ErrQuotaExceeded = errors.New("cache quota exceeded")

var metaBucket = []byte("_meta")

const activeKey = "active_namespace"

// Store keeps one bucket per "{collection}-{year}" key. Values are JSON
// documents stored under sequence keys, so Get returns items in the order
// they were Set.
type Store struct {
	db         *bbolt.DB
	maxEntries int
	log        *zap.Logger
}

// Open opens (or creates) the cache file
func Open(config shared.CacheConfig, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", config.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	log.Info("Cache ready", zap.String("path", config.Path), zap.Int("max_entries", config.MaxEntries))
	return &Store{db: db, maxEntries: config.MaxEntries, log: log}, nil
}

// Close releases the cache file
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns every item of a collection in a namespace. An absent
// collection yields an empty slice, never an error.
func Get[T any](s *Store, collection string, year int) ([]T, error) {
	out := []T{}
	key := shared.NamespaceKey(collection, year)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode %s/%s: %w", key, k, err)
			}
			out = append(out, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set replaces a collection in a namespace. The bucket is dropped and
// rebuilt in one transaction, so readers see either the old or the new
// list. Separate Set calls are independent of each other.
func Set[T any](s *Store, collection string, year int, items []T) error {
	if s.maxEntries > 0 && len(items) > s.maxEntries {
		return fmt.Errorf("%w: %s has %d items, limit %d", ErrQuotaExceeded, shared.NamespaceKey(collection, year), len(items), s.maxEntries)
	}

	key := []byte(shared.NamespaceKey(collection, year))
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(key); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(key)
		if err != nil {
			return err
		}
		b.FillPercent = 0.9
		for i, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(i), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Invalidate drops every collection of one namespace and leaves the others alone
func (s *Store) Invalidate(year int) (int, error) {
	dropped := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if namespaceYear(string(name)) == year {
				names = append(names, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			dropped++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate namespace %d: %w", year, err)
	}

	s.log.Info("Cache namespace invalidated", zap.Int("year", year), zap.Int("collections", dropped))
	return dropped, nil
}

// InvalidateCollection drops one collection across every namespace
func (s *Store) InvalidateCollection(collection string) (int, error) {
	prefix := collection + "-"
	dropped := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if strings.HasPrefix(string(name), prefix) && namespaceYear(string(name)) != 0 {
				names = append(names, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			dropped++
		}
		return nil
	})
	return dropped, err
}

// Namespaces lists every cached "{collection}-{year}" key
func (s *Store) Namespaces() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !strings.HasPrefix(string(name), "_") {
				keys = append(keys, string(name))
			}
			return nil
		})
	})
	sort.Strings(keys)
	return keys, err
}

// Stats returns the number of cached items per collection of a namespace
func (s *Store) Stats(year int) (map[string]int, error) {
	stats := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			key := string(name)
			if namespaceYear(key) != year {
				return nil
			}
			stats[key[:strings.LastIndex(key, "-")]] = b.Stats().KeyN
			return nil
		})
	})
	return stats, err
}

// ActiveNamespace returns the last namespace recorded with SetActiveNamespace
func (s *Store) ActiveNamespace() (int, bool, error) {
	var year int
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucket).Get([]byte(activeKey))
		if v == nil {
			return nil
		}
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return err
		}
		year, found = n, true
		return nil
	})
	return year, found, err
}

// SetActiveNamespace records the namespace the cache currently mirrors
func (s *Store) SetActiveNamespace(year int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if err := meta.Put([]byte(activeKey), []byte(strconv.Itoa(year))); err != nil {
			return err
		}
		return meta.Put([]byte("switched_at"), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// ============================================================================
// Helper Functions
// ============================================================================

func seqKey(i int) []byte {
	return []byte(fmt.Sprintf("%09d", i))
}

// namespaceYear extracts the year of a namespace key, 0 when it has none
func namespaceYear(key string) int {
	i := strings.LastIndex(key, "-")
	if i <= 0 {
		return 0
	}
	year, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return 0
	}
	return year
}
