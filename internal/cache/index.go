package cache

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"
)

const entryVersion = 1

// DefaultSize is the number of entries kept in memory when no size is given.
const DefaultSize = 4096

// Entry records the result of one build step.
type Entry struct {
	Version     int                 `json:"version"`
	Key         digest.Digest       `json:"key"`
	Parent      digest.Digest       `json:"parent,omitempty"`
	Instruction string              `json:"instruction"`
	Layer       *ocispec.Descriptor `json:"layer,omitempty"` // nil for config-only steps
	Created     time.Time           `json:"created"`
}

// Stats reports cache activity since the index was opened.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Options configures an Index.
type Options struct {
	// Size is the number of entries held in memory.
	Size int
	// Valid reports whether a stored entry can still be used. Entries that
	// fail the check are treated as misses.
	Valid  func(*Entry) bool
	Logger *slog.Logger
}

// Index is a persistent step cache. Entries are stored as one JSON file per
// key under the index directory. It is safe for concurrent use.
type Index struct {
	dir    string
	mem    *lru.ARCCache
	valid  func(*Entry) bool
	logger *slog.Logger
	group  singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens the index stored in dir, creating it if needed.
func Open(dir string, opts Options) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	mem, err := lru.NewARC(size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		dir:    dir,
		mem:    mem,
		valid:  opts.Valid,
		logger: logger.With(slog.String("component", "cache")),
	}, nil
}

// Dir returns the directory backing the index.
func (ix *Index) Dir() string {
	return ix.dir
}

func (ix *Index) entryPath(key digest.Digest) string {
	return filepath.Join(ix.dir, key.Algorithm().String(), key.Encoded()+".json")
}

// Lookup returns the entry stored for key. The boolean is false on a miss.
func (ix *Index) Lookup(key digest.Digest) (*Entry, bool, error) {
	e, err := ix.load(key)
	if err != nil {
		return nil, false, err
	}
	if e == nil || (ix.valid != nil && !ix.valid(e)) {
		ix.misses.Add(1)
		return nil, false, nil
	}
	ix.hits.Add(1)
	return e, true, nil
}

func (ix *Index) load(key digest.Digest) (*Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache key %q: %w", key, err)
	}
	if v, ok := ix.mem.Get(key); ok {
		return v.(*Entry), nil
	}

	data, err := os.ReadFile(ix.entryPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		ix.logger.Warn("discarding corrupt cache entry", slog.String("key", key.String()), slog.String("error", err.Error()))
		return nil, nil
	}
	if e.Version != entryVersion || e.Key != key {
		return nil, nil
	}

	ix.mem.Add(key, &e)
	return &e, nil
}

// Insert stores an entry, replacing any previous entry for the same key.
func (ix *Index) Insert(e *Entry) error {
	if err := e.Key.Validate(); err != nil {
		return fmt.Errorf("invalid cache key %q: %w", e.Key, err)
	}
	stored := *e
	stored.Version = entryVersion
	if stored.Created.IsZero() {
		stored.Created = time.Now().UTC()
	}

	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	path := ix.entryPath(stored.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return fmt.Errorf("create cache entry: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}

	ix.mem.Add(stored.Key, &stored)
	ix.logger.Debug("cache insert", slog.String("key", stored.Key.String()))
	return nil
}

// Resolve returns the entry for key, calling fn to produce and insert it on a
// miss. Concurrent calls for the same key share one execution of fn. When
// lookup is false the stored entry is ignored and fn always runs. The
// boolean result reports whether the entry came from the cache.
//
// Resolve does not return before fn does; fn is expected to honour ctx.
func (ix *Index) Resolve(ctx context.Context, key digest.Digest, lookup bool, fn func(context.Context) (*Entry, error)) (*Entry, bool, error) {
	type result struct {
		entry *Entry
		hit   bool
	}

	v, err, _ := ix.group.Do(key.String(), func() (any, error) {
		if lookup {
			e, ok, err := ix.Lookup(key)
			if err != nil {
				return nil, err
			}
			if ok {
				return result{entry: e, hit: true}, nil
			}
		}

		e, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		e.Key = key
		if err := ix.Insert(e); err != nil {
			return nil, err
		}
		return result{entry: e}, nil
	})

	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	return r.entry, r.hit, nil
}

// Remove deletes the entry for key.
func (ix *Index) Remove(key digest.Digest) error {
	ix.mem.Remove(key)
	err := os.Remove(ix.entryPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

// List returns all stored entries ordered by creation time.
func (ix *Index) List() ([]*Entry, error) {
	var entries []*Entry
	err := filepath.WalkDir(ix.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		algo := filepath.Base(filepath.Dir(path))
		key := digest.NewDigestFromEncoded(digest.Algorithm(algo), strings.TrimSuffix(d.Name(), ".json"))
		e, err := ix.load(key)
		if err != nil {
			return nil
		}
		if e != nil {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cache: %w", err)
	}

	slices.SortFunc(entries, func(a, b *Entry) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return entries, nil
}

// Prune removes entries created before cutoff and returns how many were
// removed.
func (ix *Index) Prune(cutoff time.Time) (int, error) {
	entries, err := ix.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.Created.Before(cutoff) {
			continue
		}
		if err := ix.Remove(e.Key); err != nil {
			return removed, err
		}
		removed++
	}
	ix.logger.Info("cache pruned", slog.Int("removed", removed))
	return removed, nil
}

// Stats returns hit and miss counters and the number of stored entries.
func (ix *Index) Stats() (Stats, error) {
	entries, err := ix.List()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Hits:    ix.hits.Load(),
		Misses:  ix.misses.Load(),
		Entries: len(entries),
	}, nil
}
