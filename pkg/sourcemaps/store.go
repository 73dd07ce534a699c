// Package sourcemaps keeps the source maps of instrumented files and uses
// them to translate coverage locations back to original sources.
//
// With caching enabled, maps are persisted next to the cached artifacts as
// {CacheDir}/{name}-{contentHash}.map and reloaded on demand by content hash.
// Otherwise they live in memory for the lifetime of the [Store].
package sourcemaps

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/viant/afs"

	"github.com/calvinalkan/gonyc/internal/cpucount"
	"github.com/calvinalkan/gonyc/internal/pmap"
	"github.com/calvinalkan/gonyc/pkg/coverage"
	"github.com/calvinalkan/gonyc/pkg/fs"
)

// Options configures a [Store].
type Options struct {
	Cache    bool
	CacheDir string

	// Concurrency bounds parallel map loads. Defaults to the CPU count.
	Concurrency int

	FS     fs.FS
	Writer *fs.AtomicWriter
	Loader afs.Service
	Logger *slog.Logger
}

// Store registers, persists and reloads source maps. Safe for concurrent use.
type Store struct {
	cache       bool
	cacheDir    string
	concurrency int
	fs          fs.FS
	writer      *fs.AtomicWriter
	loader      afs.Service
	log         *slog.Logger

	mu     sync.Mutex
	maps   map[string]*SourceMap
	loaded map[string]*loadResult
}

// loadResult memoises one cached map load; a nil map means absent.
type loadResult struct {
	once sync.Once
	m    *SourceMap
}

// New returns an empty Store.
func New(opts Options) *Store {
	s := &Store{
		cache:       opts.Cache,
		cacheDir:    opts.CacheDir,
		concurrency: opts.Concurrency,
		fs:          opts.FS,
		writer:      opts.Writer,
		loader:      opts.Loader,
		log:         opts.Logger,
		maps:        make(map[string]*SourceMap),
		loaded:      make(map[string]*loadResult),
	}

	if s.fs == nil {
		s.fs = fs.NewReal()
	}

	if s.writer == nil {
		s.writer = fs.NewAtomicWriter(s.fs)
	}

	if s.loader == nil {
		s.loader = afs.New()
	}

	if s.log == nil {
		s.log = slog.Default()
	}

	if s.concurrency < 1 {
		s.concurrency = cpucount.Count()
	}

	return s
}

// CachedPath returns where the map of source with the given content hash is
// persisted.
func (s *Store) CachedPath(source, hash string) string {
	base := filepath.Base(source)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	return filepath.Join(s.cacheDir, name+"-"+hash+".map")
}

// Extract finds the source map embedded in or referenced by code.
func (s *Store) Extract(code, filename string) (*SourceMap, bool) {
	return extract(context.Background(), s.loader, code, filename)
}

// RegisterMap records m for filename. With caching enabled and a hash it is
// persisted to [Store.CachedPath]; otherwise it is kept in memory. A nil map
// is ignored.
func (s *Store) RegisterMap(filename, hash string, m *SourceMap) error {
	if m == nil {
		return nil
	}

	if s.cache && hash != "" {
		data, err := m.JSON()
		if err != nil {
			return err
		}

		return s.writer.WriteBytes(s.CachedPath(filename, hash), data, s.writer.DefaultOptions())
	}

	s.register(filename, m)

	return nil
}

func (s *Store) register(filename string, m *SourceMap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maps[filename] = m
}

// Lookup returns the in-memory map registered for filename.
func (s *Store) Lookup(filename string) (*SourceMap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.maps[filename]

	return m, ok
}

// PurgeCache forgets every registered map and every memoised load.
func (s *Store) PurgeCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maps = make(map[string]*SourceMap)
	s.loaded = make(map[string]*loadResult)
}

// ReloadCachedSourceMaps registers the persisted map of every report entry
// that carries a content hash. Each hash is read from disk at most once per
// store; unreadable maps are remembered as absent.
func (s *Store) ReloadCachedSourceMaps(ctx context.Context, report coverage.Map) error {
	files := report.Files()

	return pmap.Each(ctx, files, s.concurrency, func(_ context.Context, file string) error {
		fc := report[file]
		if fc == nil || fc.ContentHash == "" {
			return nil
		}

		if m := s.loadCached(file, fc.ContentHash); m != nil {
			s.register(file, m)
		}

		return nil
	})
}

func (s *Store) loadCached(file, hash string) *SourceMap {
	s.mu.Lock()

	entry, ok := s.loaded[hash]
	if !ok {
		entry = &loadResult{}
		s.loaded[hash] = entry
	}
	s.mu.Unlock()

	entry.once.Do(func() {
		path := s.CachedPath(file, hash)

		data, err := s.fs.ReadFile(path)
		if err != nil {
			s.log.Debug("no cached source map", "path", path, "error", err)

			return
		}

		m, err := Parse(data)
		if err != nil {
			s.log.Warn("ignoring invalid cached source map", "path", path, "error", err)

			return
		}

		entry.m = m
	})

	return entry.m
}
