// Package nyc drives instrumentation of a source tree: it selects files,
// instruments them through a content-addressed cache and writes the results to
// an output tree or stdout.
package nyc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/calvinalkan/gonyc/internal/config"
	"github.com/calvinalkan/gonyc/internal/cpucount"
	"github.com/calvinalkan/gonyc/pkg/cachingtransform"
	"github.com/calvinalkan/gonyc/pkg/fs"
	"github.com/calvinalkan/gonyc/pkg/instrumenter"
	"github.com/calvinalkan/gonyc/pkg/sourcemaps"
	"github.com/calvinalkan/gonyc/pkg/testexclude"
)

// ErrInstrumentFailed aborts a run when exitOnError is set.
var ErrInstrumentFailed = errors.New("instrumentation failed")

// File states reported in debug logs.
const (
	stateHit          = "hit"
	stateInstrumented = "instrumented"
	stateFailed       = "failed"
)

// RunStats counts what the orchestrator did since construction.
type RunStats struct {
	RunID        string
	Files        int64
	Hits         int64
	Instrumented int64
	Failed       int64
	Copied       int64

	// CacheWriteRetries sums the cache write retries of every transform.
	CacheWriteRetries int64
}

// Option customises an [NYC].
type Option func(*NYC)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(n *NYC) { n.log = log }
}

// WithFS sets the filesystem used for reads and cache writes.
func WithFS(fsys fs.FS) Option {
	return func(n *NYC) { n.fs = fsys }
}

// WithStdout sets where files go when no output directory is given.
func WithStdout(w io.Writer) Option {
	return func(n *NYC) { n.stdout = w }
}

// WithConcurrency bounds parallel file work. Defaults to the CPU count.
func WithConcurrency(limit int) Option {
	return func(n *NYC) { n.concurrency = limit }
}

// WithEngineFactory replaces the engine chosen by the instrumenter setting.
func WithEngineFactory(factory instrumenter.Factory) Option {
	return func(n *NYC) { n.factory = factory }
}

// NYC is the instrumentation orchestrator. Safe for concurrent use.
type NYC struct {
	cfg         config.Config
	log         *slog.Logger
	fs          fs.FS
	writer      *fs.AtomicWriter
	stdout      io.Writer
	concurrency int
	factory     instrumenter.Factory
	runID       string

	extensions []string
	exclude    *testexclude.Selector
	transforms map[string]*cachingtransform.Transformer
	sourceMaps *sourcemaps.Store

	instMu sync.Mutex
	inst   *instrumenter.Istanbul

	hashMu    sync.Mutex
	hashCache map[string]string

	// outcomes carries the miss state from the transform callback back to
	// Transform, keyed by filename.
	outcomes sync.Map

	stdoutMu sync.Mutex

	files, hits, instrumented, failed, copied atomic.Int64
}

// New builds an orchestrator for cfg. cfg is expected to come from
// [config.Load] with absolute Cwd and CacheDir.
func New(cfg config.Config, opts ...Option) (*NYC, error) {
	n := &NYC{
		cfg:       cfg,
		hashCache: make(map[string]string),
	}

	for _, opt := range opts {
		opt(n)
	}

	if n.log == nil {
		n.log = slog.Default()
	}

	if n.fs == nil {
		n.fs = fs.NewReal()
	}

	if n.stdout == nil {
		n.stdout = os.Stdout
	}

	if n.concurrency < 1 {
		n.concurrency = cpucount.Count()
	}

	if n.factory == nil {
		factory, err := engineFactory(cfg)
		if err != nil {
			return nil, err
		}

		n.factory = factory
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}

	n.runID = id.String()
	n.log = n.log.With("run", n.runID)
	n.writer = fs.NewAtomicWriter(n.fs)

	if n.cfg.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cannot get working directory: %w", err)
		}

		n.cfg.Cwd = wd
	}

	if strings.TrimSpace(n.cfg.CacheDir) == "" {
		n.cfg.CacheDir = filepath.Join(n.cfg.Cwd, filepath.FromSlash(config.DefaultCacheDir))
	}

	n.extensions = extensions(cfg.Extension)

	excludeNodeModules := cfg.ExcludeNodeModules
	n.exclude = testexclude.New(testexclude.Options{
		Cwd:                n.cfg.Cwd,
		Include:            cfg.Include,
		Exclude:            cfg.Exclude,
		Extension:          n.extensions,
		ExcludeNodeModules: &excludeNodeModules,
	})

	cache := cfg.Cache && n.cfg.CacheDir != ""

	n.sourceMaps = sourcemaps.New(sourcemaps.Options{
		Cache:       cache,
		CacheDir:    n.cfg.CacheDir,
		Concurrency: n.concurrency,
		FS:          n.fs,
		Writer:      n.writer,
		Logger:      n.log,
	})

	salt, err := Salt(cfg)
	if err != nil {
		return nil, err
	}

	n.transforms = make(map[string]*cachingtransform.Transformer, len(n.extensions))

	for _, ext := range n.extensions {
		t, err := n.createTransform(ext, salt, !(cache && cfg.IsChildProcess))
		if err != nil {
			return nil, fmt.Errorf("transform for %s: %w", ext, err)
		}

		n.transforms[ext] = t
	}

	return n, nil
}

// extensions returns configured plus ".js", lowercased and deduplicated in
// order.
func extensions(configured []string) []string {
	var out []string

	for _, ext := range append(slices.Clone(configured), ".js") {
		ext = strings.ToLower(ext)
		if ext != "" && !slices.Contains(out, ext) {
			out = append(out, ext)
		}
	}

	return out
}

func (n *NYC) createTransform(ext string, salt []byte, disableCache bool) (*cachingtransform.Transformer, error) {
	opts := cachingtransform.Options{
		CacheDir: n.cfg.CacheDir,
		Salt:     salt,
		HashData: func(_ []byte, meta cachingtransform.Metadata) [][]byte {
			return [][]byte{[]byte(meta.Filename)}
		},
		FilenamePrefix: func(meta cachingtransform.Metadata) string {
			base := filepath.Base(meta.Filename)

			return strings.TrimSuffix(base, filepath.Ext(base)) + "-"
		},
		OnHash: func(_ []byte, meta cachingtransform.Metadata, hash string) {
			n.hashMu.Lock()
			n.hashCache[meta.Filename] = hash
			n.hashMu.Unlock()
		},
		DisableCache: disableCache,
		Ext:          ext,
		Algorithm:    n.cfg.CacheHashAlgorithm,
		FS:           n.fs,
		Writer:       n.writer,
		Logger:       n.log,
	}

	compression, err := cachingtransform.ParseCompression(n.cfg.CacheCompression)
	if err != nil {
		return nil, err
	}

	opts.Compression = compression

	if n.cfg.Eager {
		fn, err := n.transformFunc()
		if err != nil {
			return nil, err
		}

		opts.Source = cachingtransform.Direct(fn)
	} else {
		opts.Source = cachingtransform.Factory(func(string) (cachingtransform.Func, error) {
			return n.transformFunc()
		})
	}

	return cachingtransform.New(opts)
}

// Instrumenter returns the engine wrapper, creating it on first use.
func (n *NYC) Instrumenter() (*instrumenter.Istanbul, error) {
	n.instMu.Lock()
	defer n.instMu.Unlock()

	if n.inst != nil {
		return n.inst, nil
	}

	inst, err := instrumenter.NewIstanbul(instrumenter.Options{
		Compact:            n.cfg.Compact,
		PreserveComments:   n.cfg.PreserveComments,
		ProduceSourceMap:   n.cfg.ProduceSourceMap,
		IgnoreClassMethods: ignoreClassMethods(n.cfg),
		ESModules:          n.cfg.ESModules,
		ParserPlugins:      parserPlugins(n.cfg),
	}, n.factory)
	if err != nil {
		return nil, fmt.Errorf("create instrumenter: %w", err)
	}

	n.inst = inst

	return inst, nil
}

// transformFunc is the cache miss handler. It applies the failure policy:
// exitOnError fails the file with [ErrInstrumentFailed], otherwise the
// original code is returned, logged at error level with verboseError.
func (n *NYC) transformFunc() (cachingtransform.Func, error) {
	inst, err := n.Instrumenter()
	if err != nil {
		return nil, err
	}

	return func(input []byte, meta cachingtransform.Metadata, hash string) ([]byte, error) {
		filename := meta.Filename
		code := string(input)

		out, err := inst.InstrumentSync(code, filename, n.sourceMapOptions(code, filename, hash))
		if err != nil {
			n.outcomes.Store(filename, stateFailed)

			switch {
			case n.cfg.ExitOnError:
				return nil, fmt.Errorf("%w: %s: %w", ErrInstrumentFailed, filename, err)
			case n.cfg.VerboseError:
				n.log.Error("failed to instrument", "file", filename, "error", err)
			default:
				n.log.Debug("failed to instrument", "file", filename, "error", err)
			}

			return input, nil
		}

		n.outcomes.Store(filename, stateInstrumented)

		return []byte(out), nil
	}, nil
}

func (n *NYC) sourceMapOptions(code, filename, hash string) instrumenter.SourceMapOptions {
	if !n.cfg.SourceMap {
		return instrumenter.SourceMapOptions{}
	}

	m, _ := n.sourceMaps.Extract(code, filename)

	return instrumenter.SourceMapOptions{
		SourceMap: m,
		RegisterMap: func() error {
			return n.sourceMaps.RegisterMap(filename, hash, m)
		},
	}
}

// Transform instruments code as filename. Files without a transform for
// their extension are returned unchanged. Cache failures fall back to code
// unless exitOnError is set.
func (n *NYC) Transform(code []byte, filename string) ([]byte, error) {
	t, ok := n.transforms[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		return code, nil
	}

	n.files.Add(1)
	n.outcomes.Delete(filename)

	out, err := t.Transform(code, cachingtransform.Metadata{Filename: filename})

	state := stateHit
	if v, loaded := n.outcomes.LoadAndDelete(filename); loaded {
		state = v.(string)
	}

	if err != nil {
		n.failed.Add(1)

		if n.cfg.ExitOnError || errors.Is(err, ErrInstrumentFailed) {
			return nil, err
		}

		n.log.Warn("transform failed, using original code", "file", filename, "error", err)

		return code, nil
	}

	switch state {
	case stateHit:
		n.hits.Add(1)
	case stateInstrumented:
		n.instrumented.Add(1)
	default:
		n.failed.Add(1)
	}

	n.log.Debug("file transformed", "file", filename, "state", state)

	return out, nil
}

// HashCache returns a copy of the filename to cache key map.
func (n *NYC) HashCache() map[string]string {
	n.hashMu.Lock()
	defer n.hashMu.Unlock()

	out := make(map[string]string, len(n.hashCache))
	for k, v := range n.hashCache {
		out[k] = v
	}

	return out
}

// SourceMaps returns the source map store.
func (n *NYC) SourceMaps() *sourcemaps.Store { return n.sourceMaps }

// Exclude returns the file selector.
func (n *NYC) Exclude() *testexclude.Selector { return n.exclude }

// Extensions returns the handled extensions.
func (n *NYC) Extensions() []string { return slices.Clone(n.extensions) }

// Config returns the effective configuration.
func (n *NYC) Config() config.Config { return n.cfg }

// Stats returns the counters accumulated so far.
func (n *NYC) Stats() RunStats {
	stats := RunStats{
		RunID:        n.runID,
		Files:        n.files.Load(),
		Hits:         n.hits.Load(),
		Instrumented: n.instrumented.Load(),
		Failed:       n.failed.Load(),
		Copied:       n.copied.Load(),
	}

	for _, t := range n.transforms {
		stats.CacheWriteRetries += t.Stats().WriteRetries
	}

	return stats
}
