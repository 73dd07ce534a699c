// Package cachingtransform wraps a byte transform with a content-addressed,
// on-disk cache.
//
// The cache key is a cryptographic digest of the module version, the input
// bytes, a salt, the compression setting and caller-supplied hash data, each
// length-prefixed. Artifacts are stored as
// {CacheDir}/{prefix}{key}{ext}, written atomically and never modified once
// they exist. Many processes may share one cache directory.
package cachingtransform

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/calvinalkan/gonyc/pkg/digest"
	"github.com/calvinalkan/gonyc/pkg/fs"
)

var (
	// ErrFactoryXorTransform is returned by [New] when the [Source] has
	// neither or both of a direct transform and a factory.
	ErrFactoryXorTransform = errors.New("specify factory or transform but not both")

	// ErrCacheDirRequired is returned by [New] when caching is enabled
	// without a cache directory.
	ErrCacheDirRequired = errors.New("cache dir is required unless caching is disabled")

	// ErrCacheWrite wraps the last error after every write attempt failed.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrWeakAlgorithm is returned for hash algorithms too weak to address
	// cache content.
	ErrWeakAlgorithm = errors.New("hash algorithm not allowed for cache keys")
)

// maxWriteRetries bounds read-then-write retries after a failed write.
const maxWriteRetries = 3

// Metadata describes the input being transformed.
type Metadata struct {
	Filename string
}

// Func transforms input. hash is the cache key, empty when caching is
// disabled.
type Func func(input []byte, meta Metadata, hash string) ([]byte, error)

// FactoryFunc builds the transform on first use, given the cache directory.
type FactoryFunc func(cacheDir string) (Func, error)

// Source is either a direct transform or a factory producing one.
// Construct it with [Direct] or [Factory].
type Source struct {
	direct  Func
	factory FactoryFunc
}

// Direct uses fn for every transform.
func Direct(fn Func) Source { return Source{direct: fn} }

// Factory defers building the transform until the first cache miss.
func Factory(fn FactoryFunc) Source { return Source{factory: fn} }

// Encoding selects how artifacts are interpreted when read back.
type Encoding uint8

const (
	// EncodingText treats artifacts as UTF-8; invalid sequences are replaced.
	EncodingText Encoding = iota
	// EncodingBinary returns artifacts byte for byte.
	EncodingBinary
)

// Options configures a [Transformer].
type Options struct {
	CacheDir string
	Source   Source

	// Salt is mixed into every key; change it to invalidate the cache.
	Salt []byte

	// HashData returns extra key material for an input.
	HashData func(input []byte, meta Metadata) [][]byte

	// FilenamePrefix is prepended to the key in artifact names.
	FilenamePrefix func(meta Metadata) string

	// OnHash is called with the key of every cached transform, hit or miss.
	OnHash func(input []byte, meta Metadata, hash string)

	// ShouldTransform returning false passes input through untouched.
	ShouldTransform func(input []byte, meta Metadata) bool

	DisableCache bool

	// Ext is appended to artifact names, including the dot.
	Ext string

	Encoding    Encoding
	Compression Compression

	// Algorithm names the key digest: "sha256" (default), "sha512" or
	// "blake3". Non-cryptographic algorithms are rejected.
	Algorithm string

	// NoCreateCacheDir skips creating CacheDir on first use.
	NoCreateCacheDir bool

	// Version identifies the transform implementation. Defaults to
	// [BuildVersion].
	Version string

	FS     fs.FS
	Writer *fs.AtomicWriter
	Logger *slog.Logger
}

// Stats counts cache activity.
type Stats struct {
	Hits         int64
	Misses       int64
	WriteRetries int64
}

// Transformer is a caching transform. Safe for concurrent use.
type Transformer struct {
	opts      Options
	algorithm digest.Algorithm
	fs        fs.FS
	writer    *fs.AtomicWriter
	log       *slog.Logger

	mu      sync.Mutex
	created bool
	fn      Func

	hits    atomic.Int64
	misses  atomic.Int64
	retries atomic.Int64
}

// New validates opts and returns a Transformer. No filesystem work happens
// until the first transform.
func New(opts Options) (*Transformer, error) {
	if (opts.Source.direct == nil) == (opts.Source.factory == nil) {
		return nil, ErrFactoryXorTransform
	}

	if opts.CacheDir == "" && !opts.DisableCache {
		return nil, ErrCacheDirRequired
	}

	algorithm, err := ParseKeyAlgorithm(opts.Algorithm)
	if err != nil {
		return nil, err
	}

	if opts.Version == "" {
		opts.Version = BuildVersion()
	}

	t := &Transformer{
		opts:      opts,
		algorithm: algorithm,
		fs:        opts.FS,
		writer:    opts.Writer,
		log:       opts.Logger,
		fn:        opts.Source.direct,
	}

	if t.fs == nil {
		t.fs = fs.NewReal()
	}

	if t.writer == nil {
		t.writer = fs.NewAtomicWriter(t.fs)
	}

	if t.log == nil {
		t.log = slog.Default()
	}

	return t, nil
}

// ParseKeyAlgorithm parses a cache key algorithm name. Empty means SHA-256.
// Only cryptographic algorithms are accepted.
func ParseKeyAlgorithm(name string) (digest.Algorithm, error) {
	if name == "" {
		return digest.SHA256, nil
	}

	algorithm, err := digest.ParseAlgorithm(name)
	if err != nil {
		return 0, err
	}

	switch algorithm {
	case digest.SHA256, digest.SHA512, digest.BLAKE3:
		return algorithm, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrWeakAlgorithm, algorithm)
	}
}

// Transform returns the transformed input, from cache when possible.
func (t *Transformer) Transform(input []byte, meta Metadata) ([]byte, error) {
	if t.opts.ShouldTransform != nil && !t.opts.ShouldTransform(input, meta) {
		return input, nil
	}

	if t.opts.DisableCache {
		return t.run(input, meta, "")
	}

	hash, err := t.Key(input, meta)
	if err != nil {
		return nil, err
	}

	cachedPath := t.CachedPath(hash, meta)

	if t.opts.OnHash != nil {
		t.opts.OnHash(input, meta, hash)
	}

	var (
		result      []byte
		transformed bool
		retry       int
	)

	for {
		if data, ok := t.readCached(cachedPath); ok {
			t.hits.Add(1)

			return data, nil
		}

		if !transformed {
			result, err = t.run(input, meta, hash)
			if err != nil {
				return nil, err
			}

			transformed = true

			t.misses.Add(1)
		}

		writeErr := t.write(cachedPath, result)
		if writeErr == nil {
			return result, nil
		}

		retry++
		if retry > maxWriteRetries {
			return nil, fmt.Errorf("%w: %s: %w", ErrCacheWrite, cachedPath, writeErr)
		}

		t.retries.Add(1)
		t.log.Debug("retrying cache write", "path", cachedPath, "attempt", retry, "error", writeErr)
	}
}

// Key returns the cache key of input. Every component is prefixed with its
// 8-byte big-endian length so shifting bytes between neighbours changes the
// key.
func (t *Transformer) Key(input []byte, meta Metadata) (string, error) {
	fields := [][]byte{
		[]byte(t.opts.Version),
		input,
		t.opts.Salt,
		[]byte(t.opts.Compression.String()),
	}

	if t.opts.HashData != nil {
		fields = append(fields, t.opts.HashData(input, meta)...)
	}

	parts := make([][]byte, 0, 2*len(fields))
	for _, field := range fields {
		parts = append(parts, binary.BigEndian.AppendUint64(nil, uint64(len(field))), field)
	}

	return digest.Sum(t.algorithm, digest.Hex, parts...)
}

// CachedPath returns the artifact path for hash.
func (t *Transformer) CachedPath(hash string, meta Metadata) string {
	prefix := ""
	if t.opts.FilenamePrefix != nil {
		prefix = t.opts.FilenamePrefix(meta)
	}

	return filepath.Join(t.opts.CacheDir, prefix+hash+t.opts.Ext)
}

// Stats returns a snapshot of the counters.
func (t *Transformer) Stats() Stats {
	return Stats{
		Hits:         t.hits.Load(),
		Misses:       t.misses.Load(),
		WriteRetries: t.retries.Load(),
	}
}

// readCached returns a decoded artifact. Unreadable or undecodable
// artifacts count as misses and get rewritten.
func (t *Transformer) readCached(path string) ([]byte, bool) {
	raw, err := t.fs.ReadFile(path)
	if err != nil {
		return nil, false
	}

	data, err := decompress(raw, t.opts.Compression)
	if err != nil {
		t.log.Warn("ignoring unreadable cache entry", "path", path, "error", err)

		return nil, false
	}

	if t.opts.Encoding == EncodingText && !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("�"))
	}

	return data, true
}

func (t *Transformer) write(path string, data []byte) error {
	encoded, err := compress(data, t.opts.Compression)
	if err != nil {
		return err
	}

	return t.writer.WriteBytes(path, encoded, t.writer.DefaultOptions())
}

// run performs lazy initialisation, then the transform.
func (t *Transformer) run(input []byte, meta Metadata, hash string) ([]byte, error) {
	fn, err := t.init()
	if err != nil {
		return nil, err
	}

	return fn(input, meta, hash)
}

func (t *Transformer) init() (Func, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.created {
		return t.fn, nil
	}

	if !t.opts.NoCreateCacheDir && !t.opts.DisableCache {
		if err := t.fs.MkdirAll(t.opts.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	if t.fn == nil {
		fn, err := t.opts.Source.factory(t.opts.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("build transform: %w", err)
		}

		t.fn = fn
	}

	t.created = true

	return t.fn, nil
}

// BuildVersion digests the main module's version and VCS revision so that
// rebuilt binaries invalidate their cache.
var BuildVersion = sync.OnceValue(func() string {
	parts := []string{"gonyc"}

	if info, ok := debug.ReadBuildInfo(); ok {
		parts = append(parts, info.Main.Path, info.Main.Version, info.GoVersion)

		for _, s := range info.Settings {
			if s.Key == "vcs.revision" || s.Key == "vcs.modified" {
				parts = append(parts, s.Key+"="+s.Value)
			}
		}
	}

	sum, err := digest.SumStrings(digest.SHA256, digest.Hex, parts...)
	if err != nil {
		return "gonyc"
	}

	return sum
})
