// Package instrumenter rewrites JavaScript source to count statement and
// function executions in an istanbul-compatible global coverage object.
//
// [Istanbul] adapts an [Engine] to the orchestrator: it registers input source
// maps for files that changed and appends the engine's output map as an
// inline comment. [NewSitter] is the bundled tree-sitter based engine.
package instrumenter

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/calvinalkan/gonyc/pkg/coverage"
	"github.com/calvinalkan/gonyc/pkg/sourcemaps"
)

// DefaultCoverageVariable is the global holding coverage data at runtime.
const DefaultCoverageVariable = "__coverage__"

// Options configures an engine.
type Options struct {
	CoverageVariable   string
	Compact            bool
	PreserveComments   bool
	ProduceSourceMap   bool
	IgnoreClassMethods []string
	ESModules          bool
	ParserPlugins      []string
}

// Result is the outcome of instrumenting one file.
type Result struct {
	Code     string
	Coverage *coverage.FileCoverage

	// SourceMap maps Code back to the input. Nil when the engine was not asked
	// to produce one.
	SourceMap *sourcemaps.SourceMap
}

// Engine instruments a single file. Implementations must be safe for
// concurrent use.
type Engine interface {
	Instrument(code, filename string, inputMap *sourcemaps.SourceMap) (Result, error)
}

// Factory builds an engine for opts.
type Factory func(opts Options) (Engine, error)

// SourceMapOptions carries the input map of a file and the callback that
// records it.
type SourceMapOptions struct {
	SourceMap   *sourcemaps.SourceMap
	RegisterMap func() error
}

// Istanbul wraps an [Engine] with source map bookkeeping. Safe for concurrent
// use; [Istanbul.LastFileCoverage] reports the most recent completed call.
type Istanbul struct {
	engine Engine
	opts   Options

	mu   sync.Mutex
	last *coverage.FileCoverage
}

// NewIstanbul builds the engine with factory, defaulting to [NewSitter].
func NewIstanbul(opts Options, factory Factory) (*Istanbul, error) {
	if factory == nil {
		factory = func(o Options) (Engine, error) { return NewSitter(o), nil }
	}

	if opts.CoverageVariable == "" {
		opts.CoverageVariable = DefaultCoverageVariable
	}

	opts.IgnoreClassMethods = slices.DeleteFunc(slices.Clone(opts.IgnoreClassMethods), func(s string) bool { return s == "" })

	engine, err := factory(opts)
	if err != nil {
		return nil, err
	}

	return &Istanbul{engine: engine, opts: opts}, nil
}

// InstrumentSync instruments code. When the result differs from the input the
// input map is registered; with ProduceSourceMap the output map is appended as
// an inline comment.
func (i *Istanbul) InstrumentSync(code, filename string, sm SourceMapOptions) (string, error) {
	res, err := i.engine.Instrument(code, filename, sm.SourceMap)
	if err != nil {
		return "", err
	}

	if res.Coverage != nil && sm.SourceMap != nil && res.Coverage.InputSourceMap == nil {
		if data, mErr := json.Marshal(sm.SourceMap); mErr == nil {
			res.Coverage.InputSourceMap = data
		}
	}

	instrumented := res.Code

	if instrumented != code && sm.RegisterMap != nil {
		if err := sm.RegisterMap(); err != nil {
			return "", err
		}
	}

	if i.opts.ProduceSourceMap && res.SourceMap != nil {
		comment, err := res.SourceMap.Comment()
		if err != nil {
			return "", err
		}

		instrumented += "\n" + comment
	}

	i.mu.Lock()
	i.last = res.Coverage
	i.mu.Unlock()

	return instrumented, nil
}

// LastFileCoverage returns the coverage object of the most recent call.
func (i *Istanbul) LastFileCoverage() *coverage.FileCoverage {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.last
}

// Options returns the normalised options.
func (i *Istanbul) Options() Options {
	return i.opts
}
