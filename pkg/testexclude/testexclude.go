// Package testexclude decides which files of a project are instrumented.
//
// Rules follow nyc's test-exclude: an extension allow-list, include globs and
// exclude globs, where negated exclude globs ("!pattern") re-admit files an
// exclude rule would drop. Globs use minimatch-like syntax with dotfiles
// matching.
package testexclude

import (
	"context"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// NodeModulesPattern is excluded unless ExcludeNodeModules is false.
const NodeModulesPattern = "**/node_modules/**"

// Options configures a [Selector]. Nil booleans take their default (true).
type Options struct {
	// Cwd is the project root. Defaults to ".".
	Cwd string

	// Include lists globs a file must match. Empty admits everything.
	Include []string

	// Exclude lists globs that drop files. Entries prefixed with "!" re-admit
	// files.
	Exclude []string

	// Extension lists allowed file suffixes such as ".js". Empty disables
	// extension filtering.
	Extension []string

	ExcludeNodeModules *bool

	// RelativePath matches globs against the path relative to Cwd and rejects
	// files outside Cwd.
	RelativePath *bool
}

// Selector is an immutable, prepared exclusion ruleset. Safe for concurrent use.
type Selector struct {
	cwd            string
	relativePath   bool
	include        []string // nil admits everything
	exclude        []string
	excludeNegated []string
	extension      []string // lowercased; nil disables the check
}

// New prepares a Selector from opts.
func New(opts Options) *Selector {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = "."
	}

	if abs, err := filepath.Abs(cwd); err == nil {
		cwd = abs
	}

	s := &Selector{
		cwd:          cwd,
		relativePath: opts.RelativePath == nil || *opts.RelativePath,
	}

	for _, ext := range opts.Extension {
		if ext != "" {
			s.extension = append(s.extension, strings.ToLower(ext))
		}
	}

	if len(opts.Include) > 0 {
		s.include = prepGlobPatterns(opts.Include)
	}

	exclude := slices.Clone(opts.Exclude)
	if (opts.ExcludeNodeModules == nil || *opts.ExcludeNodeModules) && !slices.Contains(exclude, NodeModulesPattern) {
		exclude = append(exclude, NodeModulesPattern)
	}

	s.exclude = prepGlobPatterns(exclude)
	s.handleNegation()

	return s
}

// prepGlobPatterns adds "pattern/**" so directory patterns cover their
// contents, and a bare alias for "**/x" patterns.
func prepGlobPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns)*3)

	for _, pattern := range patterns {
		if !strings.HasSuffix(pattern, "/**") {
			out = append(out, strings.TrimSuffix(pattern, "/")+"/**")
		}

		if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
			out = append(out, rest)
		}

		out = append(out, pattern)
	}

	return out
}

// handleNegation moves negated include patterns into exclude and negated
// exclude patterns into excludeNegated.
func (s *Selector) handleNegation() {
	if s.include != nil {
		var negated []string

		kept := s.include[:0:0]

		for _, p := range s.include {
			if rest, ok := strings.CutPrefix(p, "!"); ok {
				negated = append(negated, rest)
			} else {
				kept = append(kept, p)
			}
		}

		s.exclude = append(s.exclude, prepGlobPatterns(negated)...)
		s.include = kept
	}

	var negated, kept []string

	for _, p := range s.exclude {
		if rest, ok := strings.CutPrefix(p, "!"); ok {
			negated = append(negated, rest)
		} else {
			kept = append(kept, p)
		}
	}

	s.exclude = kept
	s.excludeNegated = prepGlobPatterns(negated)
}

// ShouldInstrument reports whether filename passes the extension, include
// and exclude rules. relFile, when non-empty, is used instead of computing the
// path relative to Cwd.
func (s *Selector) ShouldInstrument(filename, relFile string) bool {
	if s.extension != nil {
		lower := strings.ToLower(filename)
		if !slices.ContainsFunc(s.extension, func(ext string) bool { return strings.HasSuffix(lower, ext) }) {
			return false
		}
	}

	pathToCheck := filepath.ToSlash(filename)

	if s.relativePath {
		abs := filename
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(s.cwd, abs)
		}

		rel, err := filepath.Rel(s.cwd, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return false
		}

		if relFile == "" {
			relFile = rel
		}

		pathToCheck = filepath.ToSlash(relFile)
		pathToCheck = strings.TrimPrefix(pathToCheck, "./")
	}

	return s.admits(pathToCheck)
}

func (s *Selector) admits(name string) bool {
	if s.include != nil && !matchAny(s.include, name) {
		return false
	}

	return !matchAny(s.exclude, name) || matchAny(s.excludeNegated, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}

	return false
}

// ExtensionPattern returns the glob selecting files by extension.
func (s *Selector) ExtensionPattern() string {
	switch len(s.extension) {
	case 0:
		return "**"
	case 1:
		return "**/*" + s.extension[0]
	default:
		return "**/*{" + strings.Join(s.extension, ",") + "}"
	}
}

// Glob lists instrumentable files under root as sorted, slash-separated paths
// relative to root. Directories matching an exclude pattern are not entered
// unless negated excludes could re-admit something inside them.
func (s *Selector) Glob(ctx context.Context, root string) ([]string, error) {
	if root == "" {
		root = s.cwd
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", root, err)
	}

	pattern := s.ExtensionPattern()
	prune := len(s.excludeNegated) == 0

	var files []string

	walkErr := filepath.WalkDir(absRoot, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if path == absRoot {
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			return relErr
		}

		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if prune && matchAny(s.exclude, rel) {
				return filepath.SkipDir
			}

			return nil
		}

		if ok, _ := doublestar.Match(pattern, strings.ToLower(rel)); !ok {
			return nil
		}

		if s.ShouldInstrument(path, "") {
			files = append(files, rel)
		}

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %q: %w", absRoot, walkErr)
	}

	slices.Sort(files)

	return files, nil
}

// Cwd returns the absolute project root.
func (s *Selector) Cwd() string { return s.cwd }

// Include returns the prepared include patterns, nil when unrestricted.
func (s *Selector) Include() []string { return slices.Clone(s.include) }

// Exclude returns the prepared exclude patterns.
func (s *Selector) Exclude() []string { return slices.Clone(s.exclude) }

// ExcludeNegated returns the prepared re-admit patterns.
func (s *Selector) ExcludeNegated() []string { return slices.Clone(s.excludeNegated) }

// Extension returns the lowercased extension allow-list, nil when unfiltered.
func (s *Selector) Extension() []string { return slices.Clone(s.extension) }
