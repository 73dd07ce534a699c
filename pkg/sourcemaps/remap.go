package sourcemaps

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/go-sourcemap/sourcemap"

	"github.com/calvinalkan/gonyc/pkg/coverage"
)

// RemapCoverage translates every file of cov that has a registered map to its
// original sources. Locations that do not map, or whose start and end map to
// different sources, are dropped. Files without a map pass through and nil
// entries are skipped. cov is not modified.
func (s *Store) RemapCoverage(ctx context.Context, cov coverage.Map) (coverage.Map, error) {
	out := make(coverage.Map, len(cov))

	for _, file := range cov.Files() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fc := cov[file]
		if fc == nil {
			continue
		}

		m, ok := s.Lookup(file)
		if !ok {
			merge(out, file, fc.Clone())

			continue
		}

		data, err := m.JSON()
		if err != nil {
			return nil, err
		}

		consumer, err := sourcemap.Parse(file, data)
		if err != nil {
			s.log.Warn("cannot remap coverage", "file", file, "error", err)
			merge(out, file, fc.Clone())

			continue
		}

		r := &remapper{consumer: consumer, dir: filepath.Dir(file), root: m.SourceRoot, files: map[string]*coverage.FileCoverage{}}
		r.remap(fc)

		for source, mapped := range r.files {
			merge(out, source, mapped)
		}
	}

	return out, nil
}

// merge adds fc under path, appending to an existing entry by re-indexing.
func merge(out coverage.Map, path string, fc *coverage.FileCoverage) {
	existing, ok := out[path]
	if !ok {
		out[path] = fc

		return
	}

	for _, k := range sortedKeys(fc.StatementMap) {
		idx := existing.AddStatement(fc.StatementMap[k])
		existing.S[strconv.Itoa(idx)] = fc.S[k]
	}

	for _, k := range sortedKeys(fc.FnMap) {
		idx := existing.AddFunction(fc.FnMap[k])
		existing.F[strconv.Itoa(idx)] = fc.F[k]
	}

	for _, k := range sortedKeys(fc.BranchMap) {
		idx := existing.AddBranch(fc.BranchMap[k])
		copy(existing.B[strconv.Itoa(idx)], fc.B[k])
	}
}

type remapper struct {
	consumer *sourcemap.Consumer
	dir      string
	root     string
	files    map[string]*coverage.FileCoverage
}

func (r *remapper) file(source string) *coverage.FileCoverage {
	path := source
	if r.root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(r.root, path)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir, filepath.FromSlash(path))
	}

	fc, ok := r.files[path]
	if !ok {
		fc = coverage.NewFileCoverage(path)
		r.files[path] = fc
	}

	return fc
}

// mapRange maps a generated range to its original source and range.
func (r *remapper) mapRange(loc coverage.Range) (string, coverage.Range, bool) {
	startSource, _, startLine, startCol, ok := r.consumer.Source(loc.Start.Line, loc.Start.Column)
	if !ok || startSource == "" {
		return "", coverage.Range{}, false
	}

	endSource, _, endLine, endCol, ok := r.consumer.Source(loc.End.Line, max(loc.End.Column-1, 0))
	if !ok || endSource != startSource {
		return "", coverage.Range{}, false
	}

	return startSource, coverage.Range{
		Start: coverage.Position{Line: startLine, Column: startCol},
		End:   coverage.Position{Line: endLine, Column: endCol + 1},
	}, true
}

func (r *remapper) remap(fc *coverage.FileCoverage) {
	for _, k := range sortedKeys(fc.StatementMap) {
		source, loc, ok := r.mapRange(fc.StatementMap[k])
		if !ok {
			continue
		}

		dst := r.file(source)
		idx := dst.AddStatement(loc)
		dst.S[strconv.Itoa(idx)] = fc.S[k]
	}

	for _, k := range sortedKeys(fc.FnMap) {
		fn := fc.FnMap[k]

		source, loc, ok := r.mapRange(fn.Loc)
		if !ok {
			continue
		}

		decl := loc
		if declSource, mapped, declOK := r.mapRange(fn.Decl); declOK && declSource == source {
			decl = mapped
		}

		dst := r.file(source)
		idx := dst.AddFunction(coverage.Function{Name: fn.Name, Decl: decl, Loc: loc, Line: loc.Start.Line})
		dst.F[strconv.Itoa(idx)] = fc.F[k]
	}

	for _, k := range sortedKeys(fc.BranchMap) {
		br := fc.BranchMap[k]

		source, loc, ok := r.mapRange(br.Loc)
		if !ok {
			continue
		}

		locations := make([]coverage.Range, 0, len(br.Locations))

		for _, l := range br.Locations {
			s, mapped, lok := r.mapRange(l)
			if !lok || s != source {
				break
			}

			locations = append(locations, mapped)
		}

		if len(locations) != len(br.Locations) {
			continue
		}

		dst := r.file(source)
		idx := dst.AddBranch(coverage.Branch{Loc: loc, Type: br.Type, Locations: locations, Line: loc.Start.Line})
		copy(dst.B[strconv.Itoa(idx)], fc.B[k])
	}
}
