// Package coverage holds the istanbul-compatible coverage data model shared by
// the instrumenter, the source map store and the CLI.
package coverage

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// Schema identifies the istanbul coverage object layout written by this module.
const Schema = "1a1c01bbd47fc00a2c39e90264f33305004495a9"

// Position is a 1-based line and 0-based column.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Range is a half-open source span.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Function describes one instrumented function.
type Function struct {
	Name string `json:"name"`
	Decl Range  `json:"decl"`
	Loc  Range  `json:"loc"`
	Line int    `json:"line"`
}

// Branch describes one instrumented branch point and its arms.
type Branch struct {
	Loc       Range   `json:"loc"`
	Type      string  `json:"type"`
	Locations []Range `json:"locations"`
	Line      int     `json:"line"`
}

// FileCoverage is the coverage object of a single file.
//
// Counter maps are keyed by the decimal index of the matching entry in the
// corresponding *Map field.
type FileCoverage struct {
	Path           string              `json:"path"`
	StatementMap   map[string]Range    `json:"statementMap"`
	FnMap          map[string]Function `json:"fnMap"`
	BranchMap      map[string]Branch   `json:"branchMap"`
	S              map[string]int      `json:"s"`
	F              map[string]int      `json:"f"`
	B              map[string][]int    `json:"b"`
	Schema         string              `json:"_coverageSchema,omitempty"`
	Hash           string              `json:"hash,omitempty"`
	ContentHash    string              `json:"contentHash,omitempty"`
	InputSourceMap json.RawMessage     `json:"inputSourceMap,omitempty"`
}

// NewFileCoverage returns an empty coverage object for path.
func NewFileCoverage(path string) *FileCoverage {
	return &FileCoverage{
		Path:         path,
		StatementMap: map[string]Range{},
		FnMap:        map[string]Function{},
		BranchMap:    map[string]Branch{},
		S:            map[string]int{},
		F:            map[string]int{},
		B:            map[string][]int{},
		Schema:       Schema,
	}
}

// AddStatement registers a statement and returns its index.
func (fc *FileCoverage) AddStatement(loc Range) int {
	idx := len(fc.StatementMap)
	key := strconv.Itoa(idx)
	fc.StatementMap[key] = loc
	fc.S[key] = 0

	return idx
}

// AddFunction registers a function and returns its index.
func (fc *FileCoverage) AddFunction(fn Function) int {
	idx := len(fc.FnMap)
	key := strconv.Itoa(idx)
	fc.FnMap[key] = fn
	fc.F[key] = 0

	return idx
}

// AddBranch registers a branch with one counter per location and returns its
// index.
func (fc *FileCoverage) AddBranch(br Branch) int {
	idx := len(fc.BranchMap)
	key := strconv.Itoa(idx)
	fc.BranchMap[key] = br
	fc.B[key] = make([]int, len(br.Locations))

	return idx
}

// Clone returns a deep copy.
func (fc *FileCoverage) Clone() *FileCoverage {
	out := *fc
	out.StatementMap = cloneMap(fc.StatementMap)
	out.FnMap = cloneMap(fc.FnMap)
	out.BranchMap = make(map[string]Branch, len(fc.BranchMap))

	for k, br := range fc.BranchMap {
		br.Locations = slices.Clone(br.Locations)
		out.BranchMap[k] = br
	}

	out.S = cloneMap(fc.S)
	out.F = cloneMap(fc.F)
	out.B = make(map[string][]int, len(fc.B))

	for k, v := range fc.B {
		out.B[k] = slices.Clone(v)
	}

	out.InputSourceMap = slices.Clone(fc.InputSourceMap)

	return &out
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

// Map is a coverage report keyed by absolute file path.
type Map map[string]*FileCoverage

// Files returns the file paths in sorted order.
func (m Map) Files() []string {
	files := make([]string, 0, len(m))
	for file := range m {
		files = append(files, file)
	}

	slices.Sort(files)

	return files
}

// Parse decodes a coverage report. Entries whose path is empty take their key.
func Parse(data []byte) (Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse coverage: %w", err)
	}

	for file, fc := range m {
		if fc == nil {
			delete(m, file)

			continue
		}

		if fc.Path == "" {
			fc.Path = file
		}
	}

	return m, nil
}
