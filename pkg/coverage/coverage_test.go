package coverage_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/gonyc/pkg/coverage"
)

func Test_FileCoverage_Add_Assigns_Sequential_Indexes_With_Zero_Counters(t *testing.T) {
	t.Parallel()

	fc := coverage.NewFileCoverage("/src/a.js")
	loc := coverage.Range{Start: coverage.Position{Line: 1}, End: coverage.Position{Line: 1, Column: 5}}

	if got, want := fc.AddStatement(loc), 0; got != want {
		t.Fatalf("first statement=%d, want=%d", got, want)
	}

	if got, want := fc.AddStatement(loc), 1; got != want {
		t.Fatalf("second statement=%d, want=%d", got, want)
	}

	fc.AddBranch(coverage.Branch{Type: "if", Locations: []coverage.Range{loc, loc}})

	if diff := cmp.Diff(map[string]int{"0": 0, "1": 0}, fc.S); diff != "" {
		t.Fatalf("s mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(map[string][]int{"0": {0, 0}}, fc.B); diff != "" {
		t.Fatalf("b mismatch (-want +got):\n%s", diff)
	}
}

func Test_FileCoverage_Clone_Does_Not_Share_Counters(t *testing.T) {
	t.Parallel()

	fc := coverage.NewFileCoverage("/src/a.js")
	fc.AddStatement(coverage.Range{})
	fc.AddBranch(coverage.Branch{Locations: []coverage.Range{{}}})

	clone := fc.Clone()
	clone.S["0"] = 7
	clone.B["0"][0] = 3

	if got, want := fc.S["0"], 0; got != want {
		t.Fatalf("original s=%d, want=%d", got, want)
	}

	if got, want := fc.B["0"][0], 0; got != want {
		t.Fatalf("original b=%d, want=%d", got, want)
	}
}

func Test_Parse_Fills_Missing_Path_From_Key_And_Drops_Nulls(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"/src/a.js": {"statementMap": {}, "fnMap": {}, "branchMap": {}, "s": {}, "f": {}, "b": {}, "contentHash": "abc"},
		"/src/b.js": null
	}`)

	m, err := coverage.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff([]string{"/src/a.js"}, m.Files()); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	if got, want := m["/src/a.js"].Path, "/src/a.js"; got != want {
		t.Fatalf("path=%q, want=%q", got, want)
	}

	if got, want := m["/src/a.js"].ContentHash, "abc"; got != want {
		t.Fatalf("contentHash=%q, want=%q", got, want)
	}
}
