package instrumenter_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/go-sourcemap/sourcemap"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/gonyc/pkg/instrumenter"
)

var counterRE = regexp.MustCompile(`cov_[0-9a-f]+\(\)`)

// requireParses fails the test when code is not valid JavaScript.
func requireParses(t *testing.T, code string) {
	t.Helper()

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(code))
	require.NoError(t, err)

	if tree.RootNode().HasError() {
		t.Fatalf("instrumented output does not parse:\n%s", code)
	}
}

func instrument(t *testing.T, opts instrumenter.Options, code string) instrumenter.Result {
	t.Helper()

	res, err := instrumenter.NewSitter(opts).Instrument(code, "/src/app.js", nil)
	require.NoError(t, err)
	requireParses(t, res.Code)

	return res
}

func Test_Sitter_Counts_Statements_And_Functions(t *testing.T) {
	t.Parallel()

	code := "var a = 1;\nfunction add(x) {\n  return x + a;\n}\nadd(2);\n"
	res := instrument(t, instrumenter.Options{}, code)

	fc := res.Coverage

	if got, want := len(fc.StatementMap), 4; got != want {
		t.Fatalf("statements=%d, want=%d", got, want)
	}

	if got, want := fc.FnMap["0"].Name, "add"; got != want {
		t.Fatalf("function name=%q, want=%q", got, want)
	}

	if got, want := fc.StatementMap["3"].Start.Line, 3; got != want {
		t.Fatalf("return statement line=%d, want=%d", got, want)
	}

	counter := counterRE.FindString(res.Code)
	require.NotEmpty(t, counter)

	for _, want := range []string{
		counter + ".s[0]++;var a = 1;",
		"{" + counter + ".f[0]++;",
		counter + ".s[3]++;return x + a;",
		`var gcv = "__coverage__";`,
	} {
		if !strings.Contains(res.Code, want) {
			t.Fatalf("output missing %q:\n%s", want, res.Code)
		}
	}
}

func Test_Sitter_Adds_Missing_Else_Arm(t *testing.T) {
	t.Parallel()

	code := "if (a) b();\nif (c) { d(); } else if (e) f();\n"
	res := instrument(t, instrumenter.Options{}, code)

	if got, want := len(res.Coverage.BranchMap), 3; got != want {
		t.Fatalf("branches=%d, want=%d", got, want)
	}

	for k, counts := range res.Coverage.B {
		if got, want := len(counts), 2; got != want {
			t.Fatalf("branch %s arms=%d, want=%d", k, got, want)
		}
	}

	if got, want := strings.Count(res.Code, " else {"), 2; got != want {
		t.Fatalf("added else arms=%d, want=%d:\n%s", got, want, res.Code)
	}
}

func Test_Sitter_Wraps_Expression_Arrow_Bodies(t *testing.T) {
	t.Parallel()

	res := instrument(t, instrumenter.Options{}, "const inc = x => y => x + y;\n")

	if got, want := len(res.Coverage.FnMap), 2; got != want {
		t.Fatalf("functions=%d, want=%d", got, want)
	}

	if !strings.Contains(res.Code, "return x + y;};}") {
		t.Fatalf("nested arrow bodies not closed inside out:\n%s", res.Code)
	}
}

func Test_Sitter_Skips_Ignored_Class_Methods(t *testing.T) {
	t.Parallel()

	code := "class A {\n  keep() { return 1; }\n  skip() { return 2; }\n}\n"
	res := instrument(t, instrumenter.Options{IgnoreClassMethods: []string{"skip"}}, code)

	names := []string{}
	for _, fn := range res.Coverage.FnMap {
		names = append(names, fn.Name)
	}

	require.Equal(t, []string{"keep"}, names)
	require.Contains(t, res.Code, "skip() { return 2; }")
}

func Test_Sitter_Comments_Follow_PreserveComments(t *testing.T) {
	t.Parallel()

	code := "// leading\nvar a = 1; /* trailing */\n"

	stripped := instrument(t, instrumenter.Options{}, code)
	if strings.Contains(stripped.Code, "leading") || strings.Contains(stripped.Code, "trailing") {
		t.Fatalf("comments kept:\n%s", stripped.Code)
	}

	kept := instrument(t, instrumenter.Options{PreserveComments: true}, code)
	if !strings.Contains(kept.Code, "// leading") || !strings.Contains(kept.Code, "/* trailing */") {
		t.Fatalf("comments dropped:\n%s", kept.Code)
	}
}

func Test_Sitter_Keeps_Directive_Prologue_First(t *testing.T) {
	t.Parallel()

	res := instrument(t, instrumenter.Options{}, "'use strict';\nfoo();\n")

	if !strings.HasPrefix(res.Code, "'use strict';\n") {
		t.Fatalf("directive moved:\n%s", res.Code)
	}

	if got, want := len(res.Coverage.StatementMap), 1; got != want {
		t.Fatalf("statements=%d, want=%d (directive not counted)", got, want)
	}
}

func Test_Sitter_Compact_Header_Is_One_Line(t *testing.T) {
	t.Parallel()

	res := instrument(t, instrumenter.Options{Compact: true}, "foo();\n")

	firstLine, _, _ := strings.Cut(res.Code, "\n")
	counter := counterRE.FindString(res.Code)

	if !strings.HasPrefix(firstLine, "var cov_") || !strings.HasSuffix(firstLine, counter+";") {
		t.Fatalf("compact header spans lines:\n%s", res.Code)
	}
}

func Test_Sitter_Rejects_Syntax_Errors(t *testing.T) {
	t.Parallel()

	_, err := instrumenter.NewSitter(instrumenter.Options{}).Instrument("function (", "/src/bad.js", nil)
	if !errors.Is(err, instrumenter.ErrSyntax) {
		t.Fatalf("err=%v, want=%v", err, instrumenter.ErrSyntax)
	}
}

func Test_Sitter_Source_Map_Points_Back_To_Original_Lines(t *testing.T) {
	t.Parallel()

	code := "var a = 1;\nfoo(a);\n"
	res := instrument(t, instrumenter.Options{ProduceSourceMap: true}, code)
	require.NotNil(t, res.SourceMap)

	data, err := res.SourceMap.JSON()
	require.NoError(t, err)

	consumer, err := sourcemap.Parse("", data)
	require.NoError(t, err)

	lines := strings.Split(res.Code, "\n")

	genLine := -1
	for i, l := range lines {
		if strings.Contains(l, "foo(a);") {
			genLine = i + 1
		}
	}

	require.Positive(t, genLine)

	col := strings.Index(lines[genLine-1], "foo(a);")

	_, _, line, origCol, ok := consumer.Source(genLine, col)
	require.True(t, ok)

	if got, want := [2]int{line, origCol}, [2]int{2, 0}; got != want {
		t.Fatalf("original position=%v, want=%v", got, want)
	}
}
