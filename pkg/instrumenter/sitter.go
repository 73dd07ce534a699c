package instrumenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"github.com/calvinalkan/gonyc/pkg/coverage"
	"github.com/calvinalkan/gonyc/pkg/digest"
	"github.com/calvinalkan/gonyc/pkg/sourcemaps"
)

// ErrSyntax is returned for input the JavaScript grammar cannot parse.
var ErrSyntax = errors.New("syntax error")

// SitterVersion changes whenever [Sitter] output changes shape.
const SitterVersion = "sitter-1"

// Sitter instruments JavaScript using the tree-sitter grammar. It counts
// top-level and block statements, function entries and if/else arms.
type Sitter struct {
	opts    Options
	ignored map[string]bool
}

// NewSitter returns a tree-sitter engine.
func NewSitter(opts Options) *Sitter {
	if opts.CoverageVariable == "" {
		opts.CoverageVariable = DefaultCoverageVariable
	}

	ignored := make(map[string]bool, len(opts.IgnoreClassMethods))
	for _, name := range opts.IgnoreClassMethods {
		ignored[name] = true
	}

	return &Sitter{opts: opts, ignored: ignored}
}

// Instrument implements [Engine].
func (s *Sitter) Instrument(code, filename string, inputMap *sourcemaps.SourceMap) (Result, error) {
	src := []byte(code)

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", filename, err)
	}

	root := tree.RootNode()
	if root.HasError() {
		return Result{}, fmt.Errorf("%w in %s", ErrSyntax, filename)
	}

	fc := coverage.NewFileCoverage(filename)

	fc.Hash, err = digest.SumStrings(digest.SHA256, digest.Hex, filename, "\x00", code)
	if err != nil {
		return Result{}, err
	}

	if inputMap != nil {
		if fc.InputSourceMap, err = json.Marshal(inputMap); err != nil {
			return Result{}, err
		}
	}

	id, err := digest.SumStrings(digest.Highway64, digest.Hex, filename)
	if err != nil {
		return Result{}, err
	}

	w := &walker{
		src:     src,
		engine:  s,
		fc:      fc,
		counter: "cov_" + id + "()",
		rw:      &rewriter{src: src},
	}

	if s.opts.ProduceSourceMap {
		w.rw.gen = &sourcemaps.Generator{}

		for off := range src {
			if off == 0 || src[off-1] == '\n' {
				w.rw.anchor(off)
			}
		}
	}

	w.visit(root, 0)

	header, err := s.header(id, fc)
	if err != nil {
		return Result{}, err
	}

	pos := w.headerPos(root)
	if pos == 0 {
		w.rw.open(0, -1, header+"\n")
	} else {
		w.rw.open(pos, -1, "\n"+header)
	}

	res := Result{Code: w.rw.apply(), Coverage: fc}

	if w.rw.gen != nil {
		res.SourceMap = w.rw.gen.Build(filepath.Base(filename), filepath.Base(filename), "")
	}

	return res, nil
}

// header renders the coverage bootstrap function.
func (s *Sitter) header(id string, fc *coverage.FileCoverage) (string, error) {
	var (
		data []byte
		err  error
	)

	if s.opts.Compact {
		data, err = json.Marshal(fc)
	} else {
		data, err = json.MarshalIndent(fc, "  ", "  ")
	}

	if err != nil {
		return "", fmt.Errorf("encode coverage data: %w", err)
	}

	path, _ := json.Marshal(fc.Path)
	hash, _ := json.Marshal(fc.Hash)
	gcv, _ := json.Marshal(s.opts.CoverageVariable)

	global := `new Function("return this")()`
	if s.opts.ESModules {
		global = "globalThis"
	}

	fn := "cov_" + id

	lines := []string{
		"var " + fn + " = function () {",
		"  var path = " + string(path) + ";",
		"  var hash = " + string(hash) + ";",
		"  var global = " + global + ";",
		"  var gcv = " + string(gcv) + ";",
		"  var coverageData = " + string(data) + ";",
		"  var coverage = global[gcv] || (global[gcv] = {});",
		"  if (!coverage[path] || coverage[path].hash !== hash) {",
		"    coverage[path] = coverageData;",
		"  }",
		"  var actualCoverage = coverage[path];",
		"  " + fn + " = function () {",
		"    return actualCoverage;",
		"  };",
		"  return actualCoverage;",
		"};",
		fn + "();",
	}

	if s.opts.Compact {
		for i, l := range lines {
			lines[i] = strings.TrimSpace(l)
		}

		return strings.Join(lines, ""), nil
	}

	return strings.Join(lines, "\n"), nil
}

type walker struct {
	src     []byte
	engine  *Sitter
	fc      *coverage.FileCoverage
	counter string
	rw      *rewriter
	anon    int
}

func (w *walker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

func rangeOf(n *sitter.Node) coverage.Range {
	start, end := n.StartPoint(), n.EndPoint()

	return coverage.Range{
		Start: coverage.Position{Line: int(start.Row) + 1, Column: int(start.Column)},
		End:   coverage.Position{Line: int(end.Row) + 1, Column: int(end.Column)},
	}
}

func (w *walker) visit(n *sitter.Node, depth int) {
	switch n.Type() {
	case "comment":
		if !w.engine.opts.PreserveComments {
			w.rw.remove(int(n.StartByte()), int(n.EndByte()))
		}

		return
	case "method_definition":
		if name := n.ChildByFieldName("name"); name != nil && w.engine.ignored[w.text(name)] {
			return
		}
	case "program", "statement_block":
		w.block(n, depth)
	case "if_statement":
		w.branch(n, depth)
	}

	if isFunction(n.Type()) {
		w.function(n, depth)
	}

	for i := range int(n.ChildCount()) {
		w.visit(n.Child(i), depth+1)
	}
}

func isFunction(typ string) bool {
	switch typ {
	case "function_declaration", "generator_function_declaration",
		"function", "function_expression", "generator_function",
		"arrow_function", "method_definition":
		return true
	}

	return false
}

func isStatement(typ string) bool {
	switch typ {
	case "import_statement", "empty_statement", "statement_block":
		return false
	case "function_declaration", "generator_function_declaration",
		"class_declaration", "lexical_declaration", "variable_declaration":
		return true
	}

	return strings.HasSuffix(typ, "_statement")
}

func isDirective(n *sitter.Node) bool {
	if n.Type() != "expression_statement" || n.NamedChildCount() == 0 {
		return false
	}

	return n.NamedChild(0).Type() == "string"
}

// directiveEnd returns the index of the first named child of a program or
// function body that is not part of the directive prologue, and the byte
// offset right after the prologue.
func directiveEnd(n *sitter.Node, open int) (int, int) {
	pos := open

	for i := range int(n.NamedChildCount()) {
		child := n.NamedChild(i)

		switch {
		case child.Type() == "comment" || child.Type() == "hash_bang_line":
			continue
		case isDirective(child):
			pos = int(child.EndByte())
		default:
			return i, pos
		}
	}

	return int(n.NamedChildCount()), pos
}

func (w *walker) headerPos(root *sitter.Node) int {
	pos := 0

	for i := range int(root.NamedChildCount()) {
		child := root.NamedChild(i)

		switch {
		case child.Type() == "hash_bang_line":
			pos = int(child.EndByte())
		case child.Type() == "comment":
			continue
		case isDirective(child):
			pos = int(child.EndByte())
		default:
			return pos
		}
	}

	return pos
}

func (w *walker) isBody(n *sitter.Node) bool {
	if n.Type() == "program" {
		return true
	}

	parent := n.Parent()

	return parent != nil && isFunction(parent.Type())
}

// block counts the statements directly inside a program or statement block.
func (w *walker) block(n *sitter.Node, depth int) {
	first := 0
	if w.isBody(n) {
		first, _ = directiveEnd(n, 0)
	}

	for i := first; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if !isStatement(child.Type()) {
			continue
		}

		w.statement(child, depth)
	}
}

func (w *walker) statement(n *sitter.Node, depth int) {
	idx := w.fc.AddStatement(rangeOf(n))
	start := int(n.StartByte())

	w.rw.open(start, depth, w.counter+".s["+strconv.Itoa(idx)+"]++;")
	w.rw.anchor(start)
}

func (w *walker) function(n *sitter.Node, depth int) {
	body := n.ChildByFieldName("body")
	if body == nil {
		return
	}

	fn := coverage.Function{Loc: rangeOf(n), Line: int(n.StartPoint().Row) + 1}

	if name := n.ChildByFieldName("name"); name != nil {
		fn.Name = w.text(name)
		fn.Decl = rangeOf(name)
	} else {
		fn.Name = "(anonymous_" + strconv.Itoa(w.anon) + ")"
		w.anon++
		fn.Decl = coverage.Range{Start: fn.Loc.Start, End: rangeOf(body).Start}
	}

	idx := w.fc.AddFunction(fn)
	count := w.counter + ".f[" + strconv.Itoa(idx) + "]++;"

	if body.Type() == "statement_block" {
		_, pos := directiveEnd(body, int(body.StartByte())+1)
		w.rw.open(pos, depth, count)

		return
	}

	// Expression-bodied arrow function.
	w.rw.open(int(body.StartByte()), depth, "{"+count+"return ")
	w.rw.close(int(body.EndByte()), depth, ";}")
}

// branch counts both arms of an if statement; a missing else arm is added.
func (w *walker) branch(n *sitter.Node, depth int) {
	cons := n.ChildByFieldName("consequence")
	if cons == nil {
		return
	}

	alt := n.ChildByFieldName("alternative")

	var altBody *sitter.Node

	if alt != nil {
		for i := range int(alt.NamedChildCount()) {
			if c := alt.NamedChild(i); c.Type() != "comment" {
				altBody = c

				break
			}
		}
	}

	br := coverage.Branch{Loc: rangeOf(n), Type: "if", Line: int(n.StartPoint().Row) + 1}
	br.Locations = []coverage.Range{rangeOf(cons), rangeOf(n)}

	if altBody != nil {
		br.Locations[1] = rangeOf(altBody)
	}

	idx := w.fc.AddBranch(br)
	arm := func(i int) string {
		return w.counter + ".b[" + strconv.Itoa(idx) + "][" + strconv.Itoa(i) + "]++;"
	}

	w.arm(cons, depth, arm(0))

	if altBody != nil {
		w.arm(altBody, depth, arm(1))

		return
	}

	w.rw.close(int(n.EndByte()), depth, " else {"+arm(1)+"}")
}

func (w *walker) arm(body *sitter.Node, depth int, count string) {
	if body.Type() == "statement_block" {
		w.rw.open(int(body.StartByte())+1, depth, count)

		return
	}

	if isStatement(body.Type()) && body.Type() != "if_statement" {
		idx := w.fc.AddStatement(rangeOf(body))
		count += w.counter + ".s[" + strconv.Itoa(idx) + "]++;"
		w.rw.anchor(int(body.StartByte()))
	}

	w.rw.open(int(body.StartByte()), depth, "{"+count)
	w.rw.close(int(body.EndByte()), depth, "}")
}
