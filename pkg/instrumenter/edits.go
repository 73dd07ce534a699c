package instrumenter

import (
	"slices"
	"strings"

	"github.com/calvinalkan/gonyc/pkg/sourcemaps"
)

type editKind uint8

// Edits at the same offset apply in this order.
const (
	kindCloser editKind = iota
	kindDelete
	kindOpener
)

type edit struct {
	pos   int
	end   int // deletions only
	kind  editKind
	depth int
	seq   int
	text  string
}

// rewriter applies edits to src while tracking generated positions so that
// a source map can be produced.
type rewriter struct {
	src   []byte
	edits []edit

	out     strings.Builder
	genLine int
	genCol  int

	srcLine int
	srcCol  int

	anchors []int // sorted original offsets that get a mapping
	gen     *sourcemaps.Generator
}

func (r *rewriter) add(e edit) {
	e.seq = len(r.edits)
	r.edits = append(r.edits, e)
}

func (r *rewriter) open(pos, depth int, text string) {
	r.add(edit{pos: pos, kind: kindOpener, depth: depth, text: text})
}

func (r *rewriter) close(pos, depth int, text string) {
	r.add(edit{pos: pos, kind: kindCloser, depth: depth, text: text})
}

func (r *rewriter) remove(pos, end int) {
	r.add(edit{pos: pos, end: end, kind: kindDelete})
}

func (r *rewriter) anchor(pos int) {
	r.anchors = append(r.anchors, pos)
}

// apply returns the rewritten source. Closers nest inside out, openers
// outside in.
func (r *rewriter) apply() string {
	slices.SortFunc(r.edits, func(a, b edit) int {
		if a.pos != b.pos {
			return a.pos - b.pos
		}

		if a.kind != b.kind {
			return int(a.kind) - int(b.kind)
		}

		if a.depth != b.depth {
			if a.kind == kindCloser {
				return b.depth - a.depth
			}

			return a.depth - b.depth
		}

		return a.seq - b.seq
	})

	slices.Sort(r.anchors)
	r.anchors = slices.Compact(r.anchors)

	r.genLine = 1
	r.srcLine = 1
	r.out.Grow(len(r.src) + len(r.edits)*24)

	cursor := 0

	for _, e := range r.edits {
		if e.pos < cursor {
			// Inside a deleted range.
			continue
		}

		r.copySrc(cursor, e.pos)
		cursor = e.pos

		if e.kind == kindDelete {
			r.skipSrc(cursor, e.end)
			cursor = max(cursor, e.end)

			continue
		}

		r.emit(e.text)
	}

	r.copySrc(cursor, len(r.src))

	return r.out.String()
}

func (r *rewriter) copySrc(from, to int) {
	if from >= to {
		return
	}

	if r.gen == nil {
		r.emit(string(r.src[from:to]))

		return
	}

	i, _ := slices.BinarySearch(r.anchors, from)

	for off := from; off < to; off++ {
		if i < len(r.anchors) && r.anchors[i] == off {
			r.gen.Add(sourcemaps.Mapping{GenLine: r.genLine, GenColumn: r.genCol, SrcLine: r.srcLine, SrcColumn: r.srcCol})
			i++
		}

		c := r.src[off]
		r.out.WriteByte(c)

		if c == '\n' {
			r.genLine++
			r.genCol = 0
			r.srcLine++
			r.srcCol = 0
		} else {
			r.genCol++
			r.srcCol++
		}
	}
}

// skipSrc advances the original position over a deleted range.
func (r *rewriter) skipSrc(from, to int) {
	for off := from; off < to && off < len(r.src); off++ {
		if r.src[off] == '\n' {
			r.srcLine++
			r.srcCol = 0
		} else {
			r.srcCol++
		}
	}
}

func (r *rewriter) emit(s string) {
	r.out.WriteString(s)

	if n := strings.Count(s, "\n"); n > 0 {
		r.genLine += n
		r.genCol = len(s) - strings.LastIndexByte(s, '\n') - 1
	} else {
		r.genCol += len(s)
	}
}
