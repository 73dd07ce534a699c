package sourcemaps

import (
	"slices"
	"strings"
)

// Mapping links a generated position to an original one. Lines are 1-based,
// columns 0-based.
type Mapping struct {
	GenLine, GenColumn int
	SrcLine, SrcColumn int
}

// Generator accumulates mappings for a single-source map.
type Generator struct {
	mappings []Mapping
}

// Add records one mapping.
func (g *Generator) Add(m Mapping) {
	g.mappings = append(g.mappings, m)
}

// Len reports the number of recorded mappings.
func (g *Generator) Len() int { return len(g.mappings) }

// Build encodes the mappings as a map of file generated from source.
func (g *Generator) Build(file, source, content string) *SourceMap {
	ms := slices.Clone(g.mappings)
	slices.SortStableFunc(ms, func(a, b Mapping) int {
		if a.GenLine != b.GenLine {
			return a.GenLine - b.GenLine
		}

		return a.GenColumn - b.GenColumn
	})

	var (
		sb                      strings.Builder
		line                    = 1
		prevCol                 int
		prevSrcLine, prevSrcCol int
		first                   = true
	)

	for _, m := range ms {
		for line < m.GenLine {
			sb.WriteByte(';')
			line++
			prevCol = 0
			first = true
		}

		if !first {
			sb.WriteByte(',')
		}

		first = false

		writeVLQ(&sb, m.GenColumn-prevCol)
		writeVLQ(&sb, 0) // single source
		writeVLQ(&sb, (m.SrcLine-1)-prevSrcLine)
		writeVLQ(&sb, m.SrcColumn-prevSrcCol)

		prevCol = m.GenColumn
		prevSrcLine = m.SrcLine - 1
		prevSrcCol = m.SrcColumn
	}

	sm := &SourceMap{
		Version:  3,
		File:     file,
		Sources:  []string{source},
		Names:    []string{},
		Mappings: sb.String(),
	}

	if content != "" {
		sm.SourcesContent = []string{content}
	}

	return sm
}

const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// writeVLQ appends v as a base64 VLQ with the sign in the lowest bit.
func writeVLQ(sb *strings.Builder, v int) {
	u := v << 1
	if v < 0 {
		u = (-v << 1) | 1
	}

	for {
		digit := u & 0x1f
		u >>= 5

		if u > 0 {
			digit |= 0x20
		}

		sb.WriteByte(base64Digits[digit])

		if u == 0 {
			return
		}
	}
}
