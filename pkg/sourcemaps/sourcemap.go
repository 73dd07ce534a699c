package sourcemaps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/viant/afs"
)

// ErrInvalidSourceMap is returned when a document is not a version 3 source map.
var ErrInvalidSourceMap = errors.New("invalid source map")

// SourceMap is a version 3 source map document.
type SourceMap struct {
	Version        int      `json:"version"`
	File           string   `json:"file,omitempty"`
	SourceRoot     string   `json:"sourceRoot,omitempty"`
	Sources        []string `json:"sources"`
	SourcesContent []string `json:"sourcesContent,omitempty"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
}

// Parse decodes a source map document.
func Parse(data []byte) (*SourceMap, error) {
	var m SourceMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSourceMap, err)
	}

	if m.Version != 3 {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidSourceMap, m.Version)
	}

	return &m, nil
}

// JSON encodes the map.
func (m *SourceMap) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// Comment renders the map as a trailing inline sourceMappingURL comment.
func (m *SourceMap) Comment() (string, error) {
	data, err := m.JSON()
	if err != nil {
		return "", err
	}

	return "//# sourceMappingURL=data:application/json;charset=utf-8;base64," +
		base64.StdEncoding.EncodeToString(data), nil
}

var (
	inlineMapRE = regexp.MustCompile(`(?m)^\s*/[/*][@#]\s+sourceMappingURL=data:(?:application|text)/json(?:;charset[=:][^;,]+)?;base64,([A-Za-z0-9+/=]+)`)
	mapFileRE   = regexp.MustCompile(`(?m)(?://[@#][ \t]+sourceMappingURL=([^\s'"]+)[ \t]*$)|(?:/\*[@#][ \t]+sourceMappingURL=([^*]+?)[ \t]*\*/[ \t]*$)`)
)

// Extract finds the source map of code: an inline base64 data URI, or a
// sidecar file referenced relative to filename's directory. The last
// reference in the file wins. Missing or unreadable maps report false.
func Extract(code, filename string) (*SourceMap, bool) {
	return extract(context.Background(), afs.New(), code, filename)
}

func extract(ctx context.Context, loader afs.Service, code, filename string) (*SourceMap, bool) {
	if matches := inlineMapRE.FindAllStringSubmatch(code, -1); len(matches) > 0 {
		data, err := base64.StdEncoding.DecodeString(matches[len(matches)-1][1])
		if err != nil {
			return nil, false
		}

		m, err := Parse(data)

		return m, err == nil
	}

	matches := mapFileRE.FindAllStringSubmatch(code, -1)
	if len(matches) == 0 {
		return nil, false
	}

	last := matches[len(matches)-1]

	ref := last[1]
	if ref == "" {
		ref = strings.TrimSpace(last[2])
	}

	if ref == "" || strings.HasPrefix(ref, "data:") {
		return nil, false
	}

	location := ref
	if !strings.Contains(ref, "://") {
		if unescaped, err := url.PathUnescape(ref); err == nil {
			ref = unescaped
		}

		location = filepath.Join(filepath.Dir(filename), filepath.FromSlash(ref))
	}

	data, err := loader.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, false
	}

	m, err := Parse(data)

	return m, err == nil
}
