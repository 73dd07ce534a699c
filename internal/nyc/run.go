package nyc

import (
	"context"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/gonyc/internal/pmap"
	"github.com/calvinalkan/gonyc/pkg/coverage"
)

// InstrumentAllFiles instruments input into output. A directory input is
// globbed through the selector and mirrored below output keeping relative
// paths and mode bits; a file input is instrumented alone. With an empty
// output every result is printed to stdout, one file at a time. Relative
// paths resolve against the configured cwd.
func (n *NYC) InstrumentAllFiles(ctx context.Context, input, output string) error {
	input = n.resolve(input)
	if output != "" {
		output = n.resolve(output)
	}

	info, err := n.fs.Stat(input)
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}

	before := n.Stats()

	if !info.IsDir() {
		target := ""
		if output != "" {
			target = filepath.Join(output, filepath.Base(input))
		}

		if err := n.visit(input, target); err != nil {
			return err
		}

		n.logSummary(before)

		return nil
	}

	files, err := n.exclude.Glob(ctx, input)
	if err != nil {
		return err
	}

	files = skipInside(input, files, output, n.cfg.CacheDir)

	concurrency := 1
	if output != "" {
		concurrency = n.concurrency
	}

	if n.cfg.CompleteCopy && output != "" {
		if err := n.completeCopy(ctx, input, output, concurrency); err != nil {
			return err
		}
	}

	err = pmap.Each(ctx, files, concurrency, func(_ context.Context, rel string) error {
		src := filepath.Join(input, filepath.FromSlash(rel))

		target := ""
		if output != "" {
			target = filepath.Join(output, filepath.FromSlash(rel))
		}

		return n.visit(src, target)
	})
	if err != nil {
		return err
	}

	n.logSummary(before)

	return nil
}

func (n *NYC) resolve(path string) string {
	if path == "" {
		return n.cfg.Cwd
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(n.cfg.Cwd, path)
	}

	return filepath.Clean(path)
}

// skipInside drops files that live in any of dirs below root, so a previous
// run's output is never instrumented again.
func skipInside(root string, files []string, dirs ...string) []string {
	var prefixes []string

	for _, dir := range dirs {
		if dir == "" {
			continue
		}

		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}

		prefixes = append(prefixes, filepath.ToSlash(rel)+"/")
	}

	if len(prefixes) == 0 {
		return files
	}

	var kept []string

	for _, file := range files {
		inside := false

		for _, prefix := range prefixes {
			if strings.HasPrefix(file, prefix) {
				inside = true

				break
			}
		}

		if !inside {
			kept = append(kept, file)
		}
	}

	return kept
}

// visit instruments src and writes the result to target, or stdout when
// target is empty.
func (n *NYC) visit(src, target string) error {
	code, err := n.fs.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	out, err := n.Transform(code, src)
	if err != nil {
		return err
	}

	if target == "" {
		n.stdoutMu.Lock()
		defer n.stdoutMu.Unlock()

		if _, err := fmt.Fprintln(n.stdout, string(out)); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}

		return nil
	}

	info, err := n.fs.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	return n.writeFile(target, out, info.Mode())
}

// writeFile atomically replaces target with data and applies mode, through
// the configured filesystem.
func (n *NYC) writeFile(target string, data []byte, mode os.FileMode) error {
	if err := n.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	opts := n.writer.DefaultOptions()
	opts.Perm = mode.Perm()

	if err := n.writer.WriteBytes(target, data, opts); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}

	return nil
}

// completeCopy copies every file below input, dotfiles included, into output.
// .git directories, output and the cache dir are skipped.
func (n *NYC) completeCopy(ctx context.Context, input, output string, concurrency int) error {
	var files []string

	walkErr := filepath.WalkDir(input, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if d.Name() == ".git" || path == output || path == n.cfg.CacheDir {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(input, path)
		if err != nil {
			return err
		}

		files = append(files, rel)

		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("complete copy: %w", walkErr)
	}

	return pmap.Each(ctx, files, concurrency, func(_ context.Context, rel string) error {
		src := filepath.Join(input, rel)

		data, err := n.fs.ReadFile(src)
		if err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}

		info, err := n.fs.Stat(src)
		if err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}

		if err := n.writeFile(filepath.Join(output, rel), data, info.Mode()); err != nil {
			return err
		}

		n.copied.Add(1)

		return nil
	})
}

func (n *NYC) logSummary(before RunStats) {
	after := n.Stats()

	n.log.Info("instrumentation finished",
		"files", after.Files-before.Files,
		"hits", after.Hits-before.Hits,
		"instrumented", after.Instrumented-before.Instrumented,
		"failed", after.Failed-before.Failed,
		"copied", after.Copied-before.Copied,
		"cacheWriteRetries", after.CacheWriteRetries-before.CacheWriteRetries,
	)
}

// StampContentHashes sets ContentHash on every entry whose file was
// transformed through the cache.
func (n *NYC) StampContentHashes(cov coverage.Map) {
	hashes := n.HashCache()

	for path, fc := range cov {
		if hash, ok := hashes[path]; ok && fc != nil {
			fc.ContentHash = hash
		}
	}
}

// Remap reloads the cached source maps of cov and translates it to original
// sources.
func (n *NYC) Remap(ctx context.Context, cov coverage.Map) (coverage.Map, error) {
	if err := n.sourceMaps.ReloadCachedSourceMaps(ctx, cov); err != nil {
		return nil, fmt.Errorf("reload source maps: %w", err)
	}

	return n.sourceMaps.RemapCoverage(ctx, cov)
}
