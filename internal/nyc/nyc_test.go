package nyc_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/gonyc/internal/config"
	"github.com/calvinalkan/gonyc/internal/nyc"
	"github.com/calvinalkan/gonyc/pkg/coverage"
	"github.com/calvinalkan/gonyc/pkg/fs"
	"github.com/calvinalkan/gonyc/pkg/instrumenter"
	"github.com/calvinalkan/gonyc/pkg/sourcemaps"
)

const plainFunction = "function add(a, b) {\n  return a + b;\n}\n"

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(data)
}

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Cwd = dir
	cfg.CacheDir = filepath.Join(dir, ".nyc_output", ".cache")

	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newNYC(t *testing.T, cfg config.Config, opts ...nyc.Option) *nyc.NYC {
	t.Helper()

	opts = append([]nyc.Option{nyc.WithLogger(discardLogger()), nyc.WithConcurrency(4)}, opts...)

	n, err := nyc.New(cfg, opts...)
	require.NoError(t, err)

	return n
}

type failingEngine struct{}

func (failingEngine) Instrument(string, string, *sourcemaps.SourceMap) (instrumenter.Result, error) {
	return instrumenter.Result{}, errors.New("engine exploded")
}

func failingFactory(instrumenter.Options) (instrumenter.Engine, error) {
	return failingEngine{}, nil
}

func Test_InstrumentAllFiles_Skips_Node_Modules_When_Defaults_Apply(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(dir, "a.js"), plainFunction, 0o644)
	writeFile(t, filepath.Join(dir, "node_modules", "b.js"), "module.exports = 1;\n", 0o644)

	n := newNYC(t, testConfig(dir))
	require.NoError(t, n.InstrumentAllFiles(context.Background(), dir, out))

	got := readFile(t, filepath.Join(out, "a.js"))
	if !strings.Contains(got, instrumenter.DefaultCoverageVariable) {
		t.Fatalf("a.js not instrumented:\n%s", got)
	}

	if _, err := os.Stat(filepath.Join(out, "node_modules", "b.js")); !os.IsNotExist(err) {
		t.Fatalf("node_modules/b.js must not be written, stat err=%v", err)
	}

	stats := n.Stats()
	if got, want := stats.Instrumented, int64(1); got != want {
		t.Fatalf("instrumented=%d, want=%d", got, want)
	}

	if stats.RunID == "" {
		t.Fatal("run id missing")
	}
}

func Test_InstrumentAllFiles_Copies_Everything_When_Complete_Copy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(dir, "a.js"), plainFunction, 0o644)
	writeFile(t, filepath.Join(dir, "node_modules", "b.js"), "module.exports = 1;\n", 0o644)
	writeFile(t, filepath.Join(dir, ".env"), "X=1\n", 0o600)
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref: main\n", 0o644)

	cfg := testConfig(dir)
	cfg.CompleteCopy = true

	n := newNYC(t, cfg)
	require.NoError(t, n.InstrumentAllFiles(context.Background(), dir, out))

	if got, want := readFile(t, filepath.Join(out, "node_modules", "b.js")), "module.exports = 1;\n"; got != want {
		t.Fatalf("b.js=%q, want verbatim copy %q", got, want)
	}

	if got, want := readFile(t, filepath.Join(out, ".env")), "X=1\n"; got != want {
		t.Fatalf(".env=%q, want=%q", got, want)
	}

	if _, err := os.Stat(filepath.Join(out, ".git")); !os.IsNotExist(err) {
		t.Fatalf(".git must not be copied, stat err=%v", err)
	}

	if !strings.Contains(readFile(t, filepath.Join(out, "a.js")), instrumenter.DefaultCoverageVariable) {
		t.Fatal("a.js must still be instrumented after the copy")
	}
}

func Test_InstrumentAllFiles_Preserves_Mode_Bits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(dir, "bin", "cli.js"), "#!/usr/bin/env node\nrun();\n", 0o755)

	n := newNYC(t, testConfig(dir))
	require.NoError(t, n.InstrumentAllFiles(context.Background(), dir, out))

	info, err := os.Stat(filepath.Join(out, "bin", "cli.js"))
	require.NoError(t, err)

	if got, want := info.Mode().Perm(), os.FileMode(0o755); got != want {
		t.Fatalf("mode=%v, want=%v", got, want)
	}

	if !strings.HasPrefix(readFile(t, filepath.Join(out, "bin", "cli.js")), "#!/usr/bin/env node\n") {
		t.Fatal("hashbang must stay on the first line")
	}
}

func Test_InstrumentAllFiles_Ignores_Previous_Output_Inside_Input(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), plainFunction, 0o644)

	n := newNYC(t, testConfig(dir))
	require.NoError(t, n.InstrumentAllFiles(context.Background(), dir, config.DefaultInstrumentDir))
	require.NoError(t, n.InstrumentAllFiles(context.Background(), dir, config.DefaultInstrumentDir))

	nested := filepath.Join(dir, ".nyc_output", ".instrumented", ".nyc_output")
	if _, err := os.Stat(nested); !os.IsNotExist(err) {
		t.Fatalf("previous output was instrumented again, stat err=%v", err)
	}

	if got, want := n.Stats().Files, int64(2); got != want {
		t.Fatalf("files=%d, want=%d", got, want)
	}
}

func Test_InstrumentAllFiles_Prints_To_Stdout_When_No_Output(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), plainFunction, 0o644)
	writeFile(t, filepath.Join(dir, "b.js"), "b();\n", 0o644)

	var stdout bytes.Buffer

	n := newNYC(t, testConfig(dir), nyc.WithStdout(&stdout))
	require.NoError(t, n.InstrumentAllFiles(context.Background(), dir, ""))

	if got, want := strings.Count(stdout.String(), "var cov_"), 2; got != want {
		t.Fatalf("printed headers=%d, want=%d\n%s", got, want, stdout.String())
	}
}

func Test_InstrumentAllFiles_Handles_Single_File_Input(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	writeFile(t, filepath.Join(dir, "lib", "a.js"), plainFunction, 0o644)

	n := newNYC(t, testConfig(dir))
	require.NoError(t, n.InstrumentAllFiles(context.Background(), "lib/a.js", out))

	if !strings.Contains(readFile(t, filepath.Join(out, "a.js")), instrumenter.DefaultCoverageVariable) {
		t.Fatal("single file not instrumented")
	}
}

func Test_Transform_Hits_Cache_Across_Instances_When_Child_Process(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.IsChildProcess = true

	file := filepath.Join(dir, "a.js")

	first := newNYC(t, cfg)
	want, err := first.Transform([]byte(plainFunction), file)
	require.NoError(t, err)

	second := newNYC(t, cfg)
	got, err := second.Transform([]byte(plainFunction), file)
	require.NoError(t, err)

	if diff := cmp.Diff(string(want), string(got)); diff != "" {
		t.Fatalf("cached output differs (-want +got):\n%s", diff)
	}

	if got, want := second.Stats().Hits, int64(1); got != want {
		t.Fatalf("hits=%d, want=%d", got, want)
	}

	key := second.HashCache()[file]
	if key == "" {
		t.Fatal("hash cache missing entry")
	}

	if _, err := os.Stat(filepath.Join(cfg.CacheDir, "a-"+key+".js")); err != nil {
		t.Fatalf("cached artifact missing: %v", err)
	}
}

func Test_Transform_Skips_Cache_When_Not_Child_Process(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)

	n := newNYC(t, cfg)

	for range 2 {
		_, err := n.Transform([]byte(plainFunction), filepath.Join(dir, "a.js"))
		require.NoError(t, err)
	}

	if got, want := n.Stats().Instrumented, int64(2); got != want {
		t.Fatalf("instrumented=%d, want=%d", got, want)
	}

	if _, err := os.Stat(cfg.CacheDir); !os.IsNotExist(err) {
		t.Fatalf("cache dir must not be created, stat err=%v", err)
	}
}

func Test_Transform_Returns_Input_For_Unhandled_Extension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n := newNYC(t, testConfig(dir))

	got, err := n.Transform([]byte("body {}"), filepath.Join(dir, "a.css"))
	require.NoError(t, err)

	if got, want := string(got), "body {}"; got != want {
		t.Fatalf("out=%q, want=%q", got, want)
	}

	if got, want := n.Stats().Files, int64(0); got != want {
		t.Fatalf("files=%d, want=%d", got, want)
	}
}

func Test_Transform_Falls_Back_To_Original_Code_When_Engine_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n := newNYC(t, testConfig(dir), nyc.WithEngineFactory(failingFactory))

	got, err := n.Transform([]byte("a();"), filepath.Join(dir, "a.js"))
	require.NoError(t, err)

	if got, want := string(got), "a();"; got != want {
		t.Fatalf("out=%q, want=%q", got, want)
	}

	if got, want := n.Stats().Failed, int64(1); got != want {
		t.Fatalf("failed=%d, want=%d", got, want)
	}
}

func Test_Transform_Logs_Failure_When_Verbose_Error(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.VerboseError = true

	var logs bytes.Buffer

	n := newNYC(t, cfg,
		nyc.WithEngineFactory(failingFactory),
		nyc.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)

	_, err := n.Transform([]byte("a();"), filepath.Join(dir, "a.js"))
	require.NoError(t, err)

	require.Contains(t, logs.String(), "level=ERROR")
	require.Contains(t, logs.String(), "engine exploded")
}

func Test_InstrumentAllFiles_Aborts_When_Exit_On_Error(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), "a();\n", 0o644)

	cfg := testConfig(dir)
	cfg.ExitOnError = true

	n := newNYC(t, cfg, nyc.WithEngineFactory(failingFactory))

	err := n.InstrumentAllFiles(context.Background(), dir, filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, nyc.ErrInstrumentFailed)
}

func Test_New_Lowercases_And_Deduplicates_Extensions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	cfg.Extension = []string{".MJS", ".js", ".mjs"}

	n := newNYC(t, cfg)

	if diff := cmp.Diff([]string{".mjs", ".js"}, n.Extensions()); diff != "" {
		t.Fatalf("extensions mismatch (-want +got):\n%s", diff)
	}
}

func Test_New_Fails_For_Unknown_Instrumenter(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	cfg.Instrumenter = "babel"

	_, err := nyc.New(cfg, nyc.WithLogger(discardLogger()))
	require.ErrorIs(t, err, nyc.ErrUnknownInstrumenter)
}

func Test_Transform_Passes_Through_When_Instrument_Disabled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Instrument = false

	n := newNYC(t, cfg)

	got, err := n.Transform([]byte(plainFunction), filepath.Join(dir, "a.js"))
	require.NoError(t, err)

	if got, want := string(got), plainFunction; got != want {
		t.Fatalf("out=%q, want unchanged", got)
	}
}

func Test_Salt_Changes_Only_With_Invalidating_Options(t *testing.T) {
	t.Parallel()

	base := testConfig("/p")

	salt := func(cfg config.Config) string {
		t.Helper()

		s, err := nyc.Salt(cfg)
		require.NoError(t, err)

		return string(s)
	}

	if salt(base) != salt(base) {
		t.Fatal("salt must be deterministic")
	}

	same := base
	same.ExitOnError = true
	same.Include = []string{"src/**"}

	if salt(same) != salt(base) {
		t.Fatal("non-invalidating options must not change the salt")
	}

	mutations := map[string]func(*config.Config){
		"compact":            func(c *config.Config) { c.Compact = true },
		"esModules":          func(c *config.Config) { c.ESModules = !c.ESModules },
		"ignoreClassMethods": func(c *config.Config) { c.IgnoreClassMethod = []string{"render"} },
		"instrument":         func(c *config.Config) { c.Instrument = false },
		"parserPlugins":      func(c *config.Config) { c.ParserPlugins = []string{"jsx"} },
		"preserveComments":   func(c *config.Config) { c.PreserveComments = true },
		"produceSourceMap":   func(c *config.Config) { c.ProduceSourceMap = true },
		"sourceMap":          func(c *config.Config) { c.SourceMap = false },
	}

	for name, mutate := range mutations {
		cfg := base
		mutate(&cfg)

		if salt(cfg) == salt(base) {
			t.Errorf("%s did not change the salt", name)
		}
	}
}

func Test_Remap_Uses_Maps_Persisted_During_Instrumentation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.IsChildProcess = true

	var g sourcemaps.Generator
	g.Add(sourcemaps.Mapping{GenLine: 1, GenColumn: 0, SrcLine: 3, SrcColumn: 2})

	comment, err := g.Build("a.js", "a.ts", "").Comment()
	require.NoError(t, err)

	file := filepath.Join(dir, "a.js")
	code := "var a = 1;\n" + comment + "\n"

	first := newNYC(t, cfg)
	_, err = first.Transform([]byte(code), file)
	require.NoError(t, err)

	key := first.HashCache()[file]
	if _, err := os.Stat(first.SourceMaps().CachedPath(file, key)); err != nil {
		t.Fatalf("source map not persisted: %v", err)
	}

	fc := coverage.NewFileCoverage(file)
	fc.AddStatement(coverage.Range{Start: coverage.Position{Line: 1, Column: 0}, End: coverage.Position{Line: 1, Column: 3}})
	fc.S["0"] = 2

	cov := coverage.Map{file: fc}
	first.StampContentHashes(cov)

	if got, want := fc.ContentHash, key; got != want {
		t.Fatalf("contentHash=%q, want=%q", got, want)
	}

	second := newNYC(t, cfg)

	remapped, err := second.Remap(context.Background(), cov)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{filepath.Join(dir, "a.ts")}, remapped.Files()); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	if got, want := remapped[filepath.Join(dir, "a.ts")].S["0"], 2; got != want {
		t.Fatalf("count=%d, want=%d", got, want)
	}
}

func Test_InstrumentAllFiles_Writes_Output_Through_Configured_FS(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(dir, "a.js"), plainFunction, 0o644)

	faulty := fs.NewFaulty(fs.NewReal())
	faulty.FailAlways(fs.OpRename, fs.ErrInjected)

	n := newNYC(t, testConfig(dir), nyc.WithFS(faulty))

	err := n.InstrumentAllFiles(context.Background(), dir, out)
	if !errors.Is(err, fs.ErrInjected) {
		t.Fatalf("err=%v, want=%v", err, fs.ErrInjected)
	}

	if got := faulty.Calls(fs.OpMkdirAll); got == 0 {
		t.Fatal("output dir not created through the configured FS")
	}

	entries, err := os.ReadDir(out)
	require.NoError(t, err)

	if len(entries) != 0 {
		t.Fatalf("output must be empty after a failed commit, got %d entries", len(entries))
	}
}
