// Package config loads the layered nyc configuration: defaults, a global user
// file, the project .nycrc and command line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/gonyc/pkg/cachingtransform"
)

const (
	// OutputDir holds everything a run writes.
	OutputDir = ".nyc_output"
	// DefaultCacheDir is the cache location relative to the project root.
	DefaultCacheDir = OutputDir + "/.cache"
	// DefaultInstrumentDir is where instrumented trees go when no output is given.
	DefaultInstrumentDir = OutputDir + "/.instrumented"
)

// ProjectFileNames are probed in order; the first existing one is loaded.
var ProjectFileNames = []string{".nycrc", ".nycrc.json", ".nycrc.yml", ".nycrc.yaml"}

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrInvalidValue       = errors.New("invalid value")
)

// Config holds every recognised option with defaults applied.
type Config struct {
	Cwd                string   `json:"cwd"`
	Include            []string `json:"include"`
	Exclude            []string `json:"exclude"`
	ExcludeNodeModules bool     `json:"excludeNodeModules"`
	Extension          []string `json:"extension"`

	Cache          bool   `json:"cache"`
	CacheDir       string `json:"cacheDir"`
	Eager          bool   `json:"eager"`
	IsChildProcess bool   `json:"isChildProcess"`

	SourceMap          bool     `json:"sourceMap"`
	Compact            bool     `json:"compact"`
	PreserveComments   bool     `json:"preserveComments"`
	ProduceSourceMap   bool     `json:"produceSourceMap"`
	IgnoreClassMethod  []string `json:"ignoreClassMethod"`
	ParserPlugins      []string `json:"parserPlugins"`
	ESModules          bool     `json:"esModules"`
	Instrument         bool     `json:"instrument"`
	Instrumenter       string   `json:"instrumenter"`
	CacheHashAlgorithm string   `json:"cacheHashAlgorithm"`
	CacheCompression   string   `json:"cacheCompression"`

	ExitOnError  bool `json:"exitOnError"`
	VerboseError bool `json:"verboseError"`
	CompleteCopy bool `json:"completeCopy"`

	LogLevel string `json:"logLevel"`

	// UnknownKeys lists keys found in config files that no field accepts.
	// They are reported, never applied.
	UnknownKeys []string `json:"-"`

	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string
	Project string
}

// Default returns the configuration used when no file sets a value.
func Default() Config {
	return Config{
		Extension:          []string{".js"},
		ExcludeNodeModules: true,
		Cache:              true,
		CacheDir:           DefaultCacheDir,
		SourceMap:          true,
		ESModules:          true,
		Instrument:         true,
		Instrumenter:       "sitter",
		CacheHashAlgorithm: "sha256",
		CacheCompression:   "none",
		LogLevel:           "warn",
	}
}

// Level returns the parsed log level, warn when unset.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelWarn
	}

	return level
}

// Overlay holds optionally set values. Nil fields leave the base untouched.
// Config files decode into an Overlay; the CLI builds one for its flags.
type Overlay struct {
	Cwd                *string    `json:"cwd"                yaml:"cwd"`
	Include            StringList `json:"include"            yaml:"include"`
	Exclude            StringList `json:"exclude"            yaml:"exclude"`
	ExcludeNodeModules *bool      `json:"excludeNodeModules" yaml:"excludeNodeModules"`
	Extension          StringList `json:"extension"          yaml:"extension"`

	Cache          *bool   `json:"cache"          yaml:"cache"`
	CacheDir       *string `json:"cacheDir"       yaml:"cacheDir"`
	Eager          *bool   `json:"eager"          yaml:"eager"`
	IsChildProcess *bool   `json:"isChildProcess" yaml:"isChildProcess"`

	SourceMap          *bool      `json:"sourceMap"          yaml:"sourceMap"`
	Compact            *bool      `json:"compact"            yaml:"compact"`
	PreserveComments   *bool      `json:"preserveComments"   yaml:"preserveComments"`
	ProduceSourceMap   *bool      `json:"produceSourceMap"   yaml:"produceSourceMap"`
	IgnoreClassMethod  StringList `json:"ignoreClassMethod"  yaml:"ignoreClassMethod"`
	IgnoreClassMethods StringList `json:"ignoreClassMethods" yaml:"ignoreClassMethods"`
	ParserPlugins      StringList `json:"parserPlugins"      yaml:"parserPlugins"`
	ESModules          *bool      `json:"esModules"          yaml:"esModules"`
	Instrument         *bool      `json:"instrument"         yaml:"instrument"`
	Instrumenter       *string    `json:"instrumenter"       yaml:"instrumenter"`
	CacheHashAlgorithm *string    `json:"cacheHashAlgorithm" yaml:"cacheHashAlgorithm"`
	CacheCompression   *string    `json:"cacheCompression"   yaml:"cacheCompression"`

	ExitOnError  *bool `json:"exitOnError"  yaml:"exitOnError"`
	VerboseError *bool `json:"verboseError" yaml:"verboseError"`
	CompleteCopy *bool `json:"completeCopy" yaml:"completeCopy"`

	LogLevel *string `json:"logLevel" yaml:"logLevel"`
}

// knownKeys mirrors the Overlay json tags.
var knownKeys = []string{
	"cwd", "include", "exclude", "excludeNodeModules", "extension",
	"cache", "cacheDir", "eager", "isChildProcess",
	"sourceMap", "compact", "preserveComments", "produceSourceMap",
	"ignoreClassMethod", "ignoreClassMethods", "parserPlugins", "esModules",
	"instrument", "instrumenter", "cacheHashAlgorithm", "cacheCompression",
	"exitOnError", "verboseError", "completeCopy", "logLevel",
}

// Apply merges o over cfg.
func (o Overlay) Apply(cfg Config) Config {
	setString(&cfg.Cwd, o.Cwd)
	setList(&cfg.Include, o.Include)
	setList(&cfg.Exclude, o.Exclude)
	setBool(&cfg.ExcludeNodeModules, o.ExcludeNodeModules)
	setList(&cfg.Extension, o.Extension)

	setBool(&cfg.Cache, o.Cache)
	setString(&cfg.CacheDir, o.CacheDir)
	setBool(&cfg.Eager, o.Eager)
	setBool(&cfg.IsChildProcess, o.IsChildProcess)

	setBool(&cfg.SourceMap, o.SourceMap)
	setBool(&cfg.Compact, o.Compact)
	setBool(&cfg.PreserveComments, o.PreserveComments)
	setBool(&cfg.ProduceSourceMap, o.ProduceSourceMap)
	setList(&cfg.IgnoreClassMethod, o.IgnoreClassMethods)
	setList(&cfg.IgnoreClassMethod, o.IgnoreClassMethod)
	setList(&cfg.ParserPlugins, o.ParserPlugins)
	setBool(&cfg.ESModules, o.ESModules)
	setBool(&cfg.Instrument, o.Instrument)
	setString(&cfg.Instrumenter, o.Instrumenter)
	setString(&cfg.CacheHashAlgorithm, o.CacheHashAlgorithm)
	setString(&cfg.CacheCompression, o.CacheCompression)

	setBool(&cfg.ExitOnError, o.ExitOnError)
	setBool(&cfg.VerboseError, o.VerboseError)
	setBool(&cfg.CompleteCopy, o.CompleteCopy)

	setString(&cfg.LogLevel, o.LogLevel)

	return cfg
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setList(dst *[]string, v StringList) {
	if v != nil {
		*dst = slices.Clone([]string(v))
	}
}

// StringList accepts either a single string or a list of strings.
type StringList []string

// UnmarshalJSON implements [json.Unmarshaler].
func (l *StringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}

		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("want string or list of strings: %w", err)
	}

	*l = StringList(list)
	if *l == nil {
		*l = StringList{}
	}

	return nil
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = StringList{node.Value}

		return nil
	}

	var list []string
	if err := node.Decode(&list); err != nil {
		return fmt.Errorf("want string or list of strings: %w", err)
	}

	*l = StringList(list)
	if *l == nil {
		*l = StringList{}
	}

	return nil
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDir    string            // -C/--cwd flag value; os.Getwd when empty
	ConfigPath string            // --config flag value
	Defaults   Overlay           // caller defaults, below every file
	Overrides  Overlay           // command line flags
	Env        map[string]string // environment variables
}

// Load builds the configuration with the following precedence (highest wins):
// 1. Defaults, then LoadInput.Defaults
// 2. Global user config ($XDG_CONFIG_HOME/gonyc/config.json or ~/.config/gonyc/config.json)
// 3. Project config (first of .nycrc, .nycrc.json, .nycrc.yml, .nycrc.yaml)
// 4. Explicit config file via ConfigPath, replacing the project lookup
// 5. Overrides.
//
// Cwd and CacheDir are resolved to absolute paths.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return Config{}, fmt.Errorf("cannot resolve working directory: %w", err)
	}

	cfg := input.Defaults.Apply(Default())

	var unknown []string

	if path := globalConfigPath(input.Env); path != "" {
		overlay, keys, loaded, loadErr := loadFile(path, false)
		if loadErr != nil {
			return Config{}, loadErr
		}

		if loaded {
			cfg = overlay.Apply(cfg)
			cfg.Sources.Global = path
			unknown = append(unknown, keys...)
		}
	}

	overlay, path, keys, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	if path != "" {
		cfg = overlay.Apply(cfg)
		cfg.Sources.Project = path
		unknown = append(unknown, keys...)
	}

	cfg = input.Overrides.Apply(cfg)

	slices.Sort(unknown)
	cfg.UnknownKeys = slices.Compact(unknown)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return resolvePaths(cfg, workDir), nil
}

func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "gonyc", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "gonyc", "config.json")
	}

	return ""
}

// loadProjectConfig loads the explicit config file, or the first project file
// found in workDir. An empty path means nothing was loaded.
func loadProjectConfig(workDir, configPath string) (Overlay, string, []string, error) {
	if configPath != "" {
		path := configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		if _, err := os.Stat(path); err != nil {
			return Overlay{}, "", nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}

		overlay, keys, _, err := loadFile(path, true)
		if err != nil {
			return Overlay{}, "", nil, err
		}

		return overlay, path, keys, nil
	}

	for _, name := range ProjectFileNames {
		path := filepath.Join(workDir, name)

		overlay, keys, loaded, err := loadFile(path, false)
		if err != nil {
			return Overlay{}, "", nil, err
		}

		if loaded {
			return overlay, path, keys, nil
		}
	}

	return Overlay{}, "", nil, nil
}

// loadFile reads and parses one config file. Missing files report
// loaded=false unless mustExist is set.
func loadFile(path string, mustExist bool) (Overlay, []string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Overlay{}, nil, false, nil
		}

		return Overlay{}, nil, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	parse := parseJSON
	if ext := filepath.Ext(path); ext == ".yml" || ext == ".yaml" {
		parse = parseYAML
	}

	overlay, unknown, err := parse(data)
	if err != nil {
		return Overlay{}, nil, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return overlay, unknown, true, nil
}

func parseJSON(data []byte) (Overlay, []string, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Overlay{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var overlay Overlay
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Overlay{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var raw map[string]json.RawMessage

	_ = json.Unmarshal(standardized, &raw)

	return overlay, unknownKeys(raw), nil
}

func parseYAML(data []byte) (Overlay, []string, error) {
	var overlay Overlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Overlay{}, nil, fmt.Errorf("invalid YAML: %w", err)
	}

	var raw map[string]any

	_ = yaml.Unmarshal(data, &raw)

	return overlay, unknownKeys(raw), nil
}

func unknownKeys[V any](raw map[string]V) []string {
	var unknown []string

	for key := range raw {
		if !slices.Contains(knownKeys, key) {
			unknown = append(unknown, key)
		}
	}

	slices.Sort(unknown)

	return unknown
}

func validate(cfg Config) error {
	if _, err := cachingtransform.ParseCompression(cfg.CacheCompression); err != nil {
		return fmt.Errorf("%w: cacheCompression: %w", ErrInvalidValue, err)
	}

	if _, err := cachingtransform.ParseKeyAlgorithm(cfg.CacheHashAlgorithm); err != nil {
		return fmt.Errorf("%w: cacheHashAlgorithm: %w", ErrInvalidValue, err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("%w: logLevel %q", ErrInvalidValue, cfg.LogLevel)
	}

	return nil
}

// resolvePaths makes Cwd absolute against workDir and CacheDir absolute
// against Cwd. A blank CacheDir falls back to the default.
func resolvePaths(cfg Config, workDir string) Config {
	switch {
	case cfg.Cwd == "":
		cfg.Cwd = workDir
	case !filepath.IsAbs(cfg.Cwd):
		cfg.Cwd = filepath.Join(workDir, cfg.Cwd)
	}

	cfg.Cwd = filepath.Clean(cfg.Cwd)

	if strings.TrimSpace(cfg.CacheDir) == "" {
		cfg.CacheDir = DefaultCacheDir
	}

	if !filepath.IsAbs(cfg.CacheDir) {
		cfg.CacheDir = filepath.Join(cfg.Cwd, filepath.FromSlash(cfg.CacheDir))
	}

	return cfg
}

// FormatConfig returns the config as indented JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cannot format config: %w", err)
	}

	return string(data), nil
}
