package nyc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/calvinalkan/gonyc/internal/config"
	"github.com/calvinalkan/gonyc/pkg/coverage"
	"github.com/calvinalkan/gonyc/pkg/instrumenter"
	"github.com/calvinalkan/gonyc/pkg/sourcemaps"
)

// ErrUnknownInstrumenter is returned for an instrumenter name no engine
// answers to.
var ErrUnknownInstrumenter = errors.New("unknown instrumenter")

const passthroughVersion = "passthrough-1"

// engineFactory picks the engine for cfg. With instrument disabled every file
// passes through unchanged.
func engineFactory(cfg config.Config) (instrumenter.Factory, error) {
	if !cfg.Instrument {
		return func(instrumenter.Options) (instrumenter.Engine, error) { return passthrough{}, nil }, nil
	}

	switch strings.ToLower(cfg.Instrumenter) {
	case "", "sitter", "istanbul":
		return func(opts instrumenter.Options) (instrumenter.Engine, error) {
			return instrumenter.NewSitter(opts), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstrumenter, cfg.Instrumenter)
	}
}

func engineVersion(cfg config.Config) (string, error) {
	if !cfg.Instrument {
		return passthroughVersion, nil
	}

	if _, err := engineFactory(cfg); err != nil {
		return "", err
	}

	return instrumenter.SitterVersion, nil
}

// passthrough returns code unchanged with an empty coverage record.
type passthrough struct{}

func (passthrough) Instrument(code, filename string, _ *sourcemaps.SourceMap) (instrumenter.Result, error) {
	return instrumenter.Result{Code: code, Coverage: coverage.NewFileCoverage(filename)}, nil
}
