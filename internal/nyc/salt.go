package nyc

import (
	"fmt"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/calvinalkan/gonyc/internal/config"
	"github.com/calvinalkan/gonyc/pkg/cachingtransform"
)

// invalidatingOptions are the settings that change instrumented output.
type invalidatingOptions struct {
	Compact            bool     `cbor:"compact"`
	ESModules          bool     `cbor:"esModules"`
	IgnoreClassMethods []string `cbor:"ignoreClassMethods"`
	Instrument         bool     `cbor:"instrument"`
	Instrumenter       string   `cbor:"instrumenter"`
	ParserPlugins      []string `cbor:"parserPlugins"`
	PreserveComments   bool     `cbor:"preserveComments"`
	ProduceSourceMap   bool     `cbor:"produceSourceMap"`
	SourceMap          bool     `cbor:"sourceMap"`
}

type saltDoc struct {
	Modules map[string]string   `cbor:"modules"`
	NYCRC   invalidatingOptions `cbor:"nycrc"`
}

var saltEncoder = sync.OnceValues(func() (cbor.EncMode, error) {
	return cbor.CoreDetEncOptions().EncMode()
})

// Salt encodes the engine and tool versions together with every invalidating
// option of cfg. Equal configurations always produce equal bytes.
func Salt(cfg config.Config) ([]byte, error) {
	engine, err := engineVersion(cfg)
	if err != nil {
		return nil, err
	}

	doc := saltDoc{
		Modules: map[string]string{
			"instrumenter": engine,
			"nyc":          cachingtransform.BuildVersion(),
		},
		NYCRC: invalidatingOptions{
			Compact:            cfg.Compact,
			ESModules:          cfg.ESModules,
			IgnoreClassMethods: ignoreClassMethods(cfg),
			Instrument:         cfg.Instrument,
			Instrumenter:       cfg.Instrumenter,
			ParserPlugins:      parserPlugins(cfg),
			PreserveComments:   cfg.PreserveComments,
			ProduceSourceMap:   cfg.ProduceSourceMap,
			SourceMap:          cfg.SourceMap,
		},
	}

	enc, err := saltEncoder()
	if err != nil {
		return nil, fmt.Errorf("salt encoder: %w", err)
	}

	data, err := enc.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode salt: %w", err)
	}

	return data, nil
}

// ignoreClassMethods drops empty entries.
func ignoreClassMethods(cfg config.Config) []string {
	return slices.DeleteFunc(slices.Clone(cfg.IgnoreClassMethod), func(s string) bool { return s == "" })
}

// parserPlugins always ends with "typescript".
func parserPlugins(cfg config.Config) []string {
	return append(slices.Clone(cfg.ParserPlugins), "typescript")
}
