package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/gonyc/internal/config"
	"github.com/calvinalkan/gonyc/pkg/coverage"
)

// RemapCmd returns the remap command.
func RemapCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("remap", flag.ContinueOnError),
		Usage: "remap <coverage.json> [output]",
		Args:  &Args{Required: []string{"coverage file"}, Optional: []string{"output"}},
		Short: "Translate coverage data to original sources",
		Long: `Reload the source maps cached for every entry of coverage.json and rewrite
its locations against the original sources. Writes JSON to output, or stdout.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execRemap(ctx, o, a, args)
		},
	}
}

func execRemap(ctx context.Context, o *IO, a *app, args []string) error {
	cfg, err := a.loadConfig(o, config.Overlay{}, config.Overlay{})
	if err != nil {
		return err
	}

	input := args[0]
	if !filepath.IsAbs(input) {
		input = filepath.Join(cfg.Cwd, input)
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read coverage: %w", err)
	}

	cov, err := coverage.Parse(data)
	if err != nil {
		return err
	}

	n, err := a.newNYC(o, cfg)
	if err != nil {
		return err
	}

	remapped, err := n.Remap(ctx, cov)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(remapped, "", "  ")
	if err != nil {
		return fmt.Errorf("encode coverage: %w", err)
	}

	if len(args) < 2 {
		o.Println(string(out))

		return nil
	}

	target := args[1]
	if !filepath.IsAbs(target) {
		target = filepath.Join(cfg.Cwd, target)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := atomic.WriteFile(target, bytes.NewReader(append(out, '\n'))); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}

	return nil
}
