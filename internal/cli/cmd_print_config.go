package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/gonyc/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Args:  &Args{},
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			cfg, err := a.loadConfig(o, config.Overlay{}, config.Overlay{})
			if err != nil {
				return err
			}

			return execPrintConfig(o, cfg)
		},
	}
}

func execPrintConfig(o *IO, cfg config.Config) error {
	formatted, err := config.FormatConfig(cfg)
	if err != nil {
		return err
	}

	o.Println(formatted)
	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			o.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			o.Println("project_config=" + cfg.Sources.Project)
		}
	}

	for _, key := range cfg.UnknownKeys {
		o.Println("ignored_key=" + key)
	}

	return nil
}
