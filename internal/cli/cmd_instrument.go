package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/gonyc/internal/config"
)

// InstrumentCmd returns the instrument command.
func InstrumentCmd(a *app) *Command {
	flags := flag.NewFlagSet("instrument", flag.ContinueOnError)
	verboseError := flags.Bool("verbose-error", false, "Log files that fail to instrument")
	completeCopy := flags.Bool("complete-copy", false, "Copy every file of input to output, not only instrumented ones")
	exitOnError := flags.Bool("exit-on-error", false, "Stop at the first file that fails to instrument")

	return &Command{
		Flags: flags,
		Usage: "instrument [input] [output]",
		Args:  &Args{Optional: []string{"input", "output"}},
		Short: "Instrument a file or directory",
		Long: `Instrument input (default: the working directory) into output
(default: ` + config.DefaultInstrumentDir + `). Use "-" as output to print to stdout.
Files that fail to instrument are copied unchanged unless --exit-on-error is set.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			overrides := config.Overlay{}
			if flags.Changed("verbose-error") {
				overrides.VerboseError = verboseError
			}

			if flags.Changed("complete-copy") {
				overrides.CompleteCopy = completeCopy
			}

			if flags.Changed("exit-on-error") {
				overrides.ExitOnError = exitOnError
			}

			return execInstrument(ctx, o, a, args, overrides)
		},
	}
}

func execInstrument(ctx context.Context, o *IO, a *app, args []string, overrides config.Overlay) error {
	input := ""
	if len(args) > 0 {
		input = args[0]
	}

	output := config.DefaultInstrumentDir
	if len(args) > 1 {
		output = args[1]
	}

	if output == "-" {
		output = ""
	}

	isChild := true

	cfg, err := a.loadConfig(o, config.Overlay{IsChildProcess: &isChild}, overrides)
	if err != nil {
		return err
	}

	n, err := a.newNYC(o, cfg)
	if err != nil {
		return err
	}

	return n.InstrumentAllFiles(ctx, input, output)
}
