package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/gonyc/internal/config"
	"github.com/calvinalkan/gonyc/internal/nyc"
)

// ExecCmd returns the default command: instrument the working directory, then
// run a program inside the instrumented tree. Its flags are the global
// --verbose-error, --complete-copy and --exit-on-error.
func ExecCmd(a *app) *Command {
	flags := flag.NewFlagSet("exec", flag.ContinueOnError)
	flags.SetInterspersed(false)

	return &Command{
		Flags: flags,
		Usage: "<program> [args]",
		Args:  &Args{Required: []string{"program"}, Variadic: true},
		Short: "Instrument the working directory and run program in it",
		Long: `Instrument the working directory into ` + config.DefaultInstrumentDir + `,
then run program from there. The exit code of program is returned.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execProgram(ctx, o, a, args, a.runOverrides)
		},
	}
}

func execProgram(ctx context.Context, o *IO, a *app, args []string, overrides config.Overlay) error {
	isChild := true

	cfg, err := a.loadConfig(o, config.Overlay{IsChildProcess: &isChild}, overrides)
	if err != nil {
		return err
	}

	n, err := a.newNYC(o, cfg)
	if err != nil {
		return err
	}

	output := filepath.Join(cfg.Cwd, filepath.FromSlash(config.DefaultInstrumentDir))

	if err := n.InstrumentAllFiles(ctx, cfg.Cwd, output); err != nil {
		if errors.Is(err, nyc.ErrInstrumentFailed) || ctx.Err() != nil {
			return err
		}

		o.Warn("instrumentation incomplete: "+err.Error(), "the program ran against a partial tree")
	}

	if err := os.MkdirAll(output, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = output
	cmd.Stdin = a.stdin
	cmd.Stdout = o.Out()
	cmd.Stderr = o.ErrOut()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}

	a.relay.setChild(cmd.Process)
	defer a.relay.setChild(nil)

	err = cmd.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &exitCodeError{code: max(exitErr.ExitCode(), 1)}
	}

	if err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}

	return nil
}
