package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/gonyc/internal/config"
	"github.com/calvinalkan/gonyc/internal/nyc"
	"github.com/calvinalkan/gonyc/pkg/fs"
)

// Run is the main entry point. Returns exit code.
//
// Signals received on sigCh cancel in-flight work and remove live temp files,
// or are forwarded to the child process while one runs.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	o := NewIO(out, errOut)
	defer o.Finish()

	globals := flag.NewFlagSet("nyc", flag.ContinueOnError)
	globals.SetOutput(&strings.Builder{})
	globals.SetInterspersed(false)

	help := globals.BoolP("help", "h", false, "Show help")
	cwd := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	logLevel := globals.String("log-level", "", "Log `level`: debug, info, warn, error")
	verboseError := globals.Bool("verbose-error", false, "Log files that fail to instrument")
	completeCopy := globals.Bool("complete-copy", false, "Copy every file into the instrumented tree")
	exitOnError := globals.Bool("exit-on-error", false, "Do not run the program if a file fails to instrument")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globals.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(o, globals, nil)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		o.ErrPrintln("Global flags:")
		o.ErrPrintln(globals.FlagUsages())

		return 1
	}

	a := &app{
		stdin:      stdin,
		env:        env,
		workDir:    *cwd,
		configPath: *configPath,
	}

	if *logLevel != "" {
		a.logLevel = logLevel
	}

	if globals.Changed("verbose-error") {
		a.runOverrides.VerboseError = verboseError
	}

	if globals.Changed("complete-copy") {
		a.runOverrides.CompleteCopy = completeCopy
	}

	if globals.Changed("exit-on-error") {
		a.runOverrides.ExitOnError = exitOnError
	}

	commands := []*Command{
		InstrumentCmd(a),
		RemapCmd(a),
		PrintConfigCmd(a),
	}

	rest := globals.Args()
	if *help || len(rest) == 0 {
		printUsage(o, globals, commands)

		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.relay = newSignalRelay(sigCh, cancel)
	defer a.relay.Stop()

	defer func() { _ = fs.DefaultTempRegistry.Cleanup() }()

	for _, cmd := range commands {
		if cmd.Name() == rest[0] {
			return cmd.Run(ctx, o, rest[1:])
		}
	}

	if rest[0] == "help" {
		printUsage(o, globals, commands)

		return 0
	}

	return ExecCmd(a).Run(ctx, o, rest)
}

// app holds what every command needs to build its configuration.
type app struct {
	stdin      io.Reader
	env        map[string]string
	workDir    string
	configPath string
	logLevel   *string
	relay      *signalRelay

	// runOverrides holds the global flags that only the default command uses.
	runOverrides config.Overlay
}

// loadConfig loads the configuration and reports unknown keys as warnings.
func (a *app) loadConfig(o *IO, defaults, overrides config.Overlay) (config.Config, error) {
	if a.logLevel != nil {
		overrides.LogLevel = a.logLevel
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    a.workDir,
		ConfigPath: a.configPath,
		Defaults:   defaults,
		Overrides:  overrides,
		Env:        a.env,
	})
	if err != nil {
		return config.Config{}, err
	}

	for _, key := range cfg.UnknownKeys {
		o.Warn("unknown config key "+key, "it was ignored; check the spelling")
	}

	return cfg, nil
}

func (a *app) logger(o *IO, cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(o.ErrOut(), &slog.HandlerOptions{Level: cfg.Level()}))
}

func (a *app) newNYC(o *IO, cfg config.Config) (*nyc.NYC, error) {
	return nyc.New(cfg, nyc.WithLogger(a.logger(o, cfg)), nyc.WithStdout(o.Out()))
}

func printUsage(o *IO, globals *flag.FlagSet, commands []*Command) {
	o.Println(`nyc - caching coverage instrumentation

Usage: nyc [flags] <command> [args]
       nyc [flags] <program> [args]

Without a known command, the working directory is instrumented into
` + config.DefaultInstrumentDir + ` and <program> is run from there.

Global flags:`)
	o.Printf("%s", globals.FlagUsages())

	if len(commands) == 0 {
		return
	}

	o.Println()
	o.Println("Commands:")

	for _, cmd := range commands {
		o.Println(cmd.HelpLine())
	}
}
