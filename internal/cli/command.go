package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

var (
	errTooManyArgs = errors.New("too many arguments")
	errMissingArg  = errors.New("missing argument")
)

// Command is one nyc subcommand. Positional arguments are checked against
// Args before Exec runs.
type Command struct {
	Flags *flag.FlagSet

	// Usage is shown after "nyc"; its first word is the command name.
	Usage string
	Short string
	Long  string

	// Args names the positional arguments, required ones first. Nil disables
	// the count check.
	Args *Args

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Args bounds positional arguments. Required names must all be present,
// Optional ones may follow, and Variadic accepts anything after them.
type Args struct {
	Required []string
	Optional []string
	Variadic bool
}

func (a *Args) check(args []string) error {
	if a == nil {
		return nil
	}

	if len(args) < len(a.Required) {
		return fmt.Errorf("%w: %s", errMissingArg, a.Required[len(args)])
	}

	if limit := len(a.Required) + len(a.Optional); !a.Variadic && len(args) > limit {
		return fmt.Errorf("%w: %s", errTooManyArgs, strings.Join(args[limit:], " "))
	}

	return nil
}

// exitCodeError makes Run exit with code instead of printing an error.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the row shown in the global command listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-32s %s", c.Usage, c.Short)
}

// PrintHelp prints "nyc <cmd> --help" output.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: nyc", c.Usage)
	o.Println()

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	o.Println()
	o.Println("Flags:")
	o.Printf("%s", c.Flags.FlagUsages())
}

// Run parses flags, checks arguments and executes the command. Returns the
// exit code: 0 on success, the child's code for [exitCodeError], 1 otherwise.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	rest := c.Flags.Args()

	if err := c.Args.check(rest); err != nil {
		o.ErrPrintln("error:", err)
		o.ErrPrintln("Usage: nyc", c.Usage)

		return 1
	}

	err := c.Exec(ctx, o, rest)
	if err == nil {
		return 0
	}

	var exit *exitCodeError
	if errors.As(err, &exit) {
		return exit.code
	}

	o.ErrPrintln("error:", err)

	return 1
}
