package cli

import (
	"fmt"
	"io"
	"sync"
)

// IO collects command output. Warnings are held back and printed to stderr
// when the command finishes so they stay visible after long output.
type IO struct {
	mu       sync.Mutex
	out      io.Writer
	errOut   io.Writer
	warnings []string
}

// NewIO creates a new IO instance.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warn records a warning.
//
// Parameters:
//   - issue: what went wrong
//   - action: what the user can do about it
func (o *IO) Warn(issue string, action string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.warnings = append(o.warnings, fmt.Sprintf("%s: %s", issue, action))
}

// Println writes to stdout.
func (o *IO) Println(a ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout.
func (o *IO) Printf(format string, a ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, _ = fmt.Fprintf(o.out, format, a...)
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Out returns the stdout writer.
func (o *IO) Out() io.Writer { return o.out }

// ErrOut returns the stderr writer.
func (o *IO) ErrOut() io.Writer { return o.errOut }

// Finish prints the collected warnings to stderr.
func (o *IO) Finish() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}

	o.warnings = nil
}
