// Package procrun wraps os/exec.Cmd the way the teacher's
// cmd/git-sync/cmd.go does: trace every invocation via structured
// logging and translate *exec.ExitError into an error that carries the
// command's stderr alongside pkg/errors' Cause() chain.
package procrun

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/sea5kg-go/bo/internal/shellquote"
)

// Cmd wraps *exec.Cmd, adding perf tracing on Run/Output.
type Cmd struct {
	*exec.Cmd
	trace bool
}

// Command builds a traced Cmd, mirroring the teacher's Command constructor.
func Command(name string, arg ...string) *Cmd {
	return &Cmd{Cmd: exec.Command(name, arg...), trace: true}
}

func (c *Cmd) bashString() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = shellquote.QuoteWord(a)
	}
	return strings.Join(args, " ")
}

// ExitError wraps *exec.ExitError, exposing the underlying error via
// Cause() for pkg/errors-based classification at the session boundary.
type ExitError struct {
	*exec.ExitError
	Cmd *exec.Cmd
}

func (xe *ExitError) Cause() error { return xe.ExitError }

func (xe *ExitError) Error() string {
	return fmt.Sprintf("cmd failed: %s\n%s", xe.ExitError, xe.ExitError.Stderr)
}

func wrapErr(err error, cmd *exec.Cmd) error {
	cause := errors.Cause(err)
	if exitErr, ok := cause.(*exec.ExitError); ok {
		return &ExitError{ExitError: exitErr, Cmd: cmd}
	}
	return err
}

// Run executes the command, discarding output, with a perf trace log line.
func (c *Cmd) Run() error {
	if c.trace {
		start := time.Now()
		defer func() {
			log.Debugf("perf: %s exec: %s", time.Since(start), c.bashString())
		}()
	}
	return wrapErr(c.Cmd.Run(), c.Cmd)
}

// Output runs the command and returns stdout, with a perf trace log line.
func (c *Cmd) Output() ([]byte, error) {
	if c.trace {
		start := time.Now()
		defer func() {
			log.Debugf("perf: %s exec: %s", time.Since(start), c.bashString())
		}()
	}
	data, err := c.Cmd.Output()
	return data, wrapErr(err, c.Cmd)
}

// Start launches the command and logs the invocation, for callers that
// need to stream output live rather than buffer it via Run/Output.
func (c *Cmd) Start() error {
	log.Debugf("exec: %s", c.bashString())
	return c.Cmd.Start()
}

// Wait blocks for command exit, wrapping *exec.ExitError the same way
// Run and Output do so callers get a single error type regardless of
// whether they used the buffered or streaming entry points.
func (c *Cmd) Wait() error {
	return wrapErr(c.Cmd.Wait(), c.Cmd)
}
