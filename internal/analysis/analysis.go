// Package analysis implements AnalysisInvoker: ad hoc invocation of an
// external analysis helper against a target, with a bounded wait and
// partial-output preservation on timeout.
package analysis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ehrlich-b/enginesrv/internal/childproc"
	"github.com/ehrlich-b/enginesrv/internal/sandbox"
)

// DefaultTimeout is the bounded maximum wait (five minutes per spec).
const DefaultTimeout = 5 * time.Minute

const maxCapturedBytes = 4 << 20

// Request describes one analysis invocation.
type Request struct {
	Script string
	Target string
	// Flags is a flat sequence of flag/value pairs appended after target,
	// e.g. ["--depth", "3", "--verbose", "true"].
	Flags []string
}

func (r Request) args() []string {
	args := make([]string, 0, 2+len(r.Flags))
	args = append(args, r.Script, r.Target)
	args = append(args, r.Flags...)
	return args
}

// Result carries the outcome of an invocation. Success is never raised as
// an error by ExitCode alone — a non-zero ExitCode is a normal result.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Success  bool
}

// TimeoutError carries whatever stdout had been captured before the
// bounded wait elapsed.
type TimeoutError struct {
	PartialStdout string
}

func (e *TimeoutError) Error() string {
	return "analysis: invocation timed out"
}

// Invoker runs HelperPath with Request-shaped arguments.
type Invoker struct {
	HelperPath string
	Timeout    time.Duration
	Sandbox    sandbox.Envelope
}

// New constructs an Invoker for the given helper binary path.
func New(helperPath string) *Invoker {
	return &Invoker{HelperPath: helperPath, Timeout: DefaultTimeout}
}

// Run spawns the helper, waits up to Timeout, and returns its outcome.
// On timeout it sends a soft termination signal and returns a
// *TimeoutError carrying whatever stdout had accumulated.
func (inv *Invoker) Run(ctx context.Context, req Request) (*Result, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	child, err := childproc.Spawn(ctx, inv.HelperPath, req.args(), "", nil)
	if err != nil {
		return nil, fmt.Errorf("analysis: spawn %s: %w", inv.HelperPath, err)
	}
	child.CloseStdin()
	if !inv.Sandbox.Empty() {
		sandbox.Apply(child.PID(), inv.Sandbox)
	}

	var stdout, stderr bytes.Buffer
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() { io.CopyN(&stdout, child.Stdout(), maxCapturedBytes); close(stdoutDone) }()
	go func() { io.CopyN(&stderr, child.Stderr(), maxCapturedBytes); close(stderrDone) }()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, waitErr := child.WaitExit(waitCtx)
	if waitErr != nil {
		child.Terminate(childproc.Soft)
		select {
		case <-child.Exited():
		case <-time.After(5 * time.Second):
			child.Terminate(childproc.Hard)
			<-child.Exited()
		}
		<-stdoutDone
		<-stderrDone
		return nil, &TimeoutError{PartialStdout: stdout.String()}
	}
	<-stdoutDone
	<-stderrDone

	return &Result{
		ExitCode: res.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Success:  res.ExitCode == 0,
	}, nil
}
