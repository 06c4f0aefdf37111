// Package oneshot implements OneShotExecutor: engine introspection via a
// bounded-wait --describe invocation.
package oneshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ehrlich-b/enginesrv/internal/childproc"
	"github.com/ehrlich-b/enginesrv/internal/sandbox"
)

// DefaultTimeout bounds how long Describe waits for the engine to answer.
const DefaultTimeout = 10 * time.Second

// maxCapturedBytes bounds the stdout/stderr accumulators so a runaway
// engine cannot exhaust memory while the executor is still waiting.
const maxCapturedBytes = 1 << 20

// Error carries the stderr tail from a failed describe invocation.
type Error struct {
	Message    string
	StderrTail string
}

func (e *Error) Error() string {
	if e.StderrTail == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.StderrTail)
}

// Executor spawns enginePath --describe <name> and parses its stdout.
type Executor struct {
	EnginePath string
	Timeout    time.Duration
	Sandbox    sandbox.Envelope
}

// New constructs an Executor for the given engine binary path.
func New(enginePath string) *Executor {
	return &Executor{EnginePath: enginePath, Timeout: DefaultTimeout}
}

// Describe runs "<EnginePath> --describe <name>" and returns the parsed
// description. If the engine's stdout object has shape
// {status:"success", result: X}, X is returned; otherwise the whole
// parsed object is returned.
func (e *Executor) Describe(ctx context.Context, name string) (any, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	child, err := childproc.Spawn(ctx, e.EnginePath, []string{"--describe", name}, "", nil)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("spawn %s: %v", e.EnginePath, err)}
	}
	child.CloseStdin()
	if !e.Sandbox.Empty() {
		sandbox.Apply(child.PID(), e.Sandbox)
	}

	var stdout, stderr bytes.Buffer
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() { io.CopyN(&stdout, child.Stdout(), maxCapturedBytes); close(stdoutDone) }()
	go func() { io.CopyN(&stderr, child.Stderr(), maxCapturedBytes); close(stderrDone) }()

	res, waitErr := child.WaitExit(ctx)
	if waitErr != nil {
		child.Terminate(childproc.Hard)
		<-child.Exited()
		return nil, &Error{Message: "describe timed out", StderrTail: tail(stderr.Bytes())}
	}
	<-stdoutDone
	<-stderrDone

	if res.ExitCode != 0 {
		return nil, &Error{
			Message:    fmt.Sprintf("%s --describe %s exited %d", e.EnginePath, name, res.ExitCode),
			StderrTail: tail(stderr.Bytes()),
		}
	}
	if stdout.Len() == 0 {
		return nil, &Error{Message: "describe produced no output", StderrTail: tail(stderr.Bytes())}
	}

	var obj map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &obj); err != nil {
		return nil, &Error{Message: fmt.Sprintf("describe output not valid JSON: %v", err), StderrTail: tail(stderr.Bytes())}
	}

	if status, _ := obj["status"].(string); status == "success" {
		if result, ok := obj["result"]; ok {
			return result, nil
		}
	}
	return obj, nil
}

func tail(b []byte) string {
	const maxTail = 2048
	if len(b) <= maxTail {
		return string(b)
	}
	return string(b[len(b)-maxTail:])
}
