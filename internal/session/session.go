// Package session implements SessionSupervisor, the per-connection state
// machine that owns a spawned engine child and relays between it and a
// WebSocket client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/enginesrv/internal/childproc"
	"github.com/ehrlich-b/enginesrv/internal/classify"
	"github.com/ehrlich-b/enginesrv/internal/framer"
	"github.com/ehrlich-b/enginesrv/internal/subscriber"
	"github.com/ehrlich-b/enginesrv/internal/ws"
)

// State is the lifecycle stage of a session, per the opening->ready->
// closing->closed state machine.
type State int

const (
	Opening State = iota
	Ready
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason is carried out of Run to tell the transport which WebSocket
// close code to send.
type CloseReason struct {
	Code   int    // WebSocket close status
	Reason string
}

var (
	ReasonClientClosed = CloseReason{Code: 1000, Reason: "client closed"}
	ReasonIdleTimeout  = CloseReason{Code: 1000, Reason: "idle timeout"}
	ReasonChildExited  = CloseReason{Code: 1000, Reason: "engine exited"}
	ReasonOverflow     = CloseReason{Code: 1009, Reason: "buffer overflow"}
	ReasonSlowConsumer = CloseReason{Code: 1009, Reason: "slow consumer"}
	ReasonInternal     = CloseReason{Code: 1011, Reason: "internal error"}
)

// reasonForWriteErr maps a writeRaw failure to its close reason: a
// high-water-mark breach is backpressure (§5), everything else (an
// actual transport write failure) is an internal error.
func reasonForWriteErr(err error) CloseReason {
	if errors.Is(err, errHighWaterMark) {
		return ReasonSlowConsumer
	}
	return ReasonInternal
}

// Transport is the minimal surface SessionSupervisor needs from the
// WebSocket connection; implemented by a thin adapter over
// *websocket.Conn in the server package so this package stays
// transport-agnostic and unit-testable.
type Transport interface {
	// ReadMessage blocks for the next client frame, or returns an error
	// when the connection is closed.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage sends a frame to the client. Must be safe to call
	// concurrently with ReadMessage but not with itself.
	WriteMessage(ctx context.Context, b []byte) error
}

// Config carries the tunable knobs a supervisor needs; defaults match
// SPEC_FULL.md §4.6/§4.13.
type Config struct {
	IdleTimeout        time.Duration
	CommandTimeout     time.Duration
	MaxBufferBytes     int
	HighWaterMarkBytes int
	StderrAllowList    []*regexp.Regexp
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:        time.Hour,
		CommandTimeout:     time.Minute,
		MaxBufferBytes:     framer.DefaultMaxBuffer,
		HighWaterMarkBytes: 8 * 1024 * 1024,
	}
}

// Supervisor is the per-session coordinator. It owns the child, the
// framer, and the passive-subscriber fan-out target for its telemetry.
type Supervisor struct {
	log  *slog.Logger
	cfg  Config
	cid  uint64
	conn Transport
	sub  *subscriber.Registry

	child  *childproc.Child
	framer *framer.LineFramer

	mu         sync.Mutex
	state      State
	timerReset chan struct{}

	writeMu  sync.Mutex
	outBytes int64

	done chan struct{}
}

// New constructs a supervisor. child must already be spawned; New does
// not start any of the three activities — call Run for that.
func New(log *slog.Logger, cfg Config, cid uint64, conn Transport, sub *subscriber.Registry, child *childproc.Child) *Supervisor {
	return &Supervisor{
		log:        log,
		cfg:        cfg,
		cid:        cid,
		conn:       conn,
		sub:        sub,
		child:      child,
		framer:     framer.New(cfg.MaxBufferBytes),
		state:      Opening,
		timerReset: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session to completion: sends the welcome frame, starts
// the three activities, and blocks until the session is fully torn down.
// It always terminates the child and closes all session resources before
// returning, on every exit path.
func (s *Supervisor) Run(ctx context.Context) CloseReason {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(s.done)
	defer s.child.Terminate(childproc.Hard)
	defer s.setState(Closed)

	welcome := ws.Welcome{Status: "connected", Message: "session ready", Pid: s.child.PID()}
	if err := s.writeJSON(ctx, welcome); err != nil {
		return ReasonInternal
	}
	s.setState(Ready)
	s.resetIdle()

	reasonCh := make(chan CloseReason, 3)
	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); reasonCh <- s.activityClientToChild(ctx) }()
	go func() { defer wg.Done(); reasonCh <- s.activityChildToClient(ctx) }()
	go func() { defer wg.Done(); reasonCh <- s.activityIdleTimer(ctx) }()

	reason := <-reasonCh
	s.setState(Closing)
	cancel()

	if reason == ReasonOverflow {
		// §4.6 Activity B step 1: a buffer overflow hard-terminates the
		// child immediately, no grace period — activityChildToClient
		// has already done this, but Run's own deferred hard-terminate
		// doesn't fire until wg.Wait() returns below, so skip straight
		// there rather than give the runaway engine a 2s soft-kill window.
		s.child.Terminate(childproc.Hard)
	} else {
		s.child.Terminate(childproc.Soft)

		// Give the child a bounded window to exit gracefully before Run's
		// deferred hard-terminate fires.
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.child.WaitExit(graceCtx)
		graceCancel()
	}

	wg.Wait()
	return reason
}

// activityClientToChild is Activity A.
func (s *Supervisor) activityClientToChild(ctx context.Context) CloseReason {
	for {
		msg, err := s.conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonInternal
			}
			return ReasonClientClosed
		}
		s.resetIdle()

		var cmd ws.ClientCommand
		if jsonErr := json.Unmarshal(msg, &cmd); jsonErr != nil || !cmd.Valid() {
			s.writeJSON(ctx, ws.NewErrorFrame(ws.CodeInvalidFormat, "expected {command, params}"))
			continue
		}

		if err := s.child.WriteLine(msg); err != nil {
			s.log.Warn("stdin write failed", "session", s.cid, "err", err)
			return ReasonChildExited
		}
	}
}

// activityChildToClient is Activity B: demux of child stdout plus the
// concurrent stderr reader.
func (s *Supervisor) activityChildToClient(ctx context.Context) CloseReason {
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		s.pumpStderr(ctx)
	}()
	defer func() { <-stderrDone }()

	buf := make([]byte, 32*1024)
	stdout := s.child.Stdout()
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			frames, overflow := s.framer.Ingest(buf[:n])
			if overflow {
				s.writeJSON(ctx, ws.NewErrorFrame(ws.CodeBufferOverflow, "stdout buffer overflow"))
				// §4.6 Activity B step 1: hard-terminate the child
				// immediately on overflow, not a soft signal with a
				// grace window — a runaway engine ignoring SIGTERM
				// would otherwise keep producing output for up to 2s.
				s.child.Terminate(childproc.Hard)
				return ReasonOverflow
			}
			for _, frame := range frames {
				if reason, done := s.handleFrame(ctx, frame); done {
					return reason
				}
			}
		}
		if err != nil {
			// Stdout EOF precedes Wait() resolving by at most a few
			// scheduler ticks; give it a bounded window so the exit
			// code is available rather than reporting zero.
			exitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			s.child.WaitExit(exitCtx)
			cancel()
			ec := s.child.Result().ExitCode
			frame := ws.NewErrorFrame(ws.CodeCLIExited, "engine process exited")
			frame.ExitCode = &ec
			s.writeJSON(ctx, frame)
			return ReasonChildExited
		}
	}
}

func (s *Supervisor) handleFrame(ctx context.Context, frame []byte) (CloseReason, bool) {
	res, ok := classify.Classify(frame)
	if !ok {
		return CloseReason{}, false
	}
	switch res.Kind {
	case classify.Telemetry:
		env := ws.NewTelemetryEnvelope(res.Object)
		b, err := json.Marshal(env)
		if err != nil {
			s.log.Error("marshal telemetry envelope", "err", err)
			return CloseReason{}, false
		}
		if err := s.writeRaw(ctx, b); err != nil {
			return reasonForWriteErr(err), true
		}
		s.sub.Broadcast(b)
	case classify.Response:
		b, err := json.Marshal(res.Object)
		if err != nil {
			s.log.Error("marshal response object", "err", err)
			return CloseReason{}, false
		}
		if err := s.writeRaw(ctx, b); err != nil {
			return reasonForWriteErr(err), true
		}
	case classify.Malformed:
		s.log.Debug("dropping malformed frame", "session", s.cid, "preview", classify.SafePreview(res.Raw, 120))
	}
	return CloseReason{}, false
}

var benignStderr = regexp.MustCompile(`^(?i)(info|debug|warming up|loaded model|banner):`)

func (s *Supervisor) pumpStderr(ctx context.Context) {
	fr := framer.New(1 << 20)
	buf := make([]byte, 4096)
	stderr := s.child.Stderr()
	allow := s.cfg.StderrAllowList
	if allow == nil {
		allow = []*regexp.Regexp{benignStderr}
	}
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			lines, _ := fr.Ingest(buf[:n])
			for _, line := range lines {
				if matchesAny(allow, string(line)) {
					s.log.Info("engine stderr", "session", s.cid, "line", string(line))
					continue
				}
				s.writeJSON(ctx, ws.NewErrorFrame(ws.CodeCLIStderr, string(line)))
			}
		}
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func matchesAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// activityIdleTimer is Activity C.
func (s *Supervisor) activityIdleTimer(ctx context.Context) CloseReason {
	timer := time.NewTimer(s.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ReasonInternal
		case <-s.timerReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.IdleTimeout)
		case <-timer.C:
			// Run soft-terminates the child as soon as it receives this
			// reason; signalling the child here first would let the
			// child-exit path report its own reason ahead of this one.
			return ReasonIdleTimeout
		}
	}
}

func (s *Supervisor) resetIdle() {
	select {
	case s.timerReset <- struct{}{}:
	default:
	}
}

func (s *Supervisor) writeJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeRaw(ctx, b)
}

// errHighWaterMark distinguishes a backpressure teardown (§5: the client
// isn't draining fast enough) from an ordinary transport write failure, so
// callers can map it to ReasonSlowConsumer instead of ReasonInternal.
var errHighWaterMark = errors.New("session: client outbound buffer exceeds high-water mark")

func (s *Supervisor) writeRaw(ctx context.Context, b []byte) error {
	if atomic.AddInt64(&s.outBytes, int64(len(b))) > int64(s.cfg.HighWaterMarkBytes) {
		atomic.AddInt64(&s.outBytes, -int64(len(b)))
		return errHighWaterMark
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.conn.WriteMessage(ctx, b)
	atomic.AddInt64(&s.outBytes, -int64(len(b)))
	return err
}

// Done returns a channel closed once Run has fully returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }
