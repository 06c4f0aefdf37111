// Package server wires AdmissionController, SessionSupervisor,
// SubscriberRegistry, and ControlAPI into the HTTP/WebSocket surface
// described by SPEC_FULL.md §6.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/enginesrv/internal/admission"
	"github.com/ehrlich-b/enginesrv/internal/analysis"
	"github.com/ehrlich-b/enginesrv/internal/api"
	"github.com/ehrlich-b/enginesrv/internal/catalogue"
	"github.com/ehrlich-b/enginesrv/internal/childproc"
	"github.com/ehrlich-b/enginesrv/internal/config"
	"github.com/ehrlich-b/enginesrv/internal/fsbrowse"
	"github.com/ehrlich-b/enginesrv/internal/mission"
	"github.com/ehrlich-b/enginesrv/internal/oneshot"
	"github.com/ehrlich-b/enginesrv/internal/ratelimit"
	"github.com/ehrlich-b/enginesrv/internal/sandbox"
	"github.com/ehrlich-b/enginesrv/internal/session"
	"github.com/ehrlich-b/enginesrv/internal/subscriber"
	"github.com/ehrlich-b/enginesrv/internal/tokenreg"
	"github.com/ehrlich-b/enginesrv/internal/ws"
)

// Server is the top-level HTTP handler: the session/metrics WebSocket
// upgrade paths plus the /api control surface.
type Server struct {
	log        *slog.Logger
	cfg        *config.Config
	tokens     *tokenreg.Registry
	admission  *admission.Controller
	subs       *subscriber.Registry
	catalogue  *catalogue.Catalogue
	sessionCfg session.Config
	sandbox    sandbox.Envelope
	limiter    *ratelimit.Limiter

	mux *http.ServeMux

	nextSubID uint64
	nextSID   uint64
}

// Per-IP sustained rate and burst applied to every request, including
// WebSocket upgrades, ahead of authentication.
const (
	rateLimitPerSecond = 10.0
	rateLimitBurst     = 40
)

// New builds the fully wired server. cat may be nil when no
// SQLite audit log is configured.
func New(log *slog.Logger, cfg *config.Config, tokens *tokenreg.Registry, cat *catalogue.Catalogue) *Server {
	envelope := sandbox.Envelope{
		CPULimit: cfg.Sandbox.CPULimit.Duration(),
		MemLimit: cfg.Sandbox.MemLimit,
		MaxFDs:   cfg.Sandbox.MaxFDs,
	}

	engines := make(map[string]*oneshot.Executor, len(cfg.EnginePath))
	for name, path := range cfg.EnginePath {
		exec := oneshot.New(path)
		exec.Timeout = cfg.OneShotTimeout.Duration()
		exec.Sandbox = envelope
		engines[name] = exec
	}

	invoker := analysis.New(cfg.AnalysisHelperPath)
	invoker.Timeout = cfg.AnalysisTimeout.Duration()
	invoker.Sandbox = envelope

	s := &Server{
		log:       log,
		cfg:       cfg,
		tokens:    tokens,
		admission: admission.New(tokens, cfg.MaxSessions),
		subs:      subscriber.New(),
		catalogue: cat,
		sandbox:   envelope,
		limiter:   ratelimit.New(rateLimitPerSecond, rateLimitBurst),
		sessionCfg: session.Config{
			IdleTimeout:        cfg.IdleTimeout.Duration(),
			CommandTimeout:     cfg.CommandTimeout.Duration(),
			MaxBufferBytes:     cfg.MaxBufferBytes,
			HighWaterMarkBytes: cfg.HighWaterMarkBytes,
			StderrAllowList:    compileAllowList(log, cfg.StderrAllowList),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleControlUpgrade)
	mux.HandleFunc("GET /metrics", s.handlePassiveUpgrade)
	mux.HandleFunc("GET /ws/metrics", s.handlePassiveUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)

	missions := mission.New()
	if cat != nil {
		missions.OnTransition(func(id string, status mission.Status, errText string) {
			if err := cat.RecordTransition(id, string(status), errText); err != nil {
				log.Warn("catalogue: record transition failed", "mission", id, "err", err)
			}
		})
	}
	apiSrv := api.New(log, tokens, cfg.EngineNames, engines, fsbrowse.New(cfg.BaseBrowseDir), invoker, missions)
	apiSrv.Register(mux)

	s.mux = mux
	return s
}

// Handler returns the composed http.Handler for use with http.Server,
// wrapped in per-IP rate limiting.
func (s *Server) Handler() http.Handler { return s.limiter.Middleware(s.mux) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleControlUpgrade(w http.ResponseWriter, r *http.Request) {
	s.handleUpgrade(w, r, true)
}

func (s *Server) handlePassiveUpgrade(w http.ResponseWriter, r *http.Request) {
	s.handleUpgrade(w, r, false)
}

var acceptOpts = &websocket.AcceptOptions{InsecureSkipVerify: true}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, control bool) {
	token, err := admission.ExtractCredential(r)
	if err == nil {
		err = s.admission.Authenticate(token)
	}
	if err != nil {
		conn, acceptErr := websocket.Accept(w, r, acceptOpts)
		if acceptErr != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		writeErrorFrame(r.Context(), conn, ws.CodeAuthRequired, "missing or invalid credential")
		conn.Close(websocket.StatusPolicyViolation, "auth required")
		return
	}

	var release func()
	if control {
		release, err = s.admission.Admit()
		if err != nil {
			conn, acceptErr := websocket.Accept(w, r, acceptOpts)
			if acceptErr != nil {
				http.Error(w, "server busy", http.StatusServiceUnavailable)
				return
			}
			writeErrorFrame(r.Context(), conn, ws.CodeServerBusy, "at capacity")
			conn.Close(websocket.StatusTryAgainLater, "server busy")
			return
		}
		defer release()
	}

	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	if !control {
		s.runPassive(r.Context(), conn)
		return
	}
	s.runControl(r.Context(), conn)
}

func (s *Server) runPassive(ctx context.Context, conn *websocket.Conn) {
	id := atomic.AddUint64(&s.nextSubID, 1)
	sub := subscriber.NewSubscriber(id)
	s.subs.Add(sub)
	defer s.subs.Remove(sub)
	defer sub.Close()

	welcome, _ := json.Marshal(ws.Welcome{Status: "connected", Message: "passive subscription ready"})
	if err := conn.Write(ctx, websocket.MessageText, welcome); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-sub.Outbox():
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) runControl(ctx context.Context, conn *websocket.Conn) {
	enginePath := s.cfg.EnginePath[s.defaultEngineName()]
	if enginePath == "" {
		writeErrorFrame(ctx, conn, ws.CodeCLINotFound, "no engine configured")
		conn.Close(websocket.StatusInternalError, "no engine configured")
		return
	}

	child, err := childproc.Spawn(ctx, enginePath, nil, "", nil)
	if err != nil {
		writeErrorFrame(ctx, conn, ws.CodeCLINotFound, fmt.Sprintf("spawn failed: %v", err))
		conn.Close(websocket.StatusInternalError, "spawn failed")
		return
	}
	if !s.sandbox.Empty() {
		if err := sandbox.Apply(child.PID(), s.sandbox); err != nil {
			s.log.Warn("sandbox: failed to apply resource envelope", "pid", child.PID(), "err", err)
		}
	}

	id := atomic.AddUint64(&s.nextSID, 1)
	transport := &wsTransport{conn: conn}
	sup := session.New(s.log, s.sessionCfg, id, transport, s.subs, child)
	reason := sup.Run(ctx)
	conn.Close(websocket.StatusCode(reason.Code), reason.Reason)
}

// compileAllowList turns the configured stderr allow-list patterns into
// compiled regexes, skipping (and logging) any pattern that fails to
// compile rather than aborting startup over a typo.
func compileAllowList(log *slog.Logger, patterns []string) []*regexp.Regexp {
	if len(patterns) == 0 {
		return nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn("skipping invalid stderr_allow_list pattern", "pattern", p, "err", err)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// defaultEngineName picks the engine for the control session's child: the
// first entry of the sorted EngineNames, which is the only one in a
// single-engine deployment. When several engines are configured, the
// others are never spawned for control sessions; nothing in the upgrade
// request selects among them.
func (s *Server) defaultEngineName() string {
	if len(s.cfg.EngineNames) == 0 {
		return ""
	}
	return s.cfg.EngineNames[0]
}

func writeErrorFrame(ctx context.Context, conn *websocket.Conn, code, message string) {
	frame, _ := json.Marshal(ws.NewErrorFrame(code, message))
	conn.Write(ctx, websocket.MessageText, frame)
}

// wsTransport adapts *websocket.Conn to session.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, b []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, b)
}
