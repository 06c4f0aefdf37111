// Package api implements ControlAPI: the bearer-guarded HTTP surface for
// engine introspection, filesystem browsing, analysis invocation, and
// mission management.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ehrlich-b/enginesrv/internal/analysis"
	"github.com/ehrlich-b/enginesrv/internal/fsbrowse"
	"github.com/ehrlich-b/enginesrv/internal/mission"
	"github.com/ehrlich-b/enginesrv/internal/oneshot"
	"github.com/ehrlich-b/enginesrv/internal/tokenreg"
)

// Server holds the collaborators ControlAPI dispatches to.
type Server struct {
	log         *slog.Logger
	tokens      *tokenreg.Registry
	engineNames []string
	engines     map[string]*oneshot.Executor
	browser     *fsbrowse.Browser
	invoker     *analysis.Invoker
	missions    *mission.Store
}

// New constructs a Server. engines maps recognized engine names to
// per-engine OneShotExecutors.
func New(log *slog.Logger, tokens *tokenreg.Registry, engineNames []string, engines map[string]*oneshot.Executor, browser *fsbrowse.Browser, invoker *analysis.Invoker, missions *mission.Store) *Server {
	return &Server{
		log:         log,
		tokens:      tokens,
		engineNames: engineNames,
		engines:     engines,
		browser:     browser,
		invoker:     invoker,
		missions:    missions,
	}
}

// Register wires every /api/* route onto mux, each guarded by requireAuth.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/engines", s.requireAuth(s.handleListEngines))
	mux.HandleFunc("GET /api/engines/{name}", s.requireAuth(s.handleDescribeEngine))
	mux.HandleFunc("GET /api/fs", s.requireAuth(s.handleFS))
	mux.HandleFunc("POST /api/analysis", s.requireAuth(s.handleAnalysis))
	mux.HandleFunc("GET /api/missions", s.requireAuth(s.handleListMissions))
	mux.HandleFunc("POST /api/missions", s.requireAuth(s.handleCreateMission))
	mux.HandleFunc("GET /api/missions/{id}", s.requireAuth(s.handleGetMission))
	mux.HandleFunc("POST /api/missions/{id}/commands", s.requireAuth(s.handleMissionCommand))
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer credential")
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if !s.tokens.Contains(token) {
			writeError(w, http.StatusForbidden, "invalid credential")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"engines": s.engineNames})
}

func (s *Server) handleDescribeEngine(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	executor, ok := s.engines[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown engine "+name)
		return
	}
	result, err := executor.Describe(r.Context(), name)
	if err != nil {
		if oerr, ok := err.(*oneshot.Error); ok {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": oerr.Message, "stderr": oerr.StderrTail})
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFS(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	entries, err := s.browser.List(path)
	if err != nil {
		if err == fsbrowse.ErrContainment {
			writeError(w, http.StatusBadRequest, "path escapes base directory")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "files": entries})
}

type analysisRequest struct {
	Script string   `json:"script"`
	Target string   `json:"target"`
	Flags  []string `json:"flags"`
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Script == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "script and target are required")
		return
	}
	res, err := s.invoker.Run(r.Context(), analysis.Request{Script: req.Script, Target: req.Target, Flags: req.Flags})
	if err != nil {
		if terr, ok := err.(*analysis.TimeoutError); ok {
			writeJSON(w, http.StatusRequestTimeout, map[string]any{"error": terr.Error(), "partial_stdout": terr.PartialStdout})
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"success":   res.Success,
	})
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"missions": s.missions.List()})
}

type createMissionRequest struct {
	Name       string         `json:"name"`
	Engine     string         `json:"engine"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	json.NewDecoder(r.Body).Decode(&req) // empty body is valid: zero-value request

	summary := s.missions.Create(req.Name, req.Engine, req.Parameters, launchMission)
	writeJSON(w, http.StatusAccepted, summary)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, ok := s.missions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown mission "+id)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type missionCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleMissionCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req missionCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	summary, err := s.missions.Command(id, req.Command)
	if err != nil {
		if err == mission.ErrUnknownMission {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// launchMission is the default launch procedure: missions in this server
// have no built-in workload, so launching one just marks it running. A
// deployment with real mission semantics would replace this with a call
// into whatever engine or script backs the mission.
func launchMission(ctx context.Context, m *mission.Mission) error {
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
