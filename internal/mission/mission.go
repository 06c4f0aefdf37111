// Package mission implements MissionStore: a process-scoped, in-memory
// registry of long-running engine missions with asynchronous launch and
// serialized lifecycle commands.
package mission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a mission's lifecycle state.
type Status string

const (
	Pending    Status = "pending"
	Running    Status = "running"
	Paused     Status = "paused"
	Terminated Status = "terminated"
	Failed     Status = "failed"
)

// Mission is one tracked unit of work. Mutations to Status/Error are
// serialized per-mission via the owning Store's per-mission mutex, not a
// lock embedded here — callers outside this package must go through Store
// methods. Name/Engine/CreatedAt/Parameters/BriefMarkdown/BriefLatex are
// set once at Create and never mutated afterward, so reads of those fields
// need no lock.
type Mission struct {
	ID            string
	Name          string
	Engine        string
	Status        Status
	Error         string
	CreatedAt     time.Time
	Parameters    map[string]any
	BriefMarkdown string
	BriefLatex    string
}

// Summary is the client-facing view of a mission.
type Summary struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Engine        string         `json:"engine,omitempty"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	BriefMarkdown string         `json:"brief_markdown,omitempty"`
	BriefLatex    string         `json:"brief_latex,omitempty"`
}

// summaryOf builds a Summary from a Mission. Callers must hold the
// mission's entry mutex.
func summaryOf(m *Mission) Summary {
	return Summary{
		ID:            m.ID,
		Name:          m.Name,
		Engine:        m.Engine,
		Status:        m.Status,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
		Parameters:    m.Parameters,
		BriefMarkdown: m.BriefMarkdown,
		BriefLatex:    m.BriefLatex,
	}
}

// Launcher performs the actual work of starting a mission. It runs on its
// own goroutine; ctx is cancelled if the mission is aborted while
// launching.
type Launcher func(ctx context.Context, m *Mission) error

// entry pairs a mission with the mutex serializing commands against it.
type entry struct {
	mu      sync.Mutex
	mission *Mission
	cancel  context.CancelFunc
}

// Store is the process-scoped mission registry.
type Store struct {
	mu       sync.RWMutex
	missions map[string]*entry

	onTransition func(missionID string, status Status, errText string)
}

// New constructs an empty Store.
func New() *Store {
	return &Store{missions: make(map[string]*entry)}
}

// OnTransition registers a callback invoked after every status change a
// mission undergoes (including the asynchronous launch outcome). Intended
// for an audit sink such as catalogue.Catalogue; nil disables it. Not
// safe to call concurrently with mission activity.
func (s *Store) OnTransition(fn func(missionID string, status Status, errText string)) {
	s.onTransition = fn
}

func (s *Store) notify(id string, status Status, errText string) {
	if s.onTransition != nil {
		s.onTransition(id, status, errText)
	}
}

// Create registers a new mission in Pending status and launches it
// asynchronously via launch. Create returns immediately with the pending
// summary; launch's outcome flips the mission to Running or Failed.
func (s *Store) Create(name, engine string, parameters map[string]any, launch Launcher) Summary {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mission{
		ID:         id,
		Name:       name,
		Engine:     engine,
		Status:     Pending,
		CreatedAt:  time.Now(),
		Parameters: parameters,
	}
	e := &entry{mission: m, cancel: cancel}

	s.mu.Lock()
	s.missions[id] = e
	s.mu.Unlock()
	s.notify(id, Pending, "")

	go func() {
		err := launch(ctx, m)
		e.mu.Lock()
		if m.Status == Terminated {
			e.mu.Unlock()
			return
		}
		if err != nil {
			m.Status = Failed
			m.Error = err.Error()
			e.mu.Unlock()
			s.notify(id, Failed, err.Error())
			return
		}
		m.Status = Running
		e.mu.Unlock()
		s.notify(id, Running, "")
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	return summaryOf(m)
}

// Get returns a mission's current summary.
func (s *Store) Get(id string) (Summary, bool) {
	s.mu.RLock()
	e, ok := s.missions[id]
	s.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return summaryOf(e.mission), true
}

// List returns summaries for every tracked mission.
func (s *Store) List() []Summary {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.missions))
	for _, e := range s.missions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, summaryOf(e.mission))
		e.mu.Unlock()
	}
	return out
}

// ErrUnknownMission is returned by Command for an id with no tracked
// mission.
var ErrUnknownMission = fmt.Errorf("mission: unknown mission id")

// Command applies a lifecycle command (start, pause, resume, abort) to an
// existing mission. Commands against the same mission are serialized by
// the mission's own mutex. abort additionally removes the record from the
// store once applied.
func (s *Store) Command(id string, cmd string) (Summary, error) {
	s.mu.RLock()
	e, ok := s.missions[id]
	s.mu.RUnlock()
	if !ok {
		return Summary{}, ErrUnknownMission
	}

	e.mu.Lock()
	switch cmd {
	case "start":
		if e.mission.Status == Pending {
			e.mission.Status = Running
		}
	case "pause":
		if e.mission.Status == Running {
			e.mission.Status = Paused
		}
	case "resume":
		if e.mission.Status == Paused {
			e.mission.Status = Running
		}
	case "abort":
		e.mission.Status = Terminated
		e.cancel()
	default:
		e.mu.Unlock()
		return Summary{}, fmt.Errorf("mission: unknown command %q", cmd)
	}
	summary := summaryOf(e.mission)
	e.mu.Unlock()
	s.notify(id, summary.Status, summary.Error)

	if cmd == "abort" {
		s.mu.Lock()
		delete(s.missions, id)
		s.mu.Unlock()
	}
	return summary, nil
}
