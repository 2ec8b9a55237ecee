package replay

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/jreplay/internal/journey"
	"golang.org/x/sync/errgroup"
)

// RunLoader fetches recorded runs. *storage.Store satisfies it.
type RunLoader interface {
	GetRun(id string) (*journey.Run, error)
}

// Manager keeps the open sessions of a process, keyed by session id.
type Manager struct {
	loader RunLoader
	opts   Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager whose sessions share opts.
func NewManager(loader RunLoader, opts Options) *Manager {
	return &Manager{
		loader:   loader,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Open loads runID into a new session.
func (m *Manager) Open(runID string) (*Session, error) {
	run, err := m.loader.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	s := NewSession(m.opts)
	if _, err := s.LoadRun(run); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// LoadMany opens one session per run id concurrently, in the order given.
// If any run fails to load, the sessions already opened are closed again.
func (m *Manager) LoadMany(ctx context.Context, runIDs []string) ([]*Session, error) {
	sessions := make([]*Session, len(runIDs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, id := range runIDs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			s, err := m.Open(id)
			if err != nil {
				return err
			}
			sessions[i] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				m.Close(s.ID)
			}
		}
		return nil, err
	}
	return sessions, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close unloads and forgets a session. It reports whether id was open.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Unload()
	}
	return ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Unload()
	}
}
