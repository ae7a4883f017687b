package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/evaluator"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/persist"
	"github.com/pavelanni/assessor/internal/questions"
	"github.com/pavelanni/assessor/internal/session"
	"github.com/pavelanni/assessor/internal/store"
)

// Loader reads persisted sessions. It returns an error wrapping
// store.ErrNotFound for unknown ids.
type Loader interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
}

// Manager keeps the live runners and rehydrates sessions from storage.
type Manager struct {
	cfg       model.EngineConfig
	provider  *questions.Provider
	evaluator *evaluator.Evaluator
	syncer    *persist.Syncer
	loader    Loader
	clk       clock.Clock

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewManager creates a Manager. A nil loader disables resume from storage; a
// nil clock uses the wall clock.
func NewManager(cfg model.EngineConfig, p *questions.Provider, e *evaluator.Evaluator, s *persist.Syncer, l Loader, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:       cfg,
		provider:  p,
		evaluator: e,
		syncer:    s,
		loader:    l,
		clk:       clk,
		runners:   map[string]*Runner{},
	}
}

// Create registers a new session and starts it.
func (m *Manager) Create(ctx context.Context, req StartRequest) (*Runner, View, error) {
	id := uuid.NewString()
	r := newRunner(m, session.New(id, m.clk))

	m.mu.Lock()
	m.runners[id] = r
	m.mu.Unlock()

	v, err := r.Start(ctx, req)
	if err != nil {
		m.remove(id)
		return nil, View{}, err
	}
	return r, v, nil
}

// Get returns the runner for id, loading it from storage when it is not live.
// A session whose attempt is older than the stale window is reset to
// not_started; reset reports that.
func (m *Manager) Get(ctx context.Context, id string) (r *Runner, reset bool, err error) {
	// The staleness check runs under mu so Sweep never evicts a runner that
	// is being handed out.
	m.mu.Lock()
	r, ok := m.runners[id]
	if ok {
		reset = r.expireIfStale()
	}
	m.mu.Unlock()

	if !ok {
		r, reset, err = m.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
	}

	if reset {
		slog.Info("stale session reset", "session_id", id)
		r.autosave()
		return r, true, nil
	}
	r.resumeTimer()
	return r, false, nil
}

// Lookup is Get for callers that only need the view. A reset is reported
// through the view notice.
func (m *Manager) Lookup(ctx context.Context, id string) (*Runner, View, error) {
	r, reset, err := m.Get(ctx, id)
	if err != nil {
		return nil, View{}, err
	}
	v := r.View(ctx)
	if reset {
		v.Notice = appI18n.T(ctx, "SessionReset")
	}
	return r, v, nil
}

func (m *Manager) load(ctx context.Context, id string) (*Runner, bool, error) {
	if m.loader == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap, err := m.loader.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have loaded it meanwhile.
	if r, ok := m.runners[id]; ok {
		return r, r.expireIfStale(), nil
	}
	r := newRunner(m, session.Restore(snap, m.clk))
	m.syncer.MarkSynced(id)
	m.runners[id] = r
	slog.Debug("session restored", "session_id", id, "status", snap.Status)
	return r, r.expireIfStale(), nil
}

// Sweep evicts terminal sessions whose results reached storage and sessions
// left idle past the stale window, such as paused ones. It returns how many
// were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runners {
		select {
		case <-r.Done():
			if m.syncer.State(id) != persist.StateSynced {
				continue
			}
		default:
			if !r.evictIfStale() {
				continue
			}
			slog.Debug("evicting stale session", "session_id", id)
		}
		delete(m.runners, id)
		m.syncer.Forget(id)
		n++
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	t := m.clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				slog.Debug("swept sessions", "count", n)
			}
		}
	}
}

// Len returns the number of live runners.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, id)
}
