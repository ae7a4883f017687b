// Package persist is the boundary between live sessions and durable storage.
// It retries failed saves and tracks whether each session has been synced.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pavelanni/assessor/internal/model"
)

// Saver writes a session snapshot. Implementations must be idempotent per session id.
type Saver interface {
	SaveSession(ctx context.Context, s model.Session) error
}

// State is the sync status of one session.
type State string

const (
	StatePending  State = "pending"
	StateSynced   State = "synced"
	StateUnsynced State = "unsynced"
)

// DefaultMaxTries bounds save attempts per call.
const DefaultMaxTries = 5

// Syncer saves snapshots with exponential backoff.
type Syncer struct {
	saver    Saver
	maxTries uint
	initial  time.Duration
	maxWait  time.Duration

	mu     sync.Mutex
	states map[string]State
}

// New returns a Syncer. maxTries of zero uses DefaultMaxTries.
func New(saver Saver, maxTries uint) *Syncer {
	if maxTries == 0 {
		maxTries = DefaultMaxTries
	}
	return &Syncer{
		saver:    saver,
		maxTries: maxTries,
		initial:  200 * time.Millisecond,
		maxWait:  5 * time.Second,
		states:   map[string]State{},
	}
}

// Save writes the snapshot, retrying transient failures. On exhaustion the
// session is marked unsynced and the last error is returned.
func (s *Syncer) Save(ctx context.Context, sess model.Session) error {
	s.set(sess.ID, StatePending)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.maxWait

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.saver.SaveSession(ctx, sess)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("session save failed, retrying",
				"session_id", sess.ID, "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		s.set(sess.ID, StateUnsynced)
		slog.Error("session save gave up", "session_id", sess.ID, "status", sess.Status, "attempts", attempt, "error", err)
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	s.set(sess.ID, StateSynced)
	slog.Debug("session saved", "session_id", sess.ID, "status", sess.Status, "attempts", attempt)
	return nil
}

// State returns the sync state of a session. Sessions never saved are pending.
func (s *Syncer) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		return st
	}
	return StatePending
}

// MarkSynced records that a session is known to match storage, such as one
// just loaded from it.
func (s *Syncer) MarkSynced(id string) {
	s.set(id, StateSynced)
}

// Forget drops the tracked state of a session.
func (s *Syncer) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
}

func (s *Syncer) set(id string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = st
}
