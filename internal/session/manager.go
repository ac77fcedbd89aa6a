package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/rs/zerolog"
)

// FlushFunc pushes one idempotent progress snapshot toward the attempt
// store. Implementations are fire-and-forget: a missed flush is recoverable
// because the next flush re-sends full state, not a delta.
type FlushFunc func(ctx context.Context, p *model.AttemptProgress)

// SubmitFunc runs the privileged scoring and terminal write for an attempt.
// It receives the session's terminal snapshot and must persist it durably
// before grading — the fire-and-forget queue is not good enough for the
// final answers. It must be safe to call more than once; the store's
// conditional update makes the second call a no-op.
type SubmitFunc func(ctx context.Context, p *model.AttemptProgress)

// Manager owns every live session. Its Run loop is the server-side 1 Hz
// tick: it flushes dirty sessions on the configured interval and drives
// timer expiry to submission for sessions whose candidate is connected.
// (Disconnected attempts are swept by the expiry worker instead.)
type Manager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	clock    Clock
	flush    FlushFunc
	submit   SubmitFunc
	interval time.Duration
	log      zerolog.Logger

	lastFlush time.Time
}

// NewManager creates a session Manager.
func NewManager(clock Clock, flush FlushFunc, submit SubmitFunc, interval time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]*Session),
		clock:    clock,
		flush:    flush,
		submit:   submit,
		interval: interval,
		log:      log.With().Str("component", "session_manager").Logger(),
	}
}

// Attach registers a session under its attempt id. If a session for the
// attempt already exists (reconnect, second tab) it is returned instead, so
// one attempt never has two competing in-memory states.
func (m *Manager) Attach(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[s.AttemptID()]; ok {
		return existing
	}
	m.sessions[s.AttemptID()] = s
	return s
}

// Get returns the live session for an attempt, or nil.
func (m *Manager) Get(attemptID uuid.UUID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[attemptID]
}

// Release flushes a session's final state and removes it from the manager.
// Called when the candidate disconnects or the attempt turns terminal.
func (m *Manager) Release(ctx context.Context, attemptID uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[attemptID]
	delete(m.sessions, attemptID)
	m.mu.Unlock()

	if ok && s.Phase() != PhaseSubmitted {
		m.flush(ctx, s.Snapshot())
	}
}

// Run ticks once per second until ctx is cancelled. Call in a goroutine.
func (m *Manager) Run(ctx context.Context) {
	m.log.Info().Msg("Session manager started")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flushAll(context.Background())
			m.log.Info().Msg("Session manager stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	now := m.clock.Now()
	flushDue := now.Sub(m.lastFlush) >= m.interval
	if flushDue {
		m.lastFlush = now
	}

	for _, s := range m.snapshotSessions() {
		if s.ExpireIfDue() {
			m.log.Info().
				Str("attempt_id", s.AttemptID().String()).
				Msg("Timer expired, force-submitting")
			m.submit(ctx, s.Snapshot())
			continue
		}
		if flushDue {
			if p := s.TakeSnapshotIfDirty(); p != nil {
				m.flush(ctx, p)
			}
		}
	}
}

// flushAll pushes the final state of every non-terminal session, used on
// shutdown so the last answers are not lost.
func (m *Manager) flushAll(ctx context.Context) {
	for _, s := range m.snapshotSessions() {
		if s.Phase() != PhaseSubmitted {
			m.flush(ctx, s.Snapshot())
		}
	}
}

func (m *Manager) snapshotSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
