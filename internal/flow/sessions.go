package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// SessionStore maps an actor to its conversation state.
type SessionStore interface {
	// GetOrCreate returns the actor's session, creating an idle one if none exists.
	GetOrCreate(actorID string) *models.Session

	// Save records changes made to a session.
	Save(s *models.Session)

	// Remove destroys the actor's session. Removing a missing session is a no-op.
	Remove(actorID string)
}

// MemorySessionStore keeps sessions in process memory. Restarting the process drops them.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	now      func() time.Time
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*models.Session),
		now:      time.Now,
	}
}

func (m *MemorySessionStore) GetOrCreate(actorID string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[actorID]; ok {
		return s
	}
	s := models.NewSession(actorID, m.now())
	m.sessions[actorID] = s
	slog.Debug("MemorySessionStore.GetOrCreate: created session", "actor", actorID)
	return s
}

func (m *MemorySessionStore) Save(s *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.now()
	m.sessions[s.ActorID] = s
}

func (m *MemorySessionStore) Remove(actorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, actorID)
}

// Get returns the actor's session without creating one.
func (m *MemorySessionStore) Get(actorID string) (*models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[actorID]
	return s, ok
}

// Len returns the number of live sessions.
func (m *MemorySessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions not updated within maxIdle and returns how many were removed.
func (m *MemorySessionStore) Sweep(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxIdle)
	removed := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Sweeper is a session store that can expire idle sessions.
type Sweeper interface {
	Sweep(maxIdle time.Duration) int
	Len() int
}

// RunSweeper expires idle sessions every interval until ctx is cancelled.
// onSweep, if non-nil, receives the number removed and the number still live after each pass.
func RunSweeper(ctx context.Context, s Sweeper, interval, maxIdle time.Duration, onSweep func(removed, live int)) {
	if interval <= 0 || maxIdle <= 0 {
		slog.Info("Session expiry disabled", "interval", interval, "max_idle", maxIdle)
		return
	}
	slog.Info("Session sweeper started", "interval", interval, "max_idle", maxIdle)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Session sweeper stopping")
			return
		case <-ticker.C:
			removed := s.Sweep(maxIdle)
			live := s.Len()
			if removed > 0 {
				slog.Info("Expired idle sessions", "removed", removed, "live", live)
			}
			if onSweep != nil {
				onSweep(removed, live)
			}
		}
	}
}
