package session

import (
	"sync"
	"time"

	"github.com/tabmux/tabmux/pkg/logger"
)

// TeardownFunc runs once per destroyed session, after the record has been
// removed from the registry. Teardown releases the session's tab locks,
// cancels its pending requests, and closes its owned tabs best-effort.
type TeardownFunc func(s *Session)

// Manager is the session registry: RWMutex-guarded map with a TTL cleanup
// worker. Destruction on client transport close is the primary path; the
// idle TTL is the safety net behind it.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	teardown TeardownFunc
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a registry with the given idle TTL (DefaultTTL when
// zero) and starts the cleanup worker. teardown may be nil.
func NewManager(ttl time.Duration, teardown TeardownFunc) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		teardown: teardown,
		stopCh:   make(chan struct{}),
	}
	go m.cleanupRoutine()
	return m
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// GetOrCreate returns the session for id, creating it on first sight.
// The second return reports whether the session was created by this call.
// Existing sessions are touched.
func (m *Manager) GetOrCreate(id string) (*Session, bool) {
	if id == "" {
		id = NewID()
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.Touch()
		return s, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Touch()
		return s, false
	}
	s = newSession(id)
	m.sessions[id] = s
	logger.Debugf("session %s created", id)
	return s, true
}

// Get retrieves and touches a session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Touch()
	return s, true
}

// IsRegistered reports whether id names a live session, without touching it.
// Satisfies the lock scheduler's staleness check.
func (m *Manager) IsRegistered(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// OwnerOf returns the live session owning tabID, if any.
func (m *Manager) OwnerOf(tabID int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, s := range m.sessions {
		if s.OwnsTab(tabID) {
			return id, true
		}
	}
	return "", false
}

// Destroy removes id from the registry and runs teardown. Destroying an
// unknown session is a no-op.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	logger.Infof("session %s destroyed (owned tabs: %v)", id, s.OwnedTabs())
	if m.teardown != nil {
		m.teardown(s)
	}
}

// DestroyByTransport destroys every session bound to transportID. Called
// when a client transport closes.
func (m *Manager) DestroyByTransport(transportID string) {
	if transportID == "" {
		return
	}
	m.mu.RLock()
	var doomed []string
	for id, s := range m.sessions {
		if s.TransportID() == transportID {
			doomed = append(doomed, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range doomed {
		m.Destroy(id)
	}
}

// CleanupExpired destroys sessions idle past the TTL, through the same
// teardown path as explicit destruction.
func (m *Manager) CleanupExpired() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.LastActivityAt().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range expired {
		logger.Infof("session %s idle past %v, destroying", id, m.ttl)
		m.Destroy(id)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns diagnostic snapshots of all live sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// Stop halts the cleanup worker. Live sessions are left to the shutdown
// sequence, which cancels them through the dispatcher.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
