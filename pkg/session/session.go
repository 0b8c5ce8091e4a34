// Package session tracks client sessions and their tab ownership.
//
// A session is created implicitly the first time a sessionId is seen and
// lives until its client transport closes or it idles past the TTL. Each
// session accumulates the set of tab ids it owns; ownership only grows while
// the session is alive and is swept as a whole on destruction.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the idle timeout after which an untouched session is
// destroyed by the cleanup worker.
const DefaultTTL = 10 * time.Minute

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Session is one client's view of the broker: its transport binding, the
// tabs it owns, and the tab its commands default to.
type Session struct {
	id      string
	created time.Time

	mu             sync.RWMutex
	lastActivity   time.Time
	transportID    string
	ownedTabs      map[int]struct{}
	lastFocusedTab int
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		created:      now,
		lastActivity: now,
		ownedTabs:    make(map[int]struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.created }

// LastActivityAt returns the time of the last Touch.
func (s *Session) LastActivityAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// BindTransport records the client transport carrying this session.
// A session that reappears on a new transport rebinds last-writer-wins;
// accumulated tab ownership is untouched.
func (s *Session) BindTransport(transportID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportID = transportID
	s.lastActivity = time.Now()
}

// TransportID returns the current transport binding, or "".
func (s *Session) TransportID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transportID
}

// AdoptTab adds tabID to the owned set and makes it the focused tab.
func (s *Session) AdoptTab(tabID int) {
	if tabID <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownedTabs[tabID] = struct{}{}
	s.lastFocusedTab = tabID
}

// ReleaseTab drops tabID from the owned set, clearing focus if it pointed
// at the released tab.
func (s *Session) ReleaseTab(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ownedTabs, tabID)
	if s.lastFocusedTab == tabID {
		s.lastFocusedTab = 0
	}
}

// OwnsTab reports whether tabID is in the owned set.
func (s *Session) OwnsTab(tabID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ownedTabs[tabID]
	return ok
}

// OwnedTabs returns the owned tab ids in ascending order.
func (s *Session) OwnedTabs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tabs := make([]int, 0, len(s.ownedTabs))
	for id := range s.ownedTabs {
		tabs = append(tabs, id)
	}
	sort.Ints(tabs)
	return tabs
}

// LastFocusedTab returns the default target tab, or 0 when none is set.
func (s *Session) LastFocusedTab() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFocusedTab
}

// SetLastFocused records tabID as the default target for subsequent
// commands that omit an explicit tab.
func (s *Session) SetLastFocused(tabID int) {
	if tabID <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFocusedTab = tabID
}

// Info is a read-only snapshot of one session for diagnostics.
type Info struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	TransportID    string    `json:"transportId,omitempty"`
	OwnedTabs      []int     `json:"ownedTabs"`
	LastFocusedTab int       `json:"lastFocusedTab,omitempty"`
}

// Snapshot returns a point-in-time copy of the session state.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tabs := make([]int, 0, len(s.ownedTabs))
	for id := range s.ownedTabs {
		tabs = append(tabs, id)
	}
	sort.Ints(tabs)
	return Info{
		ID:             s.id,
		CreatedAt:      s.created,
		LastActivityAt: s.lastActivity,
		TransportID:    s.transportID,
		OwnedTabs:      tabs,
		LastFocusedTab: s.lastFocusedTab,
	}
}
