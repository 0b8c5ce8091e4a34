// Package tablock serializes access to browser tabs.
//
// Each tab has at most one holder session at any instant. Contending sessions
// wait in strict FIFO order. A lock record exists only while its tab is held
// or contended. The scheduler is the only intra-process serializer for tabs;
// it never touches the wire.
package tablock

import (
	"context"
	"sync"
	"time"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/logger"
)

const (
	// DefaultAcquireTimeout bounds how long Acquire waits in the queue
	DefaultAcquireTimeout = 30 * time.Second

	// StaleThreshold is the holder age beyond which a lock held by an
	// unregistered session may be reclaimed
	StaleThreshold = 60 * time.Second
)

// SessionChecker reports whether a session is still registered. Used by
// stale-lock reclamation: a crashed holder is one that is old and gone.
type SessionChecker interface {
	IsRegistered(sessionID string) bool
}

type waiterState int

const (
	waiting waiterState = iota
	granted
	abandoned
)

type waiter struct {
	sessionID string
	enqueued  time.Time
	state     waiterState
	grant     chan error
}

type tabLock struct {
	holder     string
	acquiredAt time.Time
	queue      []*waiter
}

// Scheduler implements per-tab exclusive locks with FIFO wait queues.
type Scheduler struct {
	mu       sync.Mutex
	locks    map[int]*tabLock
	sessions SessionChecker
	now      func() time.Time
}

// LockInfo is a diagnostic view of one lock, exposed by the health snapshot.
type LockInfo struct {
	TabID      int    `json:"tabId"`
	Holder     string `json:"holder"`
	QueueDepth int    `json:"queueDepth"`
	HeldForMs  int64  `json:"heldForMs"`
}

// NewScheduler creates a scheduler. sessions may be nil, which disables
// stale-lock reclamation (used by tests that manage lifecycles directly).
func NewScheduler(sessions SessionChecker) *Scheduler {
	return &Scheduler{
		locks:    make(map[int]*tabLock),
		sessions: sessions,
		now:      time.Now,
	}
}

// Acquire claims the exclusive lock on tabID for sessionID, waiting in FIFO
// order up to DefaultAcquireTimeout.
func (s *Scheduler) Acquire(ctx context.Context, sessionID string, tabID int) error {
	return s.AcquireWithTimeout(ctx, sessionID, tabID, DefaultAcquireTimeout)
}

// AcquireWithTimeout is Acquire with a caller-supplied queue deadline.
// Returns nil on grant, a LockAcquireTimeout error when the deadline expires,
// and a Cancelled error when ctx is done first. A timed-out or cancelled
// acquisition will never be granted later.
func (s *Scheduler) AcquireWithTimeout(ctx context.Context, sessionID string, tabID int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	s.mu.Lock()
	l, ok := s.locks[tabID]
	if !ok {
		l = &tabLock{}
		s.locks[tabID] = l
	}

	s.reclaimStaleLocked(tabID, l)

	if l.holder == "" {
		l.holder = sessionID
		l.acquiredAt = s.now()
		s.mu.Unlock()
		return nil
	}
	// The holder's own re-acquire queues like anyone else: each acquisition
	// maps to one command, and commands on a tab serialize even within a
	// session.
	w := &waiter{
		sessionID: sessionID,
		enqueued:  s.now(),
		grant:     make(chan error, 1),
	}
	l.queue = append(l.queue, w)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.grant:
		return err
	case <-timer.C:
		return s.abandon(tabID, w, errors.NewLockAcquireTimeout(tabID))
	case <-ctx.Done():
		return s.abandon(tabID, w, errors.NewCancelled("lock acquisition cancelled: "+ctx.Err().Error()))
	}
}

// abandon marks w dead in place; releaseLocked skips it without shifting the
// queue. If the grant raced ahead of the deadline, the grant wins and the
// caller holds the lock.
func (s *Scheduler) abandon(tabID int, w *waiter, reason error) error {
	s.mu.Lock()
	if w.state == granted {
		s.mu.Unlock()
		return nil
	}
	w.state = abandoned
	s.mu.Unlock()
	logger.Debugf("waiter %s left the queue for tab %d: %v", w.sessionID, tabID, reason)
	return reason
}

// Release releases sessionID's lock on tabID and grants the next live waiter
// atomically. A release by a non-holder is logged and ignored.
func (s *Scheduler) Release(sessionID string, tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[tabID]
	if !ok || l.holder != sessionID {
		logger.Warnf("session %s released tab %d it does not hold", sessionID, tabID)
		return
	}
	s.releaseLocked(tabID, l)
}

// CancelSession removes all of sessionID's waiters from every queue and
// releases every lock it holds, granting next waiters.
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tabID, l := range s.locks {
		for _, w := range l.queue {
			if w.sessionID == sessionID && w.state == waiting {
				w.state = abandoned
				w.grant <- errors.NewCancelled("session destroyed")
			}
		}
		if l.holder == sessionID {
			s.releaseLocked(tabID, l)
		}
	}
}

// Holder returns the current holder of tabID, or "".
func (s *Scheduler) Holder(tabID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[tabID]; ok {
		return l.holder
	}
	return ""
}

// HeldBy returns the tab ids currently held by sessionID.
func (s *Scheduler) HeldBy(sessionID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tabs []int
	for tabID, l := range s.locks {
		if l.holder == sessionID {
			tabs = append(tabs, tabID)
		}
	}
	return tabs
}

// Snapshot returns a diagnostic view of all live locks.
func (s *Scheduler) Snapshot() []LockInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]LockInfo, 0, len(s.locks))
	now := s.now()
	for tabID, l := range s.locks {
		depth := 0
		for _, w := range l.queue {
			if w.state == waiting {
				depth++
			}
		}
		infos = append(infos, LockInfo{
			TabID:      tabID,
			Holder:     l.holder,
			QueueDepth: depth,
			HeldForMs:  now.Sub(l.acquiredAt).Milliseconds(),
		})
	}
	return infos
}

// reclaimStaleLocked force-releases a lock whose holder is older than
// StaleThreshold and no longer registered. This is the only recovery path
// for a crashed holder. Caller holds s.mu.
func (s *Scheduler) reclaimStaleLocked(tabID int, l *tabLock) {
	if l.holder == "" || s.sessions == nil {
		return
	}
	if s.now().Sub(l.acquiredAt) <= StaleThreshold {
		return
	}
	if s.sessions.IsRegistered(l.holder) {
		return
	}
	logger.Warnf("reclaiming stale lock on tab %d from vanished session %s", tabID, l.holder)
	s.releaseLocked(tabID, l)
}

// releaseLocked clears the holder and grants the next live waiter, atomic
// with the release. Expired waiters are skipped in place. Caller holds s.mu.
func (s *Scheduler) releaseLocked(tabID int, l *tabLock) {
	l.holder = ""
	for len(l.queue) > 0 {
		w := l.queue[0]
		l.queue = l.queue[1:]
		if w.state != waiting {
			continue
		}
		w.state = granted
		l.holder = w.sessionID
		l.acquiredAt = s.now()
		w.grant <- nil
		return
	}
	// Free and uncontended: the lock record goes away.
	delete(s.locks, tabID)
}
