// Package correlator matches outgoing commands to incoming responses by wire
// id. One table exists per extension connection.
//
// Every registered waiter resolves exactly once: with the response envelope,
// with a timeout error when its deadline fires, with a connection-closed
// error when the owning connection drops, or with a cancellation. Responses
// may arrive in any order relative to sends; correlation is by id alone.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/wire"
)

// DefaultTimeout is the per-request deadline when the caller supplies none.
const DefaultTimeout = 30 * time.Second

type outcome struct {
	env *wire.Envelope
	err error
}

type pending struct {
	wireID    int64
	sessionID string
	command   string
	ch        chan outcome
	timer     *time.Timer
}

// Table is the per-connection wireId → pending-request map.
type Table struct {
	mu      sync.Mutex
	waiters map[int64]*pending
}

// NewTable creates an empty correlation table.
func NewTable() *Table {
	return &Table{waiters: make(map[int64]*pending)}
}

// Waiter is the receiving half of a registered request.
type Waiter struct {
	table  *Table
	wireID int64
	ch     chan outcome
}

// Register inserts a pending request and arms its deadline timer.
// A timeout of 0 uses DefaultTimeout.
func (t *Table) Register(wireID int64, sessionID, command string, timeout time.Duration) *Waiter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &pending{
		wireID:    wireID,
		sessionID: sessionID,
		command:   command,
		ch:        make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		t.finish(wireID, outcome{err: errors.NewMessageTimeout(
			"no response for " + command + " within deadline")})
	})

	t.mu.Lock()
	t.waiters[wireID] = p
	t.mu.Unlock()

	return &Waiter{table: t, wireID: wireID, ch: p.ch}
}

// Resolve delivers a response envelope to its waiter. Unmatched responses are
// logged and dropped; the return value reports whether a waiter was found.
func (t *Table) Resolve(env *wire.Envelope) bool {
	if env.Error != "" {
		return t.finish(env.WireID, outcome{err: errors.NewExtensionError(env.Error)})
	}
	if !t.finish(env.WireID, outcome{env: env}) {
		logger.Warnf("discarding response with unmatched wireId %d", env.WireID)
		return false
	}
	return true
}

// Fail resolves a single pending request with err.
func (t *Table) Fail(wireID int64, err error) bool {
	return t.finish(wireID, outcome{err: err})
}

// FailAll resolves every pending request with err. Used when the owning
// connection closes or the broker shuts down.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	drained := make([]*pending, 0, len(t.waiters))
	for _, p := range t.waiters {
		drained = append(drained, p)
	}
	t.waiters = make(map[int64]*pending)
	t.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.ch <- outcome{err: err}
	}
}

// CancelSession resolves every pending request belonging to sessionID with a
// cancellation error.
func (t *Table) CancelSession(sessionID string) {
	t.mu.Lock()
	var drained []*pending
	for id, p := range t.waiters {
		if p.sessionID == sessionID {
			drained = append(drained, p)
			delete(t.waiters, id)
		}
	}
	t.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.ch <- outcome{err: errors.NewCancelled("session destroyed")}
	}
}

// Pending returns the number of in-flight requests.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// PendingForSession returns the number of in-flight requests for one session.
func (t *Table) PendingForSession(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.waiters {
		if p.sessionID == sessionID {
			n++
		}
	}
	return n
}

// finish removes the entry and delivers the outcome. The remove-then-send
// discipline under the table mutex guarantees at most one resolution per
// wire id; the buffered channel means delivery never blocks.
func (t *Table) finish(wireID int64, out outcome) bool {
	t.mu.Lock()
	p, ok := t.waiters[wireID]
	if ok {
		delete(t.waiters, wireID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- out
	return true
}

// Wait blocks until the request resolves or ctx is done. Context cancellation
// withdraws the pending entry so no resolver leaks.
func (w *Waiter) Wait(ctx context.Context) (*wire.Envelope, error) {
	select {
	case out := <-w.ch:
		return out.env, out.err
	case <-ctx.Done():
		w.table.finish(w.wireID, outcome{})
		return nil, errors.NewCancelled(ctx.Err().Error())
	}
}
