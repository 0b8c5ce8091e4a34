// Package broker routes client commands to extension connections: it owns
// the dispatch pipeline (session resolution, tab locking, retries) and the
// top-level assembly of the broker's moving parts.
package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/retrier"
	"github.com/tabmux/tabmux/pkg/session"
	"github.com/tabmux/tabmux/pkg/tablock"
	"github.com/tabmux/tabmux/pkg/telemetry"
	"github.com/tabmux/tabmux/pkg/wire"
)

// DefaultCommandTimeout is the per-attempt response deadline when the
// request carries none.
const DefaultCommandTimeout = 30 * time.Second

// Caller issues one correlated command on an extension connection.
type Caller interface {
	ID() string
	Call(ctx context.Context, sessionID, name string, payload []byte, tabID int, timeout time.Duration) (*wire.Envelope, error)
}

// ConnSource hands the dispatcher the connection commands route to.
type ConnSource interface {
	Active() (Caller, error)
	CancelSession(sessionID string)
}

// Request is one client command to dispatch.
type Request struct {
	SessionID string
	Command   string
	Params    json.RawMessage
	// TabID targets a specific tab; 0 resolves to the session's focused
	// tab, or lets the extension open a fresh one.
	TabID   int
	Timeout time.Duration
}

// ErrorInfo is the uniform failure shape surfaced to clients.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Result is the uniform outcome of one dispatched command.
type Result struct {
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data,omitempty"`
	TabID    int             `json:"tabId,omitempty"`
	Attempts int             `json:"attempts"`
	Error    *ErrorInfo      `json:"error,omitempty"`
}

// Options tune dispatcher behavior.
type Options struct {
	// Retry is the per-command retry policy.
	Retry retrier.Config
	// CommandTimeout is the default per-attempt response deadline.
	CommandTimeout time.Duration
	// AutoAdopt controls whether a response's tabId is adopted into the
	// session's owned set. On by default.
	AutoAdopt bool
	// FailFastOnForeignTab fails a call targeting a tab owned by another
	// live session with a retryable no-connected-tab error instead of
	// queueing behind the owner's lock.
	FailFastOnForeignTab bool
	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// DefaultOptions returns the standard dispatcher tuning.
func DefaultOptions() Options {
	return Options{
		Retry:          retrier.DefaultConfig(),
		CommandTimeout: DefaultCommandTimeout,
		AutoAdopt:      true,
	}
}

// Dispatcher executes client commands against the extension, serializing
// per tab and retrying transient failures with fresh wire ids.
type Dispatcher struct {
	sessions *session.Manager
	locks    *tablock.Scheduler
	conns    ConnSource
	opts     Options
	draining atomic.Bool
}

// NewDispatcher wires the dispatch pipeline. The session manager's teardown
// must already route back through CancelSession (see New in broker.go).
func NewDispatcher(sessions *session.Manager, locks *tablock.Scheduler, conns ConnSource, opts Options) *Dispatcher {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &Dispatcher{
		sessions: sessions,
		locks:    locks,
		conns:    conns,
		opts:     opts,
	}
}

// Dispatch runs one command end to end. Failures never escape as errors or
// panics; every outcome lands in the uniform Result shape.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	start := time.Now()
	res := d.dispatch(ctx, req)
	if m := d.opts.Metrics; m != nil {
		outcome := "ok"
		if res.Error != nil {
			outcome = res.Error.Kind
		}
		m.Requests.WithLabelValues(req.Command, outcome).Inc()
		m.RequestDuration.WithLabelValues(req.Command).Observe(time.Since(start).Seconds())
		if res.Attempts > 1 {
			m.Retries.Add(float64(res.Attempts - 1))
		}
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Result {
	if d.draining.Load() {
		return failure(errors.NewShuttingDown(), 0)
	}
	if req.Command == "" {
		return failure(errors.NewInvalidRequest("command name is required", nil), 0)
	}

	sess, _ := d.sessions.GetOrCreate(req.SessionID)

	tabID := req.TabID
	if tabID == 0 {
		tabID = sess.LastFocusedTab()
	}

	// A known target tab is locked for the duration of the call. An unknown
	// target (fresh session, no focused tab) has nothing to lock yet; the
	// extension opens a tab and the response id is adopted below.
	if tabID != 0 {
		if d.opts.FailFastOnForeignTab {
			if owner, ok := d.sessions.OwnerOf(tabID); ok && owner != sess.ID() {
				return failure(errors.NewNoConnectedTab(
					fmt.Sprintf("tab %d is held by another session", tabID)), 0)
			}
		}
		if err := d.locks.Acquire(ctx, sess.ID(), tabID); err != nil {
			return failure(err, 0)
		}
		defer d.locks.Release(sess.ID(), tabID)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.opts.CommandTimeout
	}

	// Each retry attempt re-resolves the connection and uses a fresh wire
	// id, so a late response to a dead attempt can never satisfy a new one.
	resp, attempts, err := retrier.Do(ctx, d.opts.Retry, func() (*wire.Envelope, error) {
		conn, err := d.conns.Active()
		if err != nil {
			return nil, err
		}
		return conn.Call(ctx, sess.ID(), req.Command, req.Params, tabID, timeout)
	})
	if err != nil {
		return failure(err, attempts)
	}

	sess.Touch()
	respTab := resp.ResponseTabID()
	if respTab != 0 && d.opts.AutoAdopt {
		sess.AdoptTab(respTab)
	}

	return Result{OK: true, Data: resp.Data, TabID: respTab, Attempts: attempts}
}

// CancelSession sweeps one session out of the pipeline: queued lock waiters,
// held locks, and in-flight requests.
func (d *Dispatcher) CancelSession(sessionID string) {
	d.locks.CancelSession(sessionID)
	d.conns.CancelSession(sessionID)
}

// Drain puts the dispatcher into shutdown mode: new dispatches fail with a
// shutting-down error.
func (d *Dispatcher) Drain() {
	d.draining.Store(true)
}

// CloseOwnedTabs asks the extension to close every tab a session owns.
// Best-effort: failures are logged and swallowed.
func (d *Dispatcher) CloseOwnedTabs(ctx context.Context, sess *session.Session) {
	tabs := sess.OwnedTabs()
	if len(tabs) == 0 {
		return
	}
	conn, err := d.conns.Active()
	if err != nil {
		logger.Debugf("session %s: skipping tab cleanup: %v", sess.ID(), err)
		return
	}
	for _, tabID := range tabs {
		payload, err := json.Marshal(map[string]int{"tabId": tabID})
		if err != nil {
			continue
		}
		if _, err := conn.Call(ctx, sess.ID(), "tabs.close", payload, tabID, 5*time.Second); err != nil {
			logger.Debugf("session %s: closing tab %d: %v", sess.ID(), tabID, err)
		}
	}
}

// failure translates err into the uniform result shape. Non-broker errors
// (context cancellation, plain wrapped errors) map to a cancelled kind.
func failure(err error, attempts int) Result {
	var be *errors.Error
	if !stderrors.As(err, &be) {
		be = errors.NewCancelled(err.Error())
	}
	if be.Attempts > 0 {
		attempts = be.Attempts
	}
	if attempts == 0 {
		attempts = 1
	}
	return Result{
		Attempts: attempts,
		Error: &ErrorInfo{
			Kind:      be.Kind,
			Retryable: be.Retryable,
			Message:   be.Message,
			Attempts:  attempts,
		},
	}
}
