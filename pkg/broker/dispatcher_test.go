package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/retrier"
	"github.com/tabmux/tabmux/pkg/session"
	"github.com/tabmux/tabmux/pkg/tablock"
	"github.com/tabmux/tabmux/pkg/wire"
)

type callRec struct {
	sessionID string
	name      string
	tabID     int
}

// fakeConn scripts extension behavior per call number.
type fakeConn struct {
	mu     sync.Mutex
	calls  []callRec
	script func(call int, rec callRec) (*wire.Envelope, error)
}

func (f *fakeConn) ID() string { return "fake-conn" }

func (f *fakeConn) Call(_ context.Context, sessionID, name string, _ []byte, tabID int, _ time.Duration) (*wire.Envelope, error) {
	f.mu.Lock()
	rec := callRec{sessionID: sessionID, name: name, tabID: tabID}
	f.calls = append(f.calls, rec)
	n := len(f.calls)
	f.mu.Unlock()
	return f.script(n, rec)
}

func (f *fakeConn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSource struct {
	conn *fakeConn
	err  error

	mu        sync.Mutex
	cancelled []string
}

func (s *fakeSource) Active() (Caller, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.conn, nil
}

func (s *fakeSource) CancelSession(sessionID string) {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, sessionID)
	s.mu.Unlock()
}

func okResponse(tabID int) (*wire.Envelope, error) {
	return &wire.Envelope{
		Type: wire.TypeResponse,
		Data: json.RawMessage(fmt.Sprintf(`{"ok":true,"tabId":%d}`, tabID)),
	}, nil
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Retry = retrier.Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   2,
	}
	opts.CommandTimeout = time.Second
	return opts
}

func newTestDispatcher(t *testing.T, src ConnSource) (*Dispatcher, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(time.Minute, nil)
	t.Cleanup(sessions.Stop)
	locks := tablock.NewScheduler(sessions)
	return NewDispatcher(sessions, locks, src, fastOptions()), sessions
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{script: func(int, callRec) (*wire.Envelope, error) { return okResponse(42) }}
	d, sessions := newTestDispatcher(t, &fakeSource{conn: conn})

	res := d.Dispatch(context.Background(), Request{
		SessionID: "sess-1",
		Command:   "browser_navigate",
		Params:    json.RawMessage(`{"url":"https://example.com"}`),
	})

	require.True(t, res.OK)
	assert.Equal(t, 42, res.TabID)
	assert.Equal(t, 1, res.Attempts)
	assert.Nil(t, res.Error)

	// The response tab was adopted and becomes the default target.
	s, ok := sessions.Get("sess-1")
	require.True(t, ok)
	assert.True(t, s.OwnsTab(42))
	assert.Equal(t, 42, s.LastFocusedTab())
}

func TestDispatchUsesFocusedTabByDefault(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{script: func(_ int, rec callRec) (*wire.Envelope, error) { return okResponse(rec.tabID) }}
	d, sessions := newTestDispatcher(t, &fakeSource{conn: conn})

	s, _ := sessions.GetOrCreate("sess-1")
	s.AdoptTab(7)

	res := d.Dispatch(context.Background(), Request{SessionID: "sess-1", Command: "dom.click"})
	require.True(t, res.OK)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.calls, 1)
	assert.Equal(t, 7, conn.calls[0].tabID, "focused tab fills in an omitted target")
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{script: func(call int, _ callRec) (*wire.Envelope, error) {
		if call == 1 {
			return nil, errors.NewMessageTimeout("no response within deadline")
		}
		return okResponse(5)
	}}
	d, _ := newTestDispatcher(t, &fakeSource{conn: conn})

	res := d.Dispatch(context.Background(), Request{SessionID: "sess-1", Command: "dom.click", TabID: 5})
	require.True(t, res.OK)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, conn.callCount(), "each attempt is a fresh send")
}

func TestDispatchTerminalFailureNotRetried(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{script: func(int, callRec) (*wire.Envelope, error) {
		return nil, errors.NewExtensionError("element not found")
	}}
	d, _ := newTestDispatcher(t, &fakeSource{conn: conn})

	res := d.Dispatch(context.Background(), Request{SessionID: "sess-1", Command: "dom.click", TabID: 5})
	require.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, errors.KindExtensionError, res.Error.Kind)
	assert.False(t, res.Error.Retryable)
	assert.Equal(t, 1, conn.callCount())
}

func TestDispatchExhaustionSurfacesMaxRetries(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{script: func(int, callRec) (*wire.Envelope, error) {
		return nil, errors.NewConnectionClosed("socket closed")
	}}
	d, _ := newTestDispatcher(t, &fakeSource{conn: conn})

	res := d.Dispatch(context.Background(), Request{SessionID: "sess-1", Command: "dom.click", TabID: 5})
	require.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, errors.KindMaxRetriesExceeded, res.Error.Kind)
	assert.False(t, res.Error.Retryable)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, conn.callCount())
}

func TestDispatchNoConnection(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakeSource{err: errors.NewNoConnection("no extension connected")})

	res := d.Dispatch(context.Background(), Request{SessionID: "sess-1", Command: "dom.click", TabID: 5})
	require.False(t, res.OK)
	// NoConnection is retryable, so exhaustion reports max retries with the
	// original cause underneath.
	assert.Equal(t, errors.KindMaxRetriesExceeded, res.Error.Kind)
}

func TestDispatchRejectsEmptyCommand(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{script: func(int, callRec) (*wire.Envelope, error) { return okResponse(1) }}
	d, _ := newTestDispatcher(t, &fakeSource{conn: conn})

	res := d.Dispatch(context.Background(), Request{SessionID: "sess-1"})
	require.False(t, res.OK)
	assert.Equal(t, errors.KindInvalidRequest, res.Error.Kind)
	assert.Equal(t, 0, conn.callCount())
}

func TestDrainRefusesNewDispatches(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{script: func(int, callRec) (*wire.Envelope, error) { return okResponse(1) }}
	d, _ := newTestDispatcher(t, &fakeSource{conn: conn})

	d.Drain()
	res := d.Dispatch(context.Background(), Request{SessionID: "sess-1", Command: "dom.click"})
	require.False(t, res.OK)
	assert.Equal(t, errors.KindShuttingDown, res.Error.Kind)
	assert.Equal(t, 0, conn.callCount())
}

func TestSameTabSerializesAcrossSessions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	conn := &fakeConn{script: func(_ int, rec callRec) (*wire.Envelope, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return okResponse(rec.tabID)
	}}
	d, _ := newTestDispatcher(t, &fakeSource{conn: conn})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := d.Dispatch(context.Background(), Request{
				SessionID: fmt.Sprintf("sess-%d", i),
				Command:   "dom.click",
				TabID:     9,
			})
			assert.True(t, res.OK)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "commands on one tab never overlap")
	assert.Equal(t, 6, conn.callCount())
}

func TestDisjointTabsRunConcurrently(t *testing.T) {
	t.Parallel()

	started := make(chan int, 2)
	release := make(chan struct{})
	conn := &fakeConn{script: func(_ int, rec callRec) (*wire.Envelope, error) {
		started <- rec.tabID
		<-release
		return okResponse(rec.tabID)
	}}
	d, _ := newTestDispatcher(t, &fakeSource{conn: conn})

	var wg sync.WaitGroup
	for _, tab := range []int{1, 2} {
		wg.Add(1)
		go func(tab int) {
			defer wg.Done()
			res := d.Dispatch(context.Background(), Request{
				SessionID: fmt.Sprintf("sess-%d", tab),
				Command:   "dom.click",
				TabID:     tab,
			})
			assert.True(t, res.OK)
		}(tab)
	}

	// Both commands reach the extension while neither has finished.
	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case tab := <-started:
			seen[tab] = true
		case <-time.After(2 * time.Second):
			t.Fatal("commands on disjoint tabs blocked each other")
		}
	}
	close(release)
	wg.Wait()
	assert.True(t, seen[1] && seen[2])
}

func TestFailFastOnForeignTab(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{script: func(_ int, rec callRec) (*wire.Envelope, error) { return okResponse(rec.tabID) }}
	sessions := session.NewManager(time.Minute, nil)
	t.Cleanup(sessions.Stop)
	locks := tablock.NewScheduler(sessions)

	opts := fastOptions()
	opts.FailFastOnForeignTab = true
	d := NewDispatcher(sessions, locks, &fakeSource{conn: conn}, opts)

	owner, _ := sessions.GetOrCreate("owner")
	owner.AdoptTab(8)

	res := d.Dispatch(context.Background(), Request{SessionID: "intruder", Command: "dom.click", TabID: 8})
	require.False(t, res.OK)
	assert.Equal(t, errors.KindNoConnectedTab, res.Error.Kind)
	assert.True(t, res.Error.Retryable)
	assert.Equal(t, 0, conn.callCount())

	// The owner itself is unaffected.
	res = d.Dispatch(context.Background(), Request{SessionID: "owner", Command: "dom.click", TabID: 8})
	assert.True(t, res.OK)
}

func TestCancelSessionSweepsLocksAndPending(t *testing.T) {
	t.Parallel()
	src := &fakeSource{conn: &fakeConn{script: func(int, callRec) (*wire.Envelope, error) { return okResponse(1) }}}
	d, sessions := newTestDispatcher(t, src)

	sessions.GetOrCreate("doomed")
	require.NoError(t, d.locks.Acquire(context.Background(), "doomed", 4))

	d.CancelSession("doomed")

	assert.Equal(t, "", d.locks.Holder(4), "held locks released")
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, []string{"doomed"}, src.cancelled, "in-flight requests cancelled")
}
