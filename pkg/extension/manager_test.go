package extension

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/wire"
)

type stubPorts struct {
	ports []int
}

func (s *stubPorts) ActivePorts(context.Context) ([]int, error) {
	return s.ports, nil
}

// startBroker serves a Manager over httptest and returns its ws:// URL.
func startBroker(t *testing.T, m *Manager) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", m)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	m := NewManager("inst-1", 8765, nil)
	url := startBroker(t, m)

	client, err := DialBroker(context.Background(), url, nil)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "inst-1", client.InstanceID())
	assert.Equal(t, 8765, client.BrokerPort())

	waitFor(t, func() bool { return m.Len() == 1 }, "connection never registered")
	conn, err := m.Active()
	require.NoError(t, err)
	assert.Equal(t, StateOpen, conn.State())
}

func TestHandshakeRejectsNonHello(t *testing.T) {
	t.Parallel()
	m := NewManager("inst-1", 8765, nil)
	url := startBroker(t, m)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	bad, err := wire.Encode(&wire.Envelope{Type: wire.TypePing})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, bad))

	// The broker closes the socket instead of acking.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestCallRoundTrip(t *testing.T) {
	t.Parallel()
	m := NewManager("inst-1", 8765, nil)
	url := startBroker(t, m)

	handler := func(env *wire.Envelope) *wire.Envelope {
		require.Equal(t, "dom.click", env.Name)
		require.Equal(t, "sess-1", env.SessionID)
		return &wire.Envelope{Data: json.RawMessage(`{"clicked":true,"tabId":12}`)}
	}
	client, err := DialBroker(context.Background(), url, handler)
	require.NoError(t, err)
	defer client.Close()

	waitFor(t, func() bool { return m.Len() == 1 }, "connection never registered")
	conn, err := m.Active()
	require.NoError(t, err)

	resp, err := conn.Call(context.Background(), "sess-1", "dom.click",
		json.RawMessage(`{"selector":"#go"}`), 12, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 12, resp.ResponseTabID())
	assert.Equal(t, 0, conn.Pending())
}

func TestCallExtensionError(t *testing.T) {
	t.Parallel()
	m := NewManager("inst-1", 8765, nil)
	url := startBroker(t, m)

	handler := func(env *wire.Envelope) *wire.Envelope {
		return &wire.Envelope{Error: "element not found"}
	}
	client, err := DialBroker(context.Background(), url, handler)
	require.NoError(t, err)
	defer client.Close()

	waitFor(t, func() bool { return m.Len() == 1 }, "connection never registered")
	conn, err := m.Active()
	require.NoError(t, err)

	_, err = conn.Call(context.Background(), "sess-1", "dom.click", nil, 0, 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindExtensionError))
	assert.False(t, errors.IsRetryable(err))
}

func TestCallBareErrorReply(t *testing.T) {
	t.Parallel()
	m := NewManager("inst-1", 8765, nil)
	url := startBroker(t, m)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	hello, err := wire.Encode(&wire.Envelope{Type: wire.TypeHello, Wants: "instanceId"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, hello))
	_, _, err = ws.ReadMessage() // helloAck
	require.NoError(t, err)

	waitFor(t, func() bool { return m.Len() == 1 }, "connection never registered")
	conn, err := m.Active()
	require.NoError(t, err)

	// The extension answers with the bare failure form: no type field.
	go func() {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			return
		}
		raw := []byte(`{"wireId":` + strconv.FormatInt(env.WireID, 10) + `,"error":"element not found"}`)
		_ = ws.WriteMessage(websocket.TextMessage, raw)
	}()

	_, err = conn.Call(context.Background(), "sess-1", "dom.click", nil, 0, 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindExtensionError))
	assert.Contains(t, err.Error(), "element not found")
	assert.Equal(t, 0, conn.Pending())
}

func TestDialHelloWantsInstanceID(t *testing.T) {
	t.Parallel()

	hellos := make(chan *wire.Envelope, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			return
		}
		hellos <- env
		ack, _ := wire.Encode(wire.NewHelloAck("inst-1", 8765))
		_ = ws.WriteMessage(websocket.TextMessage, ack)
	}))
	t.Cleanup(srv.Close)

	client, err := DialBroker(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case env := <-hellos:
		assert.Equal(t, wire.TypeHello, env.Type)
		assert.Equal(t, "instanceId", env.Wants)
	case <-time.After(2 * time.Second):
		t.Fatal("hello never arrived")
	}
}

func TestPortDiscovery(t *testing.T) {
	t.Parallel()
	m := NewManager("inst-1", 8765, &stubPorts{ports: []int{8765, 8767}})
	url := startBroker(t, m)

	client, err := DialBroker(context.Background(), url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.RequestPortList())
	waitFor(t, func() bool { return len(client.KnownPorts()) == 2 }, "port list never arrived")
	assert.Equal(t, []int{8765, 8767}, client.KnownPorts())
}

func TestCloseFailsPendingAndDeregisters(t *testing.T) {
	t.Parallel()
	m := NewManager("inst-1", 8765, nil)

	var mu sync.Mutex
	var disconnected []string
	m.OnDisconnect(func(connID string) {
		mu.Lock()
		disconnected = append(disconnected, connID)
		mu.Unlock()
	})

	url := startBroker(t, m)

	// Handler swallows commands so the call stays in flight.
	client, err := DialBroker(context.Background(), url, func(*wire.Envelope) *wire.Envelope { return nil })
	require.NoError(t, err)

	waitFor(t, func() bool { return m.Len() == 1 }, "connection never registered")
	conn, err := m.Active()
	require.NoError(t, err)
	connID := conn.ID()

	callErr := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "sess-1", "dom.click", nil, 0, time.Minute)
		callErr <- err
	}()
	waitFor(t, func() bool { return conn.Pending() == 1 }, "call never became pending")

	client.Close()

	err = <-callErr
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConnectionClosed))
	assert.True(t, errors.IsRetryable(err))

	waitFor(t, func() bool { return m.Len() == 0 }, "connection never deregistered")
	_, err = m.Active()
	assert.True(t, errors.Is(err, errors.KindNoConnection))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{connID}, disconnected)
}

func TestEventsReachHandler(t *testing.T) {
	t.Parallel()
	m := NewManager("inst-1", 8765, nil)

	events := make(chan *wire.Envelope, 1)
	m.OnEvent(func(_ string, env *wire.Envelope) { events <- env })

	url := startBroker(t, m)
	client, err := DialBroker(context.Background(), url, nil)
	require.NoError(t, err)
	defer client.Close()

	waitFor(t, func() bool { return m.Len() == 1 }, "connection never registered")

	client.reply(&wire.Envelope{Type: wire.TypeEvent, Name: "tab.closed", TabID: 3})

	select {
	case env := <-events:
		assert.Equal(t, wire.TypeEvent, env.Type)
		assert.Equal(t, "tab.closed", env.Name)
		assert.Equal(t, 3, env.TabID)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the handler")
	}
}
