package extension

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/wire"
)

// handshakeWait bounds how long an accepted socket may take to say hello.
const handshakeWait = 10 * time.Second

// PortLister answers discovery requests with the active broker ports.
type PortLister interface {
	ActivePorts(ctx context.Context) ([]int, error)
}

// EventHandler receives unsolicited extension events.
type EventHandler func(connID string, env *wire.Envelope)

// DisconnectHandler runs after a connection has fully closed.
type DisconnectHandler func(connID string)

// Manager accepts extension connections and tracks the live set. Commands
// route to the most recently opened connection; discovery replies come from
// the port registry.
type Manager struct {
	instanceID string
	port       int
	ports      PortLister

	mu     sync.RWMutex
	conns  map[string]*Conn
	active *Conn

	onEvent      EventHandler
	onDisconnect DisconnectHandler

	upgrader websocket.Upgrader
}

// NewManager creates a connection manager. instanceID and port identify this
// broker in handshake replies; ports may be nil, which answers discovery with
// an empty list.
func NewManager(instanceID string, port int, ports PortLister) *Manager {
	return &Manager{
		instanceID: instanceID,
		port:       port,
		ports:      ports,
		conns:      make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Extensions connect from their own origin; the socket is
			// loopback-only so origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// OnEvent registers the handler for unsolicited extension events.
func (m *Manager) OnEvent(h EventHandler) { m.onEvent = h }

// OnDisconnect registers the handler run after a connection closes.
func (m *Manager) OnDisconnect(h DisconnectHandler) { m.onDisconnect = h }

// ServeHTTP upgrades an incoming request to an extension connection,
// performs the hello handshake, and starts the pumps.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws)
	if err := m.handshake(c); err != nil {
		logger.Warnf("extension handshake from %s failed: %v", r.RemoteAddr, err)
		_ = ws.Close()
		return
	}

	c.onEvent = m.handleEvent
	c.onPorts = m.listPorts
	c.onClose = m.remove

	m.mu.Lock()
	m.conns[c.id] = c
	m.active = c
	m.mu.Unlock()

	c.start()
	logger.Infof("extension connected: %s from %s", c.id, r.RemoteAddr)
}

// handshake reads the extension's hello and answers with this broker's
// identity. Anything other than a hello first is a protocol error.
func (m *Manager) handshake(c *Conn) error {
	if err := c.ws.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		return err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	if err := c.ws.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if env.Type != wire.TypeHello {
		return errors.NewInvalidRequest("expected hello, got "+env.Type, nil)
	}

	ack, err := wire.Encode(wire.NewHelloAck(m.instanceID, m.port))
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, ack)
}

func (m *Manager) handleEvent(c *Conn, env *wire.Envelope) {
	if m.onEvent != nil {
		m.onEvent(c.id, env)
	}
}

func (m *Manager) listPorts(ctx context.Context) []int {
	if m.ports == nil {
		return nil
	}
	ports, err := m.ports.ActivePorts(ctx)
	if err != nil {
		logger.Warnf("listing active ports for discovery: %v", err)
		return nil
	}
	return ports
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	if m.active == c {
		m.active = nil
		// Fall back to any other live connection.
		for _, other := range m.conns {
			m.active = other
			break
		}
	}
	m.mu.Unlock()

	logger.Infof("extension disconnected: %s", c.id)
	if m.onDisconnect != nil {
		m.onDisconnect(c.id)
	}
}

// Active returns the connection commands currently route to. Returns a
// NoConnection error when no extension is attached.
func (m *Manager) Active() (*Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil || m.active.State() != StateOpen {
		return nil, errors.NewNoConnection("no extension connected")
	}
	return m.active, nil
}

// Get returns a connection by id.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Len returns the number of tracked connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// ConnInfo is a diagnostic view of one connection.
type ConnInfo struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	AgeMs   int64  `json:"ageMs"`
	Pending int    `json:"pending"`
}

// Snapshot returns diagnostic views of all tracked connections.
func (m *Manager) Snapshot() []ConnInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]ConnInfo, 0, len(m.conns))
	for _, c := range m.conns {
		infos = append(infos, ConnInfo{
			ID:      c.id,
			State:   StateName(c.State()),
			AgeMs:   time.Since(c.openedAt).Milliseconds(),
			Pending: c.Pending(),
		})
	}
	return infos
}

// CancelSession fails every connection's pending requests for sessionID.
func (m *Manager) CancelSession(sessionID string) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.CancelSession(sessionID)
	}
}

// FailAllPending resolves every in-flight request on every connection with
// err.
func (m *Manager) FailAllPending(err error) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.FailPending(err)
	}
}

// CloseAll shuts down every tracked connection. Used on broker shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
