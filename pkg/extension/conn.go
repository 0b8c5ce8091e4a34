// Package extension carries the broker↔extension WebSocket channel.
//
// The broker is the accept side: extensions dial in, handshake with a hello
// envelope, and then multiplex commands, responses, and events over the one
// connection. All socket writes go through a single write pump; all reads
// through a single read pump. The extension-side dialer lives in scanner.go.
package extension

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabmux/tabmux/pkg/correlator"
	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/wire"
)

// Connection state values.
const (
	StateConnecting int32 = iota
	StateOpen
	StateClosing
	StateClosed
)

const (
	// PingInterval is how often the broker probes an idle connection
	PingInterval = 30 * time.Second

	// writeWait bounds a single socket write
	writeWait = 10 * time.Second

	sendBuffer = 64
)

// StateName returns a human-readable connection state.
func StateName(s int32) string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one extension connection. Commands issued through Call are
// correlated to responses by wire id on the connection's own table, so a
// dropped connection fails exactly its own in-flight requests.
type Conn struct {
	id       string
	ws       *websocket.Conn
	state    atomic.Int32
	openedAt time.Time

	sendCh chan []byte
	done   chan struct{}

	correl *correlator.Table
	ids    *wire.IDGenerator

	onEvent func(c *Conn, env *wire.Envelope)
	onPorts func(ctx context.Context) []int
	onClose func(c *Conn)

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		ws:       ws,
		openedAt: time.Now(),
		sendCh:   make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		correl:   correlator.NewTable(),
		ids:      &wire.IDGenerator{},
	}
	c.state.Store(StateConnecting)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// State returns the current connection state.
func (c *Conn) State() int32 { return c.state.Load() }

// OpenedAt returns when the socket was accepted.
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// Pending returns the number of in-flight requests on this connection.
func (c *Conn) Pending() int { return c.correl.Pending() }

// CancelSession fails this connection's pending requests for one session.
func (c *Conn) CancelSession(sessionID string) { c.correl.CancelSession(sessionID) }

// FailPending resolves every in-flight request on this connection with err.
// Used by shutdown, where a shutting-down error beats the generic
// connection-closed one the eventual socket close would produce.
func (c *Conn) FailPending(err error) { c.correl.FailAll(err) }

// start launches the pumps after a successful handshake.
func (c *Conn) start() {
	c.state.Store(StateOpen)
	go c.readPump()
	go c.writePump()
}

// Call sends a command and blocks until its response, its deadline, or ctx.
// Each invocation uses a fresh wire id; retries must call again rather than
// re-await an old id.
func (c *Conn) Call(ctx context.Context, sessionID, name string, payload []byte, tabID int, timeout time.Duration) (*wire.Envelope, error) {
	if c.state.Load() != StateOpen {
		return nil, errors.NewConnectionClosed("extension connection is " + StateName(c.state.Load()))
	}

	wireID := c.ids.Next()
	w := c.correl.Register(wireID, sessionID, name, timeout)

	env := wire.NewCommand(wireID, sessionID, name, payload, tabID)
	if err := c.send(env); err != nil {
		c.correl.Fail(wireID, err)
	}
	return w.Wait(ctx)
}

// send enqueues an envelope for the write pump.
func (c *Conn) send(env *wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return errors.NewSendError("encoding envelope", err)
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return errors.NewConnectionClosed("extension connection closed")
	}
}

// readPump reads envelopes until the socket errors, dispatching each by type.
func (c *Conn) readPump() {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warnf("extension connection %s read error: %v", c.id, err)
			}
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			logger.Warnf("extension connection %s sent a malformed envelope: %v", c.id, err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeResponse:
		c.correl.Resolve(env)
	case wire.TypeEvent:
		if c.onEvent != nil {
			c.onEvent(c, env)
		}
	case wire.TypePong:
		// Liveness acknowledged; TCP keepalive is the backstop when the
		// extension never answers.
	case wire.TypePortListRequest:
		var ports []int
		if c.onPorts != nil {
			ports = c.onPorts(context.Background())
		}
		if err := c.send(wire.NewPortListResponse(ports)); err != nil {
			logger.Warnf("extension connection %s: port list reply failed: %v", c.id, err)
		}
	default:
		logger.Debugf("extension connection %s: ignoring %s envelope", c.id, env.Type)
	}
}

// writePump owns all socket writes: queued envelopes and the periodic ping.
func (c *Conn) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				logger.Warnf("extension connection %s write error: %v", c.id, err)
				return
			}
		case <-ticker.C:
			ping, err := wire.Encode(wire.NewPing(time.Now().UnixMilli()))
			if err != nil {
				continue
			}
			if err := c.write(ping); err != nil {
				logger.Warnf("extension connection %s ping failed: %v", c.id, err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close tears the connection down: fail every in-flight request, close the
// socket, and notify the manager. Safe to call from either pump.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(StateClosing)
		close(c.done)
		c.correl.FailAll(errors.NewConnectionClosed("extension connection closed"))
		if err := c.ws.Close(); err != nil {
			logger.Debugf("closing extension connection %s: %v", c.id, err)
		}
		c.state.Store(StateClosed)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// Close shuts the connection down from the broker side.
func (c *Conn) Close() {
	c.close()
}
