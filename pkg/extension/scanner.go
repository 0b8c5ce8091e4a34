package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/portreg"
	"github.com/tabmux/tabmux/pkg/wire"
)

// Reconnect backoff bounds for the extension-side scanner.
const (
	scanInitialInterval = 2 * time.Second
	scanMaxInterval     = 30 * time.Second
)

// CommandHandler executes one command on the extension side and returns the
// response envelope. A nil return suppresses the reply.
type CommandHandler func(env *wire.Envelope) *wire.Envelope

// Client is the extension side of one broker connection: it dials, says
// hello, then serves commands and liveness probes until closed.
type Client struct {
	ws      *websocket.Conn
	handler CommandHandler

	// Broker identity learned from the helloAck.
	instanceID string
	port       int

	writeMu sync.Mutex
	done    chan struct{}

	mu        sync.Mutex
	ports     []int
	closeOnce sync.Once
}

// DialBroker connects to a broker WebSocket endpoint and completes the hello
// handshake. handler serves the commands the broker sends; it may be nil for
// listen-only clients.
func DialBroker(ctx context.Context, url string, handler CommandHandler) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		ws:      ws,
		handler: handler,
		done:    make(chan struct{}),
	}

	hello, err := wire.Encode(&wire.Envelope{Type: wire.TypeHello, Wants: "instanceId"})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		_ = ws.Close()
		return nil, err
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	ack, err := wire.Decode(data)
	if err != nil || ack.Type != wire.TypeHelloAck {
		_ = ws.Close()
		return nil, fmt.Errorf("broker handshake failed: %v", err)
	}
	c.instanceID = ack.InstanceID
	c.port = ack.Port

	go c.serve()
	return c, nil
}

// InstanceID returns the broker instance id from the handshake.
func (c *Client) InstanceID() string { return c.instanceID }

// BrokerPort returns the broker port from the handshake.
func (c *Client) BrokerPort() int { return c.port }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// serve answers pings, commands, and discovery replies until the socket dies.
func (c *Client) serve() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			logger.Debugf("broker %s sent a malformed envelope: %v", c.instanceID, err)
			continue
		}
		switch env.Type {
		case wire.TypePing:
			c.reply(&wire.Envelope{Type: wire.TypePong, Timestamp: env.Timestamp})
		case wire.TypeCommand:
			if c.handler == nil {
				continue
			}
			if resp := c.handler(env); resp != nil {
				resp.Type = wire.TypeResponse
				resp.WireID = env.WireID
				c.reply(resp)
			}
		case wire.TypePortListResponse:
			c.mu.Lock()
			c.ports = env.Ports
			c.mu.Unlock()
		}
	}
}

func (c *Client) reply(env *wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Debugf("reply to broker %s failed: %v", c.instanceID, err)
	}
}

// RequestPortList asks the broker for the active port set. The reply lands
// asynchronously; read it with KnownPorts.
func (c *Client) RequestPortList() error {
	data, err := wire.Encode(&wire.Envelope{Type: wire.TypePortListRequest})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// KnownPorts returns the last discovery reply.
func (c *Client) KnownPorts() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.ports...)
}

// Close tears the client connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Scanner maintains one Client per answering broker across the port pool,
// redialing dropped ports with exponential backoff.
type Scanner struct {
	host    string
	handler CommandHandler

	mu      sync.Mutex
	clients map[int]*Client
}

// NewScanner creates a scanner that probes brokers on host (loopback in
// production; httptest hosts in tests).
func NewScanner(host string, handler CommandHandler) *Scanner {
	return &Scanner{
		host:    host,
		handler: handler,
		clients: make(map[int]*Client),
	}
}

// Run scans the port pool until ctx is done. Each sweep dials every port
// without a live client; the sweep interval backs off from 2 s to 30 s while
// nothing answers and resets when a new broker appears.
func (s *Scanner) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = scanInitialInterval
	bo.MaxInterval = scanMaxInterval
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		if s.sweep(ctx) {
			bo.Reset()
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			s.CloseAll()
			return
		}
	}
}

// sweep dials every unconnected port once. Reports whether any dial landed.
func (s *Scanner) sweep(ctx context.Context) bool {
	connected := false
	for port := portreg.MinPort; port <= portreg.MaxPort; port++ {
		s.mu.Lock()
		_, have := s.clients[port]
		s.mu.Unlock()
		if have {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		client, err := DialBroker(dialCtx, fmt.Sprintf("ws://%s:%d/ws", s.host, port), s.handler)
		cancel()
		if err != nil {
			continue
		}

		logger.Infof("connected to broker %s on port %d", client.InstanceID(), port)
		s.mu.Lock()
		s.clients[port] = client
		s.mu.Unlock()
		connected = true

		go s.reap(port, client)
	}
	return connected
}

// reap drops the bookkeeping for a client once its connection ends, so the
// next sweep redials the port.
func (s *Scanner) reap(port int, client *Client) {
	<-client.Done()
	s.mu.Lock()
	if s.clients[port] == client {
		delete(s.clients, port)
	}
	s.mu.Unlock()
	logger.Infof("broker on port %d went away", port)
}

// Clients returns the live clients keyed by broker port.
func (s *Scanner) Clients() map[int]*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*Client, len(s.clients))
	for port, c := range s.clients {
		out[port] = c
	}
	return out
}

// CloseAll closes every live client.
func (s *Scanner) CloseAll() {
	for _, c := range s.Clients() {
		c.Close()
	}
}
