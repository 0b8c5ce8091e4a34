package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/extension"
	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/portreg"
	"github.com/tabmux/tabmux/pkg/process"
	"github.com/tabmux/tabmux/pkg/session"
	"github.com/tabmux/tabmux/pkg/tablock"
	"github.com/tabmux/tabmux/pkg/telemetry"
	"github.com/tabmux/tabmux/pkg/versions"
	"github.com/tabmux/tabmux/pkg/wire"
)

// teardownTimeout bounds the best-effort tab cleanup of a dying session.
const teardownTimeout = 10 * time.Second

// Config tunes a Broker.
type Config struct {
	// WSPort fixes the extension listener port. 0 allocates the lowest
	// free port from the shared pool.
	WSPort int
	// SessionTTL is the idle session timeout.
	SessionTTL time.Duration
	// Dispatch tunes the command pipeline.
	Dispatch Options
}

// Broker assembles the routing layer: port registry, extension transport,
// session registry, tab locks, and the dispatch pipeline.
type Broker struct {
	instanceID string
	port       int
	pooled     bool

	registry   *portreg.Registry
	exts       *extension.Manager
	sessions   *session.Manager
	locks      *tablock.Scheduler
	dispatcher *Dispatcher
	metrics    *telemetry.Metrics
	startedAt  time.Time

	stopHeartbeat context.CancelFunc
}

// extensionSource adapts the connection manager to the dispatcher.
type extensionSource struct {
	m *extension.Manager
}

func (s extensionSource) Active() (Caller, error) {
	c, err := s.m.Active()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s extensionSource) CancelSession(sessionID string) {
	s.m.CancelSession(sessionID)
}

// New builds a broker and, when no fixed port is configured, claims a port
// from the shared pool and starts heartbeating it.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	instanceID := uuid.NewString()

	registry, err := portreg.New(instanceID)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		instanceID: instanceID,
		registry:   registry,
		metrics:    cfg.Dispatch.Metrics,
		startedAt:  time.Now(),
	}

	if cfg.WSPort != 0 {
		// A fixed port bypasses the pool; the instance stays invisible to
		// multi-broker discovery.
		b.port = cfg.WSPort
		logger.Infof("using fixed extension port %d, skipping the port pool", b.port)
	} else {
		port, err := registry.Allocate(ctx)
		if err != nil {
			return nil, err
		}
		b.port = port
		b.pooled = true
		hbCtx, cancel := context.WithCancel(context.Background())
		b.stopHeartbeat = cancel
		registry.StartHeartbeat(hbCtx)
	}

	if err := process.WriteCurrentPIDFile(instanceID); err != nil {
		logger.Warnf("writing PID file: %v", err)
	}

	b.exts = extension.NewManager(instanceID, b.port, registry)
	b.exts.OnEvent(b.handleEvent)

	// The teardown closure runs for every destroyed session, whatever path
	// destroyed it; the dispatcher it needs is wired just below.
	b.sessions = session.NewManager(cfg.SessionTTL, func(s *session.Session) {
		b.dispatcher.CancelSession(s.ID())
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		b.dispatcher.CloseOwnedTabs(ctx, s)
	})
	b.locks = tablock.NewScheduler(b.sessions)
	b.dispatcher = NewDispatcher(b.sessions, b.locks, extensionSource{b.exts}, cfg.Dispatch)

	logger.Infof("broker %s ready on port %d", instanceID, b.port)
	return b, nil
}

// InstanceID returns this broker's instance id.
func (b *Broker) InstanceID() string { return b.instanceID }

// Port returns the extension listener port.
func (b *Broker) Port() int { return b.port }

// Extensions returns the WebSocket accept handler for the /ws endpoint.
func (b *Broker) Extensions() *extension.Manager { return b.exts }

// Sessions returns the session registry.
func (b *Broker) Sessions() *session.Manager { return b.sessions }

// Dispatch runs one client command through the pipeline.
func (b *Broker) Dispatch(ctx context.Context, req Request) Result {
	return b.dispatcher.Dispatch(ctx, req)
}

// DestroySession tears one session down explicitly.
func (b *Broker) DestroySession(sessionID string) {
	b.sessions.Destroy(sessionID)
}

func (b *Broker) handleEvent(connID string, env *wire.Envelope) {
	// Tab lifecycle events keep ownership honest: a tab the browser closed
	// must not linger as anyone's focused target.
	if env.Name == "tab.closed" && env.TabID != 0 {
		for _, info := range b.sessions.List() {
			if s, ok := b.sessions.Get(info.ID); ok && s.OwnsTab(env.TabID) {
				s.ReleaseTab(env.TabID)
			}
		}
		return
	}
	logger.Debugf("event %s from connection %s", env.Name, connID)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Transport string    `json:"transport"`
}

// Health reports liveness. The broker is alive whenever it can answer;
// extension availability is a /status concern, not a liveness one.
func (b *Broker) Health() HealthResponse {
	return HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   versions.GetVersionInfo().Version,
		Transport: "websocket",
	}
}

// StatusSnapshot is the /status body: a read-only view of every registry.
type StatusSnapshot struct {
	InstanceID  string               `json:"instanceId"`
	Port        int                  `json:"port"`
	UptimeMs    int64                `json:"uptimeMs"`
	Ports       []portreg.Entry      `json:"ports"`
	Sessions    []session.Info       `json:"sessions"`
	Connections []extension.ConnInfo `json:"connections"`
	Locks       []tablock.LockInfo   `json:"locks"`
}

// Status collects the diagnostic snapshot and refreshes the gauges.
func (b *Broker) Status(ctx context.Context) StatusSnapshot {
	ports, err := b.registry.ListActive(ctx)
	if err != nil {
		logger.Warnf("listing active ports for status: %v", err)
	}

	snap := StatusSnapshot{
		InstanceID:  b.instanceID,
		Port:        b.port,
		UptimeMs:    time.Since(b.startedAt).Milliseconds(),
		Ports:       ports,
		Sessions:    b.sessions.List(),
		Connections: b.exts.Snapshot(),
		Locks:       b.locks.Snapshot(),
	}

	if b.metrics != nil {
		b.metrics.ActiveSessions.Set(float64(len(snap.Sessions)))
		b.metrics.ConnectedExtensions.Set(float64(len(snap.Connections)))
		depth := 0
		for _, l := range snap.Locks {
			depth += l.QueueDepth
		}
		b.metrics.LockQueueDepth.Set(float64(depth))
	}
	return snap
}

// Shutdown drains the broker: new calls are refused, in-flight calls fail
// with a shutting-down error, locks and the pool port are released, and
// every extension connection is closed.
func (b *Broker) Shutdown(ctx context.Context) {
	logger.Infof("broker %s shutting down", b.instanceID)

	b.dispatcher.Drain()
	b.sessions.Stop()

	b.exts.FailAllPending(errors.NewShuttingDown())
	for _, info := range b.sessions.List() {
		b.locks.CancelSession(info.ID)
	}
	b.exts.CloseAll()

	if b.stopHeartbeat != nil {
		b.stopHeartbeat()
	}
	if b.pooled {
		if err := b.registry.Release(ctx); err != nil {
			logger.Warnf("releasing port %d: %v", b.port, err)
		}
	}
	if err := process.RemovePIDFile(b.instanceID); err != nil {
		logger.Warnf("removing PID file: %v", err)
	}
}
