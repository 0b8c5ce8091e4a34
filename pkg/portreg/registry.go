// Package portreg implements atomic cross-process allocation of broker
// listener ports from a bounded pool.
//
// All participating broker processes on a host share one JSON registry file.
// Every mutation happens under an adjacent flock'd lock file, so concurrent
// brokers always observe a consistent registry. Entries go stale when their
// owner stops heartbeating or its PID disappears; any participant may prune
// stale entries during its own allocation.
package portreg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/process"
)

const (
	// MinPort is the lowest port in the broker pool
	MinPort = 8765
	// MaxPort is the highest port in the broker pool (inclusive)
	MaxPort = 8775

	// StaleThreshold is how long an entry may go without a heartbeat before
	// any participant is allowed to remove it
	StaleThreshold = 60 * time.Second

	// HeartbeatInterval is how often a broker refreshes its own entry
	HeartbeatInterval = 30 * time.Second

	// lockTimeout bounds how long a participant waits for the registry lock
	lockTimeout = 5 * time.Second
	// lockRetryInterval is the interval between lock attempts
	lockRetryInterval = 100 * time.Millisecond

	registryFileName = "ports.json"
	lockFileName     = "ports.lock"
)

// Entry is one broker instance's claim on a port.
type Entry struct {
	Port            int       `json:"port"`
	InstanceID      string    `json:"instanceId"`
	PID             int       `json:"pid"`
	CreatedAt       time.Time `json:"createdAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Registry mediates port allocation for one broker instance.
type Registry struct {
	registryPath string
	lockPath     string
	instanceID   string
	pid          int
	port         int

	// alive is swapped out by tests to simulate dead holders.
	alive func(pid int) (bool, error)
	now   func() time.Time
}

// New creates a registry rooted at the host-wide XDG data directory.
func New(instanceID string) (*Registry, error) {
	path, err := xdg.DataFile(filepath.Join("tabmux", registryFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve port registry path: %w", err)
	}
	return NewAt(filepath.Dir(path), instanceID), nil
}

// NewAt creates a registry rooted at the given directory. Used directly by
// tests; production code goes through New.
func NewAt(dir, instanceID string) *Registry {
	return &Registry{
		registryPath: filepath.Join(dir, registryFileName),
		lockPath:     filepath.Join(dir, lockFileName),
		instanceID:   instanceID,
		pid:          os.Getpid(),
		alive:        process.FindProcess,
		now:          time.Now,
	}
}

// InstanceID returns the owning broker's instance id.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Port returns the port allocated to this instance, or 0 before Allocate.
func (r *Registry) Port() int {
	return r.port
}

// Allocate claims the lowest free port in [MinPort, MaxPort] for this
// instance. Stale entries are pruned first. Returns a NoPortsAvailable error
// when the pool is exhausted; lock-acquisition failure after the bounded
// retry window surfaces as a startup error.
func (r *Registry) Allocate(ctx context.Context) (int, error) {
	var allocated int
	err := r.withLock(ctx, func() error {
		entries, err := r.load()
		if err != nil {
			return err
		}
		entries = r.prune(entries)

		taken := make(map[int]bool, len(entries))
		for _, e := range entries {
			taken[e.Port] = true
		}

		port := 0
		for p := MinPort; p <= MaxPort; p++ {
			if !taken[p] {
				port = p
				break
			}
		}
		if port == 0 {
			return errors.NewNoPortsAvailable(
				fmt.Sprintf("all ports in [%d, %d] are claimed", MinPort, MaxPort))
		}

		now := r.now()
		entries = append(entries, Entry{
			Port:            port,
			InstanceID:      r.instanceID,
			PID:             r.pid,
			CreatedAt:       now,
			LastHeartbeatAt: now,
		})
		if err := r.save(entries); err != nil {
			return err
		}
		allocated = port
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.port = allocated
	return allocated, nil
}

// Heartbeat refreshes this instance's lastHeartbeatAt under the registry
// lock. Failures are returned so the caller can log them; a heartbeat failure
// never tears down an already-serving broker.
func (r *Registry) Heartbeat(ctx context.Context) error {
	return r.withLock(ctx, func() error {
		entries, err := r.load()
		if err != nil {
			return err
		}
		found := false
		for i := range entries {
			if entries[i].InstanceID == r.instanceID && entries[i].Port == r.port {
				entries[i].LastHeartbeatAt = r.now()
				found = true
			}
		}
		if !found {
			// Another participant pruned us. Re-registering is only safe if
			// nobody else has claimed the port since; a live foreign claim
			// means this instance lost the port for good.
			cutoff := r.now().Add(-StaleThreshold)
			kept := entries[:0]
			for _, e := range entries {
				if e.Port == r.port {
					if e.LastHeartbeatAt.After(cutoff) {
						return fmt.Errorf("port %d was claimed by instance %s after this entry was pruned",
							r.port, e.InstanceID)
					}
					// A stale foreign claim on our port goes away with us.
					continue
				}
				kept = append(kept, e)
			}
			entries = kept
			now := r.now()
			entries = append(entries, Entry{
				Port:            r.port,
				InstanceID:      r.instanceID,
				PID:             r.pid,
				CreatedAt:       now,
				LastHeartbeatAt: now,
			})
		}
		return r.save(entries)
	})
}

// StartHeartbeat runs the heartbeat loop until ctx is cancelled.
func (r *Registry) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Heartbeat(ctx); err != nil {
					logger.Warnf("port registry heartbeat failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Release removes this instance's entry. Best-effort.
func (r *Registry) Release(ctx context.Context) error {
	return r.withLock(ctx, func() error {
		entries, err := r.load()
		if err != nil {
			return err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.InstanceID != r.instanceID {
				kept = append(kept, e)
			}
		}
		return r.save(kept)
	})
}

// ListActive returns the registry entries heartbeaten within StaleThreshold,
// sorted by port.
func (r *Registry) ListActive(ctx context.Context) ([]Entry, error) {
	var active []Entry
	err := r.withReadLock(ctx, func() error {
		entries, err := r.load()
		if err != nil {
			return err
		}
		cutoff := r.now().Add(-StaleThreshold)
		for _, e := range entries {
			if e.LastHeartbeatAt.After(cutoff) {
				active = append(active, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Port < active[j].Port })
	return active, nil
}

// ActivePorts returns just the ports of the active entries.
func (r *Registry) ActivePorts(ctx context.Context) ([]int, error) {
	entries, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(entries))
	for _, e := range entries {
		ports = append(ports, e.Port)
	}
	return ports, nil
}

// prune drops entries whose heartbeat is older than StaleThreshold or whose
// PID no longer exists on this host.
func (r *Registry) prune(entries []Entry) []Entry {
	cutoff := r.now().Add(-StaleThreshold)
	kept := entries[:0]
	for _, e := range entries {
		if !e.LastHeartbeatAt.After(cutoff) {
			logger.Debugf("pruning stale port registry entry: port %d instance %s", e.Port, e.InstanceID)
			continue
		}
		if alive, err := r.alive(e.PID); err == nil && !alive {
			logger.Debugf("pruning dead-pid port registry entry: port %d pid %d", e.Port, e.PID)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// withFileLock executes fn while holding a write lock on the registry's lock
// file, waiting at most lockTimeout.
func (r *Registry) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.registryPath), 0750); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	fileLock := flock.New(r.lockPath)
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warnf("failed to unlock %s: %v", r.lockPath, err)
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("failed to acquire port registry lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire port registry lock: timeout after %v", lockTimeout)
	}

	return fn()
}

func (r *Registry) withReadLock(ctx context.Context, fn func() error) error {
	fileLock := flock.New(r.lockPath)
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warnf("failed to unlock %s: %v", r.lockPath, err)
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryRLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("failed to acquire port registry read lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire port registry read lock: timeout after %v", lockTimeout)
	}

	return fn()
}

// load reads the registry file. A missing file is an empty registry.
func (r *Registry) load() ([]Entry, error) {
	data, err := os.ReadFile(r.registryPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read port registry: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt registry is treated as empty rather than wedging every
		// broker on the host.
		logger.Warnf("port registry file is corrupt, resetting: %v", err)
		return nil, nil
	}
	return entries, nil
}

// save atomically replaces the registry file via temp-file rename.
func (r *Registry) save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal port registry: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.registryPath), "ports-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp registry file: %w", err)
	}
	if err := os.Rename(tmpName, r.registryPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}
