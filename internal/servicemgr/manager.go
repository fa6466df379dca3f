// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package servicemgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/flywall/routerd/internal/logging"
)

// Stateful lets a Manager drive any status type through the four
// lifecycle states without knowing its domain-specific fields: a kind
// that tracks extra data (lease counts, advertised prefixes) embeds
// Status and implements WithState by copying itself with the embedded
// state/message replaced.
type Stateful[S any] interface {
	WithState(state LifecycleState, message string) S
}

// Runner is the service-kind-specific work function: it runs until
// ctx is cancelled (a graceful Stop) or it returns an error (a crash),
// publishing its own richer status transitions onto status as it
// reaches milestones the default Starting/Running wrapper doesn't
// know about. The Manager itself only ever writes Starting, Running,
// Stopping and Stopped.
type Runner[C any, S Stateful[S]] func(ctx context.Context, cfg C, status *Watchable[S]) error

// instance is one running (service-kind, interface) pair.
type instance[C any, S Stateful[S]] struct {
	mu     sync.Mutex // serializes Reload/Stop for this one instance
	cfg    C
	status *Watchable[S]
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one independent lifecycle per interface name for a
// single service kind. At most one instance exists per interface
// name at any time, matching the Interface identity invariant.
type Manager[C any, S Stateful[S]] struct {
	kind    string
	runner  Runner[C, S]
	zero    S
	logger  *logging.Logger
	mu      sync.RWMutex
	byIface map[string]*instance[C, S]
}

// NewManager returns a Manager for one service kind. zero is the
// status value new instances start at (before the first Starting
// transition), typically a Stateful type's own stopped-state zero
// value.
func NewManager[C any, S Stateful[S]](kind string, zero S, runner Runner[C, S]) *Manager[C, S] {
	return &Manager[C, S]{
		kind:    kind,
		runner:  runner,
		zero:    zero,
		logger:  logging.WithComponent("servicemgr").With("kind", kind),
		byIface: make(map[string]*instance[C, S]),
	}
}

// Start begins a new instance for iface with cfg, or returns an error
// if one is already running for that interface (use Reload instead).
func (m *Manager[C, S]) Start(iface string, cfg C) error {
	m.mu.Lock()
	if _, exists := m.byIface[iface]; exists {
		m.mu.Unlock()
		return fmt.Errorf("servicemgr: %s/%s: already running, use Reload", m.kind, iface)
	}

	inst := &instance[C, S]{
		cfg:    cfg,
		status: NewWatchable(m.zero),
		done:   make(chan struct{}),
	}
	m.byIface[iface] = inst
	m.mu.Unlock()

	m.run(iface, inst)
	return nil
}

// Reload replaces the running instance's config for iface. The old
// run is cancelled and a new one started with the new config once the
// old run has fully exited, so the two never overlap on the same
// interface. If no instance is running, Reload behaves like Start.
func (m *Manager[C, S]) Reload(iface string, cfg C) error {
	m.mu.RLock()
	inst, exists := m.byIface[iface]
	m.mu.RUnlock()

	if !exists {
		return m.Start(iface, cfg)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.cancel != nil {
		inst.status.SendIfModified(func(s *S) bool { *s = (*s).WithState(Stopping, ""); return true })
		inst.cancel()
		<-inst.done
	}

	inst.cfg = cfg
	inst.done = make(chan struct{})
	m.startLocked(iface, inst)
	return nil
}

// Stop halts the instance for iface, if any, and removes it from the
// Manager. Stopping a non-existent instance is a no-op.
func (m *Manager[C, S]) Stop(iface string) error {
	m.mu.Lock()
	inst, exists := m.byIface[iface]
	if exists {
		delete(m.byIface, iface)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.cancel != nil {
		inst.status.SendIfModified(func(s *S) bool { *s = (*s).WithState(Stopping, ""); return true })
		inst.cancel()
		<-inst.done
	}
	return nil
}

// Status returns the current status watchable for iface, or nil if no
// instance exists.
func (m *Manager[C, S]) Status(iface string) *Watchable[S] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, exists := m.byIface[iface]
	if !exists {
		return nil
	}
	return inst.status
}

// Interfaces returns the names of every interface with a running
// instance.
func (m *Manager[C, S]) Interfaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.byIface))
	for name := range m.byIface {
		names = append(names, name)
	}
	return names
}

func (m *Manager[C, S]) run(iface string, inst *instance[C, S]) {
	inst.mu.Lock()
	m.startLocked(iface, inst)
	inst.mu.Unlock()
}

// startLocked launches inst's goroutine. Caller must hold inst.mu.
func (m *Manager[C, S]) startLocked(iface string, inst *instance[C, S]) {
	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	done := inst.done

	inst.status.SendIfModified(func(s *S) bool { *s = (*s).WithState(Starting, ""); return true })

	go func() {
		defer close(done)

		inst.status.SendIfModified(func(s *S) bool { *s = (*s).WithState(Running, ""); return true })

		err := m.runner(ctx, inst.cfg, inst.status)

		msg := ""
		if err != nil {
			msg = err.Error()
			m.logger.Error("instance %s/%s exited with error: %v", m.kind, iface, err)
		}
		inst.status.SendIfModified(func(s *S) bool { *s = (*s).WithState(Stopped, msg); return true })
	}()
}
