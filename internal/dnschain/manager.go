// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnschain

import (
	"context"
	"fmt"
	"sync"

	"github.com/flywall/routerd/internal/eventbus"
	"github.com/flywall/routerd/internal/flowsteer"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/services/dns/querylog"
)

// Manager owns one Listener per flow id that Run's flowIDs callback
// reports, starting and stopping them in response to rule-change events
// so the composition root never has to track flow ids itself.
type Manager struct {
	rules     RuleSource
	resolvers *UpstreamPool
	flows     *flowsteer.Core
	log       *querylog.Store
	addrFor   func(flowID int) string

	mu        sync.Mutex
	listeners map[int]*Listener
}

// NewManager returns a Manager. addrFor maps a flow id to the
// host:port its listener binds; the composition root derives this
// from the flow's configured LAN interface addresses.
func NewManager(rules RuleSource, flows *flowsteer.Core, log *querylog.Store, addrFor func(flowID int) string) *Manager {
	return &Manager{
		rules:     rules,
		resolvers: NewUpstreamPool(),
		flows:     flows,
		log:       log,
		addrFor:   addrFor,
		listeners: make(map[int]*Listener),
	}
}

// EnsureFlow starts flowID's listener if it is not already running.
func (m *Manager) EnsureFlow(ctx context.Context, flowID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[flowID]; ok {
		return nil
	}
	addr := m.addrFor(flowID)
	if addr == "" {
		return fmt.Errorf("dnschain: no listen address for flow %d", flowID)
	}

	chain := New(flowID, m.rules, m.resolvers, m.flows, m.log)
	l := NewListener(chain, addr)
	if err := l.Start(ctx); err != nil {
		return err
	}
	m.listeners[flowID] = l
	logging.Info("[dnschain] started resolution chain for flow %d on %s", flowID, addr)
	return nil
}

// RemoveFlow stops and forgets flowID's listener, if running.
func (m *Manager) RemoveFlow(ctx context.Context, flowID int) error {
	m.mu.Lock()
	l, ok := m.listeners[flowID]
	if ok {
		delete(m.listeners, flowID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := l.Stop(ctx); err != nil {
		return err
	}
	logging.Info("[dnschain] stopped resolution chain for flow %d", flowID)
	return nil
}

// Run reconciles flow listeners against flowIDs whenever a RuleEvent
// of type DNSRuleChanged arrives on bus, until ctx is canceled.
func (m *Manager) Run(ctx context.Context, bus *eventbus.Bus, flowIDs func() []int) error {
	topic := eventbus.Topic[eventbus.RuleEvent](bus, eventbus.TopicRuleEvents, 16, eventbus.Block)
	sub := topic.Subscribe()
	defer topic.Unsubscribe(sub)

	if err := m.reconcile(ctx, flowIDs()); err != nil {
		logging.Error("[dnschain] initial reconcile: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.RuleEventDNSRuleChanged {
				continue
			}
			if err := m.reconcile(ctx, flowIDs()); err != nil {
				logging.Error("[dnschain] reconcile after dns rule change: %v", err)
			}
		}
	}
}

func (m *Manager) reconcile(ctx context.Context, want []int) error {
	wantSet := make(map[int]bool, len(want))
	for _, id := range want {
		wantSet[id] = true
	}

	m.mu.Lock()
	var stale []int
	for id := range m.listeners {
		if !wantSet[id] {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.RemoveFlow(ctx, id); err != nil {
			return err
		}
	}
	for id := range wantSet {
		if err := m.EnsureFlow(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
