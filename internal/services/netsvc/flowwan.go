// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netsvc

import (
	"context"
	"time"

	"github.com/flywall/routerd/internal/flowsteer"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/servicemgr"
)

// FlowWANConfig is the flow_wan service kind's configuration: this
// WAN interface's contribution to every flow's target set, re-resolved
// on an interval since a PPPoE/DHCPv6-PD renegotiation can change the
// interface's address or gateway without restarting this instance
// (spec §4.6 sub-contract 2).
type FlowWANConfig struct {
	Interface         string
	Enable            bool
	Core              *flowsteer.Core
	Resolver          flowsteer.TargetResolver
	TargetsByFlow     map[uint32][]flowsteer.Target
	ReconcileInterval time.Duration
	UpdateAt          float64
}

// RunFlowWAN is the servicemgr.Runner for the flow_wan kind: it
// installs this interface's flow targets immediately, then re-installs
// them every ReconcileInterval to pick up resolved-address changes
// until ctx is cancelled.
func RunFlowWAN(ctx context.Context, cfg FlowWANConfig, status *servicemgr.Watchable[servicemgr.Status]) error {
	logger := logging.WithComponent("netsvc-flow_wan").With("interface", cfg.Interface)

	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	reconcile := func() {
		if cfg.Core == nil || cfg.Resolver == nil {
			return
		}
		if err := cfg.Core.InstallFlowTargets(cfg.Resolver, cfg.TargetsByFlow); err != nil {
			logger.Warn("install flow targets failed: %v", err)
		}
	}

	reconcile()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reconcile()
		}
	}
}
