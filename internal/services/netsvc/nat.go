// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netsvc

import (
	"context"
	"fmt"

	"github.com/flywall/routerd/internal/configrepo"
	"github.com/flywall/routerd/internal/ebpf/attach"
	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/eventbus"
	"github.com/flywall/routerd/internal/flowsteer"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/netiface"
	"github.com/flywall/routerd/internal/servicemgr"
)

// NATConfig is the nat service kind's configuration: the WAN
// interface's dynamic port-translation range plus every static
// mapping already resolved to this interface's ifindex by the caller
// (the composition root, which owns netiface resolution, the shared
// flowsteer.Core and the process-wide Map Registry — spec §4.6
// sub-contract 6/7).
type NATConfig struct {
	Interface string
	Enable    bool
	PortRange configrepo.NatServiceConfig
	Statics   []flowsteer.StaticNatMapping
	Core      *flowsteer.Core
	Registry  *maps.Registry
	Bus       *eventbus.Bus
	UpdateAt  float64
}

// RunNAT is the servicemgr.Runner for the nat kind: it re-resolves the
// interface's ifindex (spec §3 invariant), attaches the NAT TC hooks,
// installs the port range and static mappings into the Flow-Steering
// Core, then blocks until ctx is cancelled.
func RunNAT(ctx context.Context, cfg NATConfig, status *servicemgr.Watchable[servicemgr.Status]) error {
	logger := logging.WithComponent("netsvc-nat").With("interface", cfg.Interface)

	ifindex, err := netiface.Ifindex(cfg.Interface)
	if err != nil {
		return fmt.Errorf("netsvc-nat: %s: %w", cfg.Interface, err)
	}

	hooks := []attach.HookSpec{
		{Program: "nat_ingress", Priority: attach.PriorityNATIngress, Direction: attach.Ingress},
		{Program: "nat_egress", Priority: attach.PriorityNATEgress, Direction: attach.Egress},
	}
	a, err := attachHooks(cfg.Interface, hooks, cfg.Registry)
	if err != nil {
		return fmt.Errorf("netsvc-nat: %w", err)
	}
	defer a.Close()

	if cfg.Core != nil {
		if err := cfg.Core.InstallNATPortRange(uint32(ifindex), cfg.PortRange, cfg.Statics); err != nil {
			return fmt.Errorf("netsvc-nat: %s: install port range: %w", cfg.Interface, err)
		}
		if err := cfg.Core.InstallStaticNatMappings(cfg.Statics); err != nil {
			return fmt.Errorf("netsvc-nat: %s: install static mappings: %w", cfg.Interface, err)
		}
	}

	logger.Info("nat attached on ifindex %d, tcp=[%d,%d] udp=[%d,%d]", ifindex,
		cfg.PortRange.TCPRangeStart, cfg.PortRange.TCPRangeEnd, cfg.PortRange.UDPRangeStart, cfg.PortRange.UDPRangeEnd)

	if cfg.Bus != nil && cfg.Registry != nil {
		// Blocks until ctx is cancelled (the reader is closed from a
		// goroutine watching ctx.Done), republishing every nat_events
		// record this interface's NAT program writes in the meantime.
		return runNatEventReader(ctx, cfg.Registry, cfg.Bus, cfg.Interface)
	}

	<-ctx.Done()
	return nil
}
