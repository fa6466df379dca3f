// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netsvc

import (
	"context"
	"fmt"

	"github.com/flywall/routerd/internal/configrepo"
	"github.com/flywall/routerd/internal/ebpf/attach"
	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/flowsteer"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/servicemgr"
)

// FirewallConfig is the firewall service kind's configuration: the
// global rule sets the Flow-Steering Core installs into
// firewall_block_map and the destination-IP mark map (spec §4.6
// sub-contracts 4 and 5). Rules are global rather than per-interface,
// but the attach point — where the compiled block decision actually
// runs — is this kind's one per-interface axis.
type FirewallConfig struct {
	Interface  string
	Enable     bool
	Rules      []configrepo.FirewallRule
	DstIPRules []configrepo.DstIPRule
	Core       *flowsteer.Core
	Registry   *maps.Registry
	UpdateAt   float64
}

// RunFirewall is the servicemgr.Runner for the firewall kind: it
// attaches the firewall TC hooks on Interface, installs the rule sets
// into the Core, then blocks until ctx is cancelled.
func RunFirewall(ctx context.Context, cfg FirewallConfig, status *servicemgr.Watchable[servicemgr.Status]) error {
	logger := logging.WithComponent("netsvc-firewall").With("interface", cfg.Interface)

	hooks := []attach.HookSpec{
		{Program: "firewall_ingress", Priority: attach.PriorityFirewallIngress, Direction: attach.Ingress},
		{Program: "firewall_egress", Priority: attach.PriorityFirewallEgress, Direction: attach.Egress},
	}
	a, err := attachHooks(cfg.Interface, hooks, cfg.Registry)
	if err != nil {
		return fmt.Errorf("netsvc-firewall: %w", err)
	}
	defer a.Close()

	if cfg.Core != nil {
		if err := cfg.Core.InstallFirewallRules(cfg.Rules); err != nil {
			return fmt.Errorf("netsvc-firewall: %s: install rules: %w", cfg.Interface, err)
		}
		if err := cfg.Core.InstallDstIPRules(cfg.DstIPRules); err != nil {
			return fmt.Errorf("netsvc-firewall: %s: install dst ip rules: %w", cfg.Interface, err)
		}
	}

	logger.Info("firewall attached, %d rule(s), %d dst-ip rule(s)", len(cfg.Rules), len(cfg.DstIPRules))

	<-ctx.Done()
	return nil
}
