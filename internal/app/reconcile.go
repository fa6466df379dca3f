// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package app

import (
	"context"
	"time"

	"github.com/flywall/routerd/internal/configrepo"
	"github.com/flywall/routerd/internal/flowsteer"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/netiface"
	"github.com/flywall/routerd/internal/servicemgr"
	"github.com/flywall/routerd/internal/services/netsvc"
	"github.com/flywall/routerd/internal/services/pppoe"
	"github.com/flywall/routerd/internal/services/ra"
)

// Run starts every kind's reconciliation loop and blocks until ctx is
// cancelled, matching the teacher's flywall-sim entrypoint's
// block-until-signal shape. Each loop polls the Configuration
// Repository on its own goroutine since the repository offers no
// cross-kind push/watch mechanism (spec §4.5).
func (a *App) Run(ctx context.Context) error {
	go a.reconcileNAT(ctx)
	go a.reconcileFirewall(ctx)
	go pollKind(ctx, a.reconcileEvery, a.mssClampMgr, configrepo.KindMSSClamp,
		func(sc configrepo.ServiceConfig) (netsvc.MSSClampConfig, error) {
			return netsvc.DecodeMSSClampParams(sc.Interface, sc.Enable, sc.UpdateAt, sc.Params)
		}, a.repoList(configrepo.KindMSSClamp))
	go pollKind(ctx, a.reconcileEvery, a.routeWANMgr, configrepo.KindRouteWAN,
		func(sc configrepo.ServiceConfig) (netsvc.RouteWANConfig, error) {
			return netsvc.DecodeRouteWANParams(sc.Interface, sc.Enable, sc.UpdateAt, sc.Params)
		}, a.repoList(configrepo.KindRouteWAN))
	go pollKind(ctx, a.reconcileEvery, a.routeLANMgr, configrepo.KindRouteLAN,
		func(sc configrepo.ServiceConfig) (netsvc.RouteLANConfig, error) {
			return netsvc.DecodeRouteLANParams(sc.Interface, sc.Enable, sc.UpdateAt, sc.Params)
		}, a.repoList(configrepo.KindRouteLAN))
	go pollKind(ctx, a.reconcileEvery, a.ifaceIPMgr, configrepo.KindIfaceIP,
		func(sc configrepo.ServiceConfig) (netsvc.IfaceIPConfig, error) {
			return netsvc.DecodeIfaceIPParams(sc.Interface, sc.Enable, sc.UpdateAt, sc.Params)
		}, a.repoList(configrepo.KindIfaceIP))
	go pollKind(ctx, a.reconcileEvery, a.wifiMgr, configrepo.KindWifi,
		func(sc configrepo.ServiceConfig) (netsvc.WifiConfig, error) {
			return netsvc.DecodeWifiParams(sc.Interface, sc.Enable, sc.UpdateAt, sc.Params)
		}, a.repoList(configrepo.KindWifi))
	go pollKind(ctx, a.reconcileEvery, a.pppoeMgr, configrepo.KindPPPD,
		func(sc configrepo.ServiceConfig) (pppoe.Config, error) {
			cfg, err := pppoe.DecodeParams(sc.Interface, sc.Enable, sc.UpdateAt, sc.Params)
			cfg.Registry = a.Registry
			return cfg, err
		}, a.repoList(configrepo.KindPPPD))
	go pollKind(ctx, a.reconcileEvery, a.raMgr, configrepo.KindIPv6RA,
		func(sc configrepo.ServiceConfig) (ra.Config, error) {
			return ra.DecodeParams(sc.Interface, sc.Enable, sc.UpdateAt, sc.Params)
		}, a.repoList(configrepo.KindIPv6RA))
	go a.reconcileDHCPv6PD(ctx)
	go a.reconcileFlowWAN(ctx)
	go a.reconcileDHCPv4(ctx)

	if a.dnsManager != nil {
		go func() {
			if err := a.dnsManager.Run(ctx, a.Bus, a.activeFlowIDs); err != nil && ctx.Err() == nil {
				a.logger.Warn("dns chain manager stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// repoList adapts configrepo.Repo.ListServiceConfigs(kind) to the
// shape pollKind needs.
func (a *App) repoList(kind configrepo.ServiceKind) func() ([]configrepo.ServiceConfig, error) {
	return func() ([]configrepo.ServiceConfig, error) {
		return a.Repo.ListServiceConfigs(kind)
	}
}

// pollKind is the generic reconciliation loop for every service kind
// whose configuration is a single configrepo.ServiceConfig.Params blob
// decodable independent of any other kind's state: on each tick it
// lists the kind's rows, starts/reloads an instance per enabled row,
// and stops any running instance whose row disappeared or was
// disabled. nat, firewall, flow_wan and dhcp_v4_server read from
// dedicated tables or cross-kind state instead and get their own
// bespoke loops below.
func pollKind[C any, S servicemgr.Stateful[S]](
	ctx context.Context,
	every time.Duration,
	mgr *servicemgr.Manager[C, S],
	kind configrepo.ServiceKind,
	decode func(configrepo.ServiceConfig) (C, error),
	list func() ([]configrepo.ServiceConfig, error),
) {
	logger := logging.WithComponent("app-reconcile").With("kind", string(kind))
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		rows, err := list()
		if err != nil {
			logger.Warn("list service configs: %v", err)
		} else {
			seen := make(map[string]bool, len(rows))
			for _, row := range rows {
				seen[row.Interface] = true
				if !row.Enable {
					if err := mgr.Stop(row.Interface); err != nil {
						logger.Warn("stop %s: %v", row.Interface, err)
					}
					continue
				}
				cfg, err := decode(row)
				if err != nil {
					logger.Warn("decode %s: %v", row.Interface, err)
					continue
				}
				if err := mgr.Reload(row.Interface, cfg); err != nil {
					logger.Warn("reload %s: %v", row.Interface, err)
				}
			}
			for _, iface := range mgr.Interfaces() {
				if !seen[iface] {
					if err := mgr.Stop(iface); err != nil {
						logger.Warn("stop removed %s: %v", iface, err)
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reconcileNAT polls the dedicated nat_service_configs and
// static_nat_mappings tables (spec's NAT tables are not generic
// ServiceConfig rows, see configrepo/nat.go) and drives the nat kind's
// Manager.
func (a *App) reconcileNAT(ctx context.Context) {
	logger := logging.WithComponent("app-reconcile").With("kind", "nat")
	ticker := time.NewTicker(a.reconcileEvery)
	defer ticker.Stop()

	for {
		rows, err := a.Repo.ListServiceConfigs(configrepo.KindNAT)
		if err != nil {
			logger.Warn("list nat configs: %v", err)
		} else {
			seen := make(map[string]bool, len(rows))
			for _, row := range rows {
				seen[row.Interface] = true
				if !row.Enable {
					a.natMgr.Stop(row.Interface)
					continue
				}
				portRange, err := a.Repo.GetNatServiceConfig(row.Interface)
				if err != nil {
					logger.Warn("get nat service config for %s: %v", row.Interface, err)
					continue
				}
				statics, err := a.Repo.ListStaticNatMappingsByWan(row.Interface)
				if err != nil {
					logger.Warn("list static nat mappings for %s: %v", row.Interface, err)
					continue
				}
				ifindex, err := netiface.Ifindex(row.Interface)
				if err != nil {
					logger.Warn("resolve ifindex for %s: %v", row.Interface, err)
					continue
				}
				parsed := make([]flowsteer.StaticNatMapping, 0, len(statics))
				for _, m := range statics {
					sm, err := flowsteer.ParseStaticNatMapping(m, uint32(ifindex))
					if err != nil {
						logger.Warn("parse static nat mapping %s: %v", m.ID, err)
						continue
					}
					parsed = append(parsed, sm)
				}
				cfg := netsvc.NATConfig{
					Interface: row.Interface,
					Enable:    true,
					PortRange: portRange,
					Statics:   parsed,
					Core:      a.Core,
					Registry:  a.Registry,
					Bus:       a.Bus,
					UpdateAt:  row.UpdateAt,
				}
				if err := a.natMgr.Reload(row.Interface, cfg); err != nil {
					logger.Warn("reload nat %s: %v", row.Interface, err)
				}
			}
			for _, iface := range a.natMgr.Interfaces() {
				if !seen[iface] {
					a.natMgr.Stop(iface)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reconcileFirewall polls the firewall kind's service configs plus the global
// firewall_rules/dst_ip_rules tables (spec §3: firewall and dst-ip
// rules are global, not per-interface) and drives the firewall kind's
// Manager.
func (a *App) reconcileFirewall(ctx context.Context) {
	logger := logging.WithComponent("app-reconcile").With("kind", "firewall")
	ticker := time.NewTicker(a.reconcileEvery)
	defer ticker.Stop()

	for {
		rows, err := a.Repo.ListServiceConfigs(configrepo.KindFirewall)
		if err != nil {
			logger.Warn("list firewall configs: %v", err)
		} else {
			rules, err := a.Repo.ListFirewallRules()
			if err != nil {
				logger.Warn("list firewall rules: %v", err)
				rules = nil
			}
			dstIPRules, err := a.Repo.ListDstIPRules()
			if err != nil {
				logger.Warn("list dst ip rules: %v", err)
				dstIPRules = nil
			}

			seen := make(map[string]bool, len(rows))
			for _, row := range rows {
				seen[row.Interface] = true
				if !row.Enable {
					a.firewallMgr.Stop(row.Interface)
					continue
				}
				cfg := netsvc.FirewallConfig{
					Interface:  row.Interface,
					Enable:     true,
					Rules:      rules,
					DstIPRules: dstIPRules,
					Core:       a.Core,
					Registry:   a.Registry,
					UpdateAt:   row.UpdateAt,
				}
				if err := a.firewallMgr.Reload(row.Interface, cfg); err != nil {
					logger.Warn("reload firewall %s: %v", row.Interface, err)
				}
			}
			for _, iface := range a.firewallMgr.Interfaces() {
				if !seen[iface] {
					a.firewallMgr.Stop(iface)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reconcileFlowWAN builds each WAN interface's FlowWANConfig from the
// global flow_rules table, grouping every enabled rule's target
// interface by flow id (spec §4.6 sub-contract 2/6: flow_wan only
// contributes this interface's own targets; the Core merges every
// contributing interface's InstallFlowTargets call).
func (a *App) reconcileFlowWAN(ctx context.Context) {
	logger := logging.WithComponent("app-reconcile").With("kind", "flow_wan")
	ticker := time.NewTicker(a.reconcileEvery)
	defer ticker.Stop()

	for {
		rows, err := a.Repo.ListServiceConfigs(configrepo.KindFlowWAN)
		if err != nil {
			logger.Warn("list flow_wan configs: %v", err)
		} else {
			rules, err := a.Repo.ListFlowRules()
			if err != nil {
				logger.Warn("list flow rules: %v", err)
				rules = nil
			}
			if err := a.Core.InstallFlowMatches(rules); err != nil {
				logger.Warn("install flow matches: %v", err)
			}

			seen := make(map[string]bool, len(rows))
			for _, row := range rows {
				seen[row.Interface] = true
				if !row.Enable {
					a.flowWANMgr.Stop(row.Interface)
					continue
				}
				targets := make(map[uint32][]flowsteer.Target)
				for _, rule := range rules {
					if !rule.Enable || rule.TargetIfaceName != row.Interface {
						continue
					}
					targets[uint32(rule.FlowID)] = append(targets[uint32(rule.FlowID)], flowsteer.Target{
						Kind: flowsteer.TargetKindInterface,
						Name: row.Interface,
					})
				}
				cfg := netsvc.FlowWANConfig{
					Interface:         row.Interface,
					Enable:            true,
					Core:              a.Core,
					Resolver:          a.Resolver,
					TargetsByFlow:     targets,
					ReconcileInterval: a.reconcileEvery,
					UpdateAt:          row.UpdateAt,
				}
				if err := a.flowWANMgr.Reload(row.Interface, cfg); err != nil {
					logger.Warn("reload flow_wan %s: %v", row.Interface, err)
				}
			}
			for _, iface := range a.flowWANMgr.Interfaces() {
				if !seen[iface] {
					a.flowWANMgr.Stop(iface)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// activeFlowIDs lists every flow id with at least one enabled flow
// rule, feeding dnschain.Manager.Run's flowIDs callback so it knows
// which per-flow DNS Listeners should exist.
func (a *App) activeFlowIDs() []int {
	rules, err := a.Repo.ListFlowRules()
	if err != nil {
		return nil
	}
	seen := make(map[int]bool, len(rules))
	ids := make([]int, 0, len(rules))
	for _, r := range rules {
		if !r.Enable || seen[r.FlowID] {
			continue
		}
		seen[r.FlowID] = true
		ids = append(ids, r.FlowID)
	}
	return ids
}

// reconcileDHCPv6PD wires dhcp_v6_pd_client's extra onPrefixChange
// callback (not representable in a JSON params blob) to the Core's
// wan_ip_binding map, the same target InstallWANIPBinding writes for
// route_wan/pppd (spec §4.6 sub-contract 7).
func (a *App) reconcileDHCPv6PD(ctx context.Context) {
	logger := logging.WithComponent("app-reconcile").With("kind", "dhcp_v6_pd_client")
	ticker := time.NewTicker(a.reconcileEvery)
	defer ticker.Stop()

	for {
		rows, err := a.Repo.ListServiceConfigs(configrepo.KindDHCPv6PDClient)
		if err != nil {
			logger.Warn("list dhcp_v6_pd_client configs: %v", err)
		} else {
			seen := make(map[string]bool, len(rows))
			for _, row := range rows {
				seen[row.Interface] = true
				if !row.Enable {
					a.dhcpv6pdMgr.Stop(row.Interface)
					continue
				}
				cfg, err := decodeDHCPv6PD(row, a)
				if err != nil {
					logger.Warn("decode %s: %v", row.Interface, err)
					continue
				}
				if err := a.dhcpv6pdMgr.Reload(row.Interface, cfg); err != nil {
					logger.Warn("reload dhcp_v6_pd_client %s: %v", row.Interface, err)
				}
			}
			for _, iface := range a.dhcpv6pdMgr.Interfaces() {
				if !seen[iface] {
					a.dhcpv6pdMgr.Stop(iface)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
