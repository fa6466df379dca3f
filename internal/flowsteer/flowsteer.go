// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flowsteer implements the Flow-Steering Core (spec §4.6): it
// translates declarative flow, firewall, destination-IP, and NAT
// configuration into kernel map contents, and owns the per-flow DNS
// mark inner-map lifecycle the DNS Resolution Chain posts into.
//
// The Core is the map registry's single writer for every map it
// manages (spec §5's "the Flow-Steering Core never has two concurrent
// writers to the same key"), so each installer keeps its own
// last-applied desired set in memory and diffs against it rather than
// reading map content back from the kernel.
package flowsteer

import (
	"sync"

	"github.com/flywall/routerd/internal/logging"
)

// MapWriter is the minimal kernel-map surface the Core needs: typed
// key/value update and delete. ebpf/maps.Writer wraps a *ebpf.Map
// opened through the Map Registry to satisfy it; tests can supply an
// in-memory fake instead.
type MapWriter interface {
	Update(key, value any) error
	Delete(key any) error
}

// Core bundles every sub-contract's installer behind one struct, so a
// Service Instance's Reload path can hand it the full configuration
// snapshot it needs to re-materialize.
type Core struct {
	mu sync.Mutex

	matches  *matchInstaller
	targets  *targetInstaller
	dnsMarks *dnsMarkInstaller
	fw       *firewallInstaller
	dstIP    *dstIPInstaller
	nat      *natInstaller
	ipMac    *ipMacInstaller
	wanIP    *wanIPInstaller

	logger *logging.Logger
}

// New builds a Core logging through logger. Each sub-contract's
// writer is wired in with Bind* once the corresponding map is open;
// a Core with no writer bound for a given class simply no-ops that
// class's Install call, which lets tests exercise one sub-contract at
// a time.
func New(logger *logging.Logger) *Core {
	if logger == nil {
		logger = logging.WithComponent("flowsteer")
	}
	return &Core{
		matches:  newMatchInstaller(),
		targets:  newTargetInstaller(),
		dnsMarks: newDNSMarkInstaller(),
		fw:       newFirewallInstaller(),
		dstIP:    newDstIPInstaller(),
		nat:      newNatInstaller(),
		ipMac:    newIPMacInstaller(),
		wanIP:    newWANIPInstaller(),
		logger:   logger,
	}
}

// BindFlowMatchMap wires the flow_match_map writer.
func (c *Core) BindFlowMatchMap(w MapWriter) { c.matches.writer = w }

// BindFlowTargetMap wires the flow_target_map writer.
func (c *Core) BindFlowTargetMap(w MapWriter) { c.targets.writer = w }

// BindFirewallBlockMap wires the firewall_block_map writer.
func (c *Core) BindFirewallBlockMap(w MapWriter) { c.fw.writer = w }

// BindDstIPMarkMap wires the destination-IP mark map writer.
func (c *Core) BindDstIPMarkMap(w MapWriter) { c.dstIP.writer = w }

// BindNatConfigMap wires the per-WAN-interface NAT port-range
// configuration map writer.
func (c *Core) BindNatConfigMap(w MapWriter) { c.nat.rangeWriter = w }

// BindStaticNatMap wires the static NAT exact-match mapping writer.
func (c *Core) BindStaticNatMap(w MapWriter) { c.nat.staticWriter = w }

// BindGeoResolver wires the geosite/geoip CIDR source the destination
// IP mark installer expands GeoKey sources through.
func (c *Core) BindGeoResolver(r GeoResolver) { c.dstIP.geo = r }

// BindDNSMarkMapFactory wires the map-in-map outer map manager used to
// create/replace per-flow inner maps for DNS-derived marks.
func (c *Core) BindDNSMarkMapFactory(f DNSMarkMapFactory) { c.dnsMarks.factory = f }
