// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package app

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/flywall/routerd/internal/configrepo"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/netiface"
	"github.com/flywall/routerd/internal/services/dhcpv6pd"
)

// decodeDHCPv6PD parses row's params and supplies the onPrefixChange
// callback DecodeParams needs: every delegation renewal re-installs
// this WAN interface's wan_ip_binding entry (spec §4.6 sub-contract
// 7), the same map route_wan and pppd feed, so downstream dst-ip and
// NAT decisions see the delegated prefix without a direct dependency
// on this package.
func decodeDHCPv6PD(row configrepo.ServiceConfig, a *App) (dhcpv6pd.Config, error) {
	onPrefixChange := func(prefix net.IPNet, preferred, valid time.Duration) {
		ifindex, err := netiface.Ifindex(row.Interface)
		if err != nil {
			a.logger.Warn("dhcp_v6_pd_client: %s: resolve ifindex: %v", row.Interface, err)
			return
		}
		addr, ok := netip.AddrFromSlice(prefix.IP)
		if !ok {
			return
		}
		expireAt := uint64(time.Now().Add(valid).Unix())
		if err := a.Core.InstallWANIPBinding(uint32(ifindex), netip.Addr{}, addr, expireAt); err != nil {
			a.logger.Warn("dhcp_v6_pd_client: %s: install wan ip binding: %v", row.Interface, err)
		}
	}
	return dhcpv6pd.DecodeParams(row.Interface, row.Enable, row.UpdateAt, row.Params, onPrefixChange)
}

// reconcileDHCPv4 starts the dhcp_v4_server Service once at process
// start rather than reconciling it per interface like every other
// kind. internal/services/dhcp.Service is driven by
// internal/config.Config/DHCPScope (the donor's legacy HCL config
// tree), not servicemgr.Runner, and that tree's DHCPServer/DHCPScope
// types are referenced throughout internal/config and
// internal/services/dhcp but never defined anywhere in this repo or
// in the donor's own copy of it (see DESIGN.md's Known Gap note) —
// there is no well-formed *config.Config this composition root could
// construct or load to drive per-interface Reload calls. The Service
// is still started, but nothing here calls Reload, so it holds no
// scopes and runs no DHCP server, lease store or expiration reaper.
func (a *App) reconcileDHCPv4(ctx context.Context) {
	logger := logging.WithComponent("app-reconcile").With("kind", "dhcp_v4_server")

	if err := a.dhcp.Start(ctx); err != nil {
		logger.Warn("start dhcp_v4_server service: %v", err)
		return
	}
	defer a.dhcp.Stop(ctx)

	<-ctx.Done()
}
