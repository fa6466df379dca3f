// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import "net/netip"

// wireWANIPBinding is the wan_ip_binding map's value layout: the WAN
// interface's current addresses plus a lease/session expiry (spec §3
// "wan_ip_binding: ifindex -> {ipv4, ipv6, expire_ts}").
type wireWANIPBinding struct {
	IPv4     wireAddr
	IPv6     wireAddr
	ExpireAt uint64
}

type wanIPInstaller struct {
	writer    MapWriter
	installed map[uint32]wireWANIPBinding
}

func newWANIPInstaller() *wanIPInstaller {
	return &wanIPInstaller{installed: make(map[uint32]wireWANIPBinding)}
}

// BindWANIPMap wires the wan_ip_binding writer.
func (c *Core) BindWANIPMap(w MapWriter) { c.wanIP.writer = w }

// InstallWANIPBinding installs or refreshes wanIfindex's current
// addresses, called whenever route_wan/pppd/dhcp_v6_pd_client resolve
// or renew the WAN interface's address (spec §4.3's "netlink
// address/route reconciliation").
func (c *Core) InstallWANIPBinding(wanIfindex uint32, ipv4, ipv6 netip.Addr, expireAt uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wanIP.install(wanIfindex, ipv4, ipv6, expireAt)
}

func (w *wanIPInstaller) install(wanIfindex uint32, ipv4, ipv6 netip.Addr, expireAt uint64) error {
	binding := wireWANIPBinding{ExpireAt: expireAt}
	if ipv4.IsValid() {
		binding.IPv4 = toWireAddr(ipv4)
	}
	if ipv6.IsValid() {
		binding.IPv6 = toWireAddr(ipv6)
	}

	if cur, ok := w.installed[wanIfindex]; ok && cur == binding {
		return nil
	}
	if w.writer != nil {
		if err := w.writer.Update(wanIfindex, binding); err != nil {
			return err
		}
	}
	w.installed[wanIfindex] = binding
	return nil
}

// RemoveWANIPBinding removes wanIfindex's entry, called when the WAN
// interface's service instance stops.
func (c *Core) RemoveWANIPBinding(wanIfindex uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.wanIP.installed[wanIfindex]; !ok {
		return nil
	}
	if c.wanIP.writer != nil {
		if err := c.wanIP.writer.Delete(wanIfindex); err != nil {
			return err
		}
	}
	delete(c.wanIP.installed, wanIfindex)
	return nil
}
