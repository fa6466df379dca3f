// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"net"

	"github.com/flywall/routerd/internal/configrepo"
)

// wireIPMacValue is the ip_mac_v4/ip_mac_v6 datapath maps' value
// layout: the client's hardware address.
type wireIPMacValue [6]byte

func parseMAC(mac string) wireIPMacValue {
	var out wireIPMacValue
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return out
	}
	copy(out[:], hw)
	return out
}

type ipMacInstaller struct {
	v4Writer, v6Writer MapWriter
	v4, v6             map[string]wireIPMacValue // address string -> mac, for diffing
}

func newIPMacInstaller() *ipMacInstaller {
	return &ipMacInstaller{v4: make(map[string]wireIPMacValue), v6: make(map[string]wireIPMacValue)}
}

// BindIPMacV4Map wires the ip_mac_v4 writer.
func (c *Core) BindIPMacV4Map(w MapWriter) { c.ipMac.v4Writer = w }

// BindIPMacV6Map wires the ip_mac_v6 writer.
func (c *Core) BindIPMacV6Map(w MapWriter) { c.ipMac.v6Writer = w }

// InstallIPMacBindings installs every binding with a non-empty IPv4
// and/or IPv6 address into the corresponding datapath map, keyed by
// address, removing entries no longer present in bindings (spec
// §4.6's ip_mac_v4/ip_mac_v6 maps).
func (c *Core) InstallIPMacBindings(bindings []configrepo.IPMacBinding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipMac.install(bindings)
}

func (m *ipMacInstaller) install(bindings []configrepo.IPMacBinding) error {
	desiredV4 := make(map[string]wireIPMacValue)
	desiredV6 := make(map[string]wireIPMacValue)
	for _, b := range bindings {
		mac := parseMAC(b.Mac)
		if b.IPv4 != "" {
			desiredV4[b.IPv4] = mac
		}
		if b.IPv6 != "" {
			desiredV6[b.IPv6] = mac
		}
	}

	if err := diffIPMac(m.v4, desiredV4, m.v4Writer); err != nil {
		return err
	}
	if err := diffIPMac(m.v6, desiredV6, m.v6Writer); err != nil {
		return err
	}
	m.v4 = desiredV4
	m.v6 = desiredV6
	return nil
}

func diffIPMac(installed, desired map[string]wireIPMacValue, writer MapWriter) error {
	if writer == nil {
		return nil
	}
	for addr := range installed {
		if _, ok := desired[addr]; !ok {
			if err := writer.Delete(toWireAddrString(addr)); err != nil {
				return err
			}
		}
	}
	for addr, mac := range desired {
		if cur, ok := installed[addr]; ok && cur == mac {
			continue
		}
		if err := writer.Update(toWireAddrString(addr), mac); err != nil {
			return err
		}
	}
	return nil
}
