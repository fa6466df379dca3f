// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import "net/netip"

// The installers above work in Go-native types (netip.Addr, string,
// int, []uint16) because those are what configrepo/netiface hand
// them. None of those types are safe to pass to a MapWriter backed by
// cilium/ebpf's raw map Update/Delete: netip.Addr carries an
// unexported interned-zone pointer, plain int varies in width across
// platforms, and slices/strings have no fixed size at all. Every type
// below is the pointer-free, fixed-size mirror actually written to
// the kernel map; the wire() conversions are the single place that
// boundary is crossed.

// wireAddr stores an address in its 16-byte form (IPv4 in the low 4
// bytes, matching the datapath's in6_addr-shaped fields); callers that
// need to distinguish family do so via a separate flag or prefix
// length, never by inspecting the zero bytes.
type wireAddr [16]byte

func toWireAddr(a netip.Addr) wireAddr {
	return wireAddr(a.As16())
}

func toWireAddrString(s string) wireAddr {
	if s == "" {
		return wireAddr{}
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return wireAddr{}
	}
	return toWireAddr(addr)
}

// wireFlowMatchKey is flow_match_map's key layout.
type wireFlowMatchKey struct {
	SrcAddr wireAddr
	VLAN    uint16
	QoS     uint8
	_       [1]byte
}

func (k FlowMatchKey) wire() wireFlowMatchKey {
	return wireFlowMatchKey{SrcAddr: toWireAddr(k.SrcAddr), VLAN: k.VLAN, QoS: k.QoS}
}

// wireFirewallBlockKey is firewall_block_map's key layout.
type wireFirewallBlockKey struct {
	Addr      wireAddr
	Prefix    uint8
	L4Proto   uint8
	LocalPort uint16
}

func (k FirewallBlockKey) wire() wireFirewallBlockKey {
	return wireFirewallBlockKey{Addr: toWireAddr(k.Addr), Prefix: k.Prefix, L4Proto: k.L4Proto, LocalPort: k.LocalPort}
}

// wireDstIPKey is the destination-IP mark map's key layout: a CIDR
// expressed as (address, prefix length) instead of netip.Prefix.
type wireDstIPKey struct {
	Addr   wireAddr
	Prefix uint8
	_      [3]byte
}

func toWireDstIPKey(p netip.Prefix) wireDstIPKey {
	return wireDstIPKey{Addr: toWireAddr(p.Addr()), Prefix: uint8(p.Bits())}
}

// wireStaticNatValue is the static NAT exact-match map's value layout.
type wireStaticNatValue struct {
	LanAddr wireAddr
	LanPort uint16
	_       [6]byte
}

func (v StaticNatValue) wire() wireStaticNatValue {
	return wireStaticNatValue{LanAddr: toWireAddr(v.LanAddr), LanPort: v.LanPort}
}

// reservedPortCap bounds how many statically-reserved ports the NAT
// port-range map's value can carry per protocol; static mappings
// beyond this count per WAN interface still install correctly in the
// static NAT map, they just cannot additionally be excluded from the
// dynamic pool (spec §9's Open Question leaves the cap unspecified).
const reservedPortCap = 256

// wireNatPortRange is the NAT port-range configuration map's value
// layout: ReservedTCP/ReservedUDP become fixed arrays plus counts.
type wireNatPortRange struct {
	TCPStart, TCPEnd       uint16
	UDPStart, UDPEnd       uint16
	ICMPInStart, ICMPInEnd uint16
	ReservedTCPCount       uint16
	ReservedUDPCount       uint16
	ReservedTCP            [reservedPortCap]uint16
	ReservedUDP            [reservedPortCap]uint16
}

func (pr NatPortRange) wire() wireNatPortRange {
	w := wireNatPortRange{
		TCPStart: pr.TCPStart, TCPEnd: pr.TCPEnd,
		UDPStart: pr.UDPStart, UDPEnd: pr.UDPEnd,
		ICMPInStart: pr.ICMPInStart, ICMPInEnd: pr.ICMPInEnd,
	}
	w.ReservedTCPCount = uint16(copyCapped(w.ReservedTCP[:], pr.ReservedTCP))
	w.ReservedUDPCount = uint16(copyCapped(w.ReservedUDP[:], pr.ReservedUDP))
	return w
}

func copyCapped(dst, src []uint16) int {
	n := copy(dst, src)
	return n
}

// wireDNSMark is one flow's dns mark inner-map value layout.
type wireDNSMark struct {
	Mark     uint32
	Priority int32
}

func (m DNSMark) wire() wireDNSMark {
	return wireDNSMark{Mark: m.Mark, Priority: int32(m.Priority)}
}

// wireResolvedTarget is flow_target_map's value layout.
type wireResolvedTarget struct {
	Ifindex      uint32
	HasMAC       uint8
	IsDocker     uint8
	DefaultRoute uint8
	_            uint8
	Weight       uint32
	IfaceIP      wireAddr
	GatewayIP    wireAddr
}

func (rt ResolvedTarget) wire() wireResolvedTarget {
	return wireResolvedTarget{
		Ifindex:      uint32(rt.Ifindex),
		HasMAC:       boolToWire(rt.HasMAC),
		IsDocker:     boolToWire(rt.IsDocker),
		DefaultRoute: boolToWire(rt.DefaultRoute),
		Weight:       rt.Weight,
		IfaceIP:      toWireAddrString(rt.IfaceIP),
		GatewayIP:    toWireAddrString(rt.GatewayIP),
	}
}

func boolToWire(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
