// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/flywall/routerd/internal/configrepo"
)

// NatPortRangeKey is the program-scoped NAT configuration map's key:
// one entry per WAN interface (spec §4.6 sub-contract 6).
type NatPortRangeKey struct {
	Ifindex uint32
}

// NatPortRange is the dynamic port-translation pool bounds installed
// once per WAN interface at NAT attach time, plus the set of ports
// reserved by static mappings and therefore excluded from dynamic
// allocation (spec §9 Open Question: "the core should reserve static
// mapping ports at NAT program load and exclude them from dynamic
// allocation").
type NatPortRange struct {
	TCPStart, TCPEnd         uint16
	UDPStart, UDPEnd         uint16
	ICMPInStart, ICMPInEnd   uint16
	ReservedTCP, ReservedUDP []uint16
}

// StaticNatKey is the static NAT exact-match map's key: (wan_port,
// l4_proto), optionally scoped to one WAN interface (spec §3 "Static
// NAT mapping").
type StaticNatKey struct {
	Ifindex uint32 // 0 means "any WAN interface" (wan_iface unset on the mapping)
	WanPort uint16
	L4Proto uint8
	_       uint8
}

// StaticNatValue is the LAN-side redirect target for a StaticNatKey.
type StaticNatValue struct {
	LanAddr netip.Addr
	LanPort uint16
}

type natInstaller struct {
	rangeWriter  MapWriter
	staticWriter MapWriter

	ranges  map[uint32]NatPortRange
	statics map[StaticNatKey]string // key -> winning mapping id, for lowest-id-wins conflict resolution
}

func newNatInstaller() *natInstaller {
	return &natInstaller{
		ranges:  make(map[uint32]NatPortRange),
		statics: make(map[StaticNatKey]string),
	}
}

// InstallNATPortRange installs wanIfindex's dynamic port-translation
// pool bounds, excluding any port reserved by a static mapping that
// targets the same interface and L4 protocol family (spec §4.6
// sub-contract 6, §9 static-vs-dynamic Open Question).
func (c *Core) InstallNATPortRange(wanIfindex uint32, cfg configrepo.NatServiceConfig, reserved []StaticNatMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nat.installRange(wanIfindex, cfg, reserved)
}

func (n *natInstaller) installRange(wanIfindex uint32, cfg configrepo.NatServiceConfig, reserved []StaticNatMapping) error {
	pr := NatPortRange{
		TCPStart:    cfg.TCPRangeStart,
		TCPEnd:      cfg.TCPRangeEnd,
		UDPStart:    cfg.UDPRangeStart,
		UDPEnd:      cfg.UDPRangeEnd,
		ICMPInStart: cfg.ICMPInRangeStart,
		ICMPInEnd:   cfg.ICMPInRangeEnd,
		ReservedTCP: ReservedPorts(reserved, "tcp"),
		ReservedUDP: ReservedPorts(reserved, "udp"),
	}

	key := NatPortRangeKey{Ifindex: wanIfindex}
	if cur, ok := n.ranges[wanIfindex]; ok && cur.equal(pr) {
		return nil
	}
	if n.rangeWriter != nil {
		if err := n.rangeWriter.Update(key, pr.wire()); err != nil {
			return fmt.Errorf("flowsteer: install nat port range for ifindex %d: %w", wanIfindex, err)
		}
	}
	n.ranges[wanIfindex] = pr
	return nil
}

func (a NatPortRange) equal(b NatPortRange) bool {
	if a.TCPStart != b.TCPStart || a.TCPEnd != b.TCPEnd || a.UDPStart != b.UDPStart || a.UDPEnd != b.UDPEnd ||
		a.ICMPInStart != b.ICMPInStart || a.ICMPInEnd != b.ICMPInEnd {
		return false
	}
	return slicesEqualUint16(a.ReservedTCP, b.ReservedTCP) && slicesEqualUint16(a.ReservedUDP, b.ReservedUDP)
}

func slicesEqualUint16(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StaticNatMapping is the parsed form of a configrepo.StaticNatMapping
// ready for installation: the wan_iface_name has already been
// resolved to an ifindex by the caller (the nat Service Instance,
// which owns netiface resolution).
type StaticNatMapping struct {
	ID       string
	Ifindex  uint32 // 0 if the mapping applies to any WAN interface
	WanPort  uint16
	LanAddr  netip.Addr
	LanPort  uint16
	L4TCP    bool
	L4UDP    bool
	L4ICMP   bool
}

// ParseStaticNatMapping decodes a configrepo.StaticNatMapping's
// l4_protocol JSON array (e.g. ["tcp","udp"]) and LAN IP into the
// installer-ready form.
func ParseStaticNatMapping(m configrepo.StaticNatMapping, ifindex uint32) (StaticNatMapping, error) {
	lanAddr, err := netip.ParseAddr(m.LanIP)
	if err != nil {
		return StaticNatMapping{}, fmt.Errorf("flowsteer: parse static nat mapping %s lan_ip: %w", m.ID, err)
	}

	var protos []string
	if len(m.L4Protocol) > 0 {
		if err := json.Unmarshal(m.L4Protocol, &protos); err != nil {
			return StaticNatMapping{}, fmt.Errorf("flowsteer: parse static nat mapping %s l4_protocol: %w", m.ID, err)
		}
	}

	out := StaticNatMapping{ID: m.ID, Ifindex: ifindex, WanPort: m.WanPort, LanAddr: lanAddr, LanPort: m.LanPort}
	for _, p := range protos {
		switch p {
		case "tcp":
			out.L4TCP = true
		case "udp":
			out.L4UDP = true
		case "icmp":
			out.L4ICMP = true
		}
	}
	return out, nil
}

// InstallStaticNatMappings installs mappings into the static NAT
// exact-match map. On a (ifindex, wan_port, l4_proto) key collision
// the lowest id wins (spec §4.6 sub-contract 7).
func (c *Core) InstallStaticNatMappings(mappings []StaticNatMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nat.installStatic(mappings)
}

func (n *natInstaller) installStatic(mappings []StaticNatMapping) error {
	type winner struct {
		id    string
		value StaticNatValue
	}
	winners := make(map[StaticNatKey]winner)

	for _, m := range mappings {
		for _, key := range staticKeys(m) {
			if existing, ok := winners[key]; !ok || m.ID < existing.id {
				winners[key] = winner{id: m.ID, value: StaticNatValue{LanAddr: m.LanAddr, LanPort: m.LanPort}}
			}
		}
	}

	for key := range n.statics {
		if _, ok := winners[key]; !ok {
			if n.staticWriter != nil {
				if err := n.staticWriter.Delete(key); err != nil {
					return err
				}
			}
			delete(n.statics, key)
		}
	}

	for key, w := range winners {
		if cur, ok := n.statics[key]; ok && cur == w.id {
			continue
		}
		if n.staticWriter != nil {
			if err := n.staticWriter.Update(key, w.value.wire()); err != nil {
				return err
			}
		}
		n.statics[key] = w.id
	}

	return nil
}

func staticKeys(m StaticNatMapping) []StaticNatKey {
	var keys []StaticNatKey
	if m.L4TCP {
		keys = append(keys, StaticNatKey{Ifindex: m.Ifindex, WanPort: m.WanPort, L4Proto: 6})
	}
	if m.L4UDP {
		keys = append(keys, StaticNatKey{Ifindex: m.Ifindex, WanPort: m.WanPort, L4Proto: 17})
	}
	if m.L4ICMP {
		keys = append(keys, StaticNatKey{Ifindex: m.Ifindex, WanPort: m.WanPort, L4Proto: 1})
	}
	return keys
}

// ReservedPorts returns the wan_port values claimed by mappings whose
// L4 protocol set includes proto ("tcp" or "udp"), for the nat
// Service Instance to exclude from its dynamic allocation pool before
// installing the port range (spec §9).
func ReservedPorts(mappings []StaticNatMapping, proto string) []uint16 {
	var out []uint16
	for _, m := range mappings {
		switch proto {
		case "tcp":
			if m.L4TCP {
				out = append(out, m.WanPort)
			}
		case "udp":
			if m.L4UDP {
				out = append(out, m.WanPort)
			}
		}
	}
	return out
}
