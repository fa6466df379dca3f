// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"net/netip"
)

// DNSMark is one (ip, mark, priority) tuple the DNS Resolution Chain
// posts for a flow (spec §4.6 sub-contract 3). Lower priority value
// is more specific and wins on conflict.
type DNSMark struct {
	IP       netip.Addr
	Mark     uint32
	Priority int
}

// DNSMarkInnerMap is one flow's inner map within flow4_dns_map or
// flow6_dns_map.
type DNSMarkInnerMap interface {
	MapWriter
}

// DNSMarkMapFactory creates and destroys per-flow inner maps and
// installs/removes them from the outer map-in-map (spec §4.1's
// as_inner_fd handle passing).
type DNSMarkMapFactory interface {
	CreateInner(flowID uint32) (DNSMarkInnerMap, error)
	ReplaceOuter(flowID uint32, inner DNSMarkInnerMap) error
	RemoveOuter(flowID uint32) error
}

type dnsMarkInstaller struct {
	factory DNSMarkMapFactory
	flows   map[uint32]*flowDNSMarks
}

type flowDNSMarks struct {
	inner     DNSMarkInnerMap
	installed map[netip.Addr]DNSMark
}

func newDNSMarkInstaller() *dnsMarkInstaller {
	return &dnsMarkInstaller{flows: make(map[uint32]*flowDNSMarks)}
}

// PostDNSMark records one resolved address's mark for flowID,
// creating the flow's inner map on first use (spec §4.6 sub-contract
// 3). On a conflicting IP within the same flow, the lower-priority
// (more specific) mark wins; a higher-priority mark for an IP already
// marked more specifically is ignored.
func (c *Core) PostDNSMark(flowID uint32, mark DNSMark) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dnsMarks.post(flowID, mark)
}

func (d *dnsMarkInstaller) post(flowID uint32, mark DNSMark) error {
	flow, ok := d.flows[flowID]
	if !ok {
		var inner DNSMarkInnerMap
		var err error
		if d.factory != nil {
			inner, err = d.factory.CreateInner(flowID)
			if err != nil {
				return err
			}
			if err := d.factory.ReplaceOuter(flowID, inner); err != nil {
				return err
			}
		}
		flow = &flowDNSMarks{inner: inner, installed: make(map[netip.Addr]DNSMark)}
		d.flows[flowID] = flow
	}

	if existing, ok := flow.installed[mark.IP]; ok && existing.Priority <= mark.Priority {
		return nil
	}

	if flow.inner != nil {
		if err := flow.inner.Update(toWireAddr(mark.IP), mark.wire()); err != nil {
			return err
		}
	}
	flow.installed[mark.IP] = mark
	return nil
}

// RemoveFlowDNSMarks tears down flowID's inner map, atomically
// replacing the outer map-in-map slot (spec §4.6 sub-contract 3: "the
// core ... replaces it atomically when a flow is removed").
func (c *Core) RemoveFlowDNSMarks(flowID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dnsMarks.remove(flowID)
}

func (d *dnsMarkInstaller) remove(flowID uint32) error {
	if _, ok := d.flows[flowID]; !ok {
		return nil
	}
	if d.factory != nil {
		if err := d.factory.RemoveOuter(flowID); err != nil {
			return err
		}
	}
	delete(d.flows, flowID)
	return nil
}
