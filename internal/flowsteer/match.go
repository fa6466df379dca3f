// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"encoding/json"
	"net/netip"

	"github.com/flywall/routerd/internal/configrepo"
)

// FlowMatchKey is the flow_match_map key: (src_ip, vlan?, qos?) (spec
// §3/§4.6 sub-contract 1).
type FlowMatchKey struct {
	SrcAddr netip.Addr
	VLAN    uint16
	QoS     uint8
}

type matchInstaller struct {
	writer    MapWriter
	installed map[FlowMatchKey]uint32
}

func newMatchInstaller() *matchInstaller {
	return &matchInstaller{installed: make(map[FlowMatchKey]uint32)}
}

// InstallFlowMatches computes the desired (match_rule → flow_id) set
// from rules, diffs it against what is currently installed, and
// issues the inserts/deletes against flow_match_map. Ties on an
// identical match key resolve to the lowest flow_id (spec §4.6
// sub-contract 1).
func (c *Core) InstallFlowMatches(rules []configrepo.FlowRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matches.install(rules)
}

func (m *matchInstaller) install(rules []configrepo.FlowRule) error {
	desired := make(map[FlowMatchKey]uint32, len(rules))
	for _, rule := range rules {
		if !rule.Enable {
			continue
		}
		keys, err := parseMatchRules(rule.MatchRules)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if existing, ok := desired[key]; !ok || uint32(rule.FlowID) < existing {
				desired[key] = uint32(rule.FlowID)
			}
		}
	}

	for key := range m.installed {
		if _, ok := desired[key]; !ok {
			if m.writer != nil {
				if err := m.writer.Delete(key.wire()); err != nil {
					return err
				}
			}
			delete(m.installed, key)
		}
	}

	for key, flowID := range desired {
		if cur, ok := m.installed[key]; ok && cur == flowID {
			continue
		}
		if m.writer != nil {
			if err := m.writer.Update(key.wire(), flowID); err != nil {
				return err
			}
		}
		m.installed[key] = flowID
	}

	return nil
}

// parseMatchRules decodes a flow rule's JSON match_rules blob into
// concrete match keys. The rule-editor-facing schema is a list of
// objects `{"src_ip": "...", "vlan": N, "qos": N}`; vlan/qos default
// to 0 (unset) when absent.
func parseMatchRules(raw []byte) ([]FlowMatchKey, error) {
	var entries []struct {
		SrcIP string `json:"src_ip"`
		VLAN  uint16 `json:"vlan"`
		QoS   uint8  `json:"qos"`
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}

	keys := make([]FlowMatchKey, 0, len(entries))
	for _, e := range entries {
		addr, err := netip.ParseAddr(e.SrcIP)
		if err != nil {
			return nil, err
		}
		keys = append(keys, FlowMatchKey{SrcAddr: addr, VLAN: e.VLAN, QoS: e.QoS})
	}
	return keys, nil
}
