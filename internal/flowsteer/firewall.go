// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"encoding/json"
	"net/netip"

	"github.com/flywall/routerd/internal/configrepo"
)

// FirewallBlockKey is the firewall_block_map key: (address, prefix,
// l4_proto, local_port?) (spec §4.6 sub-contract 4).
type FirewallBlockKey struct {
	Addr      netip.Addr
	Prefix    uint8
	L4Proto   uint8
	LocalPort uint16 // 0 means "any port"
}

type firewallItem struct {
	key   FirewallBlockKey
	index int
}

type firewallInstaller struct {
	writer    MapWriter
	installed map[FirewallBlockKey]int // key -> winning rule index
}

func newFirewallInstaller() *firewallInstaller {
	return &firewallInstaller{installed: make(map[FirewallBlockKey]int)}
}

// InstallFirewallRules enumerates rules sorted by index, computes the
// winning rule per conflicting key (lowest index wins), and diffs
// against what is installed. On rule delete, only keys no longer
// covered by any enabled rule are removed (spec §4.6 sub-contract 4).
func (c *Core) InstallFirewallRules(rules []configrepo.FirewallRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw.install(rules)
}

func (f *firewallInstaller) install(rules []configrepo.FirewallRule) error {
	var items []firewallItem
	for _, rule := range rules {
		if !rule.Enable {
			continue
		}
		keys, err := parseFirewallItems(rule.Items)
		if err != nil {
			return err
		}
		for _, key := range keys {
			items = append(items, firewallItem{key: key, index: rule.Index})
		}
	}

	desired := make(map[FirewallBlockKey]int, len(items))
	for _, item := range items {
		if existing, ok := desired[item.key]; !ok || item.index < existing {
			desired[item.key] = item.index
		}
	}

	for key := range f.installed {
		if _, ok := desired[key]; !ok {
			if f.writer != nil {
				if err := f.writer.Delete(key.wire()); err != nil {
					return err
				}
			}
			delete(f.installed, key)
		}
	}

	for key, index := range desired {
		if cur, ok := f.installed[key]; ok && cur == index {
			continue
		}
		if f.writer != nil {
			if err := f.writer.Update(key.wire(), uint32(index)); err != nil {
				return err
			}
		}
		f.installed[key] = index
	}

	return nil
}

// parseFirewallItems decodes a firewall rule's JSON items blob. Each
// item is `{"address": "...", "prefix": N, "l4_proto": N,
// "local_port": N}`; prefix/local_port default to 0 when absent
// (prefix 0 matching the whole address family, local_port 0 meaning
// "any port").
func parseFirewallItems(raw []byte) ([]FirewallBlockKey, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []struct {
		Address   string `json:"address"`
		Prefix    uint8  `json:"prefix"`
		L4Proto   uint8  `json:"l4_proto"`
		LocalPort uint16 `json:"local_port"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}

	keys := make([]FirewallBlockKey, 0, len(entries))
	for _, e := range entries {
		addr, err := netip.ParseAddr(e.Address)
		if err != nil {
			return nil, err
		}
		keys = append(keys, FirewallBlockKey{Addr: addr, Prefix: e.Prefix, L4Proto: e.L4Proto, LocalPort: e.LocalPort})
	}
	return keys, nil
}
