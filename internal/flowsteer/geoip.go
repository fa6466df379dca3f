// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"net/netip"
	"strings"

	"github.com/flywall/routerd/internal/configrepo"
)

// GeoResolver expands a GeoKey source (e.g. "geosite:netflix" or
// "geoip:us") into its constituent CIDRs. Explicit CIDR sources never
// go through it (spec §4.6 sub-contract 5).
type GeoResolver interface {
	Resolve(key string) ([]netip.Prefix, error)
}

// isGeoKey reports whether source names a geosite/geoip category
// rather than an explicit CIDR.
func isGeoKey(source string) bool {
	return strings.HasPrefix(source, "geosite:") || strings.HasPrefix(source, "geoip:")
}

type dstIPInstaller struct {
	writer    MapWriter
	geo       GeoResolver
	installed map[netip.Prefix]uint32
}

func newDstIPInstaller() *dstIPInstaller {
	return &dstIPInstaller{installed: make(map[netip.Prefix]uint32)}
}

// InstallDstIPRules expands each enabled rule's source into CIDRs
// (via GeoResolver for GeoKey sources, directly for explicit CIDRs)
// and installs the resulting (CIDR → mark) set into the destination
// IP mark map (spec §4.6 sub-contract 5).
func (c *Core) InstallDstIPRules(rules []configrepo.DstIPRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dstIP.install(rules)
}

func (d *dstIPInstaller) install(rules []configrepo.DstIPRule) error {
	type candidate struct {
		mark  uint32
		index int
	}
	winners := make(map[netip.Prefix]candidate)
	for _, rule := range rules {
		if !rule.Enable {
			continue
		}
		prefixes, err := d.expand(rule.Source)
		if err != nil {
			return err
		}
		for _, prefix := range prefixes {
			if existing, ok := winners[prefix]; !ok || rule.Index < existing.index {
				winners[prefix] = candidate{mark: rule.Mark, index: rule.Index}
			}
		}
	}

	desired := make(map[netip.Prefix]uint32, len(winners))
	for prefix, c := range winners {
		desired[prefix] = c.mark
	}

	for prefix := range d.installed {
		if _, ok := desired[prefix]; !ok {
			if d.writer != nil {
				if err := d.writer.Delete(toWireDstIPKey(prefix)); err != nil {
					return err
				}
			}
			delete(d.installed, prefix)
		}
	}

	for prefix, mark := range desired {
		if cur, ok := d.installed[prefix]; ok && cur == mark {
			continue
		}
		if d.writer != nil {
			if err := d.writer.Update(toWireDstIPKey(prefix), mark); err != nil {
				return err
			}
		}
		d.installed[prefix] = mark
	}

	return nil
}

func (d *dstIPInstaller) expand(source string) ([]netip.Prefix, error) {
	if isGeoKey(source) {
		if d.geo == nil {
			return nil, nil
		}
		return d.geo.Resolve(source)
	}
	prefix, err := netip.ParsePrefix(source)
	if err != nil {
		return nil, err
	}
	return []netip.Prefix{prefix}, nil
}
