// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnschain

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"github.com/flywall/routerd/internal/configrepo"
)

// filterEntry is one element of a DNSRule's Filter JSON array:
// `{"domain": "example.com", "match": "suffix"}`. match is "exact" or
// "suffix" (default "suffix", matching the donor's blocklist
// convention of treating a listed domain as covering its
// subdomains).
type filterEntry struct {
	Domain string `json:"domain"`
	Match  string `json:"match,omitempty"`
}

// staticRecord is the optional embedded answer for resolve_mode
// "static": `{"domain": "router.lan", "type": "A", "value": "10.0.0.1", "ttl": 300}`.
type staticRecord struct {
	Domain string `json:"domain"`
	Type   string `json:"type"`
	Value  string `json:"value"`
	TTL    uint32 `json:"ttl"`
}

func parseFilterEntries(raw json.RawMessage) ([]filterEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []filterEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("dnschain: parse filter: %w", err)
	}
	return entries, nil
}

// firstMatch returns the first enabled rule (already ordered by index
// by ListDNSRulesByFlow) whose filter matches name.
func firstMatch(rules []configrepo.DNSRule, name string) (configrepo.DNSRule, bool) {
	for _, rule := range rules {
		entries, err := parseFilterEntries(rule.Filter)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if matchesDomain(name, e) {
				return rule, true
			}
		}
	}
	return configrepo.DNSRule{}, false
}

func matchesDomain(name string, e filterEntry) bool {
	want := strings.ToLower(dns.Fqdn(e.Domain))
	if e.Match == "exact" {
		return name == want
	}
	return name == want || strings.HasSuffix(name, "."+want)
}

// staticRecordFor decodes rule's filter for a static record matching
// q and builds the corresponding RR, or returns (nil, nil) if no
// record in the filter matches q's type.
func staticRecordFor(rule configrepo.DNSRule, q dns.Question) (dns.RR, error) {
	if len(rule.Filter) == 0 {
		return nil, nil
	}
	var records []staticRecord
	if err := json.Unmarshal(rule.Filter, &records); err != nil {
		return nil, fmt.Errorf("dnschain: parse static record for rule %s: %w", rule.ID, err)
	}

	name := strings.ToLower(string(q.Name))
	for _, rec := range records {
		if strings.ToLower(dns.Fqdn(rec.Domain)) != name {
			continue
		}
		if dns.TypeToString[q.Qtype] != rec.Type {
			continue
		}
		ttl := rec.TTL
		if ttl == 0 {
			ttl = 300
		}
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: ttl}
		switch q.Qtype {
		case dns.TypeA:
			ip := net.ParseIP(rec.Value)
			if ip == nil || ip.To4() == nil {
				return nil, fmt.Errorf("dnschain: static record %s: invalid A value %q", rec.Domain, rec.Value)
			}
			return &dns.A{Hdr: hdr, A: ip.To4()}, nil
		case dns.TypeAAAA:
			ip := net.ParseIP(rec.Value)
			if ip == nil {
				return nil, fmt.Errorf("dnschain: static record %s: invalid AAAA value %q", rec.Domain, rec.Value)
			}
			return &dns.AAAA{Hdr: hdr, AAAA: ip.To16()}, nil
		case dns.TypeCNAME:
			return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(rec.Value)}, nil
		case dns.TypeTXT:
			return &dns.TXT{Hdr: hdr, Txt: []string{rec.Value}}, nil
		}
	}
	return nil, nil
}

// rrAddr extracts the resolved address from an A/AAAA RR, returning
// the zero netip.Addr for any other RR type.
func rrAddr(rr dns.RR) netip.Addr {
	switch v := rr.(type) {
	case *dns.A:
		if addr, ok := netip.AddrFromSlice(v.A.To4()); ok {
			return addr
		}
	case *dns.AAAA:
		if addr, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
			return addr
		}
	}
	return netip.Addr{}
}
