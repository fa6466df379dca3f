// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnschain implements the per-flow DNS resolution chain: for
// each flow, a rule-ordered sequence of domain filters that dispatch a
// matching query to one of four resolve modes (upstream, block,
// static, socks), backed by a shared answer cache and pluggable
// upstream transports. Rule order and domain matching follow the
// donor's dns.Service pipeline (internal/services/dns/service.go
// ServeDNS); this package generalizes that single global pipeline into
// one chain per flow id, fed from configrepo instead of HCL, with
// flowsteer mark injection for modes that redirect resolved traffic.
package dnschain

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/flywall/routerd/internal/clock"
	"github.com/flywall/routerd/internal/configrepo"
	"github.com/flywall/routerd/internal/flowsteer"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/services/dns/querylog"
)

// ResolveMode values match configrepo.DNSRule.ResolveMode.
const (
	ModeUpstream = "upstream" // forward to the rule's configured upstream
	ModeBlock    = "block"    // answer NXDOMAIN, no forwarding
	ModeStatic   = "static"   // answer from the rule's filter-embedded record
	ModeSocks    = "socks"    // forward upstream, then mark the resolved address for redirect
)

// RuleSource supplies a flow's ordered, enabled DNS rules. Satisfied
// by *configrepo.Repo.
type RuleSource interface {
	ListDNSRulesByFlow(flowID int) ([]configrepo.DNSRule, error)
	GetDNSUpstream(id string) (configrepo.DNSUpstream, error)
}

// Chain evaluates the DNS resolution chain for one flow: each query
// walks the flow's rules in index order, the first matching filter's
// resolve_mode decides how the query is answered, and unmatched
// queries fall through to NXDOMAIN (spec §4.7 Resolution Chain).
type Chain struct {
	flowID    int
	rules     RuleSource
	resolvers *UpstreamPool
	cache     *Cache
	flows     *flowsteer.Core
	log       *querylog.Store
}

// New builds a Chain for flowID. log may be nil to disable metric
// persistence (used by tests).
func New(flowID int, rules RuleSource, resolvers *UpstreamPool, flows *flowsteer.Core, log *querylog.Store) *Chain {
	return &Chain{
		flowID:    flowID,
		rules:     rules,
		resolvers: resolvers,
		cache:     NewCache(),
		flows:     flows,
		log:       log,
	}
}

// Handler adapts Chain to dns.Handler so it can back a per-flow
// *dns.Server the way dns.Service.ServeDNS backs the donor's listeners.
func (c *Chain) Handler() dns.HandlerFunc {
	return c.ServeDNS
}

// ServeDNS answers r on w, walking the flow's rule chain.
func (c *Chain) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	start := clock.Now()
	clientIP, _, _ := net.SplitHostPort(w.RemoteAddr().String())

	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.Compress = false

	if len(r.Question) == 0 {
		w.WriteMsg(reply)
		return
	}
	q := r.Question[0]
	name := strings.ToLower(q.Name)
	qtype := dns.TypeToString[q.Qtype]

	entry := querylog.Entry{
		Timestamp: start,
		ClientIP:  clientIP,
		Domain:    name,
		Type:      qtype,
		FlowID:    c.flowID,
	}
	defer func() {
		entry.DurationMs = time.Since(start).Milliseconds()
		if c.log != nil {
			go func(e querylog.Entry) {
				if err := c.log.RecordEntry(e); err != nil {
					logging.Debug("[dnschain] record query log: %v", err)
				}
			}(entry)
		}
	}()

	if cached, ok := c.cache.Get(name, q.Qtype); ok {
		cached.SetReply(r)
		entry.RCode = dns.RcodeToString[cached.Rcode]
		entry.Answers = answerStrings(cached)
		w.WriteMsg(cached)
		return
	}

	rules, err := c.rules.ListDNSRulesByFlow(c.flowID)
	if err != nil {
		logging.Error("[dnschain] list rules for flow %d: %v", c.flowID, err)
		entry.RCode = dns.RcodeToString[dns.RcodeServerFailure]
		dns.HandleFailed(w, r)
		return
	}

	rule, matched := firstMatch(rules, name)
	if !matched {
		reply.Rcode = dns.RcodeNameError
		entry.RCode = dns.RcodeToString[dns.RcodeNameError]
		w.WriteMsg(reply)
		return
	}

	resp, err := c.resolve(context.Background(), rule, r, q)
	if err != nil {
		logging.Debug("[dnschain] flow %d rule %s: %v", c.flowID, rule.ID, err)
		entry.RCode = dns.RcodeToString[dns.RcodeServerFailure]
		entry.Blocked = rule.ResolveMode == ModeBlock
		dns.HandleFailed(w, r)
		return
	}

	entry.RCode = dns.RcodeToString[resp.Rcode]
	entry.Blocked = rule.ResolveMode == ModeBlock
	entry.Answers = answerStrings(resp)
	w.WriteMsg(resp)
}

func (c *Chain) resolve(ctx context.Context, rule configrepo.DNSRule, req *dns.Msg, q dns.Question) (*dns.Msg, error) {
	switch rule.ResolveMode {
	case ModeBlock:
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Rcode = dns.RcodeNameError
		return resp, nil

	case ModeStatic:
		rec, err := staticRecordFor(rule, q)
		if err != nil {
			return nil, err
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		if rec != nil {
			resp.Answer = append(resp.Answer, rec)
		} else {
			resp.Rcode = dns.RcodeNameError
		}
		return resp, nil

	case ModeSocks:
		resp, err := c.forwardAndMark(ctx, rule, req)
		if err != nil {
			return nil, err
		}
		return resp, nil

	default: // ModeUpstream, and unrecognized values fall back to forwarding
		up, err := c.rules.GetDNSUpstream(rule.UpstreamID)
		if err != nil {
			return nil, fmt.Errorf("dnschain: resolve upstream for rule %s: %w", rule.ID, err)
		}

		var resp *dns.Msg
		var resolveErr error
		c.cache.Coalesce(strings.ToLower(q.Name), q.Qtype, func() {
			if cached, ok := c.cache.Get(strings.ToLower(q.Name), q.Qtype); ok {
				resp = cached
				return
			}
			resp, resolveErr = c.resolvers.Exchange(ctx, up, req)
			if resolveErr == nil {
				c.cache.Put(strings.ToLower(q.Name), q.Qtype, resp)
			}
		})
		if resolveErr != nil {
			return nil, resolveErr
		}
		resp.SetReply(req)
		return resp, nil
	}
}

// forwardAndMark resolves through the rule's upstream and then, for
// every address answer, injects a flow-steering mark so the resolved
// destination is routed through rule.Mark's target (spec §4.6
// sub-contract 3: "DNS-mark inner map").
func (c *Chain) forwardAndMark(ctx context.Context, rule configrepo.DNSRule, req *dns.Msg) (*dns.Msg, error) {
	up, err := c.rules.GetDNSUpstream(rule.UpstreamID)
	if err != nil {
		return nil, fmt.Errorf("dnschain: resolve upstream for rule %s: %w", rule.ID, err)
	}
	resp, err := c.resolvers.Exchange(ctx, up, req)
	if err != nil {
		return nil, err
	}
	c.cache.Put(strings.ToLower(req.Question[0].Name), req.Question[0].Qtype, resp)

	if c.flows == nil || rule.Mark == 0 {
		return resp, nil
	}
	for _, ans := range resp.Answer {
		addr := rrAddr(ans)
		if !addr.IsValid() {
			continue
		}
		mark := flowsteer.DNSMark{IP: addr, Mark: rule.Mark, Priority: rule.Index}
		if err := c.flows.PostDNSMark(uint32(c.flowID), mark); err != nil {
			logging.Error("[dnschain] post dns mark for flow %d: %v", c.flowID, err)
		}
	}
	return resp, nil
}

func answerStrings(resp *dns.Msg) []string {
	if resp == nil {
		return nil
	}
	out := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		addr := rrAddr(rr)
		if addr.IsValid() {
			out = append(out, addr.String())
		}
	}
	return out
}
