// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configrepo

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const schemaFlowRules = `
CREATE TABLE IF NOT EXISTS flow_rules (
	id TEXT PRIMARY KEY,
	enable INTEGER NOT NULL DEFAULT 0,
	flow_id INTEGER NOT NULL,
	match_rules TEXT NOT NULL DEFAULT '[]',
	target_iface_name TEXT NOT NULL DEFAULT '',
	remark TEXT NOT NULL DEFAULT '',
	update_at REAL NOT NULL DEFAULT 0
);
`

// FlowRule is one flow-steering rule (§3 "Flow rule"): a match
// predicate plus the flow id it tags matching traffic with and the
// interface its flow target resolves to.
type FlowRule struct {
	ID              string
	Enable          bool
	FlowID          int
	MatchRules      json.RawMessage
	TargetIfaceName string
	Remark          string
	UpdateAt        float64
}

// SetFlowRule upserts rule, assigning a uuid if ID is empty.
func (r *Repo) SetFlowRule(rule FlowRule) (FlowRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.MatchRules == nil {
		rule.MatchRules = json.RawMessage("[]")
	}
	rule.UpdateAt = nowSeconds()

	_, err := r.db.Exec(`
		INSERT INTO flow_rules (id, enable, flow_id, match_rules, target_iface_name, remark, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enable = excluded.enable, flow_id = excluded.flow_id,
			match_rules = excluded.match_rules, target_iface_name = excluded.target_iface_name,
			remark = excluded.remark, update_at = excluded.update_at
	`, rule.ID, boolToInt(rule.Enable), rule.FlowID, string(rule.MatchRules), rule.TargetIfaceName, rule.Remark, rule.UpdateAt)
	if err != nil {
		return FlowRule{}, fmt.Errorf("configrepo: set flow rule %s: %w", rule.ID, err)
	}
	return rule, nil
}

// ListFlowRules returns every flow rule.
func (r *Repo) ListFlowRules() ([]FlowRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.Query(`SELECT id, enable, flow_id, match_rules, target_iface_name, remark, update_at FROM flow_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlowRule
	for rows.Next() {
		var rule FlowRule
		var enable int
		var match string
		if err := rows.Scan(&rule.ID, &enable, &rule.FlowID, &match, &rule.TargetIfaceName, &rule.Remark, &rule.UpdateAt); err != nil {
			return nil, err
		}
		rule.Enable = enable != 0
		rule.MatchRules = json.RawMessage(match)
		out = append(out, rule)
	}
	return out, rows.Err()
}

// DeleteFlowRule removes the rule with the given id.
func (r *Repo) DeleteFlowRule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.Exec(`DELETE FROM flow_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const schemaDNSRules = `
CREATE TABLE IF NOT EXISTS dns_rules (
	id TEXT PRIMARY KEY,
	rule_index INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL DEFAULT '',
	enable INTEGER NOT NULL DEFAULT 0,
	filter TEXT NOT NULL DEFAULT '[]',
	resolve_mode TEXT NOT NULL DEFAULT 'upstream',
	upstream_id TEXT NOT NULL DEFAULT '',
	mark INTEGER NOT NULL DEFAULT 0,
	flow_id INTEGER NOT NULL DEFAULT 0,
	update_at REAL NOT NULL DEFAULT 0
);
`

// DNSRule is one DNS resolution-chain rule (§3 "DNS rule", §4.7): a
// domain filter plus the resolve_mode that applies when it matches.
type DNSRule struct {
	ID          string
	Index       int
	Name        string
	Enable      bool
	Filter      json.RawMessage
	ResolveMode string // see §4.7 resolve_mode table: upstream, block, static, socks
	UpstreamID  string
	Mark        uint32
	FlowID      int
	UpdateAt    float64
}

// SetDNSRule upserts rule, assigning a uuid if ID is empty.
func (r *Repo) SetDNSRule(rule DNSRule) (DNSRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Filter == nil {
		rule.Filter = json.RawMessage("[]")
	}
	rule.UpdateAt = nowSeconds()

	_, err := r.db.Exec(`
		INSERT INTO dns_rules (id, rule_index, name, enable, filter, resolve_mode, upstream_id, mark, flow_id, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_index = excluded.rule_index, name = excluded.name, enable = excluded.enable,
			filter = excluded.filter, resolve_mode = excluded.resolve_mode,
			upstream_id = excluded.upstream_id, mark = excluded.mark, flow_id = excluded.flow_id,
			update_at = excluded.update_at
	`, rule.ID, rule.Index, rule.Name, boolToInt(rule.Enable), string(rule.Filter), rule.ResolveMode,
		rule.UpstreamID, rule.Mark, rule.FlowID, rule.UpdateAt)
	if err != nil {
		return DNSRule{}, fmt.Errorf("configrepo: set dns rule %s: %w", rule.ID, err)
	}
	return rule, nil
}

// ListDNSRulesByFlow returns every enabled DNS rule for flowID,
// ordered by Index — the order the resolution chain (§4.7) evaluates
// them in.
func (r *Repo) ListDNSRulesByFlow(flowID int) ([]DNSRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.Query(`
		SELECT id, rule_index, name, enable, filter, resolve_mode, upstream_id, mark, flow_id, update_at
		FROM dns_rules WHERE flow_id = ? AND enable = 1 ORDER BY rule_index
	`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DNSRule
	for rows.Next() {
		var rule DNSRule
		var enable int
		var filter string
		if err := rows.Scan(&rule.ID, &rule.Index, &rule.Name, &enable, &filter, &rule.ResolveMode,
			&rule.UpstreamID, &rule.Mark, &rule.FlowID, &rule.UpdateAt); err != nil {
			return nil, err
		}
		rule.Enable = enable != 0
		rule.Filter = json.RawMessage(filter)
		out = append(out, rule)
	}
	return out, rows.Err()
}

const schemaDNSUpstreams = `
CREATE TABLE IF NOT EXISTS dns_upstreams (
	id TEXT PRIMARY KEY,
	remark TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT 'udp',
	ips TEXT NOT NULL DEFAULT '[]',
	port INTEGER NOT NULL DEFAULT 53,
	enable_ip_validation INTEGER NOT NULL DEFAULT 0,
	update_at REAL NOT NULL DEFAULT 0
);
`

// DNSUpstream is one configured upstream resolver (§3 "DNS upstream").
type DNSUpstream struct {
	ID                 string
	Remark             string
	Mode               string // udp, tcp, dot, doh
	IPs                json.RawMessage
	Port               int
	EnableIPValidation bool
	UpdateAt           float64
}

// SetDNSUpstream upserts upstream, assigning a uuid if ID is empty.
func (r *Repo) SetDNSUpstream(u DNSUpstream) (DNSUpstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.IPs == nil {
		u.IPs = json.RawMessage("[]")
	}
	u.UpdateAt = nowSeconds()

	_, err := r.db.Exec(`
		INSERT INTO dns_upstreams (id, remark, mode, ips, port, enable_ip_validation, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remark = excluded.remark, mode = excluded.mode, ips = excluded.ips,
			port = excluded.port, enable_ip_validation = excluded.enable_ip_validation,
			update_at = excluded.update_at
	`, u.ID, u.Remark, u.Mode, string(u.IPs), u.Port, boolToInt(u.EnableIPValidation), u.UpdateAt)
	if err != nil {
		return DNSUpstream{}, fmt.Errorf("configrepo: set dns upstream %s: %w", u.ID, err)
	}
	return u, nil
}

// GetDNSUpstream returns the upstream with the given id.
func (r *Repo) GetDNSUpstream(id string) (DNSUpstream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var u DNSUpstream
	var ips string
	var validate int
	row := r.db.QueryRow(`
		SELECT id, remark, mode, ips, port, enable_ip_validation, update_at
		FROM dns_upstreams WHERE id = ?
	`, id)
	if err := row.Scan(&u.ID, &u.Remark, &u.Mode, &ips, &u.Port, &validate, &u.UpdateAt); err != nil {
		return DNSUpstream{}, err
	}
	u.IPs = json.RawMessage(ips)
	u.EnableIPValidation = validate != 0
	return u, nil
}

const schemaFirewallRules = `
CREATE TABLE IF NOT EXISTS firewall_rules (
	id TEXT PRIMARY KEY,
	rule_index INTEGER NOT NULL DEFAULT 0,
	enable INTEGER NOT NULL DEFAULT 0,
	remark TEXT NOT NULL DEFAULT '',
	items TEXT NOT NULL DEFAULT '[]',
	mark INTEGER NOT NULL DEFAULT 0,
	update_at REAL NOT NULL DEFAULT 0
);
`

// FirewallRule is one firewall decision rule (§3 "Firewall rule")
// installed into the firewall_block_map (§4.1).
type FirewallRule struct {
	ID       string
	Index    int
	Enable   bool
	Remark   string
	Items    json.RawMessage
	Mark     uint32
	UpdateAt float64
}

// SetFirewallRule upserts rule, assigning a uuid if ID is empty.
func (r *Repo) SetFirewallRule(rule FirewallRule) (FirewallRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Items == nil {
		rule.Items = json.RawMessage("[]")
	}
	rule.UpdateAt = nowSeconds()

	_, err := r.db.Exec(`
		INSERT INTO firewall_rules (id, rule_index, enable, remark, items, mark, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_index = excluded.rule_index, enable = excluded.enable, remark = excluded.remark,
			items = excluded.items, mark = excluded.mark, update_at = excluded.update_at
	`, rule.ID, rule.Index, boolToInt(rule.Enable), rule.Remark, string(rule.Items), rule.Mark, rule.UpdateAt)
	if err != nil {
		return FirewallRule{}, fmt.Errorf("configrepo: set firewall rule %s: %w", rule.ID, err)
	}
	return rule, nil
}

// ListFirewallRules returns every enabled firewall rule, in the index
// order the Flow-Steering Core must apply them in.
func (r *Repo) ListFirewallRules() ([]FirewallRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.Query(`
		SELECT id, rule_index, enable, remark, items, mark, update_at
		FROM firewall_rules WHERE enable = 1 ORDER BY rule_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FirewallRule
	for rows.Next() {
		var rule FirewallRule
		var enable int
		var items string
		if err := rows.Scan(&rule.ID, &rule.Index, &enable, &rule.Remark, &items, &rule.Mark, &rule.UpdateAt); err != nil {
			return nil, err
		}
		rule.Enable = enable != 0
		rule.Items = json.RawMessage(items)
		out = append(out, rule)
	}
	return out, rows.Err()
}

const schemaDstIPRules = `
CREATE TABLE IF NOT EXISTS dst_ip_rules (
	id TEXT PRIMARY KEY,
	rule_index INTEGER NOT NULL DEFAULT 0,
	enable INTEGER NOT NULL DEFAULT 0,
	mark INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	remark TEXT NOT NULL DEFAULT '',
	flow_id INTEGER NOT NULL DEFAULT 0,
	override_dns INTEGER NOT NULL DEFAULT 0,
	update_at REAL NOT NULL DEFAULT 0
);
`

// DstIPRule marks destination IPs matching a geoip/geosite source
// (§4.6's "destination IP mark expansion") with a flow id.
type DstIPRule struct {
	ID          string
	Index       int
	Enable      bool
	Mark        uint32
	Source      string // geosite key, geoip key, or a literal CIDR
	Remark      string
	FlowID      int
	OverrideDNS bool
	UpdateAt    float64
}

// SetDstIPRule upserts rule, assigning a uuid if ID is empty.
func (r *Repo) SetDstIPRule(rule DstIPRule) (DstIPRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.UpdateAt = nowSeconds()

	_, err := r.db.Exec(`
		INSERT INTO dst_ip_rules (id, rule_index, enable, mark, source, remark, flow_id, override_dns, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_index = excluded.rule_index, enable = excluded.enable, mark = excluded.mark,
			source = excluded.source, remark = excluded.remark, flow_id = excluded.flow_id,
			override_dns = excluded.override_dns, update_at = excluded.update_at
	`, rule.ID, rule.Index, boolToInt(rule.Enable), rule.Mark, rule.Source, rule.Remark,
		rule.FlowID, boolToInt(rule.OverrideDNS), rule.UpdateAt)
	if err != nil {
		return DstIPRule{}, fmt.Errorf("configrepo: set dst ip rule %s: %w", rule.ID, err)
	}
	return rule, nil
}

// ListDstIPRules returns every enabled destination-IP rule in index order.
func (r *Repo) ListDstIPRules() ([]DstIPRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.Query(`
		SELECT id, rule_index, enable, mark, source, remark, flow_id, override_dns, update_at
		FROM dst_ip_rules WHERE enable = 1 ORDER BY rule_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DstIPRule
	for rows.Next() {
		var rule DstIPRule
		var enable, override int
		if err := rows.Scan(&rule.ID, &rule.Index, &enable, &rule.Mark, &rule.Source, &rule.Remark,
			&rule.FlowID, &override, &rule.UpdateAt); err != nil {
			return nil, err
		}
		rule.Enable = enable != 0
		rule.OverrideDNS = override != 0
		out = append(out, rule)
	}
	return out, rows.Err()
}
