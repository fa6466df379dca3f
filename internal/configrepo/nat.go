// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configrepo

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const schemaNatService = `
CREATE TABLE IF NOT EXISTS nat_service_configs (
	iface_name TEXT PRIMARY KEY,
	tcp_range_start INTEGER NOT NULL DEFAULT 32768,
	tcp_range_end INTEGER NOT NULL DEFAULT 65535,
	udp_range_start INTEGER NOT NULL DEFAULT 32768,
	udp_range_end INTEGER NOT NULL DEFAULT 65535,
	icmp_in_range_start INTEGER NOT NULL DEFAULT 32768,
	icmp_in_range_end INTEGER NOT NULL DEFAULT 65535,
	enable INTEGER NOT NULL DEFAULT 0,
	update_at REAL NOT NULL DEFAULT 0
);
`

// NatServiceConfig is the per-WAN-interface NAT port-range
// configuration (§4.1's "NAT port range installation" sub-contract).
type NatServiceConfig struct {
	Interface        string
	TCPRangeStart    uint16
	TCPRangeEnd      uint16
	UDPRangeStart    uint16
	UDPRangeEnd      uint16
	ICMPInRangeStart uint16
	ICMPInRangeEnd   uint16
	Enable           bool
	UpdateAt         float64
}

// SetNatServiceConfig upserts cfg, keyed by Interface.
func (r *Repo) SetNatServiceConfig(cfg NatServiceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg.UpdateAt = nowSeconds()
	_, err := r.db.Exec(`
		INSERT INTO nat_service_configs (
			iface_name, tcp_range_start, tcp_range_end, udp_range_start, udp_range_end,
			icmp_in_range_start, icmp_in_range_end, enable, update_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(iface_name) DO UPDATE SET
			tcp_range_start = excluded.tcp_range_start, tcp_range_end = excluded.tcp_range_end,
			udp_range_start = excluded.udp_range_start, udp_range_end = excluded.udp_range_end,
			icmp_in_range_start = excluded.icmp_in_range_start, icmp_in_range_end = excluded.icmp_in_range_end,
			enable = excluded.enable, update_at = excluded.update_at
	`, cfg.Interface, cfg.TCPRangeStart, cfg.TCPRangeEnd, cfg.UDPRangeStart, cfg.UDPRangeEnd,
		cfg.ICMPInRangeStart, cfg.ICMPInRangeEnd, boolToInt(cfg.Enable), cfg.UpdateAt)
	if err != nil {
		return fmt.Errorf("configrepo: set nat service config %s: %w", cfg.Interface, err)
	}
	return nil
}

// GetNatServiceConfig returns the NAT config for iface, or sql.ErrNoRows.
func (r *Repo) GetNatServiceConfig(iface string) (NatServiceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cfg NatServiceConfig
	var enable int
	row := r.db.QueryRow(`
		SELECT iface_name, tcp_range_start, tcp_range_end, udp_range_start, udp_range_end,
			icmp_in_range_start, icmp_in_range_end, enable, update_at
		FROM nat_service_configs WHERE iface_name = ?
	`, iface)
	if err := row.Scan(&cfg.Interface, &cfg.TCPRangeStart, &cfg.TCPRangeEnd, &cfg.UDPRangeStart, &cfg.UDPRangeEnd,
		&cfg.ICMPInRangeStart, &cfg.ICMPInRangeEnd, &enable, &cfg.UpdateAt); err != nil {
		return NatServiceConfig{}, err
	}
	cfg.Enable = enable != 0
	return cfg, nil
}

const schemaStaticNatMapping = `
CREATE TABLE IF NOT EXISTS static_nat_mappings (
	id TEXT PRIMARY KEY,
	enable INTEGER NOT NULL DEFAULT 0,
	wan_port INTEGER NOT NULL,
	remark TEXT NOT NULL DEFAULT '',
	wan_iface_name TEXT NOT NULL,
	lan_port INTEGER NOT NULL,
	lan_ip TEXT NOT NULL,
	l4_protocol TEXT NOT NULL DEFAULT '[]',
	update_at REAL NOT NULL DEFAULT 0
);
`

// StaticNatMapping is one static port-forward entry (§4.1's "static
// NAT mapping installation with reserved-port exclusion" sub-contract).
type StaticNatMapping struct {
	ID           string
	Enable       bool
	WanPort      uint16
	Remark       string
	WanIfaceName string
	LanPort      uint16
	LanIP        string
	L4Protocol   json.RawMessage // e.g. ["tcp","udp"]
	UpdateAt     float64
}

// SetStaticNatMapping upserts m, assigning a uuid if ID is empty.
func (r *Repo) SetStaticNatMapping(m StaticNatMapping) (StaticNatMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.L4Protocol == nil {
		m.L4Protocol = json.RawMessage(`["tcp","udp"]`)
	}
	m.UpdateAt = nowSeconds()

	_, err := r.db.Exec(`
		INSERT INTO static_nat_mappings (id, enable, wan_port, remark, wan_iface_name, lan_port, lan_ip, l4_protocol, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enable = excluded.enable, wan_port = excluded.wan_port, remark = excluded.remark,
			wan_iface_name = excluded.wan_iface_name, lan_port = excluded.lan_port, lan_ip = excluded.lan_ip,
			l4_protocol = excluded.l4_protocol, update_at = excluded.update_at
	`, m.ID, boolToInt(m.Enable), m.WanPort, m.Remark, m.WanIfaceName, m.LanPort, m.LanIP, string(m.L4Protocol), m.UpdateAt)
	if err != nil {
		return StaticNatMapping{}, fmt.Errorf("configrepo: set static nat mapping %s: %w", m.ID, err)
	}
	return m, nil
}

// ListStaticNatMappingsByWan returns every enabled static mapping for
// wanIface, for the NAT Service Instance to exclude their wan_port
// values from its dynamic port allocation range.
func (r *Repo) ListStaticNatMappingsByWan(wanIface string) ([]StaticNatMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.Query(`
		SELECT id, enable, wan_port, remark, wan_iface_name, lan_port, lan_ip, l4_protocol, update_at
		FROM static_nat_mappings WHERE wan_iface_name = ? AND enable = 1
	`, wanIface)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaticNatMapping
	for rows.Next() {
		var m StaticNatMapping
		var enable int
		var proto string
		if err := rows.Scan(&m.ID, &enable, &m.WanPort, &m.Remark, &m.WanIfaceName, &m.LanPort, &m.LanIP, &proto, &m.UpdateAt); err != nil {
			return nil, err
		}
		m.Enable = enable != 0
		m.L4Protocol = json.RawMessage(proto)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteStaticNatMapping removes the mapping with the given id.
func (r *Repo) DeleteStaticNatMapping(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.Exec(`DELETE FROM static_nat_mappings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
