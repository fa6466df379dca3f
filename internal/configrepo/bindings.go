// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configrepo

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const schemaIPMacBindings = `
CREATE TABLE IF NOT EXISTS ip_mac_bindings (
	id TEXT PRIMARY KEY,
	iface_name TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	fake_name TEXT NOT NULL DEFAULT '',
	remark TEXT NOT NULL DEFAULT '',
	mac TEXT NOT NULL,
	ipv4 TEXT NOT NULL DEFAULT '',
	ipv4_int INTEGER NOT NULL DEFAULT 0,
	ipv6 TEXT NOT NULL DEFAULT '',
	tag TEXT NOT NULL DEFAULT '',
	update_at REAL NOT NULL DEFAULT 0
);
`

// IPMacBinding ties a LAN client's mac address to a fixed DHCP lease
// and a display name (§4.3's "static lease table" and §4.6's
// ip_mac_v4/ip_mac_v6 datapath maps).
type IPMacBinding struct {
	ID        string
	Interface string
	Name      string
	FakeName  string
	Remark    string
	Mac       string
	IPv4      string
	IPv4Int   uint32
	IPv6      string
	Tag       string
	UpdateAt  float64
}

// SetIPMacBinding upserts b, assigning a uuid if ID is empty.
func (r *Repo) SetIPMacBinding(b IPMacBinding) (IPMacBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.UpdateAt = nowSeconds()

	_, err := r.db.Exec(`
		INSERT INTO ip_mac_bindings (id, iface_name, name, fake_name, remark, mac, ipv4, ipv4_int, ipv6, tag, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			iface_name = excluded.iface_name, name = excluded.name, fake_name = excluded.fake_name,
			remark = excluded.remark, mac = excluded.mac, ipv4 = excluded.ipv4, ipv4_int = excluded.ipv4_int,
			ipv6 = excluded.ipv6, tag = excluded.tag, update_at = excluded.update_at
	`, b.ID, b.Interface, b.Name, b.FakeName, b.Remark, b.Mac, b.IPv4, b.IPv4Int, b.IPv6, b.Tag, b.UpdateAt)
	if err != nil {
		return IPMacBinding{}, fmt.Errorf("configrepo: set ip/mac binding %s: %w", b.ID, err)
	}
	return b, nil
}

// ListIPMacBindings returns every binding for iface.
func (r *Repo) ListIPMacBindings(iface string) ([]IPMacBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.Query(`
		SELECT id, iface_name, name, fake_name, remark, mac, ipv4, ipv4_int, ipv6, tag, update_at
		FROM ip_mac_bindings WHERE iface_name = ?
	`, iface)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IPMacBinding
	for rows.Next() {
		var b IPMacBinding
		if err := rows.Scan(&b.ID, &b.Interface, &b.Name, &b.FakeName, &b.Remark, &b.Mac, &b.IPv4, &b.IPv4Int, &b.IPv6, &b.Tag, &b.UpdateAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FindIPMacBindingByMac returns the binding for mac on iface, or sql.ErrNoRows.
func (r *Repo) FindIPMacBindingByMac(iface, mac string) (IPMacBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b IPMacBinding
	row := r.db.QueryRow(`
		SELECT id, iface_name, name, fake_name, remark, mac, ipv4, ipv4_int, ipv6, tag, update_at
		FROM ip_mac_bindings WHERE iface_name = ? AND mac = ?
	`, iface, mac)
	if err := row.Scan(&b.ID, &b.Interface, &b.Name, &b.FakeName, &b.Remark, &b.Mac, &b.IPv4, &b.IPv4Int, &b.IPv6, &b.Tag, &b.UpdateAt); err != nil {
		return IPMacBinding{}, err
	}
	return b, nil
}

// DeleteIPMacBinding removes the binding with the given id.
func (r *Repo) DeleteIPMacBinding(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.Exec(`DELETE FROM ip_mac_bindings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
