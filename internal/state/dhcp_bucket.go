// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"encoding/json"
	"time"
)

const dhcpLeaseBucket = "dhcp_leases"

// DHCPLease is the persisted form of one DHCPv4 lease, keyed by MAC.
type DHCPLease struct {
	MAC        string    `json:"mac"`
	IP         string    `json:"ip"`
	Hostname   string    `json:"hostname,omitempty"`
	LeaseStart time.Time `json:"lease_start"`
	LeaseEnd   time.Time `json:"lease_end"`
}

// DHCPBucket persists DHCPv4 leases in Store under a fixed bucket name.
type DHCPBucket struct {
	store Store
}

// NewDHCPBucket returns a DHCPBucket backed by store.
func NewDHCPBucket(store Store) (*DHCPBucket, error) {
	return &DHCPBucket{store: store}, nil
}

// Set upserts a lease, keyed by its MAC address.
func (b *DHCPBucket) Set(lease *DHCPLease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return b.store.Put(dhcpLeaseBucket, lease.MAC, data)
}

// Delete removes the lease for mac, if any.
func (b *DHCPBucket) Delete(mac string) error {
	return b.store.Delete(dhcpLeaseBucket, mac)
}

// Get returns the persisted lease for mac.
func (b *DHCPBucket) Get(mac string) (*DHCPLease, error) {
	data, err := b.store.Get(dhcpLeaseBucket, mac)
	if err != nil {
		return nil, err
	}
	var lease DHCPLease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// List returns every persisted lease.
func (b *DHCPBucket) List() ([]*DHCPLease, error) {
	var leases []*DHCPLease
	err := b.store.ForEach(dhcpLeaseBucket, func(key string, value []byte) error {
		var lease DHCPLease
		if err := json.Unmarshal(value, &lease); err != nil {
			return err
		}
		leases = append(leases, &lease)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leases, nil
}
