// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/flywall/routerd/internal/ebpf/maps"
)

// RegistryDNSMarkFactory implements DNSMarkMapFactory over one of the
// Map Registry's flow4_dns_map/flow6_dns_map outer maps, creating a
// fresh inner hash map per flow and installing/removing it from the
// outer slot by as_inner_fd handle passing (spec §4.1): cilium/ebpf
// accepts a *ebpf.Map directly as a map-in-map value and resolves its
// file descriptor itself, so no raw fd plumbing is needed here.
type RegistryDNSMarkFactory struct {
	outer     *ebpf.Map
	innerSpec maps.MapSpec

	mu    sync.Mutex
	inner map[uint32]*ebpf.Map
}

// NewRegistryDNSMarkFactory opens (or creates) spec from reg and
// returns a factory backed by it. spec must carry a non-nil InnerSpec
// (true of maps.Flow4DNSMap and maps.Flow6DNSMap).
func NewRegistryDNSMarkFactory(reg *maps.Registry, spec maps.MapSpec) (*RegistryDNSMarkFactory, error) {
	if spec.InnerSpec == nil {
		return nil, fmt.Errorf("flowsteer: dns mark outer map %s has no inner map template", spec.Name)
	}
	outer, err := reg.OpenOrCreate(spec)
	if err != nil {
		return nil, fmt.Errorf("flowsteer: open dns mark outer map %s: %w", spec.Name, err)
	}
	return &RegistryDNSMarkFactory{outer: outer, innerSpec: *spec.InnerSpec, inner: make(map[uint32]*ebpf.Map)}, nil
}

// CreateInner allocates flowID's inner map, not yet installed into the
// outer map-in-map slot.
func (f *RegistryDNSMarkFactory) CreateInner(flowID uint32) (DNSMarkInnerMap, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       f.innerSpec.Type,
		KeySize:    f.innerSpec.KeySize,
		ValueSize:  f.innerSpec.ValueSize,
		MaxEntries: f.innerSpec.MaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("flowsteer: create inner dns mark map for flow %d: %w", flowID, err)
	}

	f.mu.Lock()
	f.inner[flowID] = m
	f.mu.Unlock()

	return maps.NewWriter(m), nil
}

// ReplaceOuter atomically installs flowID's inner map (already
// allocated by CreateInner) into the outer map's slot for flowID.
func (f *RegistryDNSMarkFactory) ReplaceOuter(flowID uint32, _ DNSMarkInnerMap) error {
	f.mu.Lock()
	m, ok := f.inner[flowID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("flowsteer: replace outer dns mark slot for flow %d: no inner map created", flowID)
	}

	if err := f.outer.Update(flowID, m, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("flowsteer: install dns mark inner map for flow %d: %w", flowID, err)
	}
	return nil
}

// RemoveOuter clears flowID's outer slot and closes its inner map.
func (f *RegistryDNSMarkFactory) RemoveOuter(flowID uint32) error {
	if err := f.outer.Delete(flowID); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("flowsteer: remove dns mark outer slot for flow %d: %w", flowID, err)
	}

	f.mu.Lock()
	m, ok := f.inner[flowID]
	delete(f.inner, flowID)
	f.mu.Unlock()

	if ok {
		m.Close()
	}
	return nil
}

var _ DNSMarkMapFactory = (*RegistryDNSMarkFactory)(nil)
