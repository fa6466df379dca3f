// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package maps implements the Map Registry (spec §4.1): the
// process-wide, pinned eBPF map table every Service Instance's
// Datapath Attachment and the Flow-Steering Core share, so that
// independently-starting services (nat, firewall, pppd, ...) attaching
// to the same or different interfaces all read and write the same
// kernel maps instead of each holding its own private collection.
package maps

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
)

// DefaultPinPrefix is the bpffs directory every named map is pinned
// under, matching spec §4.1's open_or_create contract.
const DefaultPinPrefix = "/sys/fs/bpf/flywall"

// MapSpec describes one named, process-wide map the Registry knows
// how to open or create. InnerSpec is set only for map-in-map outer
// maps (flow4_dns_map/flow6_dns_map), describing the per-flow inner
// map template as_inner_fd creates from.
type MapSpec struct {
	Name       string
	Type       ebpf.MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	InnerSpec  *MapSpec
}

// The fourteen named maps the Registry pins (see namedSpecs). Key and
// value sizes are the on-the-wire layouts internal/flowsteer's wire
// types use (see that package's wire.go) — the Registry itself stays
// oblivious to what the bytes mean, only how big they are.
var (
	WANIPBinding = MapSpec{Name: "wan_ip_binding", Type: ebpf.Hash, KeySize: 4, ValueSize: 40, MaxEntries: 256}

	FirewallBlockMap = MapSpec{Name: "firewall_block_map", Type: ebpf.Hash, KeySize: 20, ValueSize: 4, MaxEntries: 65536}
	FlowMatchMap     = MapSpec{Name: "flow_match_map", Type: ebpf.Hash, KeySize: 20, ValueSize: 4, MaxEntries: 65536}
	FlowTargetMap    = MapSpec{Name: "flow_target_map", Type: ebpf.Hash, KeySize: 4, ValueSize: 44, MaxEntries: 65536}
	DstIPMarkMap     = MapSpec{Name: "dst_ip_mark_map", Type: ebpf.Hash, KeySize: 20, ValueSize: 4, MaxEntries: 131072}
	NatPortRangeMap  = MapSpec{Name: "nat_port_range_map", Type: ebpf.Hash, KeySize: 4, ValueSize: 1040, MaxEntries: 64}
	StaticNatMap     = MapSpec{Name: "static_nat_map", Type: ebpf.Hash, KeySize: 8, ValueSize: 24, MaxEntries: 65536}

	dnsMarkInnerTemplate = MapSpec{Type: ebpf.Hash, KeySize: 16, ValueSize: 8, MaxEntries: 64}
	Flow4DNSMap          = MapSpec{Name: "flow4_dns_map", Type: ebpf.HashOfMaps, KeySize: 4, ValueSize: 4, MaxEntries: 4096, InnerSpec: &dnsMarkInnerTemplate}
	Flow6DNSMap          = MapSpec{Name: "flow6_dns_map", Type: ebpf.HashOfMaps, KeySize: 4, ValueSize: 4, MaxEntries: 4096, InnerSpec: &dnsMarkInnerTemplate}

	DNSFlowSocks = MapSpec{Name: "dns_flow_socks", Type: ebpf.Hash, KeySize: 4, ValueSize: 4, MaxEntries: 65536}
	IPMacV4      = MapSpec{Name: "ip_mac_v4", Type: ebpf.Hash, KeySize: 16, ValueSize: 6, MaxEntries: 4096}
	IPMacV6      = MapSpec{Name: "ip_mac_v6", Type: ebpf.Hash, KeySize: 16, ValueSize: 6, MaxEntries: 4096}
	MetricMap    = MapSpec{Name: "metric_map", Type: ebpf.PerCPUArray, KeySize: 4, ValueSize: 8, MaxEntries: 256}

	// NatEvents is a ring buffer; MaxEntries here is its byte size
	// (must be a power of two), not an entry count.
	NatEvents = MapSpec{Name: "nat_events", Type: ebpf.RingBuf, MaxEntries: 1 << 20}
)

// Registry is the Map Registry: every named map it opens is pinned
// under PinPrefix/<name>, so a second process (or a second Service
// Instance attaching a different interface in this same process) that
// asks for the same name gets the identical kernel map rather than a
// fresh, empty one.
type Registry struct {
	pinPrefix string

	mu   sync.Mutex
	maps map[string]*ebpf.Map
}

// NewRegistry returns a Registry pinning maps under pinPrefix. An
// empty pinPrefix uses DefaultPinPrefix.
func NewRegistry(pinPrefix string) *Registry {
	if pinPrefix == "" {
		pinPrefix = DefaultPinPrefix
	}
	return &Registry{pinPrefix: pinPrefix, maps: make(map[string]*ebpf.Map)}
}

func (r *Registry) pinPath(name string) string {
	return filepath.Join(r.pinPrefix, name)
}

// OpenOrCreate implements spec §4.1's open_or_create: it reuses an
// already-pinned map at PinPrefix/spec.Name if one exists (regardless
// of which process or prior Attachment created it), otherwise creates
// one from spec and pins it so the next caller reuses it too.
func (r *Registry) OpenOrCreate(spec MapSpec) (*ebpf.Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.maps[spec.Name]; ok {
		return m, nil
	}

	path := r.pinPath(spec.Name)
	if m, err := ebpf.LoadPinnedMap(path, nil); err == nil {
		r.maps[spec.Name] = m
		return m, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("maps: load pinned map %s: %w", spec.Name, err)
	}

	ebpfSpec := &ebpf.MapSpec{
		Name:       spec.Name,
		Type:       spec.Type,
		KeySize:    spec.KeySize,
		ValueSize:  spec.ValueSize,
		MaxEntries: spec.MaxEntries,
	}
	if spec.InnerSpec != nil {
		ebpfSpec.InnerMap = &ebpf.MapSpec{
			Type:       spec.InnerSpec.Type,
			KeySize:    spec.InnerSpec.KeySize,
			ValueSize:  spec.InnerSpec.ValueSize,
			MaxEntries: spec.InnerSpec.MaxEntries,
		}
	}

	m, err := ebpf.NewMap(ebpfSpec)
	if err != nil {
		return nil, fmt.Errorf("maps: create map %s: %w", spec.Name, err)
	}

	if err := os.MkdirAll(r.pinPrefix, 0755); err != nil {
		m.Close()
		return nil, fmt.Errorf("maps: create pin directory %s: %w", r.pinPrefix, err)
	}
	if err := m.Pin(path); err != nil {
		m.Close()
		return nil, fmt.Errorf("maps: pin map %s: %w", spec.Name, err)
	}

	r.maps[spec.Name] = m
	return m, nil
}

// Adopt registers an already-open map (typically one resolved from a
// loaded collection by the Datapath Attachment Layer) under name, so
// Registry.Get can find it without requiring every caller to know that
// map's MapSpec up front. It is a no-op if name is already registered.
func (r *Registry) Adopt(name string, m *ebpf.Map) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.maps[name]; !exists {
		r.maps[name] = m
	}
}

// Get returns the already-opened map registered under name, if any.
func (r *Registry) Get(name string) (*ebpf.Map, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.maps[name]
	return m, ok
}

// Replacements resolves MapReplacements for a CollectionSpec: every
// name the spec declares that the Registry also knows as a named map
// is pinned/created and substituted in, so the collection's own copy
// of that map is never instantiated — only the Registry's pinned
// instance is. This is how the Datapath Attachment Layer shares
// firewall_block_map, flow_match_map, etc. across every interface's
// compiled object instead of each Load creating its own (spec §3's
// process-scoped Map Registry invariant).
func (r *Registry) Replacements(names []string) (map[string]*ebpf.Map, error) {
	out := make(map[string]*ebpf.Map)
	for _, name := range names {
		spec, ok := namedSpecs[name]
		if !ok {
			continue
		}
		m, err := r.OpenOrCreate(spec)
		if err != nil {
			return nil, err
		}
		out[name] = m
	}
	return out, nil
}

var namedSpecs = map[string]MapSpec{
	WANIPBinding.Name:     WANIPBinding,
	FirewallBlockMap.Name: FirewallBlockMap,
	FlowMatchMap.Name:     FlowMatchMap,
	FlowTargetMap.Name:    FlowTargetMap,
	DstIPMarkMap.Name:     DstIPMarkMap,
	NatPortRangeMap.Name:  NatPortRangeMap,
	StaticNatMap.Name:     StaticNatMap,
	Flow4DNSMap.Name:      Flow4DNSMap,
	Flow6DNSMap.Name:      Flow6DNSMap,
	DNSFlowSocks.Name:     DNSFlowSocks,
	IPMacV4.Name:          IPMacV4,
	IPMacV6.Name:          IPMacV6,
	MetricMap.Name:        MetricMap,
	NatEvents.Name:        NatEvents,
}

// Close releases every map handle this Registry opened. Pinned maps
// survive in the kernel (spec §4.2's Detach invariant: pins outlive
// the Attachment that created them); Close only drops this process's
// file descriptors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, m := range r.maps {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("maps: close %s: %w", name, err)
		}
	}
	r.maps = make(map[string]*ebpf.Map)
	return firstErr
}
