// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"fmt"
)

// TargetSlotStride (K in spec §4.6 sub-contract 2 and §9's Open
// Question) bounds the number of targets a single flow may resolve
// to. Chosen as 64: generously above any realistic multi-WAN or
// container fan-out count while keeping flow_target_map's key space
// (flow_id * K + position) well inside uint32.
const TargetSlotStride = 64

// TargetKind distinguishes how a flow target resolves to an ifindex.
type TargetKind uint8

const (
	TargetKindInterface TargetKind = iota
	TargetKindContainer
)

// Target is one resolvable flow target (spec §3 "Route target"),
// before slot assignment.
type Target struct {
	Kind    TargetKind
	Name    string // interface name, or container name for TargetKindContainer
	Weight  uint32
	Default bool
}

// ResolvedTarget is a Target after interface/container name
// resolution, ready to write into flow_target_map.
type ResolvedTarget struct {
	Ifindex      int
	HasMAC       bool
	IsDocker     bool
	IfaceIP      string
	GatewayIP    string
	Weight       uint32
	DefaultRoute bool
}

// TargetResolver resolves a Target to concrete interface data.
// Interface names go through netlink; container names go through a
// Docker inspect lookup for the container's primary veth (spec §4.6
// sub-contract 2).
type TargetResolver interface {
	ResolveInterface(name string) (ResolvedTarget, error)
	ResolveContainer(name string) (ResolvedTarget, error)
}

func (r *Target) resolve(tr TargetResolver) (ResolvedTarget, error) {
	var rt ResolvedTarget
	var err error
	switch r.Kind {
	case TargetKindInterface:
		rt, err = tr.ResolveInterface(r.Name)
	case TargetKindContainer:
		rt, err = tr.ResolveContainer(r.Name)
	default:
		return ResolvedTarget{}, fmt.Errorf("flowsteer: unknown target kind %d", r.Kind)
	}
	if err != nil {
		return ResolvedTarget{}, err
	}
	rt.Weight = r.Weight
	rt.DefaultRoute = r.Default
	return rt, nil
}

// FlowTargetKey is the flow_target_map key: a synthetic slot computed
// as flow_id*K + position_in_targets.
type FlowTargetKey uint32

// TargetSlot computes the synthetic flow_target_map key for the
// position-th target of flowID (spec §4.6 sub-contract 2). Panics if
// position >= TargetSlotStride, since that indicates a configuration
// bug upstream (more targets than the stride budget) rather than a
// runtime condition to recover from.
func TargetSlot(flowID uint32, position int) FlowTargetKey {
	if position < 0 || position >= TargetSlotStride {
		panic(fmt.Sprintf("flowsteer: target position %d out of range [0,%d)", position, TargetSlotStride))
	}
	return FlowTargetKey(flowID*TargetSlotStride + uint32(position))
}

type targetInstaller struct {
	writer    MapWriter
	installed map[FlowTargetKey]ResolvedTarget
}

func newTargetInstaller() *targetInstaller {
	return &targetInstaller{installed: make(map[FlowTargetKey]ResolvedTarget)}
}

// InstallFlowTargets resolves every target of every flow in
// targetsByFlow and writes them into flow_target_map at their
// synthetic slots, removing slots for flows or positions no longer
// present.
func (c *Core) InstallFlowTargets(resolver TargetResolver, targetsByFlow map[uint32][]Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targets.install(resolver, targetsByFlow)
}

func (t *targetInstaller) install(resolver TargetResolver, targetsByFlow map[uint32][]Target) error {
	desired := make(map[FlowTargetKey]ResolvedTarget)
	for flowID, targets := range targetsByFlow {
		for position, target := range targets {
			resolved, err := target.resolve(resolver)
			if err != nil {
				return fmt.Errorf("flowsteer: resolve target %q for flow %d: %w", target.Name, flowID, err)
			}
			desired[TargetSlot(flowID, position)] = resolved
		}
	}

	for key := range t.installed {
		if _, ok := desired[key]; !ok {
			if t.writer != nil {
				if err := t.writer.Delete(uint32(key)); err != nil {
					return err
				}
			}
			delete(t.installed, key)
		}
	}

	for key, rt := range desired {
		if cur, ok := t.installed[key]; ok && cur == rt {
			continue
		}
		if t.writer != nil {
			if err := t.writer.Update(uint32(key), rt.wire()); err != nil {
				return err
			}
		}
		t.installed[key] = rt
	}

	return nil
}
