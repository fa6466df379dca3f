// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netsvc implements the thin Service Instances (spec §4.3):
// nat, firewall, mss_clamp, flow_wan, route_wan, route_lan, iface_ip
// and wifi. Each kind's "supporting task" is purely datapath
// attachment plus Flow-Steering Core map installation, or — for
// route_wan, route_lan and iface_ip — netlink address/route
// reconciliation, with no long-running user-space protocol loop of
// its own.
package netsvc

import (
	"fmt"

	"github.com/flywall/routerd/internal/ebpf/attach"
	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/ebpf/programs"
)

// attachHooks loads the shared TC datapath object on iface and
// attaches hooks at their fixed priorities, mirroring the pattern
// internal/services/pppoe/attach.go established for the PPPoE
// encap/decap pair. Kinds sharing an interface (e.g. nat and firewall
// both attached to the same WAN interface) each call this
// independently with the same reg, so their named maps
// (firewall_block_map, flow_match_map, ...) resolve to the one
// process-wide pinned instance rather than each Attachment creating
// its own (spec §3's process-scoped Map Registry invariant); only the
// compiled collection itself is reloaded per interface.
func attachHooks(iface string, hooks []attach.HookSpec, reg *maps.Registry) (*attach.Attachment, error) {
	spec, err := programs.LoadTcOffload()
	if err != nil {
		return nil, fmt.Errorf("netsvc: %s: load shared tc datapath object: %w", iface, err)
	}

	a := attach.New(iface)
	if err := a.OpenSpec(spec); err != nil {
		return nil, fmt.Errorf("netsvc: %s: open: %w", iface, err)
	}

	if err := a.Load(reg); err != nil {
		return nil, fmt.Errorf("netsvc: %s: load: %w", iface, err)
	}

	if err := a.Attach(hooks); err != nil {
		return nil, fmt.Errorf("netsvc: %s: attach: %w", iface, err)
	}
	return a, nil
}
