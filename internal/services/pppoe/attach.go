// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pppoe

import (
	"fmt"

	"github.com/flywall/routerd/internal/ebpf/attach"
	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/ebpf/programs"
)

// attachPPPoEDatapath loads the shared TC datapath object on the
// attach interface (a fresh load on every call, whatever else is
// attached there) and installs the PPPoE decap/MTU-filter
// /encap hooks at their fixed priorities (spec §4.2), so that once
// this client reaches IPCP completion the kernel tunnels subsequent
// LAN traffic through the negotiated session without a user-space
// round trip per packet.
func attachPPPoEDatapath(a *attach.Attachment, sess *session, reg *maps.Registry) error {
	spec, err := programs.LoadTcOffload()
	if err != nil {
		return fmt.Errorf("pppoe: load shared tc datapath object: %w", err)
	}

	if err := a.OpenSpec(spec); err != nil {
		return fmt.Errorf("pppoe: open: %w", err)
	}

	if err := a.Load(reg); err != nil {
		return fmt.Errorf("pppoe: load: %w", err)
	}

	hooks := []attach.HookSpec{
		{Program: "pppoe_decap", Priority: attach.PriorityPPPoEDecap, Direction: attach.Ingress},
		{Program: "pppoe_mtu_filter", Priority: attach.PriorityPPPoEMTUFilter, Direction: attach.Egress},
		{Program: "pppoe_encap", Priority: attach.PriorityPPPoEEncap, Direction: attach.Egress},
	}
	if err := a.Attach(hooks); err != nil {
		return fmt.Errorf("pppoe: attach: %w", err)
	}
	return nil
}
