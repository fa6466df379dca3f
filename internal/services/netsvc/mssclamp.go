// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netsvc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flywall/routerd/internal/ebpf/attach"
	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/servicemgr"
)

// MSSClampConfig is the mss_clamp service kind's configuration: the
// clamp value applied to SYN/SYN-ACK segments crossing Interface
// (commonly needed behind a PPPoE WAN whose reduced MTU would
// otherwise black-hole TCP connections with a larger advertised MSS).
type MSSClampConfig struct {
	Interface string
	Enable    bool
	ClampMSS  uint16
	Registry  *maps.Registry
	UpdateAt  float64
}

type mssClampParamsJSON struct {
	ClampMSS uint16 `json:"clamp_mss"`
}

// DecodeMSSClampParams parses a configrepo.ServiceConfig's Params blob
// for the mss_clamp kind.
func DecodeMSSClampParams(iface string, enable bool, updateAt float64, raw json.RawMessage) (MSSClampConfig, error) {
	var p mssClampParamsJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return MSSClampConfig{}, fmt.Errorf("netsvc-mss_clamp: decode params for %s: %w", iface, err)
		}
	}
	cfg := MSSClampConfig{Interface: iface, Enable: enable, ClampMSS: p.ClampMSS, UpdateAt: updateAt}
	if cfg.ClampMSS == 0 {
		cfg.ClampMSS = 1492 // default clamp value: PPPoE's 1492 MTU
	}
	return cfg, nil
}

// RunMSSClamp is the servicemgr.Runner for the mss_clamp kind: it
// attaches the MSS clamp TC hooks on both directions of Interface,
// then blocks until ctx is cancelled. The clamp value itself is
// compiled into the attached program's rodata by the build producing
// the shared tc datapath object (outside this repo's budget per spec
// §1's eBPF-internals exclusion), so there is no separate map write
// here beyond the attachment itself.
func RunMSSClamp(ctx context.Context, cfg MSSClampConfig, status *servicemgr.Watchable[servicemgr.Status]) error {
	logger := logging.WithComponent("netsvc-mss_clamp").With("interface", cfg.Interface)

	hooks := []attach.HookSpec{
		{Program: "mss_clamp_ingress", Priority: attach.PriorityMSSClampIngress, Direction: attach.Ingress},
		{Program: "mss_clamp_egress", Priority: attach.PriorityMSSClampEgress, Direction: attach.Egress},
	}
	a, err := attachHooks(cfg.Interface, hooks, cfg.Registry)
	if err != nil {
		return fmt.Errorf("netsvc-mss_clamp: %w", err)
	}
	defer a.Close()

	logger.Info("mss clamp attached, clamp=%d", cfg.ClampMSS)

	<-ctx.Done()
	return nil
}
