// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/netiface"
	"github.com/flywall/routerd/internal/servicemgr"
)

// IfaceIPConfig is the iface_ip service kind's configuration: the
// statically configured address this LAN (or other non-WAN)
// interface should carry.
type IfaceIPConfig struct {
	Interface string
	Enable    bool
	CIDR      *net.IPNet
	UpdateAt  float64
}

type ifaceIPParamsJSON struct {
	CIDR string `json:"cidr"`
}

// DecodeIfaceIPParams parses a configrepo.ServiceConfig's Params blob
// for the iface_ip kind.
func DecodeIfaceIPParams(iface string, enable bool, updateAt float64, raw json.RawMessage) (IfaceIPConfig, error) {
	var p ifaceIPParamsJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return IfaceIPConfig{}, fmt.Errorf("netsvc-iface_ip: decode params for %s: %w", iface, err)
		}
	}
	cfg := IfaceIPConfig{Interface: iface, Enable: enable, UpdateAt: updateAt}
	if p.CIDR == "" {
		return IfaceIPConfig{}, fmt.Errorf("netsvc-iface_ip: %s: cidr is required", iface)
	}
	ip, netw, err := net.ParseCIDR(p.CIDR)
	if err != nil {
		return IfaceIPConfig{}, fmt.Errorf("netsvc-iface_ip: parse cidr for %s: %w", iface, err)
	}
	// net.ParseCIDR returns the containing network's base address
	// separately from the host address; iface_ip must assign the exact
	// address an operator configured, so the host IP is recombined with
	// the parsed mask here rather than used as-is.
	cfg.CIDR = &net.IPNet{IP: ip, Mask: netw.Mask}
	return cfg, nil
}

// RunIfaceIP is the servicemgr.Runner for the iface_ip kind: it brings
// Interface up, ensures CIDR is assigned, and removes it on exit.
func RunIfaceIP(ctx context.Context, cfg IfaceIPConfig, status *servicemgr.Watchable[servicemgr.Status]) error {
	logger := logging.WithComponent("netsvc-iface_ip").With("interface", cfg.Interface)

	if err := netiface.SetUp(cfg.Interface); err != nil {
		return fmt.Errorf("netsvc-iface_ip: %w", err)
	}
	if err := netiface.EnsureAddr(cfg.Interface, cfg.CIDR); err != nil {
		return fmt.Errorf("netsvc-iface_ip: %w", err)
	}
	logger.Info("address %s assigned to %s", cfg.CIDR, cfg.Interface)

	<-ctx.Done()

	if err := netiface.RemoveAddr(cfg.Interface, cfg.CIDR); err != nil {
		logger.Warn("remove address failed: %v", err)
	}
	return nil
}
