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

// RouteLANConfig is the route_lan service kind's configuration: a
// subnet reachable through Interface, installed into routing table
// Table (0 means the main table) for multi-WAN policy routing setups
// where a LAN segment's return traffic must stay on its ingress
// interface's table.
type RouteLANConfig struct {
	Interface string
	Enable    bool
	CIDR      *net.IPNet
	Table     int
	UpdateAt  float64
}

type routeLANParamsJSON struct {
	CIDR  string `json:"cidr"`
	Table int    `json:"table"`
}

// DecodeRouteLANParams parses a configrepo.ServiceConfig's Params blob
// for the route_lan kind.
func DecodeRouteLANParams(iface string, enable bool, updateAt float64, raw json.RawMessage) (RouteLANConfig, error) {
	var p routeLANParamsJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return RouteLANConfig{}, fmt.Errorf("netsvc-route_lan: decode params for %s: %w", iface, err)
		}
	}
	cfg := RouteLANConfig{Interface: iface, Enable: enable, Table: p.Table, UpdateAt: updateAt}
	if p.CIDR != "" {
		_, cidr, err := net.ParseCIDR(p.CIDR)
		if err != nil {
			return RouteLANConfig{}, fmt.Errorf("netsvc-route_lan: parse cidr for %s: %w", iface, err)
		}
		cfg.CIDR = cidr
	}
	return cfg, nil
}

// RunRouteLAN is the servicemgr.Runner for the route_lan kind: it
// brings Interface up, installs the LAN subnet route, and removes it
// on exit.
func RunRouteLAN(ctx context.Context, cfg RouteLANConfig, status *servicemgr.Watchable[servicemgr.Status]) error {
	logger := logging.WithComponent("netsvc-route_lan").With("interface", cfg.Interface)

	if err := netiface.SetUp(cfg.Interface); err != nil {
		return fmt.Errorf("netsvc-route_lan: %w", err)
	}

	if cfg.CIDR != nil {
		if err := netiface.EnsureRoute(cfg.Interface, cfg.CIDR, cfg.Table); err != nil {
			return fmt.Errorf("netsvc-route_lan: %w", err)
		}
		logger.Info("route to %s installed via %s table %d", cfg.CIDR, cfg.Interface, cfg.Table)
	}

	<-ctx.Done()

	if cfg.CIDR != nil {
		if err := netiface.RemoveRoute(cfg.Interface, cfg.CIDR, cfg.Table); err != nil {
			logger.Warn("remove route failed: %v", err)
		}
	}
	return nil
}
