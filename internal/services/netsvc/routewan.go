// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/netiface"
	"github.com/flywall/routerd/internal/servicemgr"
)

// RouteWANConfig is the route_wan service kind's configuration: the
// default route to install out of Interface once it has connectivity
// (spec §4.3's "netlink address/route reconciliation").
type RouteWANConfig struct {
	Interface         string
	Enable            bool
	Gateway           net.IP
	Metric            int
	ReconcileInterval time.Duration
	UpdateAt          float64
}

type routeWANParamsJSON struct {
	Gateway           string `json:"gateway"`
	Metric            int    `json:"metric"`
	ReconcileInterval int    `json:"reconcile_interval_sec"`
}

// DecodeRouteWANParams parses a configrepo.ServiceConfig's Params blob
// for the route_wan kind.
func DecodeRouteWANParams(iface string, enable bool, updateAt float64, raw json.RawMessage) (RouteWANConfig, error) {
	var p routeWANParamsJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return RouteWANConfig{}, fmt.Errorf("netsvc-route_wan: decode params for %s: %w", iface, err)
		}
	}
	cfg := RouteWANConfig{
		Interface:         iface,
		Enable:            enable,
		Metric:            p.Metric,
		ReconcileInterval: time.Duration(p.ReconcileInterval) * time.Second,
		UpdateAt:          updateAt,
	}
	if p.Gateway != "" {
		cfg.Gateway = net.ParseIP(p.Gateway)
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	return cfg, nil
}

// RunRouteWAN is the servicemgr.Runner for the route_wan kind: it
// brings Interface up, re-asserts the default route via Gateway on an
// interval (idempotent against netlink.RouteReplace, so link flaps
// self-heal), and removes the route on exit.
func RunRouteWAN(ctx context.Context, cfg RouteWANConfig, status *servicemgr.Watchable[servicemgr.Status]) error {
	logger := logging.WithComponent("netsvc-route_wan").With("interface", cfg.Interface)

	if err := netiface.SetUp(cfg.Interface); err != nil {
		return fmt.Errorf("netsvc-route_wan: %w", err)
	}

	if cfg.Gateway == nil {
		logger.Warn("no gateway configured, interface brought up with no default route installed")
		<-ctx.Done()
		return nil
	}

	assert := func() {
		if err := netiface.ReplaceDefaultRoute(cfg.Interface, cfg.Gateway, cfg.Metric); err != nil {
			logger.Warn("replace default route failed: %v", err)
		}
	}
	assert()

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			assert()
		}
	}

	if err := netiface.DelDefaultRoute(cfg.Interface, cfg.Gateway); err != nil {
		logger.Warn("remove default route failed: %v", err)
	}
	return nil
}
