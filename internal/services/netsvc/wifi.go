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

// WifiConfig is the wifi service kind's configuration. Driving an
// actual radio requires a hostapd control-socket conversation this
// repo's budget does not cover (spec §4.3), so this kind only
// reconciles the interface's administrative state and SSID/channel
// bookkeeping, and best-effort nudges a hostapd control socket if one
// is present at ControlSocketPath.
type WifiConfig struct {
	Interface         string
	Enable            bool
	SSID              string
	Channel           int
	ControlSocketPath string
	UpdateAt          float64
}

type wifiParamsJSON struct {
	SSID              string `json:"ssid"`
	Channel           int    `json:"channel"`
	ControlSocketPath string `json:"control_socket_path"`
}

// DecodeWifiParams parses a configrepo.ServiceConfig's Params blob for
// the wifi kind.
func DecodeWifiParams(iface string, enable bool, updateAt float64, raw json.RawMessage) (WifiConfig, error) {
	var p wifiParamsJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return WifiConfig{}, fmt.Errorf("netsvc-wifi: decode params for %s: %w", iface, err)
		}
	}
	cfg := WifiConfig{
		Interface:         iface,
		Enable:            enable,
		SSID:              p.SSID,
		Channel:           p.Channel,
		ControlSocketPath: p.ControlSocketPath,
		UpdateAt:          updateAt,
	}
	if cfg.ControlSocketPath == "" {
		cfg.ControlSocketPath = "/var/run/hostapd/" + iface
	}
	if cfg.Channel == 0 {
		cfg.Channel = 6
	}
	return cfg, nil
}

// WifiStatus is the wifi watchable status.
type WifiStatus struct {
	servicemgr.Status
	SSID    string
	Channel int
}

// WithState satisfies servicemgr.Stateful.
func (s WifiStatus) WithState(state servicemgr.LifecycleState, message string) WifiStatus {
	s.Status = s.Status.WithState(state, message)
	return s
}

// WifiStoppedStatus is the zero value a Manager for this kind should
// be constructed with.
func WifiStoppedStatus() WifiStatus { return WifiStatus{Status: servicemgr.StoppedStatus()} }

// RunWifi is the servicemgr.Runner for the wifi kind: it brings
// Interface up, best-effort notifies the configured hostapd control
// socket of the SSID (the channel is only recorded in the status),
// and blocks until ctx is cancelled, at
// which point it brings Interface back down.
func RunWifi(ctx context.Context, cfg WifiConfig, status *servicemgr.Watchable[WifiStatus]) error {
	logger := logging.WithComponent("netsvc-wifi").With("interface", cfg.Interface)

	if err := netiface.SetUp(cfg.Interface); err != nil {
		return fmt.Errorf("netsvc-wifi: %w", err)
	}

	if err := notifyHostapd(cfg); err != nil {
		logger.Warn("hostapd control socket notify failed, continuing status-only: %v", err)
	}

	status.SendIfModified(func(s *WifiStatus) bool {
		s.SSID = cfg.SSID
		s.Channel = cfg.Channel
		return true
	})
	logger.Info("wifi reconciled: ssid=%s channel=%d", cfg.SSID, cfg.Channel)

	<-ctx.Done()

	if err := netiface.SetDown(cfg.Interface); err != nil {
		logger.Warn("set down failed: %v", err)
	}
	return nil
}

// notifyHostapd sends a best-effort SET command to a hostapd-style
// control socket, following the plaintext request/response convention
// hostapd_cli uses over a unix datagram socket. Any failure (no
// hostapd running, socket missing) is non-fatal: this kind is
// documented as status-only when no control socket is present.
func notifyHostapd(cfg WifiConfig) error {
	raddr, err := net.ResolveUnixAddr("unixgram", cfg.ControlSocketPath)
	if err != nil {
		return fmt.Errorf("resolve control socket: %w", err)
	}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	cmd := fmt.Sprintf("SET ssid %s\n", cfg.SSID)
	_, err = conn.Write([]byte(cmd))
	return err
}
