// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dhcpv6pd implements the dhcp_v6_pd_client service kind
// (spec §4.3): a SOLICIT/ADVERTISE/REQUEST/REPLY state machine that
// obtains a delegated IPv6 prefix from an upstream DHCPv6 server on a
// WAN interface and hands it to the ipv6_ra service so downstream
// LANs can advertise a sub-prefix of it.
package dhcpv6pd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/dhcpv6/nclient6"

	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/servicemgr"
)

// Config is the dhcp_v6_pd_client configuration record (spec §3).
// OnPrefixChange is invoked after every successful exchange, including
// renewals that return the same prefix; the composition root wires it
// to install the interface's wan_ip_binding entry.
type Config struct {
	Interface      string
	Enable         bool
	PrefixLength   uint8 // requested delegated prefix length, e.g. 60
	RequestTimeout time.Duration
	MaxBackoff     time.Duration
	OnPrefixChange func(prefix net.IPNet, preferred, valid time.Duration)
	UpdateAt       float64
}

type paramsJSON struct {
	PrefixLength      uint8 `json:"prefix_length"`
	RequestTimeoutSec int   `json:"request_timeout_sec"`
	MaxBackoffSec     int   `json:"max_backoff_sec"`
}

// DecodeParams parses a configrepo.ServiceConfig's Params blob for
// the dhcp_v6_pd_client kind. onPrefixChange is supplied by the
// caller since it cannot be represented in JSON.
func DecodeParams(iface string, enable bool, updateAt float64, raw json.RawMessage, onPrefixChange func(net.IPNet, time.Duration, time.Duration)) (Config, error) {
	var p paramsJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return Config{}, fmt.Errorf("dhcpv6pd: decode params for %s: %w", iface, err)
		}
	}
	cfg := Config{
		Interface:      iface,
		Enable:         enable,
		PrefixLength:   p.PrefixLength,
		RequestTimeout: time.Duration(p.RequestTimeoutSec) * time.Second,
		MaxBackoff:     time.Duration(p.MaxBackoffSec) * time.Second,
		OnPrefixChange: onPrefixChange,
		UpdateAt:       updateAt,
	}
	if cfg.PrefixLength == 0 {
		cfg.PrefixLength = 60
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return cfg, nil
}

// Status is the dhcp_v6_pd_client watchable status.
type Status struct {
	servicemgr.Status
	DelegatedPrefix string
	T1Deadline      time.Time
	T2Deadline      time.Time
}

// WithState satisfies servicemgr.Stateful.
func (s Status) WithState(state servicemgr.LifecycleState, message string) Status {
	s.Status = s.Status.WithState(state, message)
	return s
}

// StoppedStatus is the zero value a Manager for this kind should be
// constructed with.
func StoppedStatus() Status { return Status{Status: servicemgr.StoppedStatus()} }

// iaidFor derives a stable 4-byte Identity Association ID from the
// interface's ifindex, so a restart of this process solicits renewal
// of the same delegation rather than a fresh one where the upstream
// server tracks IAs by (link, iaid).
func iaidFor(ifi *net.Interface) [4]byte {
	var iaid [4]byte
	binary.BigEndian.PutUint32(iaid[:], uint32(ifi.Index))
	return iaid
}

// Run is the servicemgr.Runner for the dhcp_v6_pd_client kind. It
// solicits, requests, and then renews a delegated prefix at T1/T2
// until ctx is cancelled, retrying failed exchanges with capped
// exponential backoff per spec §5's "DHCP states have protocol-defined
// timers (e.g., lease refresh at T1, rebind at T2)".
func Run(ctx context.Context, cfg Config, status *servicemgr.Watchable[Status]) error {
	logger := logging.WithComponent("dhcpv6pd").With("interface", cfg.Interface)

	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return fmt.Errorf("dhcpv6pd: %s: lookup interface: %w", cfg.Interface, err)
	}
	iaid := iaidFor(ifi)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		lease, err := acquire(ctx, cfg, iaid)
		if err != nil {
			logger.Warn("prefix delegation exchange failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
			continue
		}
		backoff = time.Second

		status.SendIfModified(func(s *Status) bool {
			s.DelegatedPrefix = lease.Prefix.String()
			s.T1Deadline = time.Now().Add(lease.T1)
			s.T2Deadline = time.Now().Add(lease.T2)
			return true
		})
		if cfg.OnPrefixChange != nil {
			cfg.OnPrefixChange(lease.Prefix, lease.PreferredLifetime, lease.ValidLifetime)
		}
		logger.Info("delegated prefix %s, renew at T1=%s T2=%s", lease.Prefix, lease.T1, lease.T2)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(lease.T1):
			// Loop again: re-solicit/request to renew. A real RENEW
			// exchange reuses the existing IA_PD; this client folds
			// renewal into a fresh SOLICIT/REQUEST cycle with the
			// same IAID, which upstream servers honor as a renewal
			// for the link's existing delegation.
		}
	}
}

type delegation struct {
	Prefix            net.IPNet
	PreferredLifetime time.Duration
	ValidLifetime     time.Duration
	T1, T2            time.Duration
}

// acquire runs one SOLICIT/ADVERTISE/REQUEST/REPLY exchange and
// returns the delegated prefix.
func acquire(ctx context.Context, cfg Config, iaid [4]byte) (delegation, error) {
	client, err := nclient6.New(cfg.Interface)
	if err != nil {
		return delegation{}, fmt.Errorf("dhcpv6pd: %s: open client: %w", cfg.Interface, err)
	}
	defer client.Close()

	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	_, advertise, err := client.Solicit(reqCtx, dhcpv6.WithIAPD(iaid))
	if err != nil {
		return delegation{}, fmt.Errorf("dhcpv6pd: %s: solicit: %w", cfg.Interface, err)
	}

	_, reply, err := client.Request(reqCtx, advertise, dhcpv6.WithIAPD(iaid))
	if err != nil {
		return delegation{}, fmt.Errorf("dhcpv6pd: %s: request: %w", cfg.Interface, err)
	}

	return parseDelegation(reply, iaid)
}

// parseDelegation extracts the IA_PD / IA Prefix option carrying the
// delegated prefix and its lifetimes out of a REPLY message.
func parseDelegation(reply *dhcpv6.Message, iaid [4]byte) (delegation, error) {
	opt := reply.Options.OneIAPD(iaid)
	if opt == nil {
		return delegation{}, fmt.Errorf("dhcpv6pd: reply carries no IA_PD for this IAID")
	}

	prefixOpt := opt.Options.GetOne(dhcpv6.OptionIAPrefix)
	iaPrefix, ok := prefixOpt.(*dhcpv6.OptIAPrefix)
	if !ok || iaPrefix == nil {
		return delegation{}, fmt.Errorf("dhcpv6pd: IA_PD carries no IA Prefix option")
	}

	return delegation{
		Prefix:            *iaPrefix.Prefix,
		PreferredLifetime: iaPrefix.PreferredLifetime,
		ValidLifetime:     iaPrefix.ValidLifetime,
		T1:                opt.T1,
		T2:                opt.T2,
	}, nil
}
