// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ra implements the ipv6_ra service kind (spec §4.3): a
// per-interface ICMPv6 Router Advertisement transmitter that sends
// periodic unsolicited RAs and answers Router Solicitations
// immediately, advertising the configured prefixes an interface
// should route for.
package ra

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/mdlayher/ndp"

	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/servicemgr"
)

// Prefix is one on-link prefix to advertise, expressed as an
// IPv6 network and the RA lifetimes attached to it.
type Prefix struct {
	Network                net.IPNet
	OnLink                 bool
	Autonomous             bool
	ValidLifetime          time.Duration
	PreferredLifetime      time.Duration
}

// Config is the ipv6_ra service configuration record (spec §3:
// "target interface name, enable flag, update_at, service-specific
// parameters"). Prefixes comes from the record's parameters.
type Config struct {
	Interface       string
	Enable          bool
	Prefixes        []Prefix
	RDNSS           []net.IP
	RDNSSLifetime   time.Duration
	DNSSL           []string
	DNSSLLifetime   time.Duration
	ManagedFlag     bool // M flag: addresses are managed by DHCPv6
	OtherConfigFlag bool // O flag: other config (DNS, ...) via DHCPv6
	MinInterval     time.Duration
	MaxInterval     time.Duration
	DefaultLifetime time.Duration
	UpdateAt        float64
}

func (c Config) intervals() (min, max time.Duration) {
	max = c.MaxInterval
	if max <= 0 {
		max = 600 * time.Second
	}
	min = c.MinInterval
	if min <= 0 {
		min = max / 3
	}
	if min < 3*time.Second {
		min = 3 * time.Second
	}
	return min, max
}

// paramsJSON mirrors Config for configrepo.ServiceConfig.Params
// round-tripping; net.IPNet and net.IP don't marshal directly to
// something a future HCL/API layer would want to hand-edit, so the
// wire form uses strings.
type paramsJSON struct {
	Prefixes []struct {
		CIDR              string `json:"cidr"`
		OnLink            bool   `json:"on_link"`
		Autonomous        bool   `json:"autonomous"`
		ValidLifetimeSec  int    `json:"valid_lifetime_sec"`
		PreferredLifetime int    `json:"preferred_lifetime_sec"`
	} `json:"prefixes"`
	RDNSS           []string `json:"rdnss"`
	RDNSSLifetime   int      `json:"rdnss_lifetime_sec"`
	DNSSL           []string `json:"dnssl"`
	DNSSLLifetime   int      `json:"dnssl_lifetime_sec"`
	ManagedFlag     bool     `json:"managed_flag"`
	OtherConfigFlag bool     `json:"other_config_flag"`
	MinIntervalSec  int      `json:"min_interval_sec"`
	MaxIntervalSec  int      `json:"max_interval_sec"`
	DefaultLifetime int      `json:"default_lifetime_sec"`
}

// DecodeParams parses a configrepo.ServiceConfig's Params blob for
// the ipv6_ra kind into a Config.
func DecodeParams(iface string, enable bool, updateAt float64, raw json.RawMessage) (Config, error) {
	var p paramsJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return Config{}, fmt.Errorf("ra: decode params for %s: %w", iface, err)
		}
	}

	cfg := Config{
		Interface:       iface,
		Enable:          enable,
		RDNSSLifetime:   time.Duration(p.RDNSSLifetime) * time.Second,
		DNSSL:           p.DNSSL,
		DNSSLLifetime:   time.Duration(p.DNSSLLifetime) * time.Second,
		ManagedFlag:     p.ManagedFlag,
		OtherConfigFlag: p.OtherConfigFlag,
		MinInterval:     time.Duration(p.MinIntervalSec) * time.Second,
		MaxInterval:     time.Duration(p.MaxIntervalSec) * time.Second,
		DefaultLifetime: time.Duration(p.DefaultLifetime) * time.Second,
		UpdateAt:        updateAt,
	}
	for _, pfx := range p.Prefixes {
		_, ipNet, err := net.ParseCIDR(pfx.CIDR)
		if err != nil {
			return Config{}, fmt.Errorf("ra: decode params for %s: prefix %q: %w", iface, pfx.CIDR, err)
		}
		cfg.Prefixes = append(cfg.Prefixes, Prefix{
			Network:           *ipNet,
			OnLink:            pfx.OnLink,
			Autonomous:        pfx.Autonomous,
			ValidLifetime:     time.Duration(pfx.ValidLifetimeSec) * time.Second,
			PreferredLifetime: time.Duration(pfx.PreferredLifetime) * time.Second,
		})
	}
	for _, s := range p.RDNSS {
		if ip := net.ParseIP(s); ip != nil {
			cfg.RDNSS = append(cfg.RDNSS, ip)
		}
	}
	return cfg, nil
}

// Status is the ipv6_ra watchable status (spec §3: most kinds carry
// only the four-state lifecycle; this one also reports what it is
// currently advertising, mirroring dhcp_v4_server's richer status).
type Status struct {
	servicemgr.Status
	AdvertisedPrefixes int
	LastSolicitFrom    string
}

// WithState satisfies servicemgr.Stateful.
func (s Status) WithState(state servicemgr.LifecycleState, message string) Status {
	s.Status = s.Status.WithState(state, message)
	return s
}

// StoppedStatus is the zero value a Manager for this kind should be
// constructed with.
func StoppedStatus() Status { return Status{Status: servicemgr.StoppedStatus()} }

// Run is the servicemgr.Runner for the ipv6_ra kind: it opens an
// ICMPv6 raw socket link-local to cfg.Interface, sends an unsolicited
// RA immediately, then alternates between a jittered periodic timer
// and immediate replies to Router Solicitations until ctx is
// cancelled (spec §4.3's "soliciting input triggers immediate
// unsolicited RA").
func Run(ctx context.Context, cfg Config, status *servicemgr.Watchable[Status]) error {
	logger := logging.WithComponent("ra").With("interface", cfg.Interface)

	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return fmt.Errorf("ra: %s: lookup interface: %w", cfg.Interface, err)
	}

	conn, _, err := ndp.Listen(ifi, ndp.LinkLocal)
	if err != nil {
		return fmt.Errorf("ra: %s: open icmpv6 socket: %w", cfg.Interface, err)
	}
	defer conn.Close()

	// A dedicated goroutine closes the socket on teardown so the
	// blocking ReadFrom below unblocks with an error that the main
	// loop recognizes as a clean shutdown rather than a protocol
	// failure, matching the one-shot-cancellation teardown discipline
	// of spec §5.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	solicits := make(chan net.IP, 8)
	readErrs := make(chan error, 1)
	go func() {
		for {
			m, _, from, err := conn.ReadFrom()
			if err != nil {
				readErrs <- err
				return
			}
			if _, ok := m.(*ndp.RouterSolicitation); ok {
				select {
				case solicits <- from:
				default:
				}
			}
		}
	}()

	send := func(dst net.IP) error {
		msg := buildAdvertisement(cfg, ifi.HardwareAddr)
		if err := conn.WriteTo(msg, nil, dst); err != nil {
			return fmt.Errorf("ra: %s: send to %s: %w", cfg.Interface, dst, err)
		}
		status.SendIfModified(func(s *Status) bool {
			s.AdvertisedPrefixes = len(cfg.Prefixes)
			return true
		})
		return nil
	}

	if err := send(net.IPv6linklocalallnodes); err != nil {
		logger.Warn("initial RA send failed: %v", err)
	}

	minI, maxI := cfg.intervals()
	ticker := time.NewTicker(jitteredInterval(minI, maxI))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErrs:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ra: %s: read solicitation: %w", cfg.Interface, err)

		case from := <-solicits:
			dst := from
			if dst == nil || dst.IsUnspecified() {
				dst = net.IPv6linklocalallnodes
			}
			status.SendIfModified(func(s *Status) bool { s.LastSolicitFrom = from.String(); return true })
			if err := send(dst); err != nil {
				logger.Warn("solicited RA send failed: %v", err)
			}
			ticker.Reset(jitteredInterval(minI, maxI))

		case <-ticker.C:
			if err := send(net.IPv6linklocalallnodes); err != nil {
				logger.Warn("periodic RA send failed: %v", err)
			}
			ticker.Reset(jitteredInterval(minI, maxI))
		}
	}
}

// jitteredInterval picks a uniformly random duration in [min, max),
// as RFC 4861 §6.2.4 requires to avoid synchronized RA storms across
// routers on the same link.
func jitteredInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return max
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func buildAdvertisement(cfg Config, mac net.HardwareAddr) *ndp.RouterAdvertisement {
	lifetime := cfg.DefaultLifetime
	if lifetime <= 0 {
		lifetime = 1800 * time.Second
	}

	ra := &ndp.RouterAdvertisement{
		CurrentHopLimit:      64,
		ManagedConfiguration: cfg.ManagedFlag,
		OtherConfiguration:   cfg.OtherConfigFlag,
		RouterLifetime:       lifetime,
	}

	if len(mac) > 0 {
		ra.Options = append(ra.Options, &ndp.LinkLayerAddress{
			Direction: ndp.Source,
			Addr:      mac,
		})
	}

	for _, p := range cfg.Prefixes {
		ones, _ := p.Network.Mask.Size()
		ra.Options = append(ra.Options, &ndp.PrefixInformation{
			PrefixLength:                   uint8(ones),
			OnLink:                         p.OnLink,
			AutonomousAddressConfiguration: p.Autonomous,
			ValidLifetime:                  p.ValidLifetime,
			PreferredLifetime:              p.PreferredLifetime,
			Prefix:                         p.Network.IP,
		})
	}

	if len(cfg.RDNSS) > 0 {
		ra.Options = append(ra.Options, &ndp.RecursiveDNSServer{
			Lifetime: cfg.RDNSSLifetime,
			Servers:  cfg.RDNSS,
		})
	}

	if len(cfg.DNSSL) > 0 {
		ra.Options = append(ra.Options, &ndp.DNSSearchList{
			Lifetime:    cfg.DNSSLLifetime,
			DomainNames: cfg.DNSSL,
		})
	}

	return ra
}
