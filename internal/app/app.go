// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package app is the composition root: it owns the process-wide Map
// Registry, the Flow-Steering Core, the Configuration Repository and
// one servicemgr.Manager per service kind, and drives a poll-based
// reconciliation loop against the repository per spec §4.5 (no
// push/watch mechanism — every kind's table is re-read on an
// interval and diffed against the kind's running instances).
package app

import (
	"fmt"
	"net"
	"time"

	"github.com/flywall/routerd/internal/configrepo"
	"github.com/flywall/routerd/internal/dnschain"
	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/eventbus"
	"github.com/flywall/routerd/internal/flowsteer"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/netiface"
	"github.com/flywall/routerd/internal/runtime"
	"github.com/flywall/routerd/internal/servicemgr"
	"github.com/flywall/routerd/internal/services/dhcp"
	"github.com/flywall/routerd/internal/services/dhcpv6pd"
	"github.com/flywall/routerd/internal/services/dns/querylog"
	"github.com/flywall/routerd/internal/services/netsvc"
	"github.com/flywall/routerd/internal/services/pppoe"
	"github.com/flywall/routerd/internal/services/ra"
	"github.com/flywall/routerd/internal/state"
)

// Config bootstraps the App. These are the process-level settings
// spec §2.1 scopes to the ambient layer (as opposed to the
// per-service records the Configuration Repository owns).
type Config struct {
	RepoPath       string // sqlite path for the Configuration Repository
	QueryLogPath   string
	StatePath      string // sqlite path for internal/state (DHCP leases, baselines)
	PinPrefix      string // bpffs prefix for the Map Registry; empty uses maps.DefaultPinPrefix
	DockerSocket   string // empty uses DOCKER_HOST / the default socket
	ReconcileEvery time.Duration
}

// App holds every process-wide dependency the Service Instances share.
type App struct {
	cfg Config

	Repo     *configrepo.Repo
	Registry *maps.Registry
	Core     *flowsteer.Core
	Bus      *eventbus.Bus
	QueryLog *querylog.Store
	Resolver *netiface.Resolver

	natMgr      *servicemgr.Manager[netsvc.NATConfig, servicemgr.Status]
	firewallMgr *servicemgr.Manager[netsvc.FirewallConfig, servicemgr.Status]
	mssClampMgr *servicemgr.Manager[netsvc.MSSClampConfig, servicemgr.Status]
	flowWANMgr  *servicemgr.Manager[netsvc.FlowWANConfig, servicemgr.Status]
	routeWANMgr *servicemgr.Manager[netsvc.RouteWANConfig, servicemgr.Status]
	routeLANMgr *servicemgr.Manager[netsvc.RouteLANConfig, servicemgr.Status]
	ifaceIPMgr  *servicemgr.Manager[netsvc.IfaceIPConfig, servicemgr.Status]
	wifiMgr     *servicemgr.Manager[netsvc.WifiConfig, netsvc.WifiStatus]
	pppoeMgr    *servicemgr.Manager[pppoe.Config, pppoe.Status]
	raMgr       *servicemgr.Manager[ra.Config, ra.Status]
	dhcpv6pdMgr *servicemgr.Manager[dhcpv6pd.Config, dhcpv6pd.Status]

	dhcp       *dhcp.Service
	dnsManager *dnschain.Manager

	reconcileEvery time.Duration
	logger         *logging.Logger
}

// New opens the Configuration Repository and every other process-wide
// dependency, and binds the Flow-Steering Core's writers to the Map
// Registry's pinned maps (spec §4.1/§4.6). It does not start any
// Service Manager reconciliation loop yet; call Run for that.
func New(cfg Config) (*App, error) {
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = 10 * time.Second
	}

	repo, err := configrepo.Open(cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("app: open configuration repository: %w", err)
	}

	qlog, err := querylog.Open(cfg.QueryLogPath)
	if err != nil {
		return nil, fmt.Errorf("app: open query log: %w", err)
	}

	registry := maps.NewRegistry(cfg.PinPrefix)

	core := flowsteer.New(logging.WithComponent("flowsteer"))
	if err := bindCore(core, registry); err != nil {
		return nil, fmt.Errorf("app: bind flow-steering core: %w", err)
	}

	docker, err := runtime.NewDockerClient(cfg.DockerSocket)
	if err != nil {
		// Container-name flow targets degrade to an error at resolve
		// time rather than failing startup; interface-name targets
		// (the common case) never touch the Docker client at all.
		logging.WithComponent("app").Warn("docker client unavailable, container flow targets will fail to resolve: %v", err)
		docker = runtime.NewMockDockerClient()
	}
	resolver := &netiface.Resolver{Docker: docker}

	bus := eventbus.New()

	a := &App{
		cfg:            cfg,
		Repo:           repo,
		Registry:       registry,
		Core:           core,
		Bus:            bus,
		QueryLog:       qlog,
		Resolver:       resolver,
		reconcileEvery: cfg.ReconcileEvery,
		logger:         logging.WithComponent("app"),
	}

	a.natMgr = servicemgr.NewManager("nat", servicemgr.StoppedStatus(), netsvc.RunNAT)
	a.firewallMgr = servicemgr.NewManager("firewall", servicemgr.StoppedStatus(), netsvc.RunFirewall)
	a.mssClampMgr = servicemgr.NewManager("mss_clamp", servicemgr.StoppedStatus(), netsvc.RunMSSClamp)
	a.flowWANMgr = servicemgr.NewManager("flow_wan", servicemgr.StoppedStatus(), netsvc.RunFlowWAN)
	a.routeWANMgr = servicemgr.NewManager("route_wan", servicemgr.StoppedStatus(), netsvc.RunRouteWAN)
	a.routeLANMgr = servicemgr.NewManager("route_lan", servicemgr.StoppedStatus(), netsvc.RunRouteLAN)
	a.ifaceIPMgr = servicemgr.NewManager("iface_ip", servicemgr.StoppedStatus(), netsvc.RunIfaceIP)
	a.wifiMgr = servicemgr.NewManager("wifi", netsvc.WifiStoppedStatus(), netsvc.RunWifi)
	a.pppoeMgr = servicemgr.NewManager("pppd", pppoe.StoppedStatus(), pppoe.Run)
	a.raMgr = servicemgr.NewManager("ipv6_ra", ra.StoppedStatus(), ra.Run)
	a.dhcpv6pdMgr = servicemgr.NewManager("dhcp_v6_pd_client", dhcpv6pd.StoppedStatus(), dhcpv6pd.Run)

	a.dnsManager = dnschain.NewManager(repo, core, qlog, a.dnsListenAddr)

	stateStore, err := state.NewSQLiteStore(state.Options{Path: cfg.StatePath})
	if err != nil {
		return nil, fmt.Errorf("app: open state store: %w", err)
	}
	a.dhcp = dhcp.NewService(noopDNSUpdater{}, stateStore)

	return a, nil
}

// bindCore wires every Flow-Steering Core sub-contract to the Map
// Registry's pinned maps (spec §4.1's named maps, §4.6's seven
// sub-contracts). This is the composition root's central act: without
// it every Install* call is a no-op, since flowsteer.New returns
// installers with no writer bound (see flowsteer.go's New doc
// comment).
func bindCore(core *flowsteer.Core, registry *maps.Registry) error {
	bind := func(spec maps.MapSpec, set func(flowsteer.MapWriter)) error {
		m, err := registry.OpenOrCreate(spec)
		if err != nil {
			return fmt.Errorf("open %s: %w", spec.Name, err)
		}
		set(maps.NewWriter(m))
		return nil
	}

	if err := bind(maps.FlowMatchMap, core.BindFlowMatchMap); err != nil {
		return err
	}
	if err := bind(maps.FlowTargetMap, core.BindFlowTargetMap); err != nil {
		return err
	}
	if err := bind(maps.FirewallBlockMap, core.BindFirewallBlockMap); err != nil {
		return err
	}
	if err := bind(maps.DstIPMarkMap, core.BindDstIPMarkMap); err != nil {
		return err
	}
	if err := bind(maps.NatPortRangeMap, core.BindNatConfigMap); err != nil {
		return err
	}
	if err := bind(maps.StaticNatMap, core.BindStaticNatMap); err != nil {
		return err
	}
	if err := bind(maps.WANIPBinding, core.BindWANIPMap); err != nil {
		return err
	}
	if err := bind(maps.IPMacV4, core.BindIPMacV4Map); err != nil {
		return err
	}
	if err := bind(maps.IPMacV6, core.BindIPMacV6Map); err != nil {
		return err
	}

	v4Factory, err := flowsteer.NewRegistryDNSMarkFactory(registry, maps.Flow4DNSMap)
	if err != nil {
		return fmt.Errorf("open flow4_dns_map: %w", err)
	}
	core.BindDNSMarkMapFactory(v4Factory)

	// GeoResolver (geosite:/geoip: dst_ip_rule sources) has no
	// concrete implementation in this repo yet — see DESIGN.md's
	// Known Gap note. Explicit-CIDR dst_ip_rules still install fine
	// without it; only category-keyed sources fail at install time.
	return nil
}

// dnsListenAddr derives a flow's DNS listener bind address. The
// repository schema has no dedicated per-flow listen-address table
// (spec §3 never defines one), so each flow gets a fixed loopback
// port offset from its id; an operator-facing listen-address table is
// a natural follow-up once the repository schema grows one.
func (a *App) dnsListenAddr(flowID int) string {
	return fmt.Sprintf("127.0.0.1:%d", 5300+flowID)
}

// noopDNSUpdater satisfies dhcp.DNSUpdater for deployments with no
// split-horizon DNS server to notify of new leases; dnschain owns DNS
// resolution in this repo and has no lease-driven record source yet.
type noopDNSUpdater struct{}

func (noopDNSUpdater) AddRecord(name string, ip net.IP) {}
func (noopDNSUpdater) RemoveRecord(name string)         {}
