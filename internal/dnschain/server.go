// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnschain

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"github.com/flywall/routerd/internal/logging"
)

// Listener owns the UDP and TCP *dns.Server pair for one flow's
// resolution chain. Each flow binds its own listener with
// SO_REUSEPORT so multiple flows (and, on reload, the outgoing and
// incoming instance during a handoff) can share one listen address
// without racing over bind (spec §4.7: "each flow gets its own
// listener bound with SO_REUSEPORT").
type Listener struct {
	FlowID int
	Addr   string

	chain *Chain
	udp   *dns.Server
	tcp   *dns.Server

	mu       sync.Mutex
	startErr error
}

// NewListener returns a Listener for chain bound to addr (host:port).
func NewListener(chain *Chain, addr string) *Listener {
	return &Listener{FlowID: chain.flowID, Addr: addr, chain: chain}
}

// Start binds and serves the UDP and TCP listeners in background
// goroutines. Start returns once both sockets are bound; serve errors
// after that point are logged, not returned (matching the donor
// dns.Service's fire-and-forget per-server goroutines).
func (l *Listener) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: reusePortControl}

	pc, err := lc.ListenPacket(ctx, "udp", l.Addr)
	if err != nil {
		return fmt.Errorf("dnschain: listen udp %s: %w", l.Addr, err)
	}
	ln, err := lc.Listen(ctx, "tcp", l.Addr)
	if err != nil {
		pc.Close()
		return fmt.Errorf("dnschain: listen tcp %s: %w", l.Addr, err)
	}

	l.udp = &dns.Server{PacketConn: pc, Handler: l.chain.Handler()}
	l.tcp = &dns.Server{Listener: ln, Handler: l.chain.Handler()}

	go l.serve(l.udp)
	go l.serve(l.tcp)
	return nil
}

func (l *Listener) serve(srv *dns.Server) {
	if err := srv.ActivateAndServe(); err != nil {
		l.mu.Lock()
		l.startErr = err
		l.mu.Unlock()
		logging.Error("[dnschain] flow %d listener %s stopped: %v", l.FlowID, l.Addr, err)
	}
}

// Stop shuts down both sockets.
func (l *Listener) Stop(ctx context.Context) error {
	var errs []error
	if l.udp != nil {
		if err := l.udp.ShutdownContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if l.tcp != nil {
		if err := l.tcp.ShutdownContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("dnschain: stop listener %s: %v", l.Addr, errs)
	}
	return nil
}

// reusePortControl sets SO_REUSEPORT on every socket dnschain binds,
// so a flow's listener can be rebound during a reload handoff (old
// instance draining, new instance already accepting) without an
// address-in-use failure. Per-flow socket selection relies on the
// kernel's default reuseport hash; attaching a custom
// SO_ATTACH_REUSEPORT_EBPF classifier to steer by flow mark is left
// unimplemented since it needs a raw cBPF/eBPF socket filter program
// outside what cilium/ebpf's collection loader builds.
func reusePortControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
