// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pppoe implements the pppd service kind (spec §4.3): a
// PPPoE client that runs discovery (PADI/PADO/PADR/PADS), minimal LCP
// and PAP/CHAP authentication, and IPCP over a raw Ethernet socket on
// the attach interface, and on success installs the PPPoE TC
// encap/decap pair so the datapath can tunnel LAN traffic through the
// negotiated session.
package pppoe

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/mdlayher/packet"

	"github.com/flywall/routerd/internal/ebpf/attach"
	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/logging"
	"github.com/flywall/routerd/internal/servicemgr"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Config is the pppd configuration record (spec §3/§8 scenario 6:
// `PPPDConfig{attach, iface, peer_id, password}`).
type Config struct {
	AttachInterface string // physical interface PADI is sent on, e.g. "eth1"
	PPPInterface    string // logical name used for the peers file and status, e.g. "ppp0"
	Enable          bool
	ServiceName     string // empty matches any AC service
	PeerID          string // PAP/CHAP username
	Password        string
	MaxFail         int // bounded attempt count before giving up (spec §5)
	MTU             uint16
	DiscoveryTimeout time.Duration
	Registry        *maps.Registry // process-wide Map Registry, set by the composition root
	UpdateAt        float64
}

type paramsJSON struct {
	PPPInterface     string `json:"ppp_interface"`
	ServiceName      string `json:"service_name"`
	PeerID           string `json:"peer_id"`
	Password         string `json:"password"`
	MaxFail          int    `json:"max_fail"`
	MTU              uint16 `json:"mtu"`
	DiscoveryTimeout int    `json:"discovery_timeout_sec"`
}

// DecodeParams parses a configrepo.ServiceConfig's Params blob for
// the pppd kind. iface is the attach (physical) interface name, the
// primary key of the service record.
func DecodeParams(iface string, enable bool, updateAt float64, raw json.RawMessage) (Config, error) {
	var p paramsJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return Config{}, fmt.Errorf("pppoe: decode params for %s: %w", iface, err)
		}
	}
	cfg := Config{
		AttachInterface:  iface,
		PPPInterface:     p.PPPInterface,
		Enable:           enable,
		ServiceName:      p.ServiceName,
		PeerID:           p.PeerID,
		Password:         p.Password,
		MaxFail:          p.MaxFail,
		MTU:              p.MTU,
		DiscoveryTimeout: time.Duration(p.DiscoveryTimeout) * time.Second,
		UpdateAt:         updateAt,
	}
	if cfg.PPPInterface == "" {
		cfg.PPPInterface = "ppp0"
	}
	if cfg.MaxFail <= 0 {
		cfg.MaxFail = 1
	}
	if cfg.MTU == 0 {
		cfg.MTU = 1492
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 5 * time.Second
	}
	return cfg, nil
}

// Status is the pppd watchable status.
type Status struct {
	servicemgr.Status
	SessionID  uint16
	PeerMAC    string
	LocalIP    string
	PeerIP     string
	FailCount  int
}

// WithState satisfies servicemgr.Stateful.
func (s Status) WithState(state servicemgr.LifecycleState, message string) Status {
	s.Status = s.Status.WithState(state, message)
	return s
}

// StoppedStatus is the zero value a Manager for this kind should be
// constructed with.
func StoppedStatus() Status { return Status{Status: servicemgr.StoppedStatus()} }

// session holds the negotiated state carried from discovery through
// to datapath attachment and teardown.
type session struct {
	conn      *packet.Conn
	peerMAC   net.HardwareAddr
	sessionID uint16
	localIP   net.IP
	peerIP    net.IP
}

// Run is the servicemgr.Runner for the pppd kind: discovery, LCP,
// PAP/CHAP, IPCP, then TC attach, running until ctx is cancelled, at
// which point it sends PADT, detaches the TC programs, and removes
// the peers file (spec §8 scenario 6).
func Run(ctx context.Context, cfg Config, status *servicemgr.Watchable[Status]) error {
	logger := logging.WithComponent("pppoe").With("attach", cfg.AttachInterface, "iface", cfg.PPPInterface)

	ifi, err := net.InterfaceByName(cfg.AttachInterface)
	if err != nil {
		return fmt.Errorf("pppoe: %s: lookup attach interface: %w", cfg.AttachInterface, err)
	}

	var sess *session
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxFail; attempt++ {
		sess, lastErr = bringUp(ctx, cfg, ifi, logger)
		if lastErr == nil {
			break
		}
		status.SendIfModified(func(s *Status) bool { s.FailCount = attempt; return true })
		logger.Warn("bring-up attempt %d/%d failed: %v", attempt, cfg.MaxFail, lastErr)
	}
	if lastErr != nil {
		return fmt.Errorf("pppoe: %s: bring-up failed after %d attempts: %w", cfg.PPPInterface, cfg.MaxFail, lastErr)
	}
	defer sess.conn.Close()

	if err := writePeersFile(cfg); err != nil {
		logger.Warn("failed to write peers file: %v", err)
	}
	defer removePeersFile(cfg)

	status.SendIfModified(func(s *Status) bool {
		s.SessionID = sess.sessionID
		s.PeerMAC = sess.peerMAC.String()
		s.LocalIP = sess.localIP.String()
		s.PeerIP = sess.peerIP.String()
		return true
	})

	a := attach.New(cfg.AttachInterface)
	if err := attachPPPoEDatapath(a, sess, cfg.Registry); err != nil {
		logger.Warn("pppoe tc attach failed, session stays user-space only: %v", err)
	}
	defer a.Close()

	logger.Info("session %d established, peer %s, local %s, peer-ip %s", sess.sessionID, sess.peerMAC, sess.localIP, sess.peerIP)

	<-ctx.Done()

	sendPADT(sess, cfg)
	return nil
}

// bringUp runs discovery through IPCP once, returning the established
// session or the first error encountered.
func bringUp(ctx context.Context, cfg Config, ifi *net.Interface, logger *logging.Logger) (*session, error) {
	discConn, err := packet.Listen(ifi, packet.Datagram, int(htons(0x8863)), nil)
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}

	discCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
	defer cancel()

	peerMAC, acCookie, err := discoverAndRequest(discCtx, discConn, cfg)
	discConn.Close()
	if err != nil {
		return nil, err
	}

	sessConn, err := packet.Listen(ifi, packet.Datagram, int(htons(0x8864)), nil)
	if err != nil {
		return nil, fmt.Errorf("open session socket: %w", err)
	}

	sessionID, err := waitForPADS(discCtx, ifi, cfg, peerMAC, acCookie)
	if err != nil {
		sessConn.Close()
		return nil, err
	}

	sess := &session{conn: sessConn, peerMAC: peerMAC, sessionID: sessionID}

	negCtx, negCancel := context.WithTimeout(ctx, 10*time.Second)
	defer negCancel()

	if err := negotiateLCP(negCtx, sess); err != nil {
		sessConn.Close()
		return nil, fmt.Errorf("lcp: %w", err)
	}
	if cfg.PeerID != "" {
		if err := authenticate(negCtx, sess, cfg); err != nil {
			sessConn.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	local, peer, err := negotiateIPCP(negCtx, sess)
	if err != nil {
		sessConn.Close()
		return nil, fmt.Errorf("ipcp: %w", err)
	}
	sess.localIP, sess.peerIP = local, peer

	return sess, nil
}

// discoverAndRequest sends PADI, waits for the first PADO, then sends
// PADR echoing back the offering AC's service-name and AC-cookie tags
// (RFC 2516 §5.3-5.4).
func discoverAndRequest(ctx context.Context, conn *packet.Conn, cfg Config) (net.HardwareAddr, []byte, error) {
	hostUniq := make([]byte, 4)
	binary.BigEndian.PutUint32(hostUniq, rand.Uint32())

	padi := encodeDiscoveryFrame(discoveryFrame{
		Code: codePADI,
		Tags: []tag{
			{Type: tagServiceName, Value: []byte(cfg.ServiceName)},
			{Type: tagHostUniq, Value: hostUniq},
		},
	})
	if _, err := conn.WriteTo(padi, &packet.Addr{HardwareAddr: broadcastMAC}); err != nil {
		return nil, nil, fmt.Errorf("send PADI: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline)
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("waiting for PADO: %w", err)
		}
		f, err := decodeDiscoveryFrame(buf[:n])
		if err != nil || f.Code != codePADO {
			continue
		}
		hu, _ := findTag(f.Tags, tagHostUniq)
		if len(hu) > 0 && string(hu) != string(hostUniq) {
			continue
		}
		pAddr, ok := addr.(*packet.Addr)
		if !ok {
			continue
		}
		acCookie, _ := findTag(f.Tags, tagACCookie)

		padr := encodeDiscoveryFrame(discoveryFrame{
			Code: codePADR,
			Tags: []tag{
				{Type: tagServiceName, Value: []byte(cfg.ServiceName)},
				{Type: tagHostUniq, Value: hostUniq},
				{Type: tagACCookie, Value: acCookie},
			},
		})
		if _, err := conn.WriteTo(padr, pAddr); err != nil {
			return nil, nil, fmt.Errorf("send PADR: %w", err)
		}
		return pAddr.HardwareAddr, acCookie, nil
	}
}

// waitForPADS listens on the session EtherType-filtered context for
// the discovery-stage PADS confirming the session id (RFC 2516 §5.5).
// The listener is opened on the discovery socket's ethertype in
// practice; here it reuses the same discovery conn semantics via a
// fresh listen scoped to the remaining deadline.
func waitForPADS(ctx context.Context, ifi *net.Interface, cfg Config, peerMAC net.HardwareAddr, acCookie []byte) (uint16, error) {
	conn, err := packet.Listen(ifi, packet.Datagram, int(htons(0x8863)), nil)
	if err != nil {
		return 0, fmt.Errorf("reopen discovery socket for PADS: %w", err)
	}
	defer conn.Close()

	buf := make([]byte, 1500)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline)
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, fmt.Errorf("waiting for PADS: %w", err)
		}
		pAddr, ok := addr.(*packet.Addr)
		if !ok || pAddr.HardwareAddr.String() != peerMAC.String() {
			continue
		}
		f, err := decodeDiscoveryFrame(buf[:n])
		if err != nil || f.Code != codePADS {
			continue
		}
		if f.SessionID == 0 {
			if errTag, ok := findTag(f.Tags, tagGenericError); ok {
				return 0, fmt.Errorf("PADS rejected: %s", string(errTag))
			}
			return 0, fmt.Errorf("PADS rejected with session id 0")
		}
		return f.SessionID, nil
	}
}

// sendPADT sends a PPPoE Active Discovery Terminate to end the
// session cleanly (RFC 2516 §5.6), ignoring write errors since the
// interface may already be gone during teardown.
func sendPADT(sess *session, cfg Config) {
	ifi, err := net.InterfaceByName(cfg.AttachInterface)
	if err != nil {
		return
	}
	conn, err := packet.Listen(ifi, packet.Datagram, int(htons(0x8863)), nil)
	if err != nil {
		return
	}
	defer conn.Close()

	padt := encodeDiscoveryFrame(discoveryFrame{Code: codePADT, SessionID: sess.sessionID})
	conn.WriteTo(padt, &packet.Addr{HardwareAddr: sess.peerMAC})
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// md5Challenge computes an RFC 1994 CHAP response value.
func md5Challenge(id uint8, secret string, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	return h.Sum(nil)
}
