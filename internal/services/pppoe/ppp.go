// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pppoe

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/mdlayher/packet"
)

// writePPP wraps data in a session-stage PPPoE frame carrying PPP
// protocol proto and sends it to the negotiated peer.
func writePPP(sess *session, proto uint16, data []byte) error {
	frame := encodeSessionFrame(sessionFrame{SessionID: sess.sessionID, PPPProto: proto, PPPData: data})
	_, err := sess.conn.WriteTo(frame, &packet.Addr{HardwareAddr: sess.peerMAC})
	return err
}

// readPPP blocks until a session frame matching wantProto arrives
// from the negotiated peer, or ctx is done.
func readPPP(ctx context.Context, sess *session, wantProto uint16) ([]byte, error) {
	buf := make([]byte, 1500)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			sess.conn.SetReadDeadline(deadline)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, addr, err := sess.conn.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		pAddr, ok := addr.(*packet.Addr)
		if !ok || pAddr.HardwareAddr.String() != sess.peerMAC.String() {
			continue
		}
		f, err := decodeSessionFrame(buf[:n])
		if err != nil || f.SessionID != sess.sessionID || f.PPPProto != wantProto {
			continue
		}
		return f.PPPData, nil
	}
}

// negotiateLCP runs a minimal Link Control Protocol exchange: send a
// Configure-Request carrying this client's magic number (no MRU option),
// accept whatever the peer proposes with a blanket Configure-Ack, and
// wait for the peer's own Ack of this client's request (RFC 1661 §4).
func negotiateLCP(ctx context.Context, sess *session) error {
	id := uint8(rand.Intn(256))
	magic := make([]byte, 4)
	rand.Read(magic)

	req := encodeControlPacket(pppControlPacket{
		Code:       ctrlConfigureRequest,
		Identifier: id,
		Data: encodeLCPOptions([]lcpOption{
			{Type: lcpOptMagicNumber, Value: magic},
		}),
	})
	if err := writePPP(sess, pppProtoLCP, req); err != nil {
		return fmt.Errorf("send configure-request: %w", err)
	}

	acked := false
	peerRequested := false
	for !acked || !peerRequested {
		raw, err := readPPP(ctx, sess, pppProtoLCP)
		if err != nil {
			return fmt.Errorf("lcp negotiation: %w", err)
		}
		pkt, err := decodeControlPacket(raw)
		if err != nil {
			continue
		}
		switch pkt.Code {
		case ctrlConfigureAck:
			if pkt.Identifier == id {
				acked = true
			}
		case ctrlConfigureNak, ctrlConfigureReject:
			// Accept the peer's counter-proposal outright rather than
			// iterating: this client has no option it insists on.
			acked = true
		case ctrlConfigureRequest:
			ack := encodeControlPacket(pppControlPacket{
				Code:       ctrlConfigureAck,
				Identifier: pkt.Identifier,
				Data:       pkt.Data,
			})
			if err := writePPP(sess, pppProtoLCP, ack); err != nil {
				return fmt.Errorf("send configure-ack: %w", err)
			}
			peerRequested = true
		case ctrlEchoRequest:
			reply := encodeControlPacket(pppControlPacket{Code: ctrlEchoReply, Identifier: pkt.Identifier, Data: pkt.Data})
			writePPP(sess, pppProtoLCP, reply)
		}
	}
	return nil
}

// authenticate runs PAP if cfg carries a plaintext password
// expectation, falling back to responding to a CHAP challenge with an
// MD5 digest if the peer initiates CHAP instead (RFC 1334, RFC 1994).
func authenticate(ctx context.Context, sess *session, cfg Config) error {
	id := uint8(rand.Intn(256))

	pap := encodeControlPacket(pppControlPacket{
		Code:       papAuthenticateRequest,
		Identifier: id,
		Data:       encodePAPRequest(cfg.PeerID, cfg.Password),
	})
	if err := writePPP(sess, pppProtoPAP, pap); err != nil {
		return fmt.Errorf("send pap authenticate-request: %w", err)
	}

	deadline := time.NewTimer(3 * time.Second)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for authentication result")
		default:
		}

		papRaw, papErr := tryReadPPP(ctx, sess, pppProtoPAP, 500*time.Millisecond)
		if papErr == nil {
			pkt, err := decodeControlPacket(papRaw)
			if err != nil {
				continue
			}
			switch pkt.Code {
			case papAuthenticateAck:
				return nil
			case papAuthenticateNak:
				return fmt.Errorf("pap authentication rejected by peer")
			}
		}

		chapRaw, chapErr := tryReadPPP(ctx, sess, pppProtoCHAP, 500*time.Millisecond)
		if chapErr == nil {
			pkt, err := decodeControlPacket(chapRaw)
			if err != nil {
				continue
			}
			switch pkt.Code {
			case chapChallenge:
				valueSize := int(pkt.Data[0])
				challenge := pkt.Data[1 : 1+valueSize]
				digest := md5Challenge(pkt.Identifier, cfg.Password, challenge)
				resp := encodeControlPacket(pppControlPacket{
					Code:       chapResponse,
					Identifier: pkt.Identifier,
					Data:       encodeCHAPResponse(digest, cfg.PeerID),
				})
				if err := writePPP(sess, pppProtoCHAP, resp); err != nil {
					return fmt.Errorf("send chap response: %w", err)
				}
			case chapSuccess:
				return nil
			case chapFailure:
				return fmt.Errorf("chap authentication rejected by peer")
			}
		}
	}
}

// tryReadPPP is readPPP bounded by a short per-attempt timeout so
// authenticate can poll both PAP and CHAP without committing to
// either protocol before the peer's first frame arrives.
func tryReadPPP(ctx context.Context, sess *session, wantProto uint16, timeout time.Duration) ([]byte, error) {
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return readPPP(subCtx, sess, wantProto)
}

func encodePAPRequest(peerID, password string) []byte {
	buf := []byte{uint8(len(peerID))}
	buf = append(buf, []byte(peerID)...)
	buf = append(buf, uint8(len(password)))
	buf = append(buf, []byte(password)...)
	return buf
}

func encodeCHAPResponse(digest []byte, name string) []byte {
	buf := []byte{uint8(len(digest))}
	buf = append(buf, digest...)
	buf = append(buf, []byte(name)...)
	return buf
}

// negotiateIPCP runs a minimal IP Control Protocol exchange
// requesting 0.0.0.0 (signaling "assign me an address") and applying
// whatever address the peer Naks back, then waits for the peer's own
// Configure-Request to learn its address (RFC 1332 §4).
func negotiateIPCP(ctx context.Context, sess *session) (local, peer net.IP, err error) {
	id := uint8(rand.Intn(256))
	local = net.IPv4zero

	req := encodeControlPacket(pppControlPacket{
		Code:       ctrlConfigureRequest,
		Identifier: id,
		Data:       encodeLCPOptions([]lcpOption{{Type: ipcpOptIPAddress, Value: local.To4()}}),
	})
	if err := writePPP(sess, pppProtoIPCP, req); err != nil {
		return nil, nil, fmt.Errorf("send configure-request: %w", err)
	}

	acked := false
	for !acked {
		raw, err := readPPP(ctx, sess, pppProtoIPCP)
		if err != nil {
			return nil, nil, fmt.Errorf("ipcp negotiation: %w", err)
		}
		pkt, err := decodeControlPacket(raw)
		if err != nil {
			continue
		}
		switch pkt.Code {
		case ctrlConfigureNak:
			opts := decodeLCPOptions(pkt.Data)
			for _, o := range opts {
				if o.Type == ipcpOptIPAddress && len(o.Value) == 4 {
					local = net.IP(o.Value)
				}
			}
			id++
			retry := encodeControlPacket(pppControlPacket{
				Code:       ctrlConfigureRequest,
				Identifier: id,
				Data:       encodeLCPOptions([]lcpOption{{Type: ipcpOptIPAddress, Value: local.To4()}}),
			})
			if err := writePPP(sess, pppProtoIPCP, retry); err != nil {
				return nil, nil, fmt.Errorf("resend configure-request: %w", err)
			}
		case ctrlConfigureAck:
			if pkt.Identifier == id {
				acked = true
			}
		case ctrlConfigureRequest:
			opts := decodeLCPOptions(pkt.Data)
			for _, o := range opts {
				if o.Type == ipcpOptIPAddress && len(o.Value) == 4 {
					peer = net.IP(o.Value)
				}
			}
			ack := encodeControlPacket(pppControlPacket{Code: ctrlConfigureAck, Identifier: pkt.Identifier, Data: pkt.Data})
			if err := writePPP(sess, pppProtoIPCP, ack); err != nil {
				return nil, nil, fmt.Errorf("send configure-ack: %w", err)
			}
		}
	}

	if peer == nil {
		peer = net.IPv4zero
	}
	return local, peer, nil
}
