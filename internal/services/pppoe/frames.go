// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pppoe

import (
	"encoding/binary"
	"fmt"
)

// PPPoE EtherTypes (RFC 2516 §4).
const (
	etherTypeDiscovery uint16 = 0x8863
	etherTypeSession   uint16 = 0x8864
)

// Discovery stage codes.
const (
	codePADI uint8 = 0x09
	codePADO uint8 = 0x07
	codePADR uint8 = 0x19
	codePADS uint8 = 0x65
	codePADT uint8 = 0xa7
)

// Discovery tag types used by this client.
const (
	tagEndOfList    uint16 = 0x0000
	tagServiceName  uint16 = 0x0101
	tagACName       uint16 = 0x0102
	tagHostUniq     uint16 = 0x0103
	tagACCookie     uint16 = 0x0104
	tagGenericError uint16 = 0x0203
)

// PPP protocol field values carried in a PPPoE session frame (RFC
// 1661 §2, RFC 1332/1334/1994).
const (
	pppProtoLCP  uint16 = 0xc021
	pppProtoPAP  uint16 = 0xc023
	pppProtoCHAP uint16 = 0xc223
	pppProtoIPCP uint16 = 0x8021
	pppProtoIP   uint16 = 0x0021
)

// tag is one PPPoE discovery TLV (RFC 2516 §5.1).
type tag struct {
	Type  uint16
	Value []byte
}

// discoveryFrame is a PPPoE discovery-stage PDU: a 6-byte header
// (ver/type nibble, code, session id, payload length) followed by
// tags.
type discoveryFrame struct {
	Code      uint8
	SessionID uint16
	Tags      []tag
}

func encodeDiscoveryFrame(f discoveryFrame) []byte {
	var payload []byte
	for _, t := range f.Tags {
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint16(hdr[0:2], t.Type)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(t.Value)))
		payload = append(payload, hdr...)
		payload = append(payload, t.Value...)
	}

	buf := make([]byte, 6+len(payload))
	buf[0] = 0x11 // version=1, type=1
	buf[1] = f.Code
	binary.BigEndian.PutUint16(buf[2:4], f.SessionID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[6:], payload)
	return buf
}

func decodeDiscoveryFrame(b []byte) (discoveryFrame, error) {
	if len(b) < 6 {
		return discoveryFrame{}, fmt.Errorf("pppoe: discovery frame too short (%d bytes)", len(b))
	}
	length := binary.BigEndian.Uint16(b[4:6])
	if int(length)+6 > len(b) {
		return discoveryFrame{}, fmt.Errorf("pppoe: discovery frame length %d exceeds buffer", length)
	}

	f := discoveryFrame{
		Code:      b[1],
		SessionID: binary.BigEndian.Uint16(b[2:4]),
	}

	rest := b[6 : 6+int(length)]
	for len(rest) >= 4 {
		typ := binary.BigEndian.Uint16(rest[0:2])
		tagLen := binary.BigEndian.Uint16(rest[2:4])
		if int(tagLen)+4 > len(rest) {
			return discoveryFrame{}, fmt.Errorf("pppoe: tag 0x%04x length %d exceeds remaining buffer", typ, tagLen)
		}
		val := make([]byte, tagLen)
		copy(val, rest[4:4+int(tagLen)])
		f.Tags = append(f.Tags, tag{Type: typ, Value: val})
		rest = rest[4+int(tagLen):]
	}
	return f, nil
}

func findTag(tags []tag, typ uint16) ([]byte, bool) {
	for _, t := range tags {
		if t.Type == typ {
			return t.Value, true
		}
	}
	return nil, false
}

// sessionFrame is a PPPoE session-stage PDU: the same 6-byte header
// (code is always 0x00) wrapping a PPP frame (protocol field +
// payload, RFC 2516 §7).
type sessionFrame struct {
	SessionID uint16
	PPPProto  uint16
	PPPData   []byte
}

func encodeSessionFrame(f sessionFrame) []byte {
	payload := make([]byte, 2+len(f.PPPData))
	binary.BigEndian.PutUint16(payload[0:2], f.PPPProto)
	copy(payload[2:], f.PPPData)

	buf := make([]byte, 6+len(payload))
	buf[0] = 0x11
	buf[1] = 0x00
	binary.BigEndian.PutUint16(buf[2:4], f.SessionID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[6:], payload)
	return buf
}

func decodeSessionFrame(b []byte) (sessionFrame, error) {
	if len(b) < 8 {
		return sessionFrame{}, fmt.Errorf("pppoe: session frame too short (%d bytes)", len(b))
	}
	length := binary.BigEndian.Uint16(b[4:6])
	if int(length)+6 > len(b) {
		return sessionFrame{}, fmt.Errorf("pppoe: session frame length %d exceeds buffer", length)
	}
	payload := b[6 : 6+int(length)]
	return sessionFrame{
		SessionID: binary.BigEndian.Uint16(b[2:4]),
		PPPProto:  binary.BigEndian.Uint16(payload[0:2]),
		PPPData:   payload[2:],
	}, nil
}

// pppControlPacket is the common LCP/IPCP/PAP/CHAP control-protocol
// layout: a one-byte code, identifier, and length-prefixed data (RFC
// 1661 §5).
type pppControlPacket struct {
	Code       uint8
	Identifier uint8
	Data       []byte
}

func encodeControlPacket(p pppControlPacket) []byte {
	buf := make([]byte, 4+len(p.Data))
	buf[0] = p.Code
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	copy(buf[4:], p.Data)
	return buf
}

func decodeControlPacket(b []byte) (pppControlPacket, error) {
	if len(b) < 4 {
		return pppControlPacket{}, fmt.Errorf("pppoe: control packet too short (%d bytes)", len(b))
	}
	length := binary.BigEndian.Uint16(b[2:4])
	if int(length) > len(b) {
		return pppControlPacket{}, fmt.Errorf("pppoe: control packet length %d exceeds buffer", length)
	}
	return pppControlPacket{
		Code:       b[0],
		Identifier: b[1],
		Data:       b[4:length],
	}, nil
}

// LCP/IPCP codes (RFC 1661 §5).
const (
	ctrlConfigureRequest uint8 = 1
	ctrlConfigureAck     uint8 = 2
	ctrlConfigureNak     uint8 = 3
	ctrlConfigureReject  uint8 = 4
	ctrlTerminateRequest uint8 = 5
	ctrlTerminateAck     uint8 = 6
	ctrlCodeReject       uint8 = 7
	ctrlEchoRequest      uint8 = 9
	ctrlEchoReply        uint8 = 10
)

// PAP codes (RFC 1334 §2).
const (
	papAuthenticateRequest uint8 = 1
	papAuthenticateAck     uint8 = 2
	papAuthenticateNak     uint8 = 3
)

// CHAP codes (RFC 1994 §4).
const (
	chapChallenge uint8 = 1
	chapResponse  uint8 = 2
	chapSuccess   uint8 = 3
	chapFailure   uint8 = 4
)

// lcpOption is one Configure-Request/Ack/Nak option (RFC 1661 §6).
type lcpOption struct {
	Type  uint8
	Value []byte
}

const (
	lcpOptMRU         uint8 = 1
	lcpOptMagicNumber uint8 = 5
)

func encodeLCPOptions(opts []lcpOption) []byte {
	var buf []byte
	for _, o := range opts {
		buf = append(buf, o.Type, uint8(len(o.Value)+2))
		buf = append(buf, o.Value...)
	}
	return buf
}

func decodeLCPOptions(b []byte) []lcpOption {
	var opts []lcpOption
	for len(b) >= 2 {
		typ := b[0]
		l := int(b[1])
		if l < 2 || l > len(b) {
			break
		}
		opts = append(opts, lcpOption{Type: typ, Value: b[2:l]})
		b = b[l:]
	}
	return opts
}

// ipcpOpt is one IPCP configuration option (RFC 1332 §3): this client
// only ever negotiates CI-IP-Address (option 3).
const ipcpOptIPAddress uint8 = 3
