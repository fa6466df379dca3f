// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pppoe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryFrame_RoundTrip(t *testing.T) {
	f := discoveryFrame{
		Code:      codePADO,
		SessionID: 0,
		Tags: []tag{
			{Type: tagServiceName, Value: []byte("internet")},
			{Type: tagACCookie, Value: []byte{1, 2, 3, 4}},
		},
	}
	encoded := encodeDiscoveryFrame(f)
	decoded, err := decodeDiscoveryFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, f.Code, decoded.Code)
	assert.Equal(t, f.SessionID, decoded.SessionID)

	svc, ok := findTag(decoded.Tags, tagServiceName)
	require.True(t, ok)
	assert.Equal(t, "internet", string(svc))

	cookie, ok := findTag(decoded.Tags, tagACCookie)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, cookie)
}

func TestDecodeDiscoveryFrame_TooShort(t *testing.T) {
	_, err := decodeDiscoveryFrame([]byte{0x11, 0x09})
	assert.Error(t, err)
}

func TestSessionFrame_RoundTrip(t *testing.T) {
	f := sessionFrame{SessionID: 42, PPPProto: pppProtoLCP, PPPData: []byte{0xde, 0xad, 0xbe, 0xef}}
	encoded := encodeSessionFrame(f)
	decoded, err := decodeSessionFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, f.SessionID, decoded.SessionID)
	assert.Equal(t, f.PPPProto, decoded.PPPProto)
	assert.Equal(t, f.PPPData, decoded.PPPData)
}

func TestControlPacket_RoundTrip(t *testing.T) {
	p := pppControlPacket{Code: ctrlConfigureRequest, Identifier: 7, Data: []byte{1, 2, 3}}
	encoded := encodeControlPacket(p)
	decoded, err := decodeControlPacket(encoded)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestLCPOptions_RoundTrip(t *testing.T) {
	opts := []lcpOption{
		{Type: lcpOptMRU, Value: []byte{0x05, 0xdc}},
		{Type: lcpOptMagicNumber, Value: []byte{1, 2, 3, 4}},
	}
	encoded := encodeLCPOptions(opts)
	decoded := decodeLCPOptions(encoded)
	require.Len(t, decoded, 2)
	assert.Equal(t, opts[0].Type, decoded[0].Type)
	assert.Equal(t, opts[1].Value, decoded[1].Value)
}

func TestUnitSuffix(t *testing.T) {
	assert.Equal(t, "0", unitSuffix("ppp0"))
	assert.Equal(t, "12", unitSuffix("ppp12"))
	assert.Equal(t, "0", unitSuffix("ppp"))
}

func TestMD5Challenge_Deterministic(t *testing.T) {
	a := md5Challenge(5, "secret", []byte{1, 2, 3})
	b := md5Challenge(5, "secret", []byte{1, 2, 3})
	assert.Equal(t, a, b)
	c := md5Challenge(6, "secret", []byte{1, 2, 3})
	assert.NotEqual(t, a, c)
}

func TestDecodeParams_Defaults(t *testing.T) {
	cfg, err := DecodeParams("eth1", true, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "eth1", cfg.AttachInterface)
	assert.Equal(t, "ppp0", cfg.PPPInterface)
	assert.Equal(t, 1, cfg.MaxFail)
	assert.Equal(t, uint16(1492), cfg.MTU)
}
