// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ra

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitteredInterval_WithinBounds(t *testing.T) {
	min, max := 3*time.Second, 10*time.Second
	for i := 0; i < 50; i++ {
		got := jitteredInterval(min, max)
		assert.GreaterOrEqual(t, got, min)
		assert.Less(t, got, max)
	}
}

func TestJitteredInterval_DegenerateRange(t *testing.T) {
	assert.Equal(t, 5*time.Second, jitteredInterval(5*time.Second, 5*time.Second))
}

func TestBuildAdvertisement_IncludesPrefixAndRDNSS(t *testing.T) {
	_, network, err := net.ParseCIDR("2001:db8:1::/64")
	require.NoError(t, err)

	cfg := Config{
		Interface:       "eth1",
		Prefixes:        []Prefix{{Network: *network, OnLink: true, Autonomous: true, ValidLifetime: time.Hour, PreferredLifetime: 30 * time.Minute}},
		RDNSS:           []net.IP{net.ParseIP("2001:db8::53")},
		RDNSSLifetime:   time.Minute,
		DefaultLifetime: 1800 * time.Second,
	}
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

	msg := buildAdvertisement(cfg, mac)
	require.Equal(t, 1800*time.Second, msg.RouterLifetime)

	var sawPrefix, sawRDNSS, sawLLA bool
	for _, opt := range msg.Options {
		switch o := opt.(type) {
		case *ndp.PrefixInformation:
			sawPrefix = true
			assert.Equal(t, uint8(64), o.PrefixLength)
			assert.True(t, o.OnLink)
		case *ndp.RecursiveDNSServer:
			sawRDNSS = true
			assert.Len(t, o.Servers, 1)
		case *ndp.LinkLayerAddress:
			sawLLA = true
			assert.Equal(t, ndp.Source, o.Direction)
		}
	}
	assert.True(t, sawPrefix)
	assert.True(t, sawRDNSS)
	assert.True(t, sawLLA)
}

func TestDecodeParams_RoundTrip(t *testing.T) {
	raw := json.RawMessage(`{
		"prefixes": [{"cidr": "2001:db8:2::/64", "on_link": true, "autonomous": true, "valid_lifetime_sec": 3600, "preferred_lifetime_sec": 1800}],
		"rdnss": ["2001:db8::1"],
		"rdnss_lifetime_sec": 60,
		"managed_flag": false,
		"max_interval_sec": 600,
		"min_interval_sec": 200,
		"default_lifetime_sec": 1800
	}`)

	cfg, err := DecodeParams("eth2", true, 123.0, raw)
	require.NoError(t, err)
	assert.Equal(t, "eth2", cfg.Interface)
	assert.True(t, cfg.Enable)
	require.Len(t, cfg.Prefixes, 1)
	assert.Equal(t, "2001:db8:2::", cfg.Prefixes[0].Network.IP.String())
	require.Len(t, cfg.RDNSS, 1)
	assert.Equal(t, 600*time.Second, cfg.MaxInterval)
}

func TestDecodeParams_InvalidPrefix(t *testing.T) {
	raw := json.RawMessage(`{"prefixes": [{"cidr": "not-a-cidr"}]}`)
	_, err := DecodeParams("eth3", true, 0, raw)
	assert.Error(t, err)
}

func TestConfigIntervals_Defaults(t *testing.T) {
	min, max := (Config{}).intervals()
	assert.Equal(t, 600*time.Second, max)
	assert.Equal(t, 200*time.Second, min)
}
