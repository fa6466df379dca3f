// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMSSClampParams_Defaults(t *testing.T) {
	cfg, err := DecodeMSSClampParams("eth1", true, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(1492), cfg.ClampMSS)
}

func TestDecodeMSSClampParams_Override(t *testing.T) {
	cfg, err := DecodeMSSClampParams("eth1", true, 0, []byte(`{"clamp_mss":1350}`))
	require.NoError(t, err)
	assert.Equal(t, uint16(1350), cfg.ClampMSS)
}

func TestDecodeRouteWANParams_Defaults(t *testing.T) {
	cfg, err := DecodeRouteWANParams("ppp0", true, 0, []byte(`{"gateway":"10.0.0.1","metric":100}`))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Gateway.String())
	assert.Equal(t, 100, cfg.Metric)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
}

func TestDecodeRouteWANParams_NoGateway(t *testing.T) {
	cfg, err := DecodeRouteWANParams("ppp0", true, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.Gateway)
}

func TestDecodeRouteLANParams_ParsesCIDR(t *testing.T) {
	cfg, err := DecodeRouteLANParams("br-lan", true, 0, []byte(`{"cidr":"192.168.1.0/24","table":100}`))
	require.NoError(t, err)
	require.NotNil(t, cfg.CIDR)
	assert.Equal(t, "192.168.1.0/24", cfg.CIDR.String())
	assert.Equal(t, 100, cfg.Table)
}

func TestDecodeIfaceIPParams_PreservesHostAddress(t *testing.T) {
	cfg, err := DecodeIfaceIPParams("br-lan", true, 0, []byte(`{"cidr":"192.168.1.1/24"}`))
	require.NoError(t, err)
	require.NotNil(t, cfg.CIDR)
	assert.Equal(t, "192.168.1.1", cfg.CIDR.IP.String())
	ones, _ := cfg.CIDR.Mask.Size()
	assert.Equal(t, 24, ones)
}

func TestDecodeIfaceIPParams_RequiresCIDR(t *testing.T) {
	_, err := DecodeIfaceIPParams("br-lan", true, 0, nil)
	assert.Error(t, err)
}

func TestDecodeWifiParams_Defaults(t *testing.T) {
	cfg, err := DecodeWifiParams("wlan0", true, 0, []byte(`{"ssid":"routerd"}`))
	require.NoError(t, err)
	assert.Equal(t, "routerd", cfg.SSID)
	assert.Equal(t, 6, cfg.Channel)
	assert.Equal(t, "/var/run/hostapd/wlan0", cfg.ControlSocketPath)
}
