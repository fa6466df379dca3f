// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcpv6pd

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIaidFor_DerivedFromIfindex(t *testing.T) {
	ifi := &net.Interface{Index: 7}
	iaid := iaidFor(ifi)
	assert.Equal(t, [4]byte{0, 0, 0, 7}, iaid)
}

func TestDecodeParams_Defaults(t *testing.T) {
	cfg, err := DecodeParams("wan0", true, 42.0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(60), cfg.PrefixLength)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, "wan0", cfg.Interface)
}

func TestDecodeParams_Overrides(t *testing.T) {
	raw := json.RawMessage(`{"prefix_length": 56, "request_timeout_sec": 10, "max_backoff_sec": 120}`)
	cfg, err := DecodeParams("wan0", true, 0, raw, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(56), cfg.PrefixLength)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 120*time.Second, cfg.MaxBackoff)
}

func TestDecodeParams_InvalidJSON(t *testing.T) {
	_, err := DecodeParams("wan0", true, 0, json.RawMessage(`{`), nil)
	assert.Error(t, err)
}
