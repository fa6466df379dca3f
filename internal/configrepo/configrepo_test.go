// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configrepo

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestServiceConfig_SetGetRoundtrip(t *testing.T) {
	r := openTestRepo(t)

	err := r.SetServiceConfig(ServiceConfig{Kind: KindMSSClamp, Interface: "eth0", Enable: true, Params: []byte(`{"mss":1400}`)})
	require.NoError(t, err)

	got, err := r.GetServiceConfig(KindMSSClamp, "eth0")
	require.NoError(t, err)
	assert.True(t, got.Enable)
	assert.JSONEq(t, `{"mss":1400}`, string(got.Params))
	assert.NotZero(t, got.UpdateAt)
}

func TestServiceConfig_GetMissingReturnsErrNoRows(t *testing.T) {
	r := openTestRepo(t)
	_, err := r.GetServiceConfig(KindNAT, "wan0")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestServiceConfig_ListOrdersByInterface(t *testing.T) {
	r := openTestRepo(t)
	require.NoError(t, r.SetServiceConfig(ServiceConfig{Kind: KindFirewall, Interface: "eth1"}))
	require.NoError(t, r.SetServiceConfig(ServiceConfig{Kind: KindFirewall, Interface: "eth0"}))

	list, err := r.ListServiceConfigs(KindFirewall)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "eth0", list[0].Interface)
	assert.Equal(t, "eth1", list[1].Interface)
}

func TestServiceConfig_Delete(t *testing.T) {
	r := openTestRepo(t)
	require.NoError(t, r.SetServiceConfig(ServiceConfig{Kind: KindWifi, Interface: "wlan0"}))
	require.NoError(t, r.DeleteServiceConfig(KindWifi, "wlan0"))
	_, err := r.GetServiceConfig(KindWifi, "wlan0")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	err = r.DeleteServiceConfig(KindWifi, "wlan0")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestFlowRule_SetAssignsUUIDWhenEmpty(t *testing.T) {
	r := openTestRepo(t)
	rule, err := r.SetFlowRule(FlowRule{Enable: true, FlowID: 3, TargetIfaceName: "eth0"})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)

	list, err := r.ListFlowRules()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rule.ID, list[0].ID)
}

func TestFlowRule_DeleteMissingReturnsErrNoRows(t *testing.T) {
	r := openTestRepo(t)
	assert.ErrorIs(t, r.DeleteFlowRule("nonexistent"), sql.ErrNoRows)
}

func TestDNSRule_ListByFlowOrdersByIndexAndFiltersDisabled(t *testing.T) {
	r := openTestRepo(t)
	_, err := r.SetDNSRule(DNSRule{Name: "second", Enable: true, Index: 2, FlowID: 1, ResolveMode: "upstream"})
	require.NoError(t, err)
	_, err = r.SetDNSRule(DNSRule{Name: "first", Enable: true, Index: 1, FlowID: 1, ResolveMode: "block"})
	require.NoError(t, err)
	_, err = r.SetDNSRule(DNSRule{Name: "disabled", Enable: false, Index: 0, FlowID: 1, ResolveMode: "block"})
	require.NoError(t, err)

	list, err := r.ListDNSRulesByFlow(1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, "second", list[1].Name)
}

func TestDNSUpstream_SetGetRoundtrip(t *testing.T) {
	r := openTestRepo(t)
	u, err := r.SetDNSUpstream(DNSUpstream{Remark: "cloudflare", Mode: "dot", IPs: []byte(`["1.1.1.1"]`), Port: 853})
	require.NoError(t, err)

	got, err := r.GetDNSUpstream(u.ID)
	require.NoError(t, err)
	assert.Equal(t, "dot", got.Mode)
	assert.JSONEq(t, `["1.1.1.1"]`, string(got.IPs))
}

func TestFirewallRule_ListOnlyReturnsEnabledInIndexOrder(t *testing.T) {
	r := openTestRepo(t)
	_, err := r.SetFirewallRule(FirewallRule{Index: 5, Enable: true, Remark: "late"})
	require.NoError(t, err)
	_, err = r.SetFirewallRule(FirewallRule{Index: 1, Enable: true, Remark: "early"})
	require.NoError(t, err)
	_, err = r.SetFirewallRule(FirewallRule{Index: 0, Enable: false, Remark: "off"})
	require.NoError(t, err)

	list, err := r.ListFirewallRules()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].Remark)
	assert.Equal(t, "late", list[1].Remark)
}

func TestDstIPRule_SetAndList(t *testing.T) {
	r := openTestRepo(t)
	_, err := r.SetDstIPRule(DstIPRule{Index: 1, Enable: true, Source: "geosite:cn", FlowID: 2})
	require.NoError(t, err)

	list, err := r.ListDstIPRules()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "geosite:cn", list[0].Source)
}

func TestNatServiceConfig_SetGetRoundtrip(t *testing.T) {
	r := openTestRepo(t)
	require.NoError(t, r.SetNatServiceConfig(NatServiceConfig{
		Interface: "wan0", Enable: true, TCPRangeStart: 20000, TCPRangeEnd: 29999,
	}))

	got, err := r.GetNatServiceConfig("wan0")
	require.NoError(t, err)
	assert.EqualValues(t, 20000, got.TCPRangeStart)
	assert.EqualValues(t, 29999, got.TCPRangeEnd)
}

func TestStaticNatMapping_ListByWanFiltersIfaceAndEnable(t *testing.T) {
	r := openTestRepo(t)
	_, err := r.SetStaticNatMapping(StaticNatMapping{Enable: true, WanPort: 8080, WanIfaceName: "wan0", LanPort: 80, LanIP: "192.168.1.10"})
	require.NoError(t, err)
	_, err = r.SetStaticNatMapping(StaticNatMapping{Enable: false, WanPort: 8081, WanIfaceName: "wan0", LanPort: 81, LanIP: "192.168.1.11"})
	require.NoError(t, err)
	_, err = r.SetStaticNatMapping(StaticNatMapping{Enable: true, WanPort: 8082, WanIfaceName: "wan1", LanPort: 82, LanIP: "192.168.1.12"})
	require.NoError(t, err)

	list, err := r.ListStaticNatMappingsByWan("wan0")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.EqualValues(t, 8080, list[0].WanPort)
}

func TestIPMacBinding_FindByMac(t *testing.T) {
	r := openTestRepo(t)
	_, err := r.SetIPMacBinding(IPMacBinding{Interface: "lan0", Name: "laptop", Mac: "aa:bb:cc:dd:ee:ff", IPv4: "192.168.1.50"})
	require.NoError(t, err)

	got, err := r.FindIPMacBindingByMac("lan0", "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, "laptop", got.Name)

	_, err = r.FindIPMacBindingByMac("lan0", "00:00:00:00:00:00")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
