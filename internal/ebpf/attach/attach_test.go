// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package attach

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "unattached", Unattached.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "loaded", Loaded.String())
	assert.Equal(t, "attached", Attached.String())
	assert.Equal(t, "detached", Detached.String())
}

func TestNew_StartsUnattached(t *testing.T) {
	a := New("eth0")
	assert.Equal(t, Unattached, a.State())
}

func TestOpen_InvalidObject(t *testing.T) {
	a := New("eth0")
	err := a.Open([]byte("not an elf object"))
	assert.Error(t, err)
	assert.Equal(t, Unattached, a.State())
}

func TestLoad_RequiresOpenState(t *testing.T) {
	a := New("eth0")
	err := a.Load(nil)
	assert.Error(t, err)
}

func TestAttach_RequiresLoadedState(t *testing.T) {
	a := New("eth0")
	err := a.Attach(nil)
	assert.Error(t, err)
}

func TestDetach_RequiresAttachedState(t *testing.T) {
	a := New("eth0")
	err := a.Detach()
	assert.Error(t, err)
}

func TestSortedHooks_OrdersByPriority(t *testing.T) {
	hooks := []HookSpec{
		{Program: "nat_egress", Priority: PriorityNATEgress, Direction: Egress},
		{Program: "pppoe_decap", Priority: PriorityPPPoEDecap, Direction: Ingress},
		{Program: "firewall_ingress", Priority: PriorityFirewallIngress, Direction: Ingress},
	}

	ordered := sortedHooks(hooks)

	assert.Equal(t, "pppoe_decap", ordered[0].Program)
	assert.Equal(t, "firewall_ingress", ordered[1].Program)
	assert.Equal(t, "nat_egress", ordered[2].Program)
}

func TestSortedHooks_DoesNotMutateInput(t *testing.T) {
	hooks := []HookSpec{
		{Program: "b", Priority: 90},
		{Program: "a", Priority: 10},
	}
	_ = sortedHooks(hooks)
	assert.Equal(t, "b", hooks[0].Program)
}
