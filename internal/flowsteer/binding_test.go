// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsteer

import (
	"testing"

	"github.com/flywall/routerd/internal/configrepo"
	"github.com/flywall/routerd/internal/logging"
)

// fakeMapWriter is an in-memory MapWriter, standing in for
// ebpf/maps.Writer the way flowsteer.go's MapWriter doc comment says
// tests should.
type fakeMapWriter struct {
	updates map[any]any
	deletes []any
}

func newFakeMapWriter() *fakeMapWriter {
	return &fakeMapWriter{updates: make(map[any]any)}
}

func (f *fakeMapWriter) Update(key, value any) error {
	f.updates[key] = value
	return nil
}

func (f *fakeMapWriter) Delete(key any) error {
	delete(f.updates, key)
	f.deletes = append(f.deletes, key)
	return nil
}

// TestCoreBindAndInstallFirewallRules exercises the path the review
// found missing: New plus a Bind* call plus an Install* call actually
// reaching the bound writer, rather than flowsteer.Core existing with
// no caller anywhere outside its own package.
func TestCoreBindAndInstallFirewallRules(t *testing.T) {
	core := New(logging.WithComponent("flowsteer-test"))
	writer := newFakeMapWriter()
	core.BindFirewallBlockMap(writer)

	rules := []configrepo.FirewallRule{
		{ID: "r1", Index: 1, Enable: true, Items: []byte(`[{"address":"10.0.0.1","prefix":32,"l4_proto":6}]`)},
	}

	if err := core.InstallFirewallRules(rules); err != nil {
		t.Fatalf("InstallFirewallRules: %v", err)
	}
	if len(writer.updates) != 1 {
		t.Fatalf("expected 1 installed firewall key, got %d", len(writer.updates))
	}

	// Disabling the rule must remove its key from the bound writer.
	rules[0].Enable = false
	if err := core.InstallFirewallRules(rules); err != nil {
		t.Fatalf("InstallFirewallRules (disable): %v", err)
	}
	if len(writer.updates) != 0 {
		t.Fatalf("expected firewall key removed after disable, got %d remaining", len(writer.updates))
	}
	if len(writer.deletes) != 1 {
		t.Fatalf("expected 1 delete call, got %d", len(writer.deletes))
	}
}

// TestCoreUnboundInstallIsNoop confirms an Install* call on a Core
// with no writer bound for that sub-contract does not panic — the
// doc comment on New promises this so partial wiring (e.g.
// BindGeoResolver left unset) degrades gracefully instead of crashing
// a Service Instance that only needs a subset of the Core's maps.
func TestCoreUnboundInstallIsNoop(t *testing.T) {
	core := New(logging.WithComponent("flowsteer-test"))
	rules := []configrepo.FirewallRule{
		{ID: "r1", Index: 1, Enable: true, Items: []byte(`[{"address":"10.0.0.1","prefix":32,"l4_proto":6}]`)},
	}
	if err := core.InstallFirewallRules(rules); err != nil {
		t.Fatalf("InstallFirewallRules with no bound writer should not error: %v", err)
	}
}
