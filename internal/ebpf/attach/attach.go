// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package attach implements the Datapath Attachment Layer: the state
// machine that takes a compiled eBPF object, loads its programs and
// maps into the kernel, and attaches its TC programs to an interface
// in a fixed priority order so that PPPoE decapsulation, firewall,
// NAT and MSS clamping run in the sequence the datapath expects on
// both ingress and egress.
package attach

import (
	"fmt"
	"net"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/logging"
)

// State is a point in the attachment lifecycle of one interface's
// datapath program set.
type State int

const (
	// Unattached: no collection loaded for this interface.
	Unattached State = iota
	// Open: the compiled object has been parsed into a CollectionSpec
	// but nothing has been loaded into the kernel yet.
	Open
	// Loaded: programs and maps exist in the kernel, pinned and
	// available for the Map Registry, but no TC hook has a link yet.
	Loaded
	// Attached: every TC program this interface's role requires has a
	// live link at its assigned priority.
	Attached
	// Detached: every link was closed; the kernel objects may still be
	// pinned (see Map Registry) but this interface no longer runs them.
	Detached
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Open:
		return "open"
	case Loaded:
		return "loaded"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Priority fixes the TC hook ordering a Datapath Attachment must
// respect: lower values run first. Ingress and egress each have their
// own total order; a program is only attached at the priorities its
// direction needs.
type Priority uint32

const (
	PriorityPPPoEDecap      Priority = 10 // ingress: strip PPPoE framing before anything else sees the payload
	PriorityFirewallIngress Priority = 20 // ingress: firewall_block_map / flow_match_map decision
	PriorityNATIngress      Priority = 30 // ingress: undo NAT translation for return traffic
	PriorityMSSClampIngress Priority = 40 // ingress: clamp MSS on inbound SYN/SYN-ACK

	PriorityMSSClampEgress Priority = 40 // egress: clamp MSS on outbound SYN
	PriorityFirewallEgress Priority = 50 // egress: outbound firewall decision
	PriorityNATEgress      Priority = 60 // egress: apply NAT translation
	PriorityPPPoEEncap     Priority = 70 // egress: add PPPoE framing last, after translation
	PriorityPPPoEMTUFilter Priority = 80 // egress: clamp/fragment per PPPoE's reduced MTU
)

// Direction is the TC attach direction for one hook.
type Direction int

const (
	Ingress Direction = iota
	Egress
)

// HookSpec names one TC program within the compiled object and the
// priority/direction pair it must be attached at.
type HookSpec struct {
	Program   string
	Priority  Priority
	Direction Direction
}

// Attachment is the Datapath Attachment Layer for a single network
// interface: one compiled object, loaded once, attached/detached as
// the interface's owning service starts and stops.
type Attachment struct {
	mu         sync.Mutex
	iface      string
	state      State
	spec       *ebpf.CollectionSpec
	collection *ebpf.Collection
	registry   *maps.Registry
	shared     map[string]bool // map names backed by the Registry's pinned maps, not owned by this Attachment
	links      map[string]link.Link // program name -> live TCX link
	logger     *logging.Logger
}

// New returns an Attachment for iface in the Unattached state.
func New(iface string) *Attachment {
	return &Attachment{
		iface:  iface,
		state:  Unattached,
		links:  make(map[string]link.Link),
		logger: logging.WithComponent("ebpf-attach").With("interface", iface),
	}
}

// State returns the current lifecycle state.
func (a *Attachment) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Open parses object into a CollectionSpec without loading it into
// the kernel. Valid only from Unattached or Detached.
func (a *Attachment) Open(object []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Unattached && a.state != Detached {
		return fmt.Errorf("attach: %s: cannot open from state %s", a.iface, a.state)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytesReader(object))
	if err != nil {
		return fmt.Errorf("attach: %s: parse object: %w", a.iface, err)
	}

	a.spec = spec
	a.state = Open
	return nil
}

// OpenSpec is Open for callers that already hold a parsed
// CollectionSpec — the shape bpf2go-generated loaders (e.g.
// programs.LoadTcOffload) hand back — instead of a raw object reader.
// Valid only from Unattached or Detached.
func (a *Attachment) OpenSpec(spec *ebpf.CollectionSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Unattached && a.state != Detached {
		return fmt.Errorf("attach: %s: cannot open from state %s", a.iface, a.state)
	}

	a.spec = spec
	a.state = Open
	return nil
}

// Load instantiates the spec's programs in the kernel against reg's
// process-wide pinned maps: every map name the spec declares that the
// Map Registry also knows is substituted with the Registry's pinned
// instance via MapReplacements (spec §4.1's process-scoped Map
// Registry invariant — two interfaces attaching the same collection
// share firewall_block_map, flow_match_map, etc. rather than each
// creating its own). Any map the spec declares that the Registry
// doesn't recognize by name (the collection's own scratch/per-program
// maps, e.g. tc_stats_map) is left for the kernel to create normally
// and adopted into reg afterward so Close can still account for it.
// Valid only from Open.
func (a *Attachment) Load(reg *maps.Registry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Open {
		return fmt.Errorf("attach: %s: cannot load from state %s", a.iface, a.state)
	}

	if err := VerifyKernelSupport(); err != nil {
		return fmt.Errorf("attach: %s: %w", a.iface, err)
	}

	names := make([]string, 0, len(a.spec.Maps))
	for name := range a.spec.Maps {
		names = append(names, name)
	}

	replacements, err := reg.Replacements(names)
	if err != nil {
		return fmt.Errorf("attach: %s: open registry maps: %w", a.iface, err)
	}

	collection, err := ebpf.NewCollectionWithOptions(a.spec, ebpf.CollectionOptions{
		MapReplacements: replacements,
	})
	if err != nil {
		return fmt.Errorf("attach: %s: load collection: %w", a.iface, err)
	}

	shared := make(map[string]bool, len(replacements))
	for name, m := range collection.Maps {
		if _, reused := replacements[name]; reused {
			shared[name] = true
			continue
		}
		reg.Adopt(name, m)
	}

	a.collection = collection
	a.registry = reg
	a.shared = shared
	a.state = Loaded
	return nil
}

// Attach installs every hook in hooks as a TC filter on this
// interface, in priority order within each direction. Valid only from
// Loaded or Attached (to add more hooks to an already-attached
// interface, e.g. enabling PPPoE mid-flight).
func (a *Attachment) Attach(hooks []HookSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Loaded && a.state != Attached {
		return fmt.Errorf("attach: %s: cannot attach from state %s", a.iface, a.state)
	}

	ifaceObj, err := net.InterfaceByName(a.iface)
	if err != nil {
		return fmt.Errorf("attach: %s: lookup interface: %w", a.iface, err)
	}

	ordered := sortedHooks(hooks)
	for _, h := range ordered {
		if _, exists := a.links[h.Program]; exists {
			continue
		}

		prog, ok := a.collection.Programs[h.Program]
		if !ok {
			return fmt.Errorf("attach: %s: program %s not present in collection", a.iface, h.Program)
		}

		attachType := ebpf.AttachTCXIngress
		if h.Direction == Egress {
			attachType = ebpf.AttachTCXEgress
		}

		lnk, err := link.AttachTCX(link.TCXOptions{
			Program:   prog,
			Interface: ifaceObj.Index,
			Attach:    attachType,
		})
		if err != nil {
			return fmt.Errorf("attach: %s: attach %s at priority %d: %w", a.iface, h.Program, h.Priority, err)
		}

		a.links[h.Program] = lnk
		a.logger.Debug("attached %s priority=%d direction=%v", h.Program, h.Priority, h.Direction)
	}

	a.state = Attached
	return nil
}

// Detach closes every TC link for this interface but leaves the
// kernel collection and its pinned maps in place, matching the spec's
// Attached->Detached transition (maps survive so in-flight state like
// NAT bindings is not lost on a service restart).
func (a *Attachment) Detach() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Attached {
		return fmt.Errorf("attach: %s: cannot detach from state %s", a.iface, a.state)
	}

	var firstErr error
	for name, lnk := range a.links {
		if err := lnk.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("attach: %s: detach %s: %w", a.iface, name, err)
		}
	}
	a.links = make(map[string]link.Link)

	a.state = Detached
	return firstErr
}

// Close tears down everything: links, then the kernel collection
// itself. After Close the Attachment is Unattached and Open may be
// called again with a new (or the same) object.
func (a *Attachment) Close() error {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	if state == Attached {
		if err := a.Detach(); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.collection != nil {
		// Registry-backed maps (firewall_block_map, flow_match_map, ...)
		// are pinned and shared across every interface's Attachment; only
		// this Attachment's programs and its own scratch maps are ours to
		// close. Closing a shared map here would yank it out from under
		// every other interface still attached.
		for _, prog := range a.collection.Programs {
			prog.Close()
		}
		for name, m := range a.collection.Maps {
			if a.shared[name] {
				continue
			}
			m.Close()
		}
		a.collection = nil
		a.shared = nil
	}
	a.spec = nil
	a.state = Unattached
	return nil
}

func sortedHooks(hooks []HookSpec) []HookSpec {
	out := make([]HookSpec, len(hooks))
	copy(out, hooks)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
