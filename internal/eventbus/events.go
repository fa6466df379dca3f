// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventbus

import "net"

// NatEventType is the kind of NAT connection-tracking event observed
// by the datapath.
type NatEventType uint8

const (
	NatEventUnknown NatEventType = iota
	NatEventConnect
	NatEventDisconnect
)

// NatEvent mirrors one nat_events ring-buffer record (§4.1): a single
// flow's connect or disconnect, as seen by the eBPF NAT program.
type NatEvent struct {
	Type      NatEventType
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	L4Proto   uint8
	FlowID    uint8
	Timestamp uint64
}

// RuleEventType distinguishes which kind of rule set changed.
type RuleEventType uint8

const (
	RuleEventDNSRuleChanged RuleEventType = iota
	RuleEventFirewallRuleChanged
	RuleEventNATRuleChanged
	RuleEventFlowRuleChanged
	RuleEventGeositeUpdated
)

// RuleEvent notifies the Flow-Steering Core that a configuration
// change needs to be re-materialized into the Map Registry.
type RuleEvent struct {
	Type      RuleEventType
	Interface string // empty if the change is not interface-scoped
}

// DockerEventAction is the subset of Docker lifecycle events the
// Flow Target resolver cares about.
type DockerEventAction string

const (
	DockerContainerStart    DockerEventAction = "start"
	DockerContainerStop     DockerEventAction = "stop"
	DockerContainerDie      DockerEventAction = "die"
	DockerNetworkConnect    DockerEventAction = "network_connect"
	DockerNetworkDisconnect DockerEventAction = "network_disconnect"
)

// DockerEvent is a lifecycle event relevant to resolving a flow
// target's `container:<name>` address (§3 Flow target, §4.6).
type DockerEvent struct {
	Action      DockerEventAction
	ContainerID string
	Name        string
	NetworkID   string
	IP          net.IP
}

// LinkEventType is the kind of netlink link-state change observed.
type LinkEventType uint8

const (
	LinkUp LinkEventType = iota
	LinkDown
	LinkAdded
	LinkRemoved
)

// LinkEvent notifies the Service Manager of an interface coming up,
// going down, appearing, or disappearing, per spec §2's "link events"
// trigger for reconfiguration.
type LinkEvent struct {
	Type      LinkEventType
	Interface string
	Ifindex   int
}

// Topic names. Kept as constants so every producer/consumer opens the
// exact same topic rather than risking a typo splitting one logical
// stream into two.
const (
	TopicNatEvents    = "nat_events"
	TopicRuleEvents   = "rule_events"
	TopicDockerEvents = "docker_events"
	TopicLinkEvents   = "link_events"
)
