// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netsvc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/flywall/routerd/internal/ebpf/maps"
	"github.com/flywall/routerd/internal/eventbus"
	"github.com/flywall/routerd/internal/logging"
)

// natEventRecord is nat_events' ring-buffer wire layout (spec §4.1):
// fixed-width fields only, no padding surprises across the cgo
// boundary since every field here is already a power-of-two width.
type natEventRecord struct {
	Type      uint8
	L4Proto   uint8
	FlowID    uint8
	_         uint8
	SrcPort   uint16
	DstPort   uint16
	SrcAddr   [4]byte
	DstAddr   [4]byte
	Timestamp uint64
}

// runNatEventReader opens nat_events through reg (sharing the same
// pinned ring buffer every NAT-attached interface's datapath writes
// into) and republishes each record onto bus's TopicNatEvents until
// ctx is cancelled, letting any consumer
// observe connect/disconnect churn without touching the map directly.
func runNatEventReader(ctx context.Context, reg *maps.Registry, bus *eventbus.Bus, iface string) error {
	logger := logging.WithComponent("netsvc-nat-events").With("interface", iface)

	m, err := reg.OpenOrCreate(maps.NatEvents)
	if err != nil {
		return fmt.Errorf("netsvc-nat: %s: open nat_events: %w", iface, err)
	}

	reader, err := ringbuf.NewReader(m)
	if err != nil {
		return fmt.Errorf("netsvc-nat: %s: open nat_events reader: %w", iface, err)
	}

	go func() {
		<-ctx.Done()
		reader.Close()
	}()

	topic := eventbus.Topic[eventbus.NatEvent](bus, eventbus.TopicNatEvents, 0, eventbus.DropOldest)

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Warn("nat_events read error: %v", err)
			continue
		}

		var rec natEventRecord
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &rec); err != nil {
			logger.Warn("nat_events decode error: %v", err)
			continue
		}

		topic.Publish(eventbus.NatEvent{
			Type:      eventbus.NatEventType(rec.Type),
			SrcIP:     net.IP(rec.SrcAddr[:]),
			DstIP:     net.IP(rec.DstAddr[:]),
			SrcPort:   rec.SrcPort,
			DstPort:   rec.DstPort,
			L4Proto:   rec.L4Proto,
			FlowID:    rec.FlowID,
			Timestamp: rec.Timestamp,
		})
	}
}
