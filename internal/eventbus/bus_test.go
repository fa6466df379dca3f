// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_DeliversToSubscriber(t *testing.T) {
	b := New()
	nat := Topic[NatEvent](b, TopicNatEvents, 4, DropOldest)

	sub := nat.Subscribe()
	nat.Publish(NatEvent{Type: NatEventConnect, SrcPort: 1234})

	select {
	case ev := <-sub:
		assert.Equal(t, NatEventConnect, ev.Type)
		assert.Equal(t, uint16(1234), ev.SrcPort)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestTopic_SameNameReturnsSameTopic(t *testing.T) {
	b := New()
	a := Topic[NatEvent](b, TopicNatEvents, 4, DropOldest)
	c := Topic[NatEvent](b, TopicNatEvents, 99, Block)
	assert.Same(t, a, c)
}

func TestTopic_DropOldestNeverBlocksPublisher(t *testing.T) {
	b := New()
	topic := Topic[int](b, "ints", 2, DropOldest)
	sub := topic.Subscribe()

	for i := 0; i < 10; i++ {
		topic.Publish(i)
	}

	// Last value published must be observable; the publisher never blocked.
	var last int
	for {
		select {
		case v := <-sub:
			last = v
		default:
			assert.Equal(t, 9, last)
			return
		}
	}
}

func TestTopic_Unsubscribe(t *testing.T) {
	b := New()
	topic := Topic[int](b, "ints", 2, DropOldest)
	sub := topic.Subscribe()
	topic.Unsubscribe(sub)

	topic.Publish(1)

	_, ok := <-sub
	require.False(t, ok, "channel should be closed after Unsubscribe")
}
