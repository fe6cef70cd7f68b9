package pubsub

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestOutboxDropsOldest(t *testing.T) {
	s := NewSubscriber("tok")
	for i := 0; i < outboxSize; i++ {
		if !s.Enqueue([]byte{byte(i)}) {
			t.Fatalf("enqueue %d should not drop", i)
		}
	}
	// One more forces an eviction of the oldest message.
	if s.Enqueue([]byte{0xFF}) {
		t.Fatal("overflow enqueue should report a drop")
	}
	if s.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", s.Dropped())
	}
	first := <-s.Outbox()
	if first[0] != 1 {
		t.Fatalf("oldest surviving message = %d, want 1 (0 evicted)", first[0])
	}
}

func TestRegistryTickOnlySubscribedChannels(t *testing.T) {
	registry := NewRegistry()
	produced := map[string]int{}
	registry.RegisterProducer(ChannelThroughput, func() any {
		produced[ChannelThroughput]++
		return map[string]int{"x": 1}
	})
	registry.RegisterProducer(ChannelFlowCount, func() any {
		produced[ChannelFlowCount]++
		return 7
	})

	s := NewSubscriber("tok")
	s.Subscribe(ChannelThroughput)
	registry.Attach(s)
	defer registry.Detach(s)

	registry.Tick()
	if produced[ChannelThroughput] != 1 {
		t.Fatal("subscribed channel must produce")
	}
	if produced[ChannelFlowCount] != 0 {
		t.Fatal("unsubscribed channel must not produce")
	}

	frame := <-s.Outbox()
	var envelope Envelope
	if err := cbor.Unmarshal(frame, &envelope); err != nil {
		t.Fatalf("envelope decode: %v", err)
	}
	if envelope.Event != "tick" || envelope.Channel != ChannelThroughput {
		t.Fatalf("envelope = %+v", envelope)
	}
	var payload map[string]int
	if err := cbor.Unmarshal(envelope.Data, &payload); err != nil || payload["x"] != 1 {
		t.Fatalf("payload decode: %v %+v", err, payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterProducer(ChannelFlowCount, func() any { return 1 })
	s := NewSubscriber("tok")
	s.Subscribe(ChannelFlowCount)
	registry.Attach(s)
	defer registry.Detach(s)

	registry.Tick()
	<-s.Outbox()

	s.Unsubscribe(ChannelFlowCount)
	registry.Tick()
	select {
	case <-s.Outbox():
		t.Fatal("unsubscribed channel still delivered")
	default:
	}
}
