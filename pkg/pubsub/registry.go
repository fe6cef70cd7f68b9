// Package pubsub fans live telemetry out to subscribed clients: a
// registry of named channels, per-tick producers, and bounded
// per-subscriber outboxes with drop-oldest backpressure.
package pubsub

import (
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/openshaper/shaperd/pkg/log"
	"github.com/openshaper/shaperd/pkg/metrics"
)

// Channel names.
const (
	ChannelThroughput        = "throughput"
	ChannelTopDownloads      = "top_downloads"
	ChannelWorstRtt          = "worst_rtt"
	ChannelFlowCount         = "flow_count"
	ChannelNetworkTree       = "network_tree"
	ChannelExecutiveHeatmaps = "executive_heatmaps"
	ChannelCakeMarks         = "cake_marks"
)

// Producer computes one tick's payload for a channel.
type Producer func() any

// Envelope is the self-describing message wrapper every published
// frame uses.
type Envelope struct {
	Event   string          `cbor:"event"`
	Channel string          `cbor:"channel,omitempty"`
	Data    cbor.RawMessage `cbor:"data,omitempty"`
}

// Registry owns the channel table and the subscriber set.
type Registry struct {
	mu          sync.Mutex
	producers   map[string]Producer
	subscribers map[*Subscriber]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		producers:   make(map[string]Producer),
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// RegisterProducer installs the payload source for a channel.
func (r *Registry) RegisterProducer(channel string, producer Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[channel] = producer
}

// Attach adds a subscriber to the fan-out set.
func (r *Registry) Attach(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[s] = struct{}{}
}

// Detach removes a subscriber.
func (r *Registry) Detach(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, s)
}

// KnownChannel reports whether a channel has a producer.
func (r *Registry) KnownChannel(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[channel]
	return ok
}

// Tick runs the producers for every channel with at least one
// subscriber and enqueues the encoded payload per subscriber.
func (r *Registry) Tick() {
	r.mu.Lock()
	subscribers := make([]*Subscriber, 0, len(r.subscribers))
	for s := range r.subscribers {
		subscribers = append(subscribers, s)
	}
	producers := make(map[string]Producer, len(r.producers))
	for name, p := range r.producers {
		producers[name] = p
	}
	r.mu.Unlock()

	wanted := make(map[string][]*Subscriber)
	for _, s := range subscribers {
		for _, channel := range s.Channels() {
			wanted[channel] = append(wanted[channel], s)
		}
	}

	for channel, audience := range wanted {
		producer, ok := producers[channel]
		if !ok {
			continue
		}
		data, err := cbor.Marshal(producer())
		if err != nil {
			log.Logger.Error().Str("channel", channel).Err(err).Msg("channel payload encode failed")
			continue
		}
		frame, err := cbor.Marshal(Envelope{Event: "tick", Channel: channel, Data: data})
		if err != nil {
			continue
		}
		for _, s := range audience {
			if !s.Enqueue(frame) {
				metrics.PubsubDrops.Inc()
			}
		}
	}
}
