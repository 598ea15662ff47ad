// Package overlay pushes clip events to broadcaster overlays (browser sources)
// over WebSocket.
//
// Each overlay project id is a topic. A browser source connects to the
// WebSocket endpoint and joins one or more project topics; Broadcaster
// publishes a "newClip" envelope to every project of a tenant. With Redis
// configured, publishes go through RedisRelay so overlays connected to any
// instance receive them.
package overlay

import (
	"context"
	"sync"

	"github.com/onnwee/shoutclip/telemetry"
)

const sendBuffer = 16

// Publisher delivers a payload to every subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type client struct {
	send   chan []byte
	topics map[string]struct{}
	// closed once by the hub; the writer exits when send is closed
	once sync.Once
}

func newClient() *client {
	return &client{send: make(chan []byte, sendBuffer), topics: make(map[string]struct{})}
}

// Hub tracks local subscribers per topic.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*client]struct{}
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		topics:  make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	telemetry.AddOverlaySubscribers(1)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for topic := range c.topics {
		if subs := h.topics[topic]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	c.once.Do(func() { close(c.send) })
	telemetry.AddOverlaySubscribers(-1)
}

func (h *Hub) subscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.topics, topic)
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish delivers payload to local subscribers of topic. It never blocks:
// a subscriber whose buffer is full is disconnected.
func (h *Hub) Publish(_ context.Context, topic string, payload []byte) error {
	h.deliver(topic, payload, "local")
	return nil
}

func (h *Hub) deliver(topic string, payload []byte, source string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.topics[topic] {
		select {
		case c.send <- payload:
			n++
		default:
			h.dropLocked(c)
		}
	}
	if n > 0 {
		telemetry.IncOverlayEvent(source)
	}
	return n
}

// Subscribers returns the number of local subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
