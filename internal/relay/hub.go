// Package relay is the rendezvous service peers use to find each other. It
// is a topic pub/sub over websocket: it never authenticates, never inspects
// payloads and keeps no state beyond the live subscriptions.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultSendBuffer = 64

// Bridge shares publishes with other relay instances.
type Bridge interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Run delivers messages published by other instances until ctx ends.
	Run(ctx context.Context, deliver func(topic string, data []byte)) error
}

type Options struct {
	Logger zerolog.Logger
	Bridge Bridge
	// SendBuffer bounds queued outbound messages per connection. A
	// connection that falls further behind is closed.
	SendBuffer int
	// MaxMessageBytes bounds one inbound websocket message.
	MaxMessageBytes int64
}

// Stats are safe to expose: they carry no topic names or payloads.
type Stats struct {
	Topics      int    `json:"topics"`
	Connections int    `json:"connections"`
	Published   uint64 `json:"published"`
}

type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Conn]struct{}
	conns  map[*Conn]struct{}

	published atomic.Uint64
	bridge    Bridge
	opts      Options
	logger    zerolog.Logger
}

func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = maxMessageSize
	}
	return &Hub{
		topics: make(map[string]map[*Conn]struct{}),
		conns:  make(map[*Conn]struct{}),
		bridge: opts.Bridge,
		opts:   opts,
		logger: opts.Logger,
	}
}

// RunBridge forwards remote publishes to local subscribers until ctx ends.
// It returns immediately when no bridge is configured.
func (h *Hub) RunBridge(ctx context.Context) error {
	if h.bridge == nil {
		return nil
	}
	return h.bridge.Run(ctx, func(topic string, data []byte) {
		h.deliver(topic, data, nil)
	})
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) subscribe(c *Conn, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		subs, ok := h.topics[topic]
		if !ok {
			subs = make(map[*Conn]struct{})
			h.topics[topic] = subs
		}
		subs[c] = struct{}{}
		c.topics[topic] = struct{}{}
	}
}

func (h *Hub) unsubscribe(c *Conn, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		h.removeLocked(c, topic)
	}
}

func (h *Hub) removeLocked(c *Conn, topic string) {
	delete(c.topics, topic)
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// leave drops c from every topic it joined.
func (h *Hub) leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range c.topics {
		h.removeLocked(c, topic)
	}
	delete(h.conns, c)
}

// publish forwards a message to every other subscriber of its topic with
// the receiver count appended, then mirrors it to the bridge.
func (h *Hub) publish(from *Conn, topic string, raw map[string]json.RawMessage) {
	h.mu.RLock()
	clients := len(h.topics[topic])
	h.mu.RUnlock()

	count, _ := json.Marshal(clients)
	raw["clients"] = count
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	h.published.Add(1)
	h.deliver(topic, data, from)

	if h.bridge != nil {
		if err := h.bridge.Publish(context.Background(), topic, data); err != nil {
			h.logger.Warn().Err(err).Msg("Bridge publish failed")
		}
	}
}

func (h *Hub) deliver(topic string, data []byte, except *Conn) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Debug().Str("conn", c.id).Msg("Subscriber too slow, closing")
			c.Close()
		}
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Topics:      len(h.topics),
		Connections: len(h.conns),
		Published:   h.published.Load(),
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
