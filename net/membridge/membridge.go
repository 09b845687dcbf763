// Package membridge is an in-process transport bridge. A Hub connects every
// bridge that joined the same channel name within one process and delivers
// each envelope to all of them, the sender included. It is the reference
// transport for same-process peers and the broadcast fake used by tests.
package membridge

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"huddle/net/bridge"
	"huddle/swarm/protocol"
)

// Hub is the rendezvous point for in-process bridges. The zero value is not
// usable; construct with NewHub.
type Hub struct {
	mu       sync.Mutex
	channels map[string][]*Bridge
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string][]*Bridge)}
}

var defaultHub = NewHub()

// Default returns the process-wide hub. It plays the role of the browser
// broadcast primitive: contexts that name the same channel find each other
// with no further configuration. Tests should construct their own hubs.
func Default() *Hub {
	return defaultHub
}

// NewBridge returns an unconnected bridge bound to the hub.
func (h *Hub) NewBridge() *Bridge {
	return &Bridge{hub: h}
}

// Inject delivers an arbitrary envelope to every bridge on the channel,
// bypassing the send path. Injecting an envelope with an unknown kind drives
// the unrecognized-payload handling of every receiver.
func (h *Hub) Inject(channel string, env protocol.Envelope) {
	h.broadcast(channel, env)
}

func (h *Hub) attach(b *Bridge, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[channel] = append(h.channels[channel], b)
}

func (h *Hub) detach(b *Bridge, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[channel]
	for i, m := range members {
		if m == b {
			h.channels[channel] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

// broadcast delivers env to every bridge on the channel, the sender included.
// Delivery is synchronous in the caller's goroutine.
func (h *Hub) broadcast(channel string, env protocol.Envelope) {
	h.mu.Lock()
	members := make([]*Bridge, len(h.channels[channel]))
	copy(members, h.channels[channel])
	h.mu.Unlock()

	for _, b := range members {
		b.deliver(env)
	}
}

// Bridge is one endpoint on a Hub.
type Bridge struct {
	hub *Hub

	mu        sync.Mutex
	channel   string
	connected bool
	sinks     bridge.Sinks
}

func (b *Bridge) Connect(channel string) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.channel = channel
	b.connected = true
	b.mu.Unlock()

	b.hub.attach(b, channel)
	return nil
}

func (b *Bridge) disconnect() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	channel := b.channel
	b.mu.Unlock()

	b.hub.detach(b, channel)
}

func (b *Bridge) PostMessage(m protocol.ApplicationMessage) {
	b.send(protocol.Envelope{Kind: protocol.KindMessage, Message: &m})
}

func (b *Bridge) SetState(m protocol.ControlMessage) {
	b.send(protocol.Envelope{Kind: protocol.KindState, State: &m})
}

func (b *Bridge) send(env protocol.Envelope) {
	b.mu.Lock()
	connected, channel, sinks := b.connected, b.channel, b.sinks
	b.mu.Unlock()

	if !connected {
		if sinks.Errors != nil {
			sinks.Errors(protocol.Error{Type: protocol.ErrTypeSendFailed, Message: "bridge is not connected"})
		}
		return
	}
	b.hub.broadcast(channel, env)
}

func (b *Bridge) Subscribe(s bridge.Sinks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = s
}

func (b *Bridge) Destroy() {
	b.mu.Lock()
	b.sinks = bridge.Sinks{}
	b.mu.Unlock()
	b.disconnect()
}

func (b *Bridge) deliver(env protocol.Envelope) {
	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()

	if err := env.Validate(); err != nil {
		if sinks.Errors != nil {
			sinks.Errors(protocol.Error{Type: protocol.ErrTypeContentMismatch, Message: err.Error()})
		} else {
			log.Debugf("membridge: dropping unrecognized payload: %v", err)
		}
		return
	}

	switch env.Kind {
	case protocol.KindMessage:
		if sinks.Messages != nil {
			sinks.Messages(*env.Message)
		}
	case protocol.KindState:
		if sinks.State != nil {
			sinks.State(*env.State)
		}
	}
}
