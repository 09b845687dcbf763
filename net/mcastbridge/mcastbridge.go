// Package mcastbridge implements the transport bridge over UDP multicast.
// Every envelope is CBOR-encoded and sent to a multicast group; one group can
// multiplex many logical channels, so envelopes carry the channel name and
// inbound envelopes for other channels are dropped silently.
//
// Multicast loopback must be enabled on the host (it is the default on the
// common stacks) so the sender receives its own datagrams; the presence
// protocol relies on loopback-inclusive delivery.
package mcastbridge

import (
	"context"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"huddle/net/bridge"
	"huddle/swarm/protocol"
)

const readBufferSize = 64 * 1024

// Bridge broadcasts protocol envelopes to a multicast group.
type Bridge struct {
	group string

	mu      sync.Mutex
	channel string
	sinks   bridge.Sinks
	rc      *net.UDPConn
	wc      *net.UDPConn
	cancel  context.CancelFunc
}

// New returns an unconnected bridge for the given multicast group
// ("address:port", e.g. "224.0.0.1:9999").
func New(group string) *Bridge {
	return &Bridge{group: group}
}

func (b *Bridge) Connect(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rc != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp4", b.group)
	if err != nil {
		return fmt.Errorf("mcastbridge: failed to resolve %s: %w", b.group, err)
	}

	rc, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("mcastbridge: failed to create multicast listener: %w", err)
	}

	wc, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		rc.Close()
		return fmt.Errorf("mcastbridge: failed to create multicast writer: %w", err)
	}

	b.channel = channel
	b.rc, b.wc = rc, wc

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.listen(ctx, rc)

	log.Debugf("mcastbridge: joined channel %q on group %s", channel, b.group)
	return nil
}

func (b *Bridge) disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rc == nil {
		return
	}
	b.cancel()
	b.rc.Close()
	b.wc.Close()
	b.rc, b.wc = nil, nil
}

func (b *Bridge) PostMessage(m protocol.ApplicationMessage) {
	b.send(protocol.Envelope{Kind: protocol.KindMessage, Message: &m})
}

func (b *Bridge) SetState(m protocol.ControlMessage) {
	b.send(protocol.Envelope{Kind: protocol.KindState, State: &m})
}

// send serializes and writes the envelope. Failures never propagate to the
// caller: they surface on the error sink.
func (b *Bridge) send(env protocol.Envelope) {
	b.mu.Lock()
	env.Channel = b.channel
	wc := b.wc
	sinks := b.sinks
	b.mu.Unlock()

	data, err := protocol.Encode(&env)
	if err != nil {
		b.sendError(sinks, fmt.Sprintf("payload is not serializable: %v", err))
		return
	}
	if wc == nil {
		b.sendError(sinks, "bridge is not connected")
		return
	}
	if _, err := wc.Write(data); err != nil {
		b.sendError(sinks, err.Error())
	}
}

func (b *Bridge) sendError(sinks bridge.Sinks, msg string) {
	log.Errorf("mcastbridge: send failed: %s", msg)
	if sinks.Errors != nil {
		sinks.Errors(protocol.Error{Type: protocol.ErrTypeSendFailed, Message: msg})
	}
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

// listen reads datagrams until the context is cancelled. Per-datagram
// failures are logged or routed to the error sink; they never stop the loop.
func (b *Bridge) listen(ctx context.Context, rc *net.UDPConn) {
	rc.SetReadBuffer(readBufferSize)
	buf := make([]byte, readBufferSize)
	for {
		n, _, err := rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("mcastbridge: failed to read datagram: %v", err)
			continue
		}
		b.dispatch(buf[:n])
	}
}

func (b *Bridge) dispatch(data []byte) {
	b.mu.Lock()
	sinks, channel := b.sinks, b.channel
	b.mu.Unlock()

	env, err := protocol.Decode(data)
	if err != nil {
		if sinks.Errors != nil {
			sinks.Errors(protocol.Error{Type: protocol.ErrTypeContentMismatch, Message: err.Error()})
		} else {
			log.Debugf("mcastbridge: dropping unrecognized payload: %v", err)
		}
		return
	}
	if env.Channel != channel {
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
