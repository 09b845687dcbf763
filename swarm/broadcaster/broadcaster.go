// Package broadcaster implements the peer presence and messaging protocol:
// one Broadcaster per joined channel per execution context. A broadcaster
// owns a locally generated identity, tracks every peer on its channel in an
// in-memory directory, detects peer death via heartbeats and exposes an
// at-most-once, self-excluding message bus.
//
// No condition arising from remote peer activity or transport failure ever
// propagates out of a public operation: such conditions are either absorbed
// or redirected to the error stream, and the channel stays open.
package broadcaster

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"

	"huddle/datamodel/peer"
	"huddle/helper/fanout"
	"huddle/net/bridge"
	"huddle/pid"
	"huddle/swarm/protocol"
	"huddle/telemetry"
)

// Broadcaster is the externally visible unit: identity, lifecycle and the
// public operations. Lifecycle is Open (from New) to Closed (from Close),
// and Closed is terminal.
type Broadcaster struct {
	id        string
	createdAt time.Time
	settings  Settings
	clock     clock.Clock
	log       *log.Entry
	cancel    context.CancelFunc

	messages *fanout.Registry[protocol.ApplicationMessage]
	peers    *fanout.Registry[[]peer.Descriptor]
	errors   *fanout.Registry[protocol.Error]

	mu       sync.Mutex
	closed   bool
	metadata peer.Metadata
	dir      directory
}

// New opens a broadcaster on the configured channel: it generates an
// identity, registers the local descriptor, connects the bridge, announces
// itself and starts the liveness timers. The only errors it returns are
// configuration mistakes and bridge connection failures.
func New(settings Settings) (*Broadcaster, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	settings = settings.withDefaults()

	b := &Broadcaster{
		id:       pid.New(),
		settings: settings,
		clock:    settings.Clock,
		metadata: settings.Metadata,
		messages: fanout.New[protocol.ApplicationMessage](),
		peers:    fanout.NewReplay[[]peer.Descriptor](),
		errors:   fanout.New[protocol.Error](),
	}
	b.createdAt = b.clock.Now()
	b.log = log.WithFields(log.Fields{"channel": settings.Channel, "peer": b.id})

	// The local descriptor enters the directory before any network
	// activity, bypassing the from==self filter.
	self := peer.Descriptor{ID: b.id, CreatedAt: b.createdAt, Metadata: b.metadata}
	b.applyState(protocol.ControlMessage{From: b.id, Type: protocol.Connected, State: &self}, true)

	settings.Bridge.Subscribe(bridge.Sinks{
		Messages: b.handleMessage,
		State:    b.handleState,
		Errors:   b.handleError,
	})
	if err := settings.Bridge.Connect(settings.Channel); err != nil {
		settings.Bridge.Destroy()
		return nil, err
	}

	b.settings.Bridge.SetState(protocol.ControlMessage{From: b.id, Type: protocol.Connected, State: &self})

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.runHealthBeacon(ctx)
	if !settings.DisableGarbageCollector {
		go b.runGarbageCollector(ctx)
	}

	b.log.Debugf("joined channel %q", settings.Channel)

	if settings.OnInit != nil {
		settings.OnInit(b)
	}
	return b, nil
}

// ID returns the broadcaster's immutable peer identity.
func (b *Broadcaster) ID() string {
	return b.id
}

// Channel returns the channel name this broadcaster joined.
func (b *Broadcaster) Channel() string {
	return b.settings.Channel
}

// PostMessage sends payload to the named peers, or to every peer when no
// recipient is given. On a closed broadcaster it is a logged no-op: the
// caller cannot cause any remote side effect once disconnected.
func (b *Broadcaster) PostMessage(payload any, to ...string) {
	if b.rejectIfClosed("postMessage") {
		return
	}
	if f := b.settings.Before; f != nil {
		payload = f(payload)
	}
	telemetry.MessagesPublished.WithLabelValues(b.settings.Channel).Inc()
	b.settings.Bridge.PostMessage(protocol.ApplicationMessage{From: b.id, To: to, Payload: payload})
}

// UpdateMetadata replaces the metadata the local peer publishes and
// broadcasts the change.
func (b *Broadcaster) UpdateMetadata(metadata peer.Metadata) {
	b.updateMetadata(func(peer.Metadata) peer.Metadata { return metadata })
}

// UpdateMetadataFunc derives the new metadata from the current value.
func (b *Broadcaster) UpdateMetadataFunc(update func(current peer.Metadata) peer.Metadata) {
	b.updateMetadata(update)
}

func (b *Broadcaster) updateMetadata(update func(peer.Metadata) peer.Metadata) {
	if b.rejectIfClosed("updateMetadata") {
		return
	}

	// The local entry is reconciled directly: the instance's own state is
	// never round-tripped through the transport.
	b.mu.Lock()
	b.metadata = update(b.metadata)
	self := peer.Descriptor{
		ID:         b.id,
		CreatedAt:  b.createdAt,
		Metadata:   b.metadata,
		LastUpdate: b.clock.Now(),
	}
	b.dir.upsert(self)
	snap := b.dir.snapshot()
	b.mu.Unlock()

	telemetry.StateUpdates.WithLabelValues(b.settings.Channel, protocol.Updated.String()).Inc()
	b.peers.Publish(snap)
	b.settings.Bridge.SetState(protocol.ControlMessage{From: b.id, Type: protocol.Updated, State: &self})
}

// FindPeer returns the descriptor for the given id, if known. Unknown ids
// are not an error.
func (b *Broadcaster) FindPeer(id string) (peer.Descriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dir.find(id)
}

// Peers returns a fresh copy of the current directory, self included.
func (b *Broadcaster) Peers() []peer.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dir.snapshot()
}

// SubscribeMessages registers a consumer for inbound application messages.
// The optional callback fires once when the broadcaster closes.
func (b *Broadcaster) SubscribeMessages(onNext func(protocol.ApplicationMessage), onComplete ...func()) *fanout.Subscription {
	return b.messages.Subscribe(onNext, onComplete...)
}

// SubscribePeers registers a consumer for directory snapshots. The current
// snapshot is replayed synchronously on subscribe.
func (b *Broadcaster) SubscribePeers(onNext func([]peer.Descriptor), onComplete ...func()) *fanout.Subscription {
	return b.peers.Subscribe(onNext, onComplete...)
}

// SubscribeErrors registers a consumer for transport errors. Without any
// subscriber errors are dropped; they never close the channel.
func (b *Broadcaster) SubscribeErrors(onNext func(protocol.Error), onComplete ...func()) *fanout.Subscription {
	return b.errors.Subscribe(onNext, onComplete...)
}

// UnsubscribeMessages removes message consumers by function reference, the
// symmetric form of SubscribeMessages.
func (b *Broadcaster) UnsubscribeMessages(onNext func(protocol.ApplicationMessage)) {
	b.messages.Unsubscribe(onNext)
}

func (b *Broadcaster) UnsubscribePeers(onNext func([]peer.Descriptor)) {
	b.peers.Unsubscribe(onNext)
}

func (b *Broadcaster) UnsubscribeErrors(onNext func(protocol.Error)) {
	b.errors.Unsubscribe(onNext)
}

// Close leaves the channel: it announces the departure, stops both timers,
// completes every subscription and tears down the bridge. Closing twice is a
// logged no-op.
func (b *Broadcaster) Close() {
	b.close(false)
}

// close is the internal teardown; silent bypasses the already-closed
// diagnostic for forced teardown paths.
func (b *Broadcaster) close(silent bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if !silent {
			b.log.Warn("close called on a closed broadcaster, ignoring")
		}
		return
	}
	b.closed = true
	b.dir.clear()
	b.mu.Unlock()

	b.settings.Bridge.SetState(protocol.ControlMessage{From: b.id, Type: protocol.Disconnected})
	b.cancel()
	b.messages.Close()
	b.peers.Close()
	b.errors.Close()
	b.settings.Bridge.Destroy()
	telemetry.PeersLive.WithLabelValues(b.settings.Channel).Set(0)

	b.log.Debugf("left channel %q", b.settings.Channel)

	if b.settings.OnClose != nil {
		b.settings.OnClose(b)
	}
}

// rejectIfClosed reports whether the broadcaster is closed and, if so, emits
// the misuse diagnostic. Misuse after close is a caller bug, not a runtime
// condition peers should react to, so it goes to the log rather than the
// error stream.
func (b *Broadcaster) rejectIfClosed(op string) bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		b.log.Warnf("%s called on a closed broadcaster, ignoring", op)
	}
	return closed
}

// handleMessage is the inbound application message sink.
func (b *Broadcaster) handleMessage(m protocol.ApplicationMessage) {
	if m.From == b.id {
		// Loopback of our own send; never delivered to self.
		return
	}
	if !m.AddressedTo(b.id) {
		return
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	if f := b.settings.After; f != nil {
		m.Payload = f(m.Payload)
	}
	telemetry.MessagesDelivered.WithLabelValues(b.settings.Channel).Inc()
	b.messages.Publish(m)
}

// handleState is the inbound control message sink.
func (b *Broadcaster) handleState(m protocol.ControlMessage) {
	b.applyState(m, false)
}

// handleError is the inbound transport error sink.
func (b *Broadcaster) handleError(e protocol.Error) {
	telemetry.TransportErrors.WithLabelValues(b.settings.Channel, e.Type).Inc()
	b.errors.Publish(e)
}

// applyState is the reconciliation function: it applies a control message to
// the directory deterministically. local marks the initial self-registration,
// which bypasses the from==self filter because it originates here.
//
// Bridge sends and snapshot publication happen outside the lock, so the
// synchronous CONNECTED reply and subscriber callbacks can re-enter the
// public API without deadlocking.
func (b *Broadcaster) applyState(m protocol.ControlMessage, local bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if m.To != "" && m.To != b.id {
		b.mu.Unlock()
		return
	}
	if m.From == b.id && !local {
		b.mu.Unlock()
		return
	}

	now := b.clock.Now()
	changed := false
	var reply *protocol.ControlMessage

	switch m.Type {
	case protocol.Connected:
		if m.State != nil {
			e := *m.State
			e.LastUpdate = now
			b.dir.upsert(e)
			changed = true
		}
		if !local {
			// Answer the newcomer directly so it learns about this
			// pre-existing peer. Every existing peer does the same.
			self, ok := b.dir.find(b.id)
			if ok {
				reply = &protocol.ControlMessage{
					From:  b.id,
					To:    m.From,
					Type:  protocol.Updated,
					State: &self,
				}
			}
		}
	case protocol.Updated:
		if m.State != nil {
			e := *m.State
			e.LastUpdate = now
			b.dir.upsert(e)
			changed = true
		}
	case protocol.Disconnected:
		b.dir.remove(m.From)
		changed = true
	case protocol.Heartbeat:
		// Presence only: refresh liveness, never notify consumers.
		b.dir.touch(m.From, now)
	default:
		b.log.Debugf("ignoring control message of unknown type %s from %s", m.Type, m.From)
	}

	var snap []peer.Descriptor
	if changed {
		snap = b.dir.snapshot()
	}
	b.mu.Unlock()

	if reply != nil {
		b.settings.Bridge.SetState(*reply)
	}
	if snap != nil {
		telemetry.StateUpdates.WithLabelValues(b.settings.Channel, m.Type.String()).Inc()
		telemetry.PeersLive.WithLabelValues(b.settings.Channel).Set(float64(len(snap)))
		b.peers.Publish(snap)
	}
}
