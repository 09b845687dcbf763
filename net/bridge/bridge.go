// Package bridge defines the transport contract the presence protocol runs
// over: anything that can broadcast a serializable value to all peers on a
// channel and deliver inbound values asynchronously satisfies it.
package bridge

import "huddle/swarm/protocol"

// Sinks receives the three demultiplexed inbound streams. Nil sinks drop
// their stream.
type Sinks struct {
	Messages func(protocol.ApplicationMessage)
	State    func(protocol.ControlMessage)
	Errors   func(protocol.Error)
}

// Bridge abstracts the physical broadcast channel. A conforming
// implementation must:
//
//   - deliver every value it sends back to the sender as well, tagged with
//     the correct From: self-filtering is the consumer's job, not the
//     transport's
//   - classify every inbound raw payload as exactly one of message, state or
//     unrecognized, routing unrecognized payloads to the error sink without
//     tearing down the channel
//   - catch any synchronous failure while physically sending and convert it
//     into an error-sink event instead of propagating it to the caller
type Bridge interface {
	// Connect joins the physical channel under the given logical name.
	// Idempotent per bridge instance.
	Connect(channel string) error

	// PostMessage and SetState are fire-and-forget.
	PostMessage(protocol.ApplicationMessage)
	SetState(protocol.ControlMessage)

	// Subscribe registers the sink set. At most one set is active per
	// bridge; the last caller wins.
	Subscribe(Sinks)

	// Destroy clears the sinks and leaves the physical channel.
	Destroy()
}
