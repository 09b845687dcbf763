// Package protocol defines the peer presence and messaging protocol: the
// control messages that drive membership, the application message container,
// the tagged error surfaced on the error stream, and the wire envelope a
// physical transport moves between peers.
package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"huddle/datamodel/peer"
)

// ControlType discriminates membership/liveness control messages.
type ControlType uint8

const (
	Connected ControlType = iota + 1
	Updated
	Disconnected
	Heartbeat
)

func (t ControlType) String() string {
	switch t {
	case Connected:
		return "CONNECTED"
	case Updated:
		return "UPDATED"
	case Disconnected:
		return "DISCONNECTED"
	case Heartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// ControlMessage is a membership protocol message. An empty To means
// broadcast; a set To addresses exactly one peer and every other peer must
// ignore the message. State is omitted on heartbeats, which only refresh
// liveness and never carry metadata.
type ControlMessage struct {
	From  string           `cbor:"1,keyasint,omitempty"`
	To    string           `cbor:"2,keyasint,omitempty"`
	Type  ControlType      `cbor:"3,keyasint,omitempty"`
	State *peer.Descriptor `cbor:"4,keyasint,omitempty"`
}

// ApplicationMessage carries an opaque application payload. An empty To means
// every peer; otherwise delivery is restricted to the listed identities. The
// sender never delivers its own messages to itself regardless of addressing.
type ApplicationMessage struct {
	From    string   `cbor:"1,keyasint,omitempty"`
	To      []string `cbor:"2,keyasint,omitempty"`
	Payload any      `cbor:"3,keyasint,omitempty"`
}

// AddressedTo reports whether the message may be delivered to the given peer.
func (m *ApplicationMessage) AddressedTo(id string) bool {
	if len(m.To) == 0 {
		return true
	}
	for _, to := range m.To {
		if to == id {
			return true
		}
	}
	return false
}

// Error tags for the error stream.
const (
	ErrTypeContentMismatch = "content_type_mismatch"
	ErrTypeSendFailed      = "send_failed"
)

// Error is the tagged error raised on transport-level delivery or
// deserialization failure. It carries no reference to the offending peer.
type Error struct {
	Type    string `cbor:"1,keyasint,omitempty"`
	Message string `cbor:"2,keyasint,omitempty"`
}

func (e Error) Error() string {
	return e.Type + ": " + e.Message
}

// PayloadKind discriminates the wire envelope.
type PayloadKind uint8

const (
	KindMessage PayloadKind = 1
	KindState   PayloadKind = 2
)

// Envelope is the unit a physical transport broadcasts. Exactly one of
// Message and State is set, matching Kind. Channel scopes envelopes on
// transports where one physical medium multiplexes several logical channels;
// in-process transports may leave it empty and scope by other means.
type Envelope struct {
	Kind    PayloadKind         `cbor:"1,keyasint,omitempty"`
	Channel string              `cbor:"2,keyasint,omitempty"`
	Message *ApplicationMessage `cbor:"3,keyasint,omitempty"`
	State   *ControlMessage     `cbor:"4,keyasint,omitempty"`
}

var ErrUnrecognizedPayload = errors.New("unrecognized wire payload")

// Validate classifies the envelope as exactly one of the known variants.
// Anything else is a content-type mismatch the transport routes to the error
// sink instead of tearing down the channel.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: MESSAGE envelope without a message body", ErrUnrecognizedPayload)
		}
	case KindState:
		if e.State == nil {
			return fmt.Errorf("%w: STATE envelope without a state body", ErrUnrecognizedPayload)
		}
	default:
		return fmt.Errorf("%w: unknown payload kind %d", ErrUnrecognizedPayload, e.Kind)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

// Decode parses a raw wire payload into a validated envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
