package broadcaster

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"huddle/datamodel/peer"
	"huddle/net/bridge"
	"huddle/net/membridge"
)

// Liveness timer defaults.
const (
	DefaultHealthBeaconInterval      = 50 * time.Millisecond
	DefaultGarbageCollectorInterval  = 100 * time.Millisecond
	DefaultGarbageCollectorThreshold = 300 * time.Millisecond
)

var (
	ErrChannelRequired  = errors.New("broadcaster: channel is required")
	ErrMetadataRequired = errors.New("broadcaster: metadata is required")
)

// Settings configures a Broadcaster. Channel and Metadata are required;
// everything else has a usable default.
type Settings struct {
	// Channel is the rendezvous key. Every peer configured with the same
	// channel name joins automatically; there is no access control.
	Channel string

	// Bridge moves envelopes between peers. Defaults to a bridge on the
	// process-wide in-memory hub.
	Bridge bridge.Bridge

	// Metadata is the initial value announced to peers.
	Metadata peer.Metadata

	// Before transforms every outgoing payload, After every inbound one.
	// The pair is asymmetric on purpose: Before need not be the inverse of
	// After in type, only in intent.
	Before func(payload any) any
	After  func(payload any) any

	// OnInit runs after the broadcaster is open, OnClose after it closed.
	OnInit  func(*Broadcaster)
	OnClose func(*Broadcaster)

	// HealthBeaconInterval is the heartbeat period.
	HealthBeaconInterval time.Duration

	// GarbageCollectorInterval is the eviction scan period;
	// GarbageCollectorThreshold is how long a peer may stay silent before
	// the scan evicts it. Thresholds are per instance: two instances may
	// legitimately disagree, transiently, about whether a peer is alive.
	GarbageCollectorInterval  time.Duration
	GarbageCollectorThreshold time.Duration
	DisableGarbageCollector   bool

	// Clock is the time source for liveness bookkeeping. Defaults to the
	// system clock; tests substitute a mock.
	Clock clock.Clock
}

func (s *Settings) validate() error {
	if s.Channel == "" {
		return ErrChannelRequired
	}
	if s.Metadata == nil {
		return ErrMetadataRequired
	}
	return nil
}

func (s Settings) withDefaults() Settings {
	if s.Bridge == nil {
		s.Bridge = membridge.Default().NewBridge()
	}
	if s.HealthBeaconInterval <= 0 {
		s.HealthBeaconInterval = DefaultHealthBeaconInterval
	}
	if s.GarbageCollectorInterval <= 0 {
		s.GarbageCollectorInterval = DefaultGarbageCollectorInterval
	}
	if s.GarbageCollectorThreshold <= 0 {
		s.GarbageCollectorThreshold = DefaultGarbageCollectorThreshold
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	return s
}
