package broadcaster

import (
	"context"

	"huddle/datamodel/peer"
	"huddle/helper/timer"
	"huddle/swarm/protocol"
	"huddle/telemetry"
)

// runHealthBeacon broadcasts a liveness beacon for the local peer until the
// context is cancelled. The beacon carries no state: it only refreshes the
// sender's liveness timestamp in observers' directories.
func (b *Broadcaster) runHealthBeacon(ctx context.Context) {
	interval := &timer.Interval{Duration: b.settings.HealthBeaconInterval}
	timer.RunWithTicker(ctx, interval, func(context.Context) error {
		b.settings.Bridge.SetState(protocol.ControlMessage{From: b.id, Type: protocol.Heartbeat})
		return nil
	})
}

// runGarbageCollector periodically evicts peers that went silent.
func (b *Broadcaster) runGarbageCollector(ctx context.Context) {
	interval := &timer.Interval{Duration: b.settings.GarbageCollectorInterval}
	timer.RunWithTicker(ctx, interval, func(context.Context) error {
		b.collectGarbage()
		return nil
	})
}

// collectGarbage removes every peer except self whose silence exceeds the
// staleness threshold, publishing one snapshot if the scan evicted anything.
func (b *Broadcaster) collectGarbage() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	evicted := b.dir.reap(b.id, b.clock.Now(), b.settings.GarbageCollectorThreshold)
	var snap []peer.Descriptor
	if evicted > 0 {
		snap = b.dir.snapshot()
	}
	b.mu.Unlock()

	if snap != nil {
		b.log.Debugf("garbage collector evicted %d stale peers", evicted)
		telemetry.PeersEvicted.WithLabelValues(b.settings.Channel).Add(float64(evicted))
		telemetry.PeersLive.WithLabelValues(b.settings.Channel).Set(float64(len(snap)))
		b.peers.Publish(snap)
	}
}
