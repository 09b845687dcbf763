package broadcaster

import (
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"huddle/datamodel/peer"
	"huddle/net/membridge"
	"huddle/swarm/protocol"
)

func newTestBroadcaster(t *testing.T, hub *membridge.Hub, channel string, mutate ...func(*Settings)) *Broadcaster {
	t.Helper()
	settings := Settings{
		Channel:  channel,
		Bridge:   hub.NewBridge(),
		Metadata: map[string]any{"nickname": "test"},
	}
	for _, m := range mutate {
		m(&settings)
	}
	b, err := New(settings)
	require.NoError(t, err)
	t.Cleanup(func() { b.close(true) })
	return b
}

func sortedIDs(ds []peer.Descriptor) []string {
	ids := peer.IDs(ds)
	sort.Strings(ids)
	return ids
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := New(Settings{Metadata: "m"})
	require.ErrorIs(t, err, ErrChannelRequired)

	_, err = New(Settings{Channel: "room"})
	require.ErrorIs(t, err, ErrMetadataRequired)
}

func TestHelloWorldScenario(t *testing.T) {
	hub := membridge.NewHub()
	b1 := newTestBroadcaster(t, hub, "CHANNEL")
	b2 := newTestBroadcaster(t, hub, "CHANNEL")

	var got []protocol.ApplicationMessage
	b1.SubscribeMessages(func(m protocol.ApplicationMessage) { got = append(got, m) })

	b2.PostMessage(map[string]any{"message": "Hello World"})

	require.Len(t, got, 1)
	require.Equal(t, b2.ID(), got[0].From)
	payload, ok := got[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Hello World", payload["message"])
}

func TestSelfExclusion(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")
	b := newTestBroadcaster(t, hub, "room")

	var aGot, bGot int
	a.SubscribeMessages(func(protocol.ApplicationMessage) { aGot++ })
	b.SubscribeMessages(func(protocol.ApplicationMessage) { bGot++ })

	a.PostMessage("hi")

	require.Equal(t, 0, aGot, "a sender must never receive its own message")
	require.Equal(t, 1, bGot, "every other peer receives it exactly once per send")
}

func TestDirectedDelivery(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")
	b := newTestBroadcaster(t, hub, "room")
	c := newTestBroadcaster(t, hub, "room")

	var bGot, cGot int
	b.SubscribeMessages(func(protocol.ApplicationMessage) { bGot++ })
	c.SubscribeMessages(func(protocol.ApplicationMessage) { cGot++ })

	a.PostMessage("direct", b.ID())
	require.Equal(t, 1, bGot)
	require.Equal(t, 0, cGot)

	a.PostMessage("multi", b.ID(), "no-such-peer")
	require.Equal(t, 2, bGot)
	require.Equal(t, 0, cGot)
}

func TestMembershipConvergence(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")
	b := newTestBroadcaster(t, hub, "room")
	c := newTestBroadcaster(t, hub, "room")

	want := []string{a.ID(), b.ID(), c.ID()}
	sort.Strings(want)

	for _, inst := range []*Broadcaster{a, b, c} {
		if diff := cmp.Diff(want, sortedIDs(inst.Peers())); diff != "" {
			t.Errorf("peer set mismatch for %s (-want +got):\n%s", inst.ID(), diff)
		}
	}
}

func TestLateSubscriberGetsCurrentPeerList(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")
	newTestBroadcaster(t, hub, "room")

	var got [][]peer.Descriptor
	a.SubscribePeers(func(ds []peer.Descriptor) { got = append(got, ds) })

	require.Len(t, got, 1, "peer subscription must replay the current snapshot")
	require.Len(t, got[0], 2)
}

func TestRemovalOnClose(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")
	b := newTestBroadcaster(t, hub, "room")
	c := newTestBroadcaster(t, hub, "room")

	c.Close()

	for _, inst := range []*Broadcaster{a, b} {
		ids := sortedIDs(inst.Peers())
		require.Len(t, ids, 2)
		require.NotContains(t, ids, c.ID())
	}
}

func TestHeartbeatSilence(t *testing.T) {
	hub := membridge.NewHub()
	fast := func(s *Settings) { s.HealthBeaconInterval = 10 * time.Millisecond }
	a := newTestBroadcaster(t, hub, "room", fast)
	newTestBroadcaster(t, hub, "room", fast)

	var snapshots atomic.Int32
	a.SubscribePeers(func([]peer.Descriptor) { snapshots.Add(1) })
	base := snapshots.Load() // the replayed snapshot

	// Plenty of heartbeats, no membership change: consumers stay quiet.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, base, snapshots.Load(), "heartbeats alone must not publish snapshots")
}

func TestIndependentReaping(t *testing.T) {
	hub := membridge.NewHub()
	mock := clock.NewMock()
	quiet := func(threshold time.Duration) func(*Settings) {
		return func(s *Settings) {
			s.Clock = mock
			s.HealthBeaconInterval = time.Hour
			s.DisableGarbageCollector = true
			s.GarbageCollectorThreshold = threshold
		}
	}

	a := newTestBroadcaster(t, hub, "room", quiet(50*time.Millisecond))
	b := newTestBroadcaster(t, hub, "room", quiet(500*time.Millisecond))
	c := newTestBroadcaster(t, hub, "room", quiet(time.Hour))

	// c dies without announcing it.
	c.settings.Bridge.Destroy()

	mock.Add(200 * time.Millisecond)

	// a and b refresh each other; c stays silent.
	a.UpdateMetadata(map[string]any{"nickname": "a"})
	b.UpdateMetadata(map[string]any{"nickname": "b"})

	a.collectGarbage()
	b.collectGarbage()

	_, foundByA := a.FindPeer(c.ID())
	_, foundByB := b.FindPeer(c.ID())
	require.False(t, foundByA, "a (50ms threshold) must have evicted the silent peer")
	require.True(t, foundByB, "b (500ms threshold) must still tolerate it")
}

func TestReaperEvictsSilentPeerOverRealTime(t *testing.T) {
	defer leaktest.Check(t)()

	hub := membridge.NewHub()
	lively := func(s *Settings) {
		s.HealthBeaconInterval = 20 * time.Millisecond
		s.GarbageCollectorInterval = 30 * time.Millisecond
		s.GarbageCollectorThreshold = 150 * time.Millisecond
	}
	silent := func(s *Settings) {
		s.HealthBeaconInterval = time.Hour
		s.DisableGarbageCollector = true
	}

	a := newTestBroadcaster(t, hub, "room", lively)
	b := newTestBroadcaster(t, hub, "room", lively)
	c := newTestBroadcaster(t, hub, "room", silent)

	require.Eventually(t, func() bool {
		_, foundByA := a.FindPeer(c.ID())
		_, foundByB := b.FindPeer(c.ID())
		return !foundByA && !foundByB
	}, 2*time.Second, 10*time.Millisecond, "silent peer must be evicted")

	// The heartbeating peers keep each other alive.
	_, ok := a.FindPeer(b.ID())
	require.True(t, ok)

	a.Close()
	b.Close()
	c.Close()
}

func TestMetadataPropagationIdempotence(t *testing.T) {
	hub := membridge.NewHub()
	md := map[string]any{"nickname": "same"}
	a := newTestBroadcaster(t, hub, "room", func(s *Settings) { s.Metadata = md })
	b := newTestBroadcaster(t, hub, "room")

	var snapshots int
	a.SubscribePeers(func([]peer.Descriptor) { snapshots++ })
	require.Equal(t, 1, snapshots) // replay

	a.UpdateMetadata(map[string]any{"nickname": "same"})
	require.Equal(t, 2, snapshots, "no dedup by value, only by event")

	self, ok := a.FindPeer(a.ID())
	require.True(t, ok)
	require.True(t, peer.IsMetadataEqual(md, self.Metadata))

	remote, ok := b.FindPeer(a.ID())
	require.True(t, ok)
	require.True(t, peer.IsMetadataEqual(md, remote.Metadata))
}

func TestUpdateMetadataFunc(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room", func(s *Settings) {
		s.Metadata = map[string]any{"count": 1}
	})

	a.UpdateMetadataFunc(func(current peer.Metadata) peer.Metadata {
		m := current.(map[string]any)
		return map[string]any{"count": m["count"].(int) + 1}
	})

	self, ok := a.FindPeer(a.ID())
	require.True(t, ok)
	require.Equal(t, map[string]any{"count": 2}, self.Metadata)
}

func TestErrorIsolation(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")
	b := newTestBroadcaster(t, hub, "room")

	var errs []protocol.Error
	var msgs int
	a.SubscribeErrors(func(e protocol.Error) { errs = append(errs, e) })
	a.SubscribeMessages(func(protocol.ApplicationMessage) { msgs++ })

	hub.Inject("room", protocol.Envelope{Kind: 99})

	require.Len(t, errs, 1)
	require.Equal(t, protocol.ErrTypeContentMismatch, errs[0].Type)
	require.Equal(t, 0, msgs)

	// The channel stays usable.
	b.PostMessage("still alive")
	require.Equal(t, 1, msgs)
}

func TestCompletionOnClose(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")

	var nexts, completions int
	a.SubscribeMessages(func(protocol.ApplicationMessage) { nexts++ }, func() { completions++ })

	a.Close()
	require.Equal(t, 1, completions, "completion fires exactly once")

	a.PostMessage("rejected") // logged no-op
	require.Equal(t, 0, nexts)

	a.Close() // double close is a logged no-op, not a fault
	require.Equal(t, 1, completions)
}

func TestMutationsAfterCloseAreNoOps(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")
	b := newTestBroadcaster(t, hub, "room")

	var bSnapshots int
	b.SubscribePeers(func([]peer.Descriptor) { bSnapshots++ })
	base := bSnapshots

	a.Close()
	require.Equal(t, base+1, bSnapshots) // b saw a leave

	a.PostMessage("nope")
	a.UpdateMetadata("nope")
	require.Equal(t, base+1, bSnapshots, "a closed instance causes no remote side effects")
	require.Empty(t, a.Peers(), "directory is cleared on close")
}

func TestFindPeer(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room")
	b := newTestBroadcaster(t, hub, "room")

	got, ok := a.FindPeer(b.ID())
	require.True(t, ok)
	require.Equal(t, b.ID(), got.ID)

	_, ok = a.FindPeer("no-such-peer")
	require.False(t, ok)
}

func TestMiddlewareTransforms(t *testing.T) {
	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room", func(s *Settings) {
		s.Before = func(p any) any { return "out:" + p.(string) }
	})
	b := newTestBroadcaster(t, hub, "room", func(s *Settings) {
		s.After = func(p any) any { return p.(string) + ":in" }
	})

	var got []any
	b.SubscribeMessages(func(m protocol.ApplicationMessage) { got = append(got, m.Payload) })

	a.PostMessage("x")
	require.Equal(t, []any{"out:x:in"}, got)
}

func TestLifecycleCallbacks(t *testing.T) {
	hub := membridge.NewHub()
	var inits, closes int
	a := newTestBroadcaster(t, hub, "room", func(s *Settings) {
		s.OnInit = func(*Broadcaster) { inits++ }
		s.OnClose = func(*Broadcaster) { closes++ }
	})

	require.Equal(t, 1, inits)
	a.Close()
	require.Equal(t, 1, closes)
}

func TestCloseStopsTimers(t *testing.T) {
	defer leaktest.Check(t)()

	hub := membridge.NewHub()
	a := newTestBroadcaster(t, hub, "room", func(s *Settings) {
		s.HealthBeaconInterval = 5 * time.Millisecond
		s.GarbageCollectorInterval = 5 * time.Millisecond
	})
	a.Close()
}
