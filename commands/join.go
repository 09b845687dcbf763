package commands

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"huddle/config"
	"huddle/datamodel/peer"
	"huddle/net/mcastbridge"
	"huddle/swarm/broadcaster"
	"huddle/swarm/protocol"
	"huddle/telemetry"
)

// RunJoin joins the configured channel over multicast, prints membership
// changes and messages, and sends every stdin line as a message.
func RunJoin(ctx context.Context, cfg *config.Config) {
	b, err := broadcaster.New(broadcaster.Settings{
		Channel:                   cfg.Peer.Channel,
		Bridge:                    mcastbridge.New(cfg.Network.MulticastGroup),
		Metadata:                  map[string]any{"nickname": cfg.Peer.Nickname},
		HealthBeaconInterval:      cfg.HealthBeacon(),
		GarbageCollectorInterval:  cfg.GarbageCollect(),
		GarbageCollectorThreshold: cfg.GarbageThreshold(),
		DisableGarbageCollector:   cfg.Timers.DisableGarbageCollector,
		OnInit: func(b *broadcaster.Broadcaster) {
			log.Infof("Joined channel %q as %s", cfg.Peer.Channel, b.ID())
		},
	})
	if err != nil {
		log.Fatalf("Failed to join channel: %v", err)
	}
	defer b.Close()

	b.SubscribePeers(func(peers []peer.Descriptor) {
		log.Infof("Peers (%d): %s", len(peers), strings.Join(peer.IDs(peers), ", "))
	})
	b.SubscribeMessages(func(m protocol.ApplicationMessage) {
		log.Infof("<%s> %v", m.From, m.Payload)
	})
	b.SubscribeErrors(func(e protocol.Error) {
		log.Warnf("Transport error: %v", e)
	})

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv := &http.Server{Addr: cfg.Network.MetricsAddress, Handler: mux}
		go func() {
			<-cctx.Done()
			srv.Close()
		}()
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	wg.Go(func() error {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			b.PostMessage(map[string]any{"message": line})
		}
		return sc.Err()
	})

	wg.Go(func() error {
		<-cctx.Done()
		return nil
	})

	if err := wg.Wait(); err != nil && cctx.Err() == nil {
		log.Errorf("join: %v", err)
	}
}
