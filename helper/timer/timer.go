package timer

import (
	"context"
	"math/rand"
	"time"

	"github.com/lthibault/jitterbug/v2"

	log "github.com/sirupsen/logrus"
)

// Interval describes a periodic schedule with optional random jitter.
type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter == 0 {
		return d
	}

	if j.MaxJitter >= d {
		log.Warnf("timer: jitter %v is not smaller than interval %v, ignoring it", j.MaxJitter, d)
		return d
	}

	return d + (time.Duration(rand.Int63n(int64(2*j.MaxJitter))) - j.MaxJitter)
}

// RunWithTicker runs f on every tick until the context is cancelled or f
// returns an error. Cancellation is synchronous: once the context is done no
// further tick can fire.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	j := jitterbug.New(interval.Duration, &tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.C:
			if err := f(ctx); err != nil {
				log.Errorf("timer: periodic task failed: %v", err)
				return err
			}
		}
	}
}
