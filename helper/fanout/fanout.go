// Package fanout implements a small multi-consumer publish primitive with
// optional replay-last-value semantics and an explicit completion signal.
//
// Consumers are invoked synchronously, in registration order, with no
// isolation between them: a panicking consumer is the owner's problem, not
// this package's.
package fanout

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Subscription is the handle returned by Subscribe. Unsubscribe removes
// exactly the registration that produced it.
type Subscription struct {
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	s.cancel()
}

type subscriber[T any] struct {
	onNext     func(T)
	onComplete func()
	removed    atomic.Bool
}

// Registry fans published values out to every registered consumer.
type Registry[T any] struct {
	mu     sync.Mutex
	replay bool
	last   *T
	subs   []*subscriber[T]
	closed bool
}

// New returns a registry without replay: new subscribers receive nothing
// until the next publish.
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// NewReplay returns a registry that synchronously replays the most recently
// published value to every new subscriber.
func NewReplay[T any]() *Registry[T] {
	return &Registry[T]{replay: true}
}

// Subscribe registers a consumer. The optional second argument is invoked
// exactly once when the registry closes. Subscribing to a closed registry
// fires the completion callback immediately and registers nothing.
func (r *Registry[T]) Subscribe(onNext func(T), onComplete ...func()) *Subscription {
	sub := &subscriber[T]{onNext: onNext}
	if len(onComplete) > 0 {
		sub.onComplete = onComplete[0]
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if sub.onComplete != nil {
			sub.onComplete()
		}
		return &Subscription{cancel: func() {}}
	}
	r.subs = append(r.subs, sub)
	var replayed *T
	if r.replay && r.last != nil {
		v := *r.last
		replayed = &v
	}
	r.mu.Unlock()

	if replayed != nil {
		onNext(*replayed)
	}
	return &Subscription{cancel: func() { r.remove(sub) }}
}

func (r *Registry[T]) remove(sub *subscriber[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == sub {
			s.removed.Store(true)
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Unsubscribe removes every registration whose onNext shares the given
// function's code pointer. Distinct closures over one function literal are
// indistinguishable here; the Subscription handle form is exact.
func (r *Registry[T]) Unsubscribe(onNext func(T)) {
	ptr := reflect.ValueOf(onNext).Pointer()

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.subs[:0]
	for _, s := range r.subs {
		if reflect.ValueOf(s.onNext).Pointer() == ptr {
			s.removed.Store(true)
			continue
		}
		kept = append(kept, s)
	}
	r.subs = kept
}

// Publish stores v as the replay value (in replay mode) and invokes every
// currently registered consumer in registration order. A consumer that
// unsubscribes another during delivery suppresses the victim's invocation;
// consumers added during delivery are not invoked until the next publish.
func (r *Registry[T]) Publish(v T) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.replay {
		stored := v
		r.last = &stored
	}
	subs := make([]*subscriber[T], len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		if s.removed.Load() {
			continue
		}
		s.onNext(v)
	}
}

// Close invokes every registered completion callback exactly once and clears
// all registrations. Idempotent: the second call notifies nobody.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.closed = true
	r.last = nil
	r.mu.Unlock()

	for _, s := range subs {
		if s.onComplete != nil {
			s.onComplete()
		}
	}
}
