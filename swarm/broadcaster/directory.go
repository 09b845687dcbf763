package broadcaster

import (
	"time"

	"huddle/datamodel/peer"
)

// directory is the instance-local table of known peers, self included:
// insertion-ordered, at most one entry per id. It is mutated exclusively by
// the reconciliation function and the garbage collector, both of which hold
// the owning broadcaster's lock.
type directory struct {
	entries []peer.Descriptor
}

func (d *directory) index(id string) int {
	for i := range d.entries {
		if d.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *directory) find(id string) (peer.Descriptor, bool) {
	if i := d.index(id); i >= 0 {
		return d.entries[i], true
	}
	return peer.Descriptor{}, false
}

// upsert replaces the entry for e.ID in place, preserving insertion order,
// or appends it. Last write wins on the whole descriptor.
func (d *directory) upsert(e peer.Descriptor) {
	if i := d.index(e.ID); i >= 0 {
		d.entries[i] = e
		return
	}
	d.entries = append(d.entries, e)
}

func (d *directory) remove(id string) bool {
	if i := d.index(id); i >= 0 {
		d.entries = append(d.entries[:i], d.entries[i+1:]...)
		return true
	}
	return false
}

// touch refreshes the liveness timestamp for id, if present. Heartbeats for
// unknown peers do not resurrect them.
func (d *directory) touch(id string, now time.Time) bool {
	if i := d.index(id); i >= 0 {
		d.entries[i].LastUpdate = now
		return true
	}
	return false
}

// snapshot returns a fresh ordered copy, safe to hand to consumers.
func (d *directory) snapshot() []peer.Descriptor {
	out := make([]peer.Descriptor, len(d.entries))
	copy(out, d.entries)
	return out
}

// reap removes every peer except selfID whose last update is older than the
// threshold and reports how many entries it evicted.
func (d *directory) reap(selfID string, now time.Time, threshold time.Duration) int {
	kept := d.entries[:0]
	evicted := 0
	for _, e := range d.entries {
		if e.ID != selfID && now.Sub(e.LastUpdate) > threshold {
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	d.entries = kept
	return evicted
}

func (d *directory) clear() {
	d.entries = nil
}
