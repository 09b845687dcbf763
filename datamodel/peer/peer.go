package peer

import (
	"reflect"
	"time"
)

// Metadata is an application-defined, structurally cloneable value a peer
// publishes about itself.
type Metadata = any

// Descriptor describes one known peer, self included. LastUpdate is advanced
// by the local clock whenever any control message from that peer is processed
// and is never transmitted; it exists only for staleness detection.
type Descriptor struct {
	ID         string    `cbor:"1,keyasint,omitempty"` // Peer identifier
	CreatedAt  time.Time `cbor:"2,keyasint,omitempty"` // Creation time at the owning peer
	Metadata   Metadata  `cbor:"3,keyasint,omitempty"` // Application metadata published by the peer
	LastUpdate time.Time `cbor:"-"`                    // Local liveness bookkeeping
}

func IsMetadataEqual(a Metadata, b Metadata) bool {
	return reflect.DeepEqual(a, b)
}

// IDs extracts the identifiers from a descriptor list, preserving order.
func IDs(ds []Descriptor) []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return ids
}
