// Package pid generates peer identities.
//
// An identity is minted locally when an instance is created and never changes
// for the lifetime of that instance. It is not cryptographically unique: the
// base36 millisecond timestamp keeps identities roughly sortable by creation
// time, and the random salt makes a collision between contexts created in the
// same millisecond negligible.
package pid

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a fresh peer identity of the form "<millis base36>-<salt>".
func New() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + uuid.NewString()
}

// Time recovers the creation timestamp embedded in an identity. Returns the
// zero time for identities this package did not mint.
func Time(id string) time.Time {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(prefix, 36, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
