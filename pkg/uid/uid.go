// Package uid generates time-sortable unique identifiers.
//
// Ids are ULIDs: a 48-bit millisecond timestamp followed by 80 bits of
// cryptographically secure randomness. The string form sorts
// lexicographically by creation time, which the durable task store relies on
// for its prefix scans.
package uid

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh time-sortable id.
func New() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Short returns the first 8 characters of an id, used for log-friendly agent
// identifiers.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
