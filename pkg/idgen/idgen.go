// Package idgen generates the identifiers used across the toolkit.
//
// Event, command, and query ids are ULIDs so that ids sort by creation
// time, which keeps event streams and idempotency tables naturally
// ordered. Correlation ids are random UUIDs since they only need to be
// unique, not sortable.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// MustSortableID returns a new ULID string. Ids produced by the same
// process are strictly monotonic within a millisecond.
func MustSortableID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// MustCorrelationID returns a new random UUID string.
func MustCorrelationID() string {
	return uuid.NewString()
}
