// Package ids generates the identifiers carried by an exchange: the
// transaction id that correlates a request with its resolution, and the
// opaque session id handed to command handlers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	tidMu      sync.Mutex
	tidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewTID returns a monotonic ULID. Two calls in the same process never return
// the same value, which keeps the pending-ack table free of collisions.
func NewTID() string {
	tidMu.Lock()
	defer tidMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), tidEntropy).String()
}

// NewWorkerID returns the id of a supervised worker. Worker ids share the tid
// generator so they sort by spawn time.
func NewWorkerID() string {
	return NewTID()
}

// NewSessionID returns a random UUID for one inbound exchange.
func NewSessionID() string {
	return uuid.NewString()
}

// TIDTime reports when tid was issued.
func TIDTime(tid string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(tid)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
