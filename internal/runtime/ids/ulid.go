package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a time-sortable ULID used as the UUID of outgoing messages.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID whose timestamp component is t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Timestamp reports when a ULID message id was minted. Ids produced by other
// publishers are usually not ULIDs, in which case ok is false.
func Timestamp(id string) (t time.Time, ok bool) {
	if len(id) != ulid.EncodedSize {
		return time.Time{}, false
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// Age returns how long ago the id was minted, or -1 when it carries no time.
func Age(id string, now time.Time) time.Duration {
	ts, ok := Timestamp(id)
	if !ok {
		return -1
	}
	if age := now.Sub(ts); age > 0 {
		return age
	}
	return 0
}
