package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for error references,
// request ids and session tokens.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRefID returns a random RefId for SIF objects (jobs, environments).
func NewRefID() uuid.UUID {
	return uuid.New()
}

// ParseRefID parses a RefId in canonical or braced form.
func ParseRefID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}
