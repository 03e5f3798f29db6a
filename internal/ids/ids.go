// Package ids mints the record identifiers used as storage keys for
// accounts, sessions, codes and audit entries.
package ids

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID. Identifiers minted by one process are strictly
// increasing, which keeps index pages append-mostly.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}
