package journal

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idMu serializes NewEventID calls; ulid.New wants a
// monotonic-safe entropy source and crypto/rand.Reader satisfies
// io.Reader directly, but guarding it with a mutex keeps concurrent
// journal writers (supervisor + watchdog) from racing the same reader.
var idMu sync.Mutex

// NewEventID mints a new internal correlation id for a journal event.
// This is distinct from the user-visible run id, which stays the fixed
// YYYYMMDDHHMMSS format (spec.md §3) — ULIDs only identify individual
// journal events (SPEC_FULL.md §10).
func NewEventID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
