// Package clock centralizes time and identifier generation so that
// components depend on an interface instead of calling time.Now and
// uuid.New directly, grounded on outpost's internal/idgen package.
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts monotonic wall-clock time for testability.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System is the production Clock backed by time.Now.
var System Clock = systemClock{}

// Fixed is a Clock that always returns the same instant, used in tests
// that assert on exact timestamps (e.g. completion_at).
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

// NewUUID generates a v4 transaction/subscription/delivery identifier.
func NewUUID() string {
	return uuid.New().String()
}

// NewTimeOrderedID generates a v7 (time-ordered) identifier, used for
// entities where index locality matters, such as delivery ids that are
// also the event id on the delivery topic.
func NewTimeOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// HexCode returns a random hex-encoded token of n bytes, used for
// nonces in the webhook timestamp header.
func HexCode(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable; fall back to a fixed-length zero token rather
		// than panicking a delivery worker.
		return hex.EncodeToString(make([]byte, n))
	}
	return hex.EncodeToString(buf)
}
