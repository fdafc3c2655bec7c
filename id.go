package pilot

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMs returns the current time as Unix milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// timeNow is the package clock, swappable in tests.
var timeNow = time.Now
