// Package uuidv7 generates time-ordered UUIDs. Transaction ids and object log
// keys rely on their lexical order following creation order.
package uuidv7

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 or panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the canonical string form of a fresh UUIDv7.
func NewString() string {
	return New().String()
}

// Timestamp extracts the millisecond creation time embedded in a UUIDv7. It
// returns the zero time for other versions.
func Timestamp(id uuid.UUID) time.Time {
	if id.Version() != 7 {
		return time.Time{}
	}
	var buf [8]byte
	copy(buf[2:], id[:6])
	ms := int64(binary.BigEndian.Uint64(buf[:]))
	return time.UnixMilli(ms).UTC()
}
