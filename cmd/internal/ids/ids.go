// Package ids provides the ULID-based identifiers used across the client:
// envelope ids, temporary message ids, and dev-backend record ids.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempPrefix marks client-generated ids of optimistic records that the
// server has not confirmed yet.
const TempPrefix = "tmp-"

// New returns a new ULID string (26 chars).
// ULIDs sort lexicographically by creation time, which keeps logs ordered.
func New(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		return ulid.Make().String()
	}
	return id.String()
}

// NewTemp returns a temporary id for an optimistic record.
func NewTemp(now time.Time) string {
	return TempPrefix + New(now)
}

// IsTemp reports whether id was produced by NewTemp.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}
