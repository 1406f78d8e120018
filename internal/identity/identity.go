// Package identity generates the ids that tie the events of one page view together.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var beaconIDPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// Generator returns a fresh beacon id on every call.
type Generator func() string

// NewBeaconID returns a time-ordered random id. Collision resistance is not a
// requirement, only that two visits of the same agent never share an id.
func NewBeaconID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return randomID()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

func randomID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// IsValidBeaconID reports whether id has the shape produced by NewBeaconID.
func IsValidBeaconID(id string) bool {
	return beaconIDPattern.MatchString(id)
}

// Sequence returns a Generator that yields ids from ids in order and then falls
// back to NewBeaconID. Useful when a caller needs predictable ids.
func Sequence(ids ...string) Generator {
	next := 0
	return func() string {
		if next < len(ids) {
			id := ids[next]
			next++
			return id
		}
		return NewBeaconID()
	}
}
