// Package uid generates the time-sortable identifiers stamped on stored
// objects. A UID is 64 bits: 43 bits of milliseconds since the epoch, 16
// random/counter bits, and a 4-bit version, encoded as a fixed 11-character
// string whose lexicographic order matches creation order.
package uid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch is 2024-01-01 00:00:00 UTC in milliseconds.
	epoch int64 = 1704067200000

	// version is the current UID schema version.
	version uint64 = 1

	// encodedLen is the fixed length of encoded UIDs: 64 bits at 6 bits
	// per character.
	encodedLen = 11
)

// alphabet is a base64 alphabet in ASCII order, so encoded UIDs sort the
// same as their numeric values.
const alphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var decodeMap [128]byte

func init() {
	for i := range decodeMap {
		decodeMap[i] = 0xFF
	}
	for i, c := range alphabet {
		decodeMap[c] = byte(i)
	}
}

// UID is a 64-bit time-sortable identifier.
type UID uint64

var (
	mu      sync.Mutex
	lastMs  int64
	counter uint16
)

// New generates a UID. UIDs are monotonically increasing within a process.
func New() UID {
	mu.Lock()
	defer mu.Unlock()

	ms := time.Now().UnixMilli() - epoch
	if ms < 0 {
		ms = 0
	}
	if ms == lastMs {
		counter++
	} else {
		lastMs = ms
		var b [2]byte
		_, _ = rand.Read(b[:])
		counter = binary.BigEndian.Uint16(b[:])
	}
	return fromParts(uint64(ms), uint64(counter))
}

// NewAt generates a UID at a specific time. Useful for tests and migration.
func NewAt(t time.Time) UID {
	ms := t.UnixMilli() - epoch
	if ms < 0 {
		ms = 0
	}
	var b [2]byte
	_, _ = rand.Read(b[:])
	return fromParts(uint64(ms), uint64(binary.BigEndian.Uint16(b[:])))
}

func fromParts(ms, randBits uint64) UID {
	return UID((ms << 20) | (randBits&0xFFFF)<<4 | (version & 0xF))
}

// String returns the fixed-width 11-character sortable encoding.
func (u UID) String() string {
	var buf [encodedLen]byte
	v := uint64(u)
	for i := encodedLen - 1; i >= 0; i-- {
		buf[i] = alphabet[v&0x3F]
		v >>= 6
	}
	return string(buf[:])
}

// Parse decodes an 11-character encoded string back to a UID.
func Parse(s string) (UID, error) {
	if len(s) != encodedLen {
		return 0, fmt.Errorf("uid: bad length %d, want %d", len(s), encodedLen)
	}
	var v uint64
	for i := range encodedLen {
		c := s[i]
		if c >= 128 || decodeMap[c] == 0xFF {
			return 0, fmt.Errorf("uid: bad character at position %d", i)
		}
		v = v<<6 | uint64(decodeMap[c])
	}
	return UID(v), nil
}

// Time extracts the creation timestamp.
func (u UID) Time() time.Time {
	return time.UnixMilli(int64(u>>20) + epoch)
}
