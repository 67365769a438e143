package mbox

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// GUIDSize is the size in bytes of a message content hash.
const GUIDSize = sha1.Size

// GUID is the content hash uniquely identifying a message's bytes. The zero
// value ("null guid") identifies no message.
type GUID [GUIDSize]byte

// MakeGUID returns the GUID for message content buf.
func MakeGUID(buf []byte) GUID {
	return GUID(sha1.Sum(buf))
}

// ParseGUID parses the 40 character lower or upper case hex form of a GUID.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	if len(s) != 2*GUIDSize {
		return g, fmt.Errorf("guid must be %d hex chars, got %d", 2*GUIDSize, len(s))
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return g, fmt.Errorf("parsing guid: %v", err)
	}
	copy(g[:], buf)
	return g, nil
}

// String returns the lower case hex form.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// IsNil returns whether g is the null guid.
func (g GUID) IsNil() bool {
	return g == GUID{}
}
