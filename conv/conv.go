// Package conv resolves conversation id conflicts between two copies of a
// mailbox.
//
// A conversation id (cid) clusters related messages. When the two sides of a
// replication pair assigned different cids to the same message, one must
// survive; the numeric maximum wins. The null cid is the numeric minimum, so
// an unset cid always loses to a set one.
package conv

import (
	"fmt"
	"strconv"
)

// CID is a conversation id. NilCID means unset.
type CID uint64

const NilCID CID = 0

// String renders a cid in its 16 char hex wire form, or NIL when unset.
func (c CID) String() string {
	if c == NilCID {
		return "NIL"
	}
	return fmt.Sprintf("%016x", uint64(c))
}

// Parse parses the hex wire form of a cid. "NIL" is the null cid.
func Parse(s string) (CID, error) {
	if s == "" || s == "NIL" {
		return NilCID, nil
	}
	if len(s) > 16 {
		return NilCID, fmt.Errorf("cid %q too long", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return NilCID, fmt.Errorf("parsing cid %q: %v", s, err)
	}
	return CID(v), nil
}

// Result describes how a conflict was resolved.
type Result struct {
	// The master's cid was used while the replica had a different one.
	MasterUsed bool
	// The replica's cid was used while the master had a different one.
	ReplicaUsed bool
	// The losing side's cid was itself set: that side must renumber its
	// records to the winner.
	Clash bool
}

// Resolve chooses the surviving cid between master and replica. Equal cids
// produce no flags.
func Resolve(master, replica CID) (CID, Result) {
	var r Result
	if master == replica {
		return master, r
	}
	if master > replica {
		r.MasterUsed = true
		r.Clash = replica != NilCID
		return master, r
	}
	r.ReplicaUsed = true
	r.Clash = master != NilCID
	return replica, r
}
