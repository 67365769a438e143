// Package annot reconciles the annotations of two copies of a mailbox.
//
// Both input lists must be sorted by (entry, userid), the order the
// annotation store enumerates in. The merge is a single lock-step pass that
// writes the minimal set of changes through the store's write callback to
// make the local side match the resolution policy. Merging a list against
// itself writes nothing.
package annot

import (
	"bytes"

	"github.com/mailsync/msync/mbox"
)

// Merge walks the local and remote annotation lists in lock step and applies
// the resolution through write. With localWins the local value survives every
// difference; otherwise the remote value does. A delete is a write with a nil
// value. The first write error stops the merge and is returned unchanged.
func Merge(local, remote []mbox.Annotation, localWins bool, write mbox.AnnotWriter) error {
	li, ri := 0, 0
	for li < len(local) || ri < len(remote) {
		var diff int
		switch {
		case li >= len(local):
			diff = 1
		case ri >= len(remote):
			diff = -1
		default:
			diff = compare(local[li], remote[ri])
		}

		switch {
		case diff < 0:
			// Only local has it: keep it, or delete it to match remote.
			a := local[li]
			li++
			var v []byte
			if localWins {
				v = a.Value
			}
			if err := write(a.Entry, a.UserID, v); err != nil {
				return err
			}
		case diff > 0:
			// Only remote has it: take it, or delete it to keep local.
			a := remote[ri]
			ri++
			var v []byte
			if !localWins {
				v = a.Value
			}
			if err := write(a.Entry, a.UserID, v); err != nil {
				return err
			}
		default:
			la, ra := local[li], remote[ri]
			li++
			ri++
			if bytes.Equal(la.Value, ra.Value) {
				continue
			}
			a := ra
			if localWins {
				a = la
			}
			if err := write(a.Entry, a.UserID, a.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func compare(a, b mbox.Annotation) int {
	if a.Entry != b.Entry {
		if a.Entry < b.Entry {
			return -1
		}
		return 1
	}
	if a.UserID != b.UserID {
		if a.UserID < b.UserID {
			return -1
		}
		return 1
	}
	return 0
}
