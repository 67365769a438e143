// Package mbox holds the types at the interface to the mailbox storage
// engine: index records, annotations and the callbacks to read/write them.
//
// The storage engine itself (index files, header files, mailbox locking) is
// not part of this module. Replication consumes a mailbox as an opaque
// sequence of index records, and annotations through read and write
// callbacks. Callers must hold whatever read lock the storage engine requires
// for a stable enumeration before handing records to this module.
package mbox

import (
	"time"
)

// IndexRecord is one message entry in a mailbox index, as consumed by the
// replication core.
type IndexRecord struct {
	UID          uint32
	ModSeq       int64
	LastUpdated  time.Time
	Flags        []string // System and user flags, in storage order. Case is not significant.
	InternalDate time.Time
	Size         int64
	GUID         GUID
	CID          uint64 // Conversation id, 0 if unset.
	Expunged     bool
}

// Annotation is one mailbox or message annotation. Message annotations have
// the UID of their message, mailbox annotations have UID 0.
type Annotation struct {
	Entry  string
	UserID string
	Value  []byte // nil means absent; a write with nil value is a delete.
}

// AnnotSource enumerates annotations. Implementations must return annotations
// sorted by (Entry, UserID), the order the annotation store enumerates in.
// UID 0 requests the mailbox annotations.
type AnnotSource interface {
	Annotations(uid uint32) ([]Annotation, error)
}

// AnnotWriter stores one annotation. Writing a nil value deletes the entry.
type AnnotWriter func(entry, userID string, value []byte) error
