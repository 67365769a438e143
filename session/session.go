// Package session has the in-memory lists built up while describing one
// synchronization unit: the mailboxes, renames, quota roots, sieve scripts,
// annotations and follow-up actions involved, and per partition the message
// ids seen with their reservation state.
//
// The lists are a pure data model: no i/o. A unit's lists are built, walked,
// and dropped together when the unit completes.
package session

import (
	"time"

	"github.com/mailsync/msync/mbox"
)

// Msgid tracks one distinct message content within a synchronization unit.
type Msgid struct {
	GUID mbox.GUID

	// Number of index records referencing this content within the unit.
	RefCount int

	// Whether the content is known present at the destination, either
	// before the unit started or because it was sent earlier in the unit.
	// Reserved content is never transferred again.
	Reserved bool

	// Whether the content still must be uploaded in this unit.
	NeedUpload bool
}

// MsgidList holds the distinct message contents of one partition, in
// insertion order with constant-time lookup by guid.
type MsgidList struct {
	order  []*Msgid
	byGUID map[mbox.GUID]*Msgid

	// Number of marked reservations, maintained by MarkReserved.
	ReservedCount int
}

func NewMsgidList() *MsgidList {
	return &MsgidList{byGUID: map[mbox.GUID]*Msgid{}}
}

// Insert returns the entry for guid, creating it if this is the first
// reference, and counts the reference.
func (l *MsgidList) Insert(guid mbox.GUID) *Msgid {
	if m := l.byGUID[guid]; m != nil {
		m.RefCount++
		return m
	}
	m := &Msgid{GUID: guid, RefCount: 1}
	l.byGUID[guid] = m
	l.order = append(l.order, m)
	return m
}

// Lookup returns the entry for guid, or nil.
func (l *MsgidList) Lookup(guid mbox.GUID) *Msgid {
	return l.byGUID[guid]
}

// MarkReserved marks guid as present at the destination. Returns whether
// this was the first reservation of the guid: a second mark is a no-op, the
// content must not be sent again either way.
func (l *MsgidList) MarkReserved(guid mbox.GUID) bool {
	m := l.Insert(guid)
	m.RefCount-- // Insert counted a reference, marking is not one.
	if m.Reserved {
		return false
	}
	m.Reserved = true
	m.NeedUpload = false
	l.ReservedCount++
	return true
}

// All returns the entries in insertion order.
func (l *MsgidList) All() []*Msgid {
	return l.order
}

func (l *MsgidList) Len() int {
	return len(l.order)
}

// Reserve is the reservation state for one partition within a unit.
type Reserve struct {
	Partition string
	Msgids    *MsgidList
}

// ReserveList tracks reservations per partition.
type ReserveList struct {
	order  []*Reserve
	byPart map[string]*Reserve
}

func NewReserveList() *ReserveList {
	return &ReserveList{byPart: map[string]*Reserve{}}
}

// Partition returns the reservation state for a partition, creating it on
// first use.
func (l *ReserveList) Partition(name string) *Reserve {
	if r := l.byPart[name]; r != nil {
		return r
	}
	r := &Reserve{Partition: name, Msgids: NewMsgidList()}
	l.byPart[name] = r
	l.order = append(l.order, r)
	return r
}

// All returns the partitions in first-use order.
func (l *ReserveList) All() []*Reserve {
	return l.order
}

// Folder describes one mailbox taking part in the unit.
type Folder struct {
	UniqueID      string
	Name          string
	Partition     string
	UIDValidity   uint32
	LastUID       uint32
	HighestModSeq int64
	Digest        string // Consistency digest as exchanged, decimal.

	// Set when the folder has been handled, so a second walk over the list
	// can pick up what remains.
	Done bool
}

// FolderList is the ordered set of folders in a unit, keyed by unique id.
type FolderList struct {
	order []*Folder
	byID  map[string]*Folder
}

func NewFolderList() *FolderList {
	return &FolderList{byID: map[string]*Folder{}}
}

// Add inserts a folder, replacing the fields of an earlier entry with the
// same unique id.
func (l *FolderList) Add(f Folder) *Folder {
	if e := l.byID[f.UniqueID]; e != nil {
		done := e.Done
		*e = f
		e.Done = done
		return e
	}
	e := &f
	l.byID[f.UniqueID] = e
	l.order = append(l.order, e)
	return e
}

// Lookup returns the folder with the unique id, or nil.
func (l *FolderList) Lookup(uniqueID string) *Folder {
	return l.byID[uniqueID]
}

// LookupName returns the folder with the mailbox name, or nil.
func (l *FolderList) LookupName(name string) *Folder {
	for _, f := range l.order {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (l *FolderList) All() []*Folder {
	return l.order
}

func (l *FolderList) Len() int {
	return len(l.order)
}

// Rename is a pending mailbox rename at the other side.
type Rename struct {
	UniqueID    string
	OldName     string
	NewName     string
	UIDValidity uint32
	Done        bool
}

type RenameList struct {
	order []*Rename
	byID  map[string]*Rename
}

func NewRenameList() *RenameList {
	return &RenameList{byID: map[string]*Rename{}}
}

func (l *RenameList) Add(r Rename) *Rename {
	if e := l.byID[r.UniqueID]; e != nil {
		done := e.Done
		*e = r
		e.Done = done
		return e
	}
	e := &r
	l.byID[r.UniqueID] = e
	l.order = append(l.order, e)
	return e
}

func (l *RenameList) Lookup(uniqueID string) *Rename {
	return l.byID[uniqueID]
}

func (l *RenameList) All() []*Rename {
	return l.order
}

// Quota is a quota root and its limit in the unit.
type Quota struct {
	Root  string
	Limit int64 // In bytes, negative for unlimited.
	Done  bool
}

type QuotaList struct {
	order  []*Quota
	byRoot map[string]*Quota
}

func NewQuotaList() *QuotaList {
	return &QuotaList{byRoot: map[string]*Quota{}}
}

func (l *QuotaList) Add(q Quota) *Quota {
	if e := l.byRoot[q.Root]; e != nil {
		e.Limit = q.Limit
		return e
	}
	e := &q
	l.byRoot[q.Root] = e
	l.order = append(l.order, e)
	return e
}

func (l *QuotaList) Lookup(root string) *Quota {
	return l.byRoot[root]
}

func (l *QuotaList) All() []*Quota {
	return l.order
}

// Sieve is one sieve script of the user being synchronized.
type Sieve struct {
	Name        string
	LastUpdated time.Time
	GUID        mbox.GUID // Content hash of the script.
	Active      bool
	Done        bool
}

type SieveList struct {
	order  []*Sieve
	byName map[string]*Sieve
}

func NewSieveList() *SieveList {
	return &SieveList{byName: map[string]*Sieve{}}
}

func (l *SieveList) Add(s Sieve) *Sieve {
	if e := l.byName[s.Name]; e != nil {
		done := e.Done
		*e = s
		e.Done = done
		return e
	}
	e := &s
	l.byName[s.Name] = e
	l.order = append(l.order, e)
	return e
}

func (l *SieveList) Lookup(name string) *Sieve {
	return l.byName[name]
}

func (l *SieveList) All() []*Sieve {
	return l.order
}

// AnnotList accumulates annotations for one mailbox or message while
// describing the unit.
type AnnotList struct {
	annots []mbox.Annotation
}

func NewAnnotList() *AnnotList {
	return &AnnotList{}
}

func (l *AnnotList) Add(entry, userID string, value []byte) {
	l.annots = append(l.annots, mbox.Annotation{Entry: entry, UserID: userID, Value: value})
}

// All returns the annotations in insertion order, which for annotations read
// through mbox.AnnotSource is (entry, userid) order.
func (l *AnnotList) All() []mbox.Annotation {
	return l.annots
}

// Action is follow-up work noted while processing, e.g. a mailbox whose
// messages must be renumbered to a winning conversation id.
type Action struct {
	Name   string
	UserID string
	Active bool
}

// ActionList deduplicates actions by (name, userid).
type ActionList struct {
	order []*Action
	seen  map[[2]string]*Action
}

func NewActionList() *ActionList {
	return &ActionList{seen: map[[2]string]*Action{}}
}

// Add notes an action. Adding the same (name, userid) again only updates
// Active.
func (l *ActionList) Add(name, userID string, active bool) *Action {
	k := [2]string{name, userID}
	if e := l.seen[k]; e != nil {
		e.Active = e.Active || active
		return e
	}
	e := &Action{Name: name, UserID: userID, Active: active}
	l.seen[k] = e
	l.order = append(l.order, e)
	return e
}

func (l *ActionList) All() []*Action {
	return l.order
}
