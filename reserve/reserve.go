// Package reserve implements the message file reservation and transfer
// protocol.
//
// The sending side walks the candidate messages of a batch and emits a file
// literal only for content the destination does not already have, marking
// each sent guid reserved so identical content later in the batch is never
// sent twice. The receiving side spools incoming file literals into a
// per-process staging directory, <partition-root>/sync./<pid>/<guid>, and
// installs them into the mailbox message spool with one atomic rename per
// file when the batch commits. Staging paths include the process id, so
// concurrent processes never collide without locking.
package reserve

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mailsync/msync/dlist"
	"github.com/mailsync/msync/mbox"
	"github.com/mailsync/msync/metrics"
	"github.com/mailsync/msync/mlog"
	"github.com/mailsync/msync/session"
	"github.com/mailsync/msync/syncio"
)

var xlog = mlog.New("reserve")

// ErrSizeMismatch means a staged file does not hold the number of bytes the
// sender declared. A protocol failure: the file must not be installed.
var ErrSizeMismatch = errors.New("staged file size mismatch")

// StageDir returns the staging directory of this process under a partition
// root.
func StageDir(partitionRoot string) string {
	return filepath.Join(partitionRoot, "sync.", strconv.Itoa(os.Getpid()))
}

// StagePath returns the staging path for message content under a partition
// root.
func StagePath(partitionRoot string, guid mbox.GUID) string {
	return filepath.Join(StageDir(partitionRoot), guid.String())
}

// Staged is one received file waiting to be installed.
type Staged struct {
	Part string
	GUID mbox.GUID
	Size int64 // Declared size from the wire.
	Path string

	installed bool
}

// Tx is an active reservation transaction on the receiving side. File
// literals are only accepted while a transaction is active: its SpoolFunc is
// what makes the dlist parser accept them at all.
type Tx struct {
	log    *mlog.Log
	roots  map[string]string // Partition name to root directory.
	order  []*Staged
	byGUID map[mbox.GUID]*Staged
}

// Begin starts a receive transaction for the given partition roots.
func Begin(roots map[string]string) *Tx {
	return &Tx{
		log:    mlog.New("reserve"),
		roots:  roots,
		byGUID: map[mbox.GUID]*Staged{},
	}
}

// SpoolFunc returns the staging callback for the dlist parser. Incoming
// content is written to its staging path while it is read off the wire.
func (tx *Tx) SpoolFunc() dlist.SpoolFunc {
	return func(part string, guid mbox.GUID, size int64) (string, io.WriteCloser, error) {
		root, ok := tx.roots[part]
		if !ok {
			return "", nil, fmt.Errorf("unknown partition %q", part)
		}
		dir := StageDir(root)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", nil, fmt.Errorf("creating staging directory: %v", err)
		}
		p := StagePath(root, guid)
		f, err := os.Create(p)
		if err != nil {
			return "", nil, fmt.Errorf("creating staging file: %v", err)
		}
		s := &Staged{Part: part, GUID: guid, Size: size, Path: p}
		if prev := tx.byGUID[guid]; prev == nil {
			tx.order = append(tx.order, s)
			tx.byGUID[guid] = s
		} else {
			// Same content sent twice in one batch; the second copy simply
			// overwrites the first staging file.
			prev.Size = size
		}
		return p, f, nil
	}
}

// Staged returns the received files in arrival order.
func (tx *Tx) Staged() []*Staged {
	return tx.order
}

// Lookup returns the staged file for guid, or nil.
func (tx *Tx) Lookup(guid mbox.GUID) *Staged {
	return tx.byGUID[guid]
}

// Install moves the staged file for guid into the mailbox message spool at
// destPath, with a single atomic rename followed by a directory sync. The
// staged size is verified against the declared length first; a mismatch is
// ErrSizeMismatch, never a silently short install.
func (tx *Tx) Install(guid mbox.GUID, destPath string) error {
	s := tx.byGUID[guid]
	if s == nil {
		return fmt.Errorf("no staged file for guid %s", guid)
	}
	st, err := os.Stat(s.Path)
	if err != nil {
		return fmt.Errorf("stat staged file: %v", err)
	}
	if st.Size() != s.Size {
		return fmt.Errorf("%w: %s has %d bytes, declared %d", ErrSizeMismatch, s.Path, st.Size(), s.Size)
	}
	if err := os.Rename(s.Path, destPath); err != nil {
		return fmt.Errorf("installing message file: %v", err)
	}
	if err := syncio.SyncDir(tx.log, filepath.Dir(destPath)); err != nil {
		tx.log.Errorx("syncing message spool directory", err, mlog.Field("dir", filepath.Dir(destPath)))
	}
	s.installed = true
	return nil
}

// Abort removes all staged files that were not installed. Safe to call after
// a partial Commit or on any error path.
func (tx *Tx) Abort() {
	for _, s := range tx.order {
		if s.installed {
			continue
		}
		err := os.Remove(s.Path)
		if err != nil && !os.IsNotExist(err) {
			tx.log.Errorx("removing staged file", err, mlog.Field("path", s.Path))
		}
	}
}

// Candidate is one message offered for transfer.
type Candidate struct {
	UID  uint32
	GUID mbox.GUID
	Size int64
	Path string // Message file in the source spool.
}

// AddCandidates appends a file literal node to parent for each candidate
// whose content is not already reserved at the destination, and reserves it.
// Duplicate content within the batch is sent at most once. Returns the
// number of nodes added.
func AddCandidates(parent *dlist.Node, part string, cands []Candidate, msgids *session.MsgidList) int {
	n := 0
	for _, c := range cands {
		if m := msgids.Lookup(c.GUID); m != nil && m.Reserved {
			metrics.ReserveInc("hit")
			continue
		}
		parent.AddFile("", part, c.GUID, c.Size, c.Path)
		msgids.MarkReserved(c.GUID)
		metrics.ReserveInc("miss")
		n++
	}
	return n
}

// RemoveStale deletes staging directories under a partition root left behind
// by other processes and untouched for longer than maxAge. The directory of
// the calling process is never removed.
func RemoveStale(partitionRoot string, maxAge time.Duration) error {
	base := filepath.Join(partitionRoot, "sync.")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading staging root: %v", err)
	}
	self := strconv.Itoa(os.Getpid())
	for _, e := range entries {
		if !e.IsDir() || e.Name() == self {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(fi.ModTime()) < maxAge {
			continue
		}
		p := filepath.Join(base, e.Name())
		if err := os.RemoveAll(p); err != nil {
			xlog.Errorx("removing stale staging directory", err, mlog.Field("dir", p))
		} else {
			xlog.Info("removed stale staging directory", mlog.Field("dir", p))
		}
	}
	return nil
}
