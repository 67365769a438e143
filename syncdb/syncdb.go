// Package syncdb stores per-folder replication state between runs: the last
// uid and modseq a folder was synchronized up to, and the digest it had at
// that point. A digest match against the stored state lets a run skip the
// folder entirely.
package syncdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"
)

// FolderState is the replication state of one folder, keyed by its stable
// unique id so renames do not lose state.
type FolderState struct {
	ID       int64
	UniqueID string `bstore:"unique,nonzero"`
	Name     string // Current folder name, updated on rename.

	// Synchronization high water marks at the end of the last run.
	LastUID       uint32
	HighestModSeq int64

	// Digest of the folder at the end of the last run, with the algorithm
	// and coverage it was computed under. A digest is only comparable when
	// algorithm and coverage match.
	Digest    uint32
	Algorithm string
	Covers    string

	LastSync time.Time
}

// DBTypes are the types stored in the state database.
var DBTypes = []any{FolderState{}}

type DB struct {
	*bstore.DB
}

// Open opens the state database at path, creating it and its directory when
// missing.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %v", err)
	}
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %v", err)
	}
	return &DB{db}, nil
}

// Folder returns the state for a folder by unique id. bstore.ErrAbsent when
// the folder was never synchronized.
func (db *DB) Folder(ctx context.Context, uniqueID string) (FolderState, error) {
	return bstore.QueryDB[FolderState](ctx, db.DB).FilterNonzero(FolderState{UniqueID: uniqueID}).Get()
}

// Upsert stores the state for a folder, inserting on first sync and updating
// afterwards. The stored ID is written back into fs.
func (db *DB) Upsert(ctx context.Context, fs *FolderState) error {
	return db.Write(ctx, func(tx *bstore.Tx) error {
		cur, err := bstore.QueryTx[FolderState](tx).FilterNonzero(FolderState{UniqueID: fs.UniqueID}).Get()
		if err == bstore.ErrAbsent {
			fs.ID = 0
			return tx.Insert(fs)
		}
		if err != nil {
			return err
		}
		fs.ID = cur.ID
		return tx.Update(fs)
	})
}

// Forget removes the state for a folder, e.g. after it was deleted on both
// sides. Missing state is not an error.
func (db *DB) Forget(ctx context.Context, uniqueID string) error {
	_, err := bstore.QueryDB[FolderState](ctx, db.DB).FilterNonzero(FolderState{UniqueID: uniqueID}).Delete()
	return err
}

// All returns the state of all known folders, sorted by name.
func (db *DB) All(ctx context.Context) ([]FolderState, error) {
	return bstore.QueryDB[FolderState](ctx, db.DB).SortAsc("Name").List()
}
