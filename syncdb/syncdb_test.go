package syncdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/bstore"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestFolderState(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "state", "sync.db"))
	tcheck(t, err, "open db")
	defer db.Close()

	_, err = db.Folder(ctx, "f3b2")
	if err != bstore.ErrAbsent {
		t.Fatalf("unknown folder gave %v, expected ErrAbsent", err)
	}

	fs := FolderState{
		UniqueID:      "f3b2",
		Name:          "user.mjl",
		LastUID:       100,
		HighestModSeq: 5000,
		Digest:        0xdeadbeef,
		Algorithm:     "CRC32",
		Covers:        "BASIC",
		LastSync:      time.Now().Round(time.Second),
	}
	err = db.Upsert(ctx, &fs)
	tcheck(t, err, "insert")
	if fs.ID == 0 {
		t.Fatalf("insert did not assign an id")
	}

	got, err := db.Folder(ctx, "f3b2")
	tcheck(t, err, "get")
	if got.Name != "user.mjl" || got.LastUID != 100 || got.Digest != 0xdeadbeef {
		t.Fatalf("got %+v", got)
	}

	// Rename: the unique id keeps the state, the name follows.
	fs.Name = "user.mjl.renamed"
	fs.LastUID = 150
	err = db.Upsert(ctx, &fs)
	tcheck(t, err, "update")

	got, err = db.Folder(ctx, "f3b2")
	tcheck(t, err, "get after update")
	if got.Name != "user.mjl.renamed" || got.LastUID != 150 {
		t.Fatalf("got %+v after update", got)
	}

	other := FolderState{UniqueID: "a911", Name: "user.other"}
	err = db.Upsert(ctx, &other)
	tcheck(t, err, "insert second")

	all, err := db.All(ctx)
	tcheck(t, err, "list")
	if len(all) != 2 || all[0].Name != "user.mjl.renamed" || all[1].Name != "user.other" {
		t.Fatalf("got %d folders, %+v", len(all), all)
	}

	err = db.Forget(ctx, "f3b2")
	tcheck(t, err, "forget")
	_, err = db.Folder(ctx, "f3b2")
	if err != bstore.ErrAbsent {
		t.Fatalf("forgotten folder gave %v, expected ErrAbsent", err)
	}
	err = db.Forget(ctx, "f3b2")
	tcheck(t, err, "forget missing")
}
