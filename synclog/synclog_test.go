package synclog

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got %v, expected %v", got, expect)
	}
}

func TestLogf(t *testing.T) {
	root := t.TempDir()
	l := New(root, []string{"repl", "backup"}, true)

	err := l.Mailbox("user.mjl")
	tcheck(t, err, "log mailbox")
	err = l.Append("user.two words")
	tcheck(t, err, "log append")
	err = l.Rename("user.a", "user.b")
	tcheck(t, err, "log rename")

	want := "MAILBOX user.mjl\n" + `APPEND "user.two words"` + "\nRENAME user.a user.b\n"
	for _, c := range []string{"repl", "backup"} {
		buf, err := os.ReadFile(filepath.Join(root, "sync", c, "log"))
		tcheck(t, err, "read log")
		tcompare(t, string(buf), want)
	}
}

func TestDefaultTarget(t *testing.T) {
	root := t.TempDir()
	l := New(root, nil, true)
	err := l.Quota("user.mjl")
	tcheck(t, err, "log quota")
	buf, err := os.ReadFile(filepath.Join(root, "sync", "log"))
	tcheck(t, err, "read log")
	tcompare(t, string(buf), "QUOTA user.mjl\n")
}

func TestDisabled(t *testing.T) {
	root := t.TempDir()
	l := New(root, nil, false)
	err := l.Mailbox("user.mjl")
	tcheck(t, err, "log on disabled handle")
	if _, err := os.Stat(filepath.Join(root, "sync", "log")); !os.IsNotExist(err) {
		t.Fatalf("disabled log wrote a file")
	}
}

func TestQuoting(t *testing.T) {
	tests := []struct {
		name   string
		expect string
	}{
		{"plain", "plain"},
		{"two words", `"two words"`},
		{`has"quote`, `"has\"quote"`},
		{`back\slash`, `back\slash`}, // no trigger chars, bare
		{"curly{brace", `"curly\{brace"`},
		{"paren(thesis", `"paren(thesis"`},
	}
	for _, tt := range tests {
		got, err := quoteName(tt.name)
		tcheck(t, err, "quote")
		tcompare(t, got, tt.expect)
	}

	if _, err := quoteName("line\nbreak"); err == nil {
		t.Fatalf("name with line break quoted, expected error")
	}

	// A record with an unloggable name is aborted entirely.
	root := t.TempDir()
	l := New(root, nil, true)
	if err := l.Mailbox("user.\nmjl"); err == nil {
		t.Fatalf("logging name with line break succeeded")
	}
	if _, err := os.Stat(filepath.Join(root, "sync", "log")); !os.IsNotExist(err) {
		t.Fatalf("aborted record still wrote a file")
	}
}

func TestRender(t *testing.T) {
	s, err := render("UID %d OF %s", 17, "user.mjl")
	tcheck(t, err, "render")
	tcompare(t, s, "UID 17 OF user.mjl")

	s, err = render("100%%")
	tcheck(t, err, "render")
	tcompare(t, s, "100%")

	if _, err := render("%s", 5); err == nil {
		t.Fatalf("non-string for %%s rendered")
	}
	if _, err := render("%v", "x"); err == nil {
		t.Fatalf("unknown verb rendered")
	}
	if _, err := render("%s"); err == nil {
		t.Fatalf("missing argument rendered")
	}
}

func TestVerifyOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
	tcheck(t, err, "open log file")

	rotated, err := verifyOpenFile(f, path)
	tcheck(t, err, "verify live file")
	tcompare(t, rotated, false)

	// A rename between open and lock means we hold the old file.
	err = os.Rename(path, path+"-run")
	tcheck(t, err, "rotate log aside")
	rotated, err = verifyOpenFile(f, path)
	tcheck(t, err, "verify after rotation")
	tcompare(t, rotated, true)

	// If the descriptor itself cannot be stat'ed we cannot tell whether we
	// hold the live file, so the check must fail rather than report ok.
	err = f.Close()
	tcheck(t, err, "close log file")
	if _, err := verifyOpenFile(f, path); err == nil {
		t.Fatalf("verify on unusable descriptor succeeded, expected error")
	}
}

func TestReader(t *testing.T) {
	root := t.TempDir()
	l := New(root, nil, true)
	err := l.Mailbox("user.mjl")
	tcheck(t, err, "log")
	err = l.Append("user.two words")
	tcheck(t, err, "log")

	path := filepath.Join(root, "sync", "log")
	r, err := OpenReader(path)
	tcheck(t, err, "open reader")
	recs := r.Records()
	tcompare(t, len(recs), 2)
	tcompare(t, recs[0].Fields, []string{"MAILBOX", "user.mjl"})
	tcompare(t, recs[1].Fields, []string{"APPEND", "user.two words"})
	tcompare(t, recs[1].Kind(), "APPEND")

	// Writers continue on a fresh file while the snapshot is processed.
	err = l.Mailbox("user.other")
	tcheck(t, err, "log after rotation")
	buf, err := os.ReadFile(path)
	tcheck(t, err, "read fresh log")
	tcompare(t, string(buf), "MAILBOX user.other\n")

	err = r.Done()
	tcheck(t, err, "reader done")
	if _, err := os.Stat(path + "-run"); !os.IsNotExist(err) {
		t.Fatalf("snapshot still present after Done")
	}
}

func TestReaderResume(t *testing.T) {
	// A leftover -run file from a crashed consumer is resumed, not
	// overwritten by another rotation.
	root := t.TempDir()
	dir := filepath.Join(root, "sync")
	err := os.MkdirAll(dir, 0750)
	tcheck(t, err, "mkdir")
	path := filepath.Join(dir, "log")
	err = os.WriteFile(path+"-run", []byte("MAILBOX user.crashed\n"), 0640)
	tcheck(t, err, "write leftover run file")
	err = os.WriteFile(path, []byte("MAILBOX user.new\n"), 0640)
	tcheck(t, err, "write live log")

	r, err := OpenReader(path)
	tcheck(t, err, "open reader")
	recs := r.Records()
	tcompare(t, len(recs), 1)
	tcompare(t, recs[0].Fields, []string{"MAILBOX", "user.crashed"})

	// The live log was untouched.
	buf, err := os.ReadFile(path)
	tcheck(t, err, "read live log")
	tcompare(t, string(buf), "MAILBOX user.new\n")
}

func TestReaderEmpty(t *testing.T) {
	root := t.TempDir()
	r, err := OpenReader(filepath.Join(root, "log"))
	tcheck(t, err, "open reader without log file")
	tcompare(t, len(r.Records()), 0)
	err = r.Done()
	tcheck(t, err, "done")
}
