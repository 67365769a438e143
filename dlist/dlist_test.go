package dlist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mailsync/msync/mbox"
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

// print a node, parse the output again, and require an equal tree. A named
// node goes through the named print/parse path so its name survives too.
func roundtrip(t *testing.T, n *Node, spool SpoolFunc) *Node {
	t.Helper()
	withName := n.Name != ""
	var b bytes.Buffer
	err := n.Print(&b, withName)
	tcheck(t, err, "print")
	wire := b.String()
	var nn *Node
	if withName {
		nn, err = ReadNamed(bufio.NewReader(&b), spool)
	} else {
		nn, err = Read(bufio.NewReader(&b), spool)
	}
	tcheck(t, err, "parse")
	if !Equal(n, nn) {
		t.Fatalf("round trip changed value: %v printed as %q", n.Kind(), wire)
	}
	return nn
}

func tspool(t *testing.T) SpoolFunc {
	t.Helper()
	dir := t.TempDir()
	return func(part string, guid mbox.GUID, size int64) (string, io.WriteCloser, error) {
		p := filepath.Join(dir, part+"-"+guid.String())
		f, err := os.Create(p)
		return p, f, err
	}
}

func TestRoundTripScalars(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()

	l := NewList("")
	l.AddNil("")
	l.AddAtom("", "value")
	l.AddAtom("", "two words")
	l.AddAtom("", "")
	l.AddFlag("", `\Seen`)
	l.AddNum("", 42)
	l.AddDate("", now)
	l.AddHex("", 0xdeadbeef)
	l.AddGUID("", mbox.MakeGUID([]byte("message")))
	l.AddBuf("", []byte("binary\x00stuff"))

	roundtrip(t, l, nil)
}

func TestRoundTripLists(t *testing.T) {
	kl := NewKVList("MAILBOX")
	kl.AddAtom("MBOXNAME", "user.mjl")
	kl.AddNum("UIDVALIDITY", 1676304076)
	kl.AddNum("HIGHESTMODSEQ", 123456)
	fl := kl.AddList("FLAGS")
	fl.AddFlag("", `\Answered`)
	fl.AddFlag("", `\Seen`)

	records := kl.AddList("RECORD")
	for i := uint64(1); i <= 3; i++ {
		r := NewKVList("")
		r.AddNum("UID", i)
		r.AddGUID("GUID", mbox.MakeGUID([]byte{byte(i)}))
		records.Append(r)
	}

	nn := roundtrip(t, kl, nil)

	name, ok := nn.GetAtom("MBOXNAME")
	tcompare(t, ok, true)
	tcompare(t, name, "user.mjl")
	v, ok := nn.GetNum("UIDVALIDITY")
	tcompare(t, ok, true)
	tcompare(t, v, uint64(1676304076))
	rl, ok := nn.GetList("RECORD")
	tcompare(t, ok, true)
	tcompare(t, rl.Len(), 3)
	tcompare(t, rl.PercentItems(), true)
	uid, ok := rl.Children()[2].GetNum("UID")
	tcompare(t, ok, true)
	tcompare(t, uid, uint64(3))
}

func TestRoundTripFile(t *testing.T) {
	content := []byte("Subject: test\r\n\r\nbody\r\n")
	dir := t.TempDir()
	p := filepath.Join(dir, "msg")
	err := os.WriteFile(p, content, 0660)
	tcheck(t, err, "write message file")

	g := mbox.MakeGUID(content)
	n := New("")
	n.SetFile("default", g, int64(len(content)), p)

	nn := roundtrip(t, n, tspool(t))

	part, guid, size, path, ok := nn.AsFile()
	tcompare(t, ok, true)
	tcompare(t, part, "default")
	tcompare(t, guid, g)
	tcompare(t, size, int64(len(content)))
	staged, err := os.ReadFile(path)
	tcheck(t, err, "read staged file")
	tcompare(t, staged, content)
}

func TestPrintFileStale(t *testing.T) {
	// A backing file that shrank after the node was built must print as NIL,
	// not as a short literal that would break stream framing.
	dir := t.TempDir()
	p := filepath.Join(dir, "msg")
	err := os.WriteFile(p, []byte("short"), 0660)
	tcheck(t, err, "write message file")

	n := New("")
	n.SetFile("default", mbox.MakeGUID([]byte("x")), 100, p)
	var b bytes.Buffer
	err = n.Print(&b, false)
	tcheck(t, err, "print")
	tcompare(t, b.String(), "NIL")

	n.SetFile("default", mbox.MakeGUID([]byte("x")), 100, filepath.Join(dir, "gone"))
	b.Reset()
	err = n.Print(&b, false)
	tcheck(t, err, "print")
	tcompare(t, b.String(), "NIL")
}

func TestConvert(t *testing.T) {
	n := New("")
	n.SetAtom("12345")
	v, ok := n.AsNum()
	tcompare(t, ok, true)
	tcompare(t, v, uint64(12345))

	// Trailing garbage after a number is not a number.
	n.SetAtom("123x")
	_, ok = n.AsNum()
	tcompare(t, ok, false)

	n.SetAtom("00ff")
	h, ok := n.AsHex()
	tcompare(t, ok, true)
	tcompare(t, h, uint64(0xff))

	n.SetAtom(strings.Repeat("f", 17))
	_, ok = n.AsHex()
	tcompare(t, ok, false)

	n.SetAtom("1700000000")
	d, ok := n.AsDate()
	tcompare(t, ok, true)
	tcompare(t, d, time.Unix(1700000000, 0).UTC())

	// AsGUID reports ok true on success, false for anything that is not
	// exactly the 40 char hex form.
	g := mbox.MakeGUID([]byte("content"))
	n.SetAtom(g.String())
	gg, ok := n.AsGUID()
	tcompare(t, ok, true)
	tcompare(t, gg, g)

	n.SetAtom(g.String() + "00")
	_, ok = n.AsGUID()
	tcompare(t, ok, false)

	n.SetNum(99)
	s, ok := n.AsAtom()
	tcompare(t, ok, true)
	tcompare(t, s, "99")

	// Conversions never mutate the stored representation.
	n.SetAtom("42")
	_, _ = n.AsNum()
	tcompare(t, n.Kind(), KindAtom)
}

func TestConstructReplaces(t *testing.T) {
	n := NewList("")
	n.AddAtom("", "a")
	tcompare(t, n.Len(), 1)
	n.SetNum(7)
	tcompare(t, n.Kind(), KindNum)
	tcompare(t, n.Len(), 0)

	kl := NewKVList("")
	kl.AddAtom("A", "1")
	kl.AddAtom("B", "2")
	kl.AddAtom("C", "3")
	c, ok := kl.Detach("B")
	tcompare(t, ok, true)
	tcompare(t, c.Name, "B")
	tcompare(t, kl.Len(), 2)
	_, ok = kl.Get("B")
	tcompare(t, ok, false)
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"(a b",
		"(a  b)",
		"%x",
		"{4}\r\nab",
		"{4}abcd",
		"%{part}\r\n",
		"%{part 00 5}\r\nabcde",
		`"unterminated`,
		"\"bad\\escape\"",
	}
	for _, s := range bad {
		_, err := Read(bufio.NewReader(strings.NewReader(s)), nil)
		if err == nil {
			t.Fatalf("parse of %q succeeded, expected error", s)
		}
	}

	_, err := Read(bufio.NewReader(strings.NewReader("")), nil)
	if err != io.EOF {
		t.Fatalf("empty stream gave %v, expected io.EOF", err)
	}
}

func TestSpoolFailureDrains(t *testing.T) {
	// A failing spool must still consume the declared byte count so the
	// next protocol exchange on the stream parses cleanly.
	g := mbox.MakeGUID([]byte("m"))
	var b bytes.Buffer
	fmt.Fprintf(&b, "%%{default %s 5}\r\nhello", g)
	b.WriteString(" next")

	br := bufio.NewReader(&b)
	fail := func(part string, guid mbox.GUID, size int64) (string, io.WriteCloser, error) {
		return "", nil, errors.New("no space")
	}
	_, err := Read(br, fail)
	if !errors.Is(err, ErrSpool) {
		t.Fatalf("got %v, expected ErrSpool", err)
	}

	rest, err := io.ReadAll(br)
	tcheck(t, err, "read rest")
	tcompare(t, string(rest), " next")
}

func TestNamedRoundTrip(t *testing.T) {
	// The name must come back byte for byte through print and reparse.
	kl := NewKVList("MAILBOX")
	kl.AddNum("UIDVALIDITY", 3)
	roundtrip(t, kl, nil)

	// An empty name prints as a bare NIL placeholder and parses back empty.
	n := New("")
	n.SetAtom("x")
	var b bytes.Buffer
	err := n.Print(&b, true)
	tcheck(t, err, "print")
	tcompare(t, b.String(), `NIL "x"`)
	nn, err := ReadNamed(bufio.NewReader(&b), nil)
	tcheck(t, err, "parse named")
	tcompare(t, nn.Name, "")

	// A node genuinely named "NIL" goes out quoted and keeps its name.
	n = New("NIL")
	n.SetNum(1)
	b.Reset()
	err = n.Print(&b, true)
	tcheck(t, err, "print")
	tcompare(t, b.String(), `"NIL" 1`)
	nn, err = ReadNamed(bufio.NewReader(&b), nil)
	tcheck(t, err, "parse named")
	tcompare(t, nn.Name, "NIL")
}

func TestReadNamed(t *testing.T) {
	n, err := ReadNamed(bufio.NewReader(strings.NewReader("MAILBOX %(UIDVALIDITY 3)")), nil)
	tcheck(t, err, "parse named")
	tcompare(t, n.Name, "MAILBOX")
	v, ok := n.GetNum("UIDVALIDITY")
	tcompare(t, ok, true)
	tcompare(t, v, uint64(3))
}

func TestNil(t *testing.T) {
	n, err := Read(bufio.NewReader(strings.NewReader("NIL")), nil)
	tcheck(t, err, "parse")
	tcompare(t, n.Kind(), KindNil)

	// A quoted "NIL" stays an atom.
	n, err = Read(bufio.NewReader(strings.NewReader(`"NIL"`)), nil)
	tcheck(t, err, "parse")
	tcompare(t, n.Kind(), KindAtom)
}
