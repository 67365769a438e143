// Package dlist implements the typed tree values used to serialize mailbox,
// message and annotation state for replication, along with their wire syntax.
//
// A value is a tree of nodes. Scalar nodes hold an atom, flag, number, date,
// hex number, guid, binary buffer or a reference to a spooled message file.
// List nodes hold ordered children; children of a keyed list each have a
// name. The wire forms:
//
//	(a b c)                    ordered list
//	%(k1 v1 k2 v2)             keyed list, each child consumes a name first
//	%{part guid size}CRLF+data file literal, spooled to disk while reading
//	{size}CRLF+data            generic binary-safe literal
//	\Name                      flag atom, never quoted
//	"text" or bare token       string atom
//
// Reinterpreting a node (AsNum, AsGUID, ...) returns the value in the
// requested form without modifying the node; a node that does not match the
// requested grammar reports ok false.
package dlist

import (
	"strconv"
	"strings"
	"time"

	"github.com/mailsync/msync/mbox"
	"github.com/mailsync/msync/mlog"
)

var xlog = mlog.New("dlist")

// Kind is the stored representation of a node.
type Kind uint8

const (
	KindNil Kind = iota
	KindAtom
	KindFlag
	KindNum
	KindDate
	KindHex
	KindGUID
	KindFile
	KindBuf
	KindList
	KindKVList
)

var kindStrings = map[Kind]string{
	KindNil:    "nil",
	KindAtom:   "atom",
	KindFlag:   "flag",
	KindNum:    "num",
	KindDate:   "date",
	KindHex:    "hex",
	KindGUID:   "guid",
	KindFile:   "file",
	KindBuf:    "buf",
	KindList:   "list",
	KindKVList: "kvlist",
}

func (k Kind) String() string {
	return kindStrings[k]
}

// Node is one value in a dlist tree. A node has either a scalar value or
// children, never both. Nodes are not safe for concurrent use.
type Node struct {
	Name string // Set when the node is a child of a keyed list.

	kind     Kind
	sval     string    // atom, flag
	nval     uint64    // num, hex, date (unix seconds)
	guid     mbox.GUID // guid, file
	buf      []byte    // buf
	part     string    // file
	path     string    // file, spooled path
	size     int64     // file
	percent  bool      // list of keyed-list items, parse-time marker
	children []*Node   // list, kvlist
}

func (n *Node) Kind() Kind { return n.kind }

// reset clears all value state, keeping only the name. Every Set* goes
// through here: setting a kind replaces whatever the node held before.
func (n *Node) reset(kind Kind) {
	name := n.Name
	*n = Node{Name: name, kind: kind}
}

func (n *Node) SetNil()             { n.reset(KindNil) }
func (n *Node) SetAtom(v string)    { n.reset(KindAtom); n.sval = v }
func (n *Node) SetNum(v uint64)     { n.reset(KindNum); n.nval = v }
func (n *Node) SetHex(v uint64)     { n.reset(KindHex); n.nval = v }
func (n *Node) SetDate(t time.Time) { n.reset(KindDate); n.nval = uint64(t.Unix()) }
func (n *Node) SetGUID(g mbox.GUID) { n.reset(KindGUID); n.guid = g }
func (n *Node) SetBuf(buf []byte)   { n.reset(KindBuf); n.buf = buf }
func (n *Node) SetList()            { n.reset(KindList) }
func (n *Node) SetKVList()          { n.reset(KindKVList) }

// SetFlag sets a flag atom. Flags always start with a backslash; one is
// prepended if missing.
func (n *Node) SetFlag(v string) {
	n.reset(KindFlag)
	if !strings.HasPrefix(v, `\`) {
		v = `\` + v
	}
	n.sval = v
}

// SetFile makes the node reference a message file of "size" bytes spooled at
// "path", on partition "part", with content hash "guid".
func (n *Node) SetFile(part string, guid mbox.GUID, size int64, path string) {
	n.reset(KindFile)
	n.part = part
	n.guid = guid
	n.size = size
	n.path = path
}

// New returns a standalone nil node with a name. An empty name is common for
// nodes that will not become keyed-list children.
func New(name string) *Node {
	return &Node{Name: name, kind: KindNil}
}

// NewList returns a standalone empty list.
func NewList(name string) *Node {
	n := New(name)
	n.SetList()
	return n
}

// NewKVList returns a standalone empty keyed list.
func NewKVList(name string) *Node {
	n := New(name)
	n.SetKVList()
	return n
}

// Append adds child to a list or keyed list and returns the child.
// Appending to a scalar node first converts it into a plain list, dropping
// its value.
func (n *Node) Append(child *Node) *Node {
	if n.kind != KindList && n.kind != KindKVList {
		n.reset(KindList)
	}
	n.children = append(n.children, child)
	return child
}

func (n *Node) add(name string) *Node {
	return n.Append(New(name))
}

// The Add* builders create a child of the given kind under n and return it.

func (n *Node) AddNil(name string) *Node { c := n.add(name); c.SetNil(); return c }
func (n *Node) AddAtom(name, v string) *Node {
	c := n.add(name)
	c.SetAtom(v)
	return c
}
func (n *Node) AddFlag(name, v string) *Node {
	c := n.add(name)
	c.SetFlag(v)
	return c
}
func (n *Node) AddNum(name string, v uint64) *Node {
	c := n.add(name)
	c.SetNum(v)
	return c
}
func (n *Node) AddHex(name string, v uint64) *Node {
	c := n.add(name)
	c.SetHex(v)
	return c
}
func (n *Node) AddDate(name string, t time.Time) *Node {
	c := n.add(name)
	c.SetDate(t)
	return c
}
func (n *Node) AddGUID(name string, g mbox.GUID) *Node {
	c := n.add(name)
	c.SetGUID(g)
	return c
}
func (n *Node) AddBuf(name string, buf []byte) *Node {
	c := n.add(name)
	c.SetBuf(buf)
	return c
}
func (n *Node) AddFile(name, part string, guid mbox.GUID, size int64, path string) *Node {
	c := n.add(name)
	c.SetFile(part, guid, size, path)
	return c
}
func (n *Node) AddList(name string) *Node {
	c := n.add(name)
	c.SetList()
	return c
}
func (n *Node) AddKVList(name string) *Node {
	c := n.add(name)
	c.SetKVList()
	return c
}

// Children returns the ordered children of a list node, nil for scalars.
func (n *Node) Children() []*Node {
	return n.children
}

// Len returns the number of children.
func (n *Node) Len() int {
	return len(n.children)
}

// PercentItems reports whether a plain list was parsed with keyed-list items
// ("(%(...) %(...))" syntax). Metadata only: the printer derives syntax from
// each child's own kind.
func (n *Node) PercentItems() bool {
	return n.percent
}

// Detach removes and returns the first child with the given name.
func (n *Node) Detach(name string) (*Node, bool) {
	for i, c := range n.children {
		if c.Name == name {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return c, true
		}
	}
	return nil, false
}

// text renders the scalar value of textual kinds as it appears on the wire.
func (n *Node) text() (string, bool) {
	switch n.kind {
	case KindAtom, KindFlag:
		return n.sval, true
	case KindNum, KindDate:
		return strconv.FormatUint(n.nval, 10), true
	case KindHex:
		return formatHex(n.nval), true
	case KindGUID:
		return n.guid.String(), true
	case KindBuf:
		return string(n.buf), true
	}
	return "", false
}

func formatHex(v uint64) string {
	s := strconv.FormatUint(v, 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// AsAtom returns the node's value as text. Numbers, dates, hex values, guids
// and buffers render to their wire text.
func (n *Node) AsAtom() (string, bool) {
	return n.text()
}

// AsNum returns the value as a decimal number. Textual nodes must consist
// entirely of digits: trailing garbage means not a number.
func (n *Node) AsNum() (uint64, bool) {
	switch n.kind {
	case KindNum, KindDate, KindHex:
		return n.nval, true
	case KindAtom, KindBuf:
		s, _ := n.text()
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// AsHex returns the value as a number from its 1-16 char hex form.
func (n *Node) AsHex() (uint64, bool) {
	switch n.kind {
	case KindHex, KindNum, KindDate:
		return n.nval, true
	case KindAtom, KindBuf:
		s, _ := n.text()
		if len(s) == 0 || len(s) > 16 {
			return 0, false
		}
		v, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// AsDate returns the value as a time from its unix seconds form.
func (n *Node) AsDate() (time.Time, bool) {
	v, ok := n.AsNum()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(v), 0).UTC(), true
}

// AsGUID returns the value as a guid. Textual nodes must be exactly the
// 40 char hex form. Ok is true on success.
func (n *Node) AsGUID() (mbox.GUID, bool) {
	switch n.kind {
	case KindGUID:
		return n.guid, true
	case KindFile:
		return n.guid, true
	case KindAtom, KindBuf:
		s, _ := n.text()
		g, err := mbox.ParseGUID(s)
		if err != nil {
			return mbox.GUID{}, false
		}
		return g, true
	}
	return mbox.GUID{}, false
}

// AsBuf returns the raw bytes of a buffer or textual node.
func (n *Node) AsBuf() ([]byte, bool) {
	if n.kind == KindBuf {
		return n.buf, true
	}
	s, ok := n.text()
	if !ok {
		return nil, false
	}
	return []byte(s), true
}

// AsFile returns the fields of a file node.
func (n *Node) AsFile() (part string, guid mbox.GUID, size int64, path string, ok bool) {
	if n.kind != KindFile {
		return "", mbox.GUID{}, 0, "", false
	}
	return n.part, n.guid, n.size, n.path, true
}

// Get returns the first child of a keyed list with the given name.
func (n *Node) Get(name string) (*Node, bool) {
	if n.kind != KindKVList && n.kind != KindList {
		return nil, false
	}
	for _, c := range n.children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// The Get* accessors look up a named child and convert it in one step.

func (n *Node) GetAtom(name string) (string, bool) {
	c, ok := n.Get(name)
	if !ok {
		return "", false
	}
	return c.AsAtom()
}

func (n *Node) GetNum(name string) (uint64, bool) {
	c, ok := n.Get(name)
	if !ok {
		return 0, false
	}
	return c.AsNum()
}

func (n *Node) GetHex(name string) (uint64, bool) {
	c, ok := n.Get(name)
	if !ok {
		return 0, false
	}
	return c.AsHex()
}

func (n *Node) GetDate(name string) (time.Time, bool) {
	c, ok := n.Get(name)
	if !ok {
		return time.Time{}, false
	}
	return c.AsDate()
}

func (n *Node) GetGUID(name string) (mbox.GUID, bool) {
	c, ok := n.Get(name)
	if !ok {
		return mbox.GUID{}, false
	}
	return c.AsGUID()
}

func (n *Node) GetList(name string) (*Node, bool) {
	c, ok := n.Get(name)
	if !ok || c.kind != KindList && c.kind != KindKVList {
		return nil, false
	}
	return c, true
}
