package dlist

import (
	"bytes"
)

// Equal reports whether two trees carry the same information. The wire form
// does not mark the numeric kinds, so scalars compare by their rendered
// text: Num(5) equals Atom("5"), and an atom that had to be sent as a
// literal equals the buffer it is parsed back into. File nodes compare by
// partition, guid and size; the spool path is host-local and not compared.
// Names always participate, including on the nodes passed in, so a named
// top-level value only equals one with the same name.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name {
		return false
	}

	switch a.kind {
	case KindNil, KindFlag, KindFile, KindList, KindKVList:
	default:
		// Textual scalars and buffers compare by rendered bytes, but never
		// against the structural kinds.
		switch b.kind {
		case KindNil, KindFlag, KindFile, KindList, KindKVList:
			return false
		}
	}

	switch a.kind {
	case KindNil:
		return b.kind == KindNil
	case KindFlag:
		return b.kind == KindFlag && a.sval == b.sval
	case KindFile:
		return b.kind == KindFile && a.part == b.part && a.guid == b.guid && a.size == b.size
	case KindList, KindKVList:
		if a.kind != b.kind || len(a.children) != len(b.children) {
			return false
		}
		for i := range a.children {
			if !Equal(a.children[i], b.children[i]) {
				return false
			}
		}
		return true
	}

	abuf, ok := a.AsBuf()
	if !ok {
		return false
	}
	bbuf, ok := b.AsBuf()
	if !ok {
		return false
	}
	return bytes.Equal(abuf, bbuf)
}
