package dlist

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mailsync/msync/mlog"
)

// Longest scalar printed as a quoted string. Anything larger goes out as a
// literal regardless of content.
const maxQuoted = 1024

// printer writes with a sticky error so the printing code doesn't check
// every write.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) puts(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *printer) putb(buf []byte) {
	if p.err == nil {
		_, p.err = p.w.Write(buf)
	}
}

// quotable reports whether s can go on the wire as a quoted string: safe
// ASCII, no control chars, no space, no quote or backslash.
func quotable(s string) bool {
	if len(s) > maxQuoted {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b <= ' ' || b >= 0x7f || b == '"' || b == '\\' {
			return false
		}
	}
	return true
}

func (p *printer) string(s string) {
	if quotable(s) {
		p.puts(`"` + s + `"`)
		return
	}
	p.puts("{" + strconv.Itoa(len(s)) + "}\r\n")
	p.puts(s)
}

// Print serializes the node to w, depth-first. With withName, the node's
// name is written first, the form used for children of keyed lists and for
// a named top-level value.
func (n *Node) Print(w io.Writer, withName bool) error {
	p := &printer{w: w}
	n.print(p, withName)
	return p.err
}

func (n *Node) print(p *printer, withName bool) {
	if withName {
		if n.Name == "" {
			// An absent name goes out as bare NIL and parses back empty. A
			// node genuinely named "NIL" takes the quoted branch below.
			p.puts("NIL")
		} else {
			p.string(n.Name)
		}
		p.puts(" ")
	}

	switch n.kind {
	case KindNil:
		p.puts("NIL")
	case KindAtom:
		p.string(n.sval)
	case KindFlag:
		// Flags go out bare: the leading backslash marks them and can never
		// be confused with other syntax.
		p.puts(n.sval)
	case KindNum, KindDate:
		p.puts(strconv.FormatUint(n.nval, 10))
	case KindHex:
		p.puts(formatHex(n.nval))
	case KindGUID:
		p.puts(n.guid.String())
	case KindBuf:
		// Buffers may hold NUL and other binary, always use a literal.
		p.puts("{" + strconv.Itoa(len(n.buf)) + "}\r\n")
		p.putb(n.buf)
	case KindFile:
		n.printFile(p)
	case KindList:
		p.puts("(")
		for i, c := range n.children {
			if i > 0 {
				p.puts(" ")
			}
			c.print(p, false)
		}
		p.puts(")")
	case KindKVList:
		p.puts("%(")
		for i, c := range n.children {
			if i > 0 {
				p.puts(" ")
			}
			c.print(p, true)
		}
		p.puts(")")
	}
}

// printFile transfers the backing file as a file literal. The file is
// re-validated first: if it is gone or its size no longer matches the
// recorded length, NIL goes out instead and the mismatch is logged, so a
// stale reservation never corrupts the stream framing.
func (n *Node) printFile(p *printer) {
	f, err := os.Open(n.path)
	if err != nil {
		xlog.Errorx("file literal backing file", err, mlog.Field("path", n.path), mlog.Field("guid", n.guid))
		p.puts("NIL")
		return
	}
	defer func() {
		err := f.Close()
		xlog.Check(err, "closing file literal backing file")
	}()
	st, err := f.Stat()
	if err != nil {
		xlog.Errorx("stat file literal backing file", err, mlog.Field("path", n.path))
		p.puts("NIL")
		return
	}
	if st.Size() != n.size {
		xlog.Error("file literal size changed, sending NIL", mlog.Field("path", n.path), mlog.Field("recorded", n.size), mlog.Field("actual", st.Size()))
		p.puts("NIL")
		return
	}

	p.puts("%{" + n.part + " " + n.guid.String() + " " + strconv.FormatInt(n.size, 10) + "}\r\n")
	if p.err != nil {
		return
	}
	nn, err := io.Copy(p.w, f)
	if err != nil {
		p.err = err
		return
	}
	if nn != n.size {
		// Stream framing is broken now, nothing to do but fail the print.
		p.err = fmt.Errorf("short copy of %s: wrote %d, need %d", n.path, nn, n.size)
	}
}
