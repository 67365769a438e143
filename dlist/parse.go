package dlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/mailsync/msync/mbox"
	"github.com/mailsync/msync/metrics"
)

// Largest generic literal we are willing to buffer in memory. Message bodies
// go through file literals and are not subject to this.
const maxLiteral = 1 << 30

var (
	// ErrParse indicates malformed wire syntax or a truncated stream. The
	// stream position is undefined afterwards; the caller must resynchronize
	// or drop the connection.
	ErrParse = errors.New("dlist syntax error")

	// ErrSpool indicates a file literal could not be spooled locally. The
	// declared byte count has still been consumed from the stream, so the
	// stream remains usable for further exchanges.
	ErrSpool = errors.New("spooling file literal")
)

// SpoolFunc creates the staging file for an incoming file literal, returning
// the path the file will be known by and the writer to spool to. The writer
// is closed by the parser.
type SpoolFunc func(part string, guid mbox.GUID, size int64) (string, io.WriteCloser, error)

type parseError struct{ err error }

type reader struct {
	br    *bufio.Reader
	spool SpoolFunc
}

func (r *reader) xerrorf(format string, args ...any) {
	panic(parseError{fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))})
}

func (r *reader) xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(parseError{fmt.Errorf("%w: %s: %v", ErrParse, fmt.Sprintf(format, args...), err)})
	}
}

func (r *reader) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	perr, ok := x.(parseError)
	if !ok {
		panic(x)
	}
	metrics.DlistParseErrorInc()
	*rerr = perr.err
}

// Read parses a single value from br. Any file literals are spooled through
// spool, which may be nil if the stream cannot carry them. On any structural
// violation no partial tree is returned, only an error; io.EOF is returned
// only for a clean end of stream before any input.
func Read(br *bufio.Reader, spool SpoolFunc) (node *Node, rerr error) {
	r := &reader{br, spool}
	defer r.recover(&rerr)
	if _, err := br.Peek(1); err != nil {
		return nil, err
	}
	return r.xvalue(""), nil
}

// ReadNamed parses a name token, a space and then the named value.
func ReadNamed(br *bufio.Reader, spool SpoolFunc) (node *Node, rerr error) {
	r := &reader{br, spool}
	defer r.recover(&rerr)
	if _, err := br.Peek(1); err != nil {
		return nil, err
	}
	name := r.xname()
	r.xtake(' ')
	return r.xvalue(name), nil
}

func (r *reader) xbyte() byte {
	b, err := r.br.ReadByte()
	if err == io.EOF {
		r.xerrorf("unexpected end of stream")
	}
	r.xcheckf(err, "reading byte")
	return b
}

// peek returns the next byte without consuming it, or ok false on end of
// stream.
func (r *reader) peek() (byte, bool) {
	buf, err := r.br.Peek(1)
	if err != nil {
		return 0, false
	}
	return buf[0], true
}

func (r *reader) xpeek() byte {
	b, ok := r.peek()
	if !ok {
		r.xerrorf("unexpected end of stream")
	}
	return b
}

func (r *reader) take(exp byte) bool {
	b, ok := r.peek()
	if !ok || b != exp {
		return false
	}
	_, _ = r.br.ReadByte()
	return true
}

func (r *reader) xtake(exp byte) {
	if !r.take(exp) {
		b, ok := r.peek()
		if !ok {
			r.xerrorf("expected %q, got end of stream", exp)
		}
		r.xerrorf("expected %q, got %q", exp, b)
	}
}

func (r *reader) xcrlf() {
	r.xtake('\r')
	r.xtake('\n')
}

// token terminators: space and ')' separate siblings, CR/LF ends a protocol
// line. End of stream also ends a token.
func istokenend(b byte) bool {
	return b == ' ' || b == ')' || b == '\r' || b == '\n'
}

// xtoken reads a bare token of at least one byte.
func (r *reader) xtoken() string {
	var buf []byte
	for {
		b, ok := r.peek()
		if !ok || istokenend(b) {
			break
		}
		_, _ = r.br.ReadByte()
		buf = append(buf, b)
	}
	if len(buf) == 0 {
		r.xerrorf("expected token, got %q", r.xpeek())
	}
	return string(buf)
}

// xquoted reads a quoted string, after the leading dquote has been seen but
// not consumed.
func (r *reader) xquoted() string {
	r.xtake('"')
	var buf []byte
	for {
		b := r.xbyte()
		switch b {
		case '"':
			return string(buf)
		case '\\':
			b = r.xbyte()
			if b != '\\' && b != '"' {
				r.xerrorf("bad escape char %q in quoted string", b)
			}
			buf = append(buf, b)
		case '\r', '\n', 0:
			r.xerrorf("bad nul, cr or lf in quoted string")
		default:
			buf = append(buf, b)
		}
	}
}

// xname reads the name preceding a value in a keyed list. A bare NIL is how
// the printer renders an absent name, so it maps back to the empty name; a
// node genuinely named "NIL" arrives quoted.
func (r *reader) xname() string {
	if b := r.xpeek(); b == '"' {
		return r.xquoted()
	}
	tok := r.xtoken()
	if tok == "NIL" {
		return ""
	}
	return tok
}

func (r *reader) xsize() int64 {
	var n int64
	var digits int
	for {
		b, ok := r.peek()
		if !ok || b < '0' || b > '9' {
			break
		}
		_, _ = r.br.ReadByte()
		n = n*10 + int64(b-'0')
		digits++
		if digits > 18 {
			r.xerrorf("literal size too large")
		}
	}
	if digits == 0 {
		r.xerrorf("expected size")
	}
	return n
}

func (r *reader) xvalue(name string) *Node {
	n := New(name)
	switch b := r.xpeek(); b {
	case '(':
		r.xlist(n)
	case '%':
		_, _ = r.br.ReadByte()
		switch b := r.xpeek(); b {
		case '(':
			r.xkvlist(n)
		case '{':
			r.xfile(n)
		default:
			r.xerrorf("expected ( or { after %%, got %q", b)
		}
	case '{':
		r.xliteral(n)
	case '"':
		n.SetAtom(r.xquoted())
	case '\\':
		n.SetFlag(r.xtoken())
	default:
		tok := r.xtoken()
		if tok == "NIL" {
			n.SetNil()
		} else {
			n.SetAtom(tok)
		}
	}
	return n
}

func (r *reader) xlist(n *Node) {
	r.xtake('(')
	n.SetList()
	if r.take(')') {
		return
	}
	for {
		if r.xpeek() == '%' && n.Len() == 0 {
			n.percent = true
		}
		n.Append(r.xvalue(""))
		if r.take(')') {
			return
		}
		r.xtake(' ')
	}
}

func (r *reader) xkvlist(n *Node) {
	r.xtake('(')
	n.SetKVList()
	if r.take(')') {
		return
	}
	for {
		name := r.xname()
		r.xtake(' ')
		n.Append(r.xvalue(name))
		if r.take(')') {
			return
		}
		r.xtake(' ')
	}
}

// xliteral reads a generic binary-safe literal, "{size}" CRLF and exactly
// size bytes.
func (r *reader) xliteral(n *Node) {
	r.xtake('{')
	size := r.xsize()
	r.xtake('}')
	r.xcrlf()
	if size > maxLiteral {
		r.xerrorf("literal of %d bytes too large", size)
	}
	buf := make([]byte, size)
	_, err := io.ReadFull(r.br, buf)
	r.xcheckf(err, "reading %d byte literal", size)
	n.SetBuf(buf)
}

// xfile reads a file literal, "%{part guid size}" CRLF and exactly size
// bytes, spooling the bytes to a staging file as they arrive. When spooling
// fails the size bytes are still consumed so the stream stays framed, and
// the error is surfaced wrapped as ErrSpool.
func (r *reader) xfile(n *Node) {
	r.xtake('{')
	part := r.xtoken()
	r.xtake(' ')
	g, err := mbox.ParseGUID(r.xtoken())
	r.xcheckf(err, "file literal guid")
	r.xtake(' ')
	size := r.xsize()
	r.xtake('}')
	r.xcrlf()

	var path string
	var w io.WriteCloser
	var spoolErr error
	if r.spool == nil {
		spoolErr = fmt.Errorf("no spool for file literal")
	} else {
		path, w, spoolErr = r.spool(part, g, size)
	}

	// The declared byte count is always drained in full, also after a local
	// write error: a spool failure must not desynchronize the shared stream.
	var copied int64
	buf := make([]byte, 32*1024)
	for copied < size {
		chunk := size - copied
		if chunk > int64(len(buf)) {
			chunk = int64(len(buf))
		}
		nn, err := io.ReadFull(r.br, buf[:chunk])
		if err != nil {
			if w != nil {
				_ = w.Close()
			}
			r.xcheckf(err, "reading %d byte file literal", size)
		}
		copied += int64(nn)
		if spoolErr == nil {
			if _, err := w.Write(buf[:nn]); err != nil {
				spoolErr = err
			}
		}
	}
	if w != nil {
		if err := w.Close(); err != nil && spoolErr == nil {
			spoolErr = err
		}
	}
	if spoolErr != nil {
		panic(parseError{fmt.Errorf("%w: %v", ErrSpool, spoolErr)})
	}
	n.SetFile(part, g, size, path)
}
