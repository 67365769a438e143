// Package syncio has common i/o functions for the replication core.
package syncio

import (
	"fmt"
	"io"

	"github.com/mailsync/msync/mlog"
)

// Logger is the part of mlog.Log these helpers need. It keeps syncio usable
// in tests with a plain package logger.
type Logger interface {
	Check(err error, text string, fields ...mlog.Pair)
	Trace(text string, fields ...mlog.Pair) bool
}

type TraceWriter struct {
	log    Logger
	prefix string
	w      io.Writer
}

// NewTraceWriter wraps "w" into a writer that logs all writes to "log" with
// log level trace, prefixed with "prefix".
func NewTraceWriter(log Logger, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w}
}

// Write logs a trace line for writing buf, then writes to the underlying
// writer.
func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.prefix + fmt.Sprintf("%q", buf))
	return w.w.Write(buf)
}

type TraceReader struct {
	log    Logger
	prefix string
	r      io.Reader
}

// NewTraceReader wraps reader "r" into a reader that logs all reads to "log"
// with log level trace, prefixed with "prefix".
func NewTraceReader(log Logger, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r}
}

// Read does a single Read on its underlying reader, logs data of successful
// reads, and returns the data read.
func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.prefix + fmt.Sprintf("%q", buf[:n]))
	}
	return n, err
}
