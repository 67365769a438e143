// Package synclog implements the durable change log that queues replication
// work.
//
// Records are single human-readable lines, e.g. "APPEND user.mjl", appended
// to the log file of each configured channel. Multiple processes append
// concurrently: each write takes an exclusive lock on the open file and
// verifies the file was not rotated away underneath it before writing and
// fsyncing. A consumer rotates the log aside with a Reader and processes the
// queued records.
//
// Durability is best effort, at least once: a record that cannot be written
// to one channel is dropped for that channel only and the failure logged.
package synclog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mailsync/msync/metrics"
	"github.com/mailsync/msync/mlog"
	"github.com/mailsync/msync/syncio"
)

// Attempts to win the open/lock/rename race against a concurrent Reader
// rotating the file. Not a wait for lock contention: the lock itself blocks.
const writeAttempts = 5

// Target is one change log file records are appended to.
type Target struct {
	Name string // Channel name, empty for the default channel.
	Path string
}

// Log is a handle fanning out change records to the configured channels.
// Construct once at startup and pass it to whoever makes changes worth
// replicating.
type Log struct {
	log     *mlog.Log
	enabled bool
	targets []Target
}

// New returns a log handle for the given channels, writing to
// <configRoot>/sync/<channel>/log, or <configRoot>/sync/log if no channels
// are configured. If enabled is false all calls are no-ops.
func New(configRoot string, channels []string, enabled bool) *Log {
	l := &Log{
		log:     mlog.New("synclog"),
		enabled: enabled,
	}
	if len(channels) == 0 {
		l.targets = []Target{{Path: filepath.Join(configRoot, "sync", "log")}}
		return l
	}
	for _, c := range channels {
		l.targets = append(l.targets, Target{Name: c, Path: filepath.Join(configRoot, "sync", c, "log")})
	}
	return l
}

// Targets returns the configured targets.
func (l *Log) Targets() []Target {
	return l.targets
}

// Logf renders a record and appends it to every target. The format
// understands %s (a name, quoted if needed), %d (decimal) and %%. A value
// containing a line break cannot be represented and aborts the record for
// all targets with an error. Per-target write failures are logged and
// counted but do not fail the call: the other targets still get the record.
func (l *Log) Logf(format string, args ...any) error {
	if !l.enabled {
		return nil
	}
	rec, err := render(format, args...)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(rec, "\n") {
		rec += "\n"
	}
	for _, t := range l.targets {
		if err := appendRecord(t.Path, rec); err != nil {
			msg := "writing change log record"
			if syncio.IsStorageSpace(err) {
				msg = "writing change log record, storage full"
			}
			l.log.Errorx(msg, err, mlog.Field("target", t.Path))
			metrics.SynclogWriteInc(t.Name, "error")
			continue
		}
		metrics.SynclogWriteInc(t.Name, "ok")
	}
	return nil
}

// The conventional record kinds.

func (l *Log) Mailbox(name string) error { return l.Logf("MAILBOX %s", name) }
func (l *Log) Append(name string) error  { return l.Logf("APPEND %s", name) }
func (l *Log) Rename(oldn, newn string) error {
	return l.Logf("RENAME %s %s", oldn, newn)
}
func (l *Log) Quota(root string) error         { return l.Logf("QUOTA %s", root) }
func (l *Log) Annotation(mailbox string) error { return l.Logf("ANNOTATION %s", mailbox) }
func (l *Log) Sieve(userID string) error       { return l.Logf("SIEVE %s", userID) }
func (l *Log) Sub(userID, mailbox string) error {
	return l.Logf("SUB %s %s", userID, mailbox)
}
func (l *Log) Unsub(userID, mailbox string) error {
	return l.Logf("UNSUB %s %s", userID, mailbox)
}
func (l *Log) User(userID string) error { return l.Logf("USER %s", userID) }

func render(format string, args ...any) (string, error) {
	var b strings.Builder
	argi := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			return "", fmt.Errorf("format ends in bare %%")
		}
		switch format[i] {
		case '%':
			b.WriteByte('%')
			continue
		case 's':
			if argi >= len(args) {
				return "", fmt.Errorf("missing argument for %%s")
			}
			s, ok := args[argi].(string)
			if !ok {
				return "", fmt.Errorf("argument %d for %%s is %T, not string", argi, args[argi])
			}
			argi++
			qs, err := quoteName(s)
			if err != nil {
				return "", err
			}
			b.WriteString(qs)
		case 'd':
			if argi >= len(args) {
				return "", fmt.Errorf("missing argument for %%d")
			}
			var s string
			switch v := args[argi].(type) {
			case int:
				s = strconv.Itoa(v)
			case int64:
				s = strconv.FormatInt(v, 10)
			case uint32:
				s = strconv.FormatUint(uint64(v), 10)
			case uint64:
				s = strconv.FormatUint(v, 10)
			default:
				return "", fmt.Errorf("argument %d for %%d is %T, not an integer", argi, args[argi])
			}
			argi++
			b.WriteString(s)
		default:
			return "", fmt.Errorf("unknown verb %%%c", format[i])
		}
	}
	return b.String(), nil
}

// quoteName renders a name for a change record. Names with whitespace,
// quotes, braces or parentheses are wrapped in quotes with embedded quote,
// backslash and brace characters escaped. A name with a line break cannot be
// logged at all: a record is one line.
func quoteName(s string) (string, error) {
	if strings.ContainsAny(s, "\r\n") {
		return "", fmt.Errorf("name %q contains line break", s)
	}
	if !strings.ContainsAny(s, " \t\"{}()") {
		return s, nil
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' || c == '{' || c == '}' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String(), nil
}

// appendRecord writes rec to the log file at path: open for append, lock,
// verify the descriptor still belongs to the path (a Reader may have rotated
// the file between open and lock), write, fsync. The open+lock is retried a
// bounded number of times when the rename race is lost.
func appendRecord(path string, rec string) error {
	xlog := mlog.New("synclog")
	for attempt := 0; attempt < writeAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
		if err != nil && os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
				return fmt.Errorf("creating log directory: %v", err)
			}
			f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
		}
		if err != nil {
			return fmt.Errorf("open: %v", err)
		}

		if err := lockFile(f); err != nil {
			xerr := f.Close()
			xlog.Check(xerr, "closing log file after lock failure")
			return fmt.Errorf("lock: %v", err)
		}

		rotated, err := verifyOpenFile(f, path)
		if err != nil {
			xerr := f.Close()
			xlog.Check(xerr, "closing log file after stat failure")
			return err
		}
		if rotated {
			// Rotated away between open and lock, try again on the fresh
			// file.
			xerr := f.Close()
			xlog.Check(xerr, "closing rotated log file")
			continue
		}

		_, err = f.WriteString(rec)
		if err == nil {
			err = f.Sync()
		}
		xerr := f.Close()
		xlog.Check(xerr, "closing log file")
		return err
	}
	return fmt.Errorf("lost rotation race %d times", writeAttempts)
}

// verifyOpenFile reports whether the locked descriptor no longer belongs to
// path, meaning a Reader rotated the file between open and lock. A stat
// failure on the descriptor itself is an error: without it we cannot tell
// whether we hold the live file, so the write must not proceed.
func verifyOpenFile(f *os.File, path string) (rotated bool, err error) {
	dfi, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat open log file: %v", err)
	}
	pfi, err := os.Stat(path)
	if err != nil || !os.SameFile(dfi, pfi) {
		return true, nil
	}
	return false, nil
}
