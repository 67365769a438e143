// Package synccrc computes the negotiated consistency digest over mailbox
// contents. Two copies of a mailbox compare digests to detect drift without
// transferring the mailbox.
//
// A digest folds a crc32 per item into a single 32 bit value, either by xor
// (algorithm CRC32) or by addition mod 2^32 (CRC32M). Both folds are
// commutative, so enumeration order never affects the result. What is
// covered is negotiated as a set of facets: BASIC (the index records,
// always), ANNOTATIONS and CID.
//
// The digest detects divergence, it is not a security control.
package synccrc

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/mailsync/msync/mbox"
	"github.com/mailsync/msync/metrics"
	"github.com/mailsync/msync/mlog"
)

var xlog = mlog.New("synccrc")

// Algorithm is the fold used to combine per-item hashes.
type Algorithm uint8

const (
	// AlgCRC32 xors the per-item crc32 values. The original default.
	AlgCRC32 Algorithm = iota
	// AlgCRC32M adds the per-item crc32 values mod 2^32.
	AlgCRC32M
)

func (a Algorithm) String() string {
	if a == AlgCRC32M {
		return "CRC32M"
	}
	return "CRC32"
}

// Covers is the bitmask of facets folded into the digest.
type Covers uint8

const (
	CoverBasic Covers = 1 << iota // Index records. Always on.
	CoverAnnotations
	CoverCID
)

func (c Covers) String() string {
	l := []string{"BASIC"}
	if c&CoverAnnotations != 0 {
		l = append(l, "ANNOTATIONS")
	}
	if c&CoverCID != 0 {
		l = append(l, "CID")
	}
	return strings.Join(l, " ")
}

// ParseAlgorithm returns the algorithm for a negotiated name. An
// unrecognized name is not an error: both ends fall back to the original
// default, with a warning.
func ParseAlgorithm(s string) Algorithm {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CRC32":
		return AlgCRC32
	case "CRC32M":
		return AlgCRC32M
	}
	xlog.Error("unknown digest algorithm, falling back to CRC32", mlog.Field("name", s))
	return AlgCRC32
}

// ParseCovers parses a space or comma separated facet list. BASIC is always
// covered. Unrecognized facet names fall back to BASIC only, with a
// warning, so both ends end up comparing the same thing.
func ParseCovers(s string) Covers {
	covers := CoverBasic
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
		switch strings.ToUpper(tok) {
		case "BASIC":
		case "ANNOTATIONS":
			covers |= CoverAnnotations
		case "CID":
			covers |= CoverCID
		default:
			xlog.Error("unknown digest facet, covering BASIC only", mlog.Field("name", tok))
			return CoverBasic
		}
	}
	return covers
}

// Digest accumulates items into one 32 bit value.
type Digest struct {
	alg    Algorithm
	covers Covers
	sum    uint32
}

// New returns an empty digest for the negotiated algorithm and facets.
func New(alg Algorithm, covers Covers) *Digest {
	return &Digest{alg: alg, covers: covers | CoverBasic}
}

func (d *Digest) Covers() Covers {
	return d.covers
}

func (d *Digest) fold(s string) {
	h := crc32.ChecksumIEEE([]byte(s))
	if d.alg == AlgCRC32M {
		d.sum += h
	} else {
		d.sum ^= h
	}
}

// AddRecord folds one index record. Expunged records contribute nothing.
func (d *Digest) AddRecord(rec mbox.IndexRecord) {
	if rec.Expunged {
		return
	}
	d.fold(recordString(rec, d.covers&CoverCID != 0))
}

// AddAnnot folds one annotation. Only meaningful when ANNOTATIONS is
// covered; calls are ignored otherwise so callers can feed unconditionally.
func (d *Digest) AddAnnot(a mbox.Annotation) {
	if d.covers&CoverAnnotations == 0 {
		return
	}
	d.fold(annotString(a))
}

// Sum renders the accumulated digest as exchanged on the wire, an unsigned
// decimal string.
func (d *Digest) Sum() string {
	return strconv.FormatUint(uint64(d.sum), 10)
}

// recordString is the canonical form of an index record. Flag names are
// folded to lower case and sorted, so storage order can never make two
// equal mailboxes diverge.
func recordString(rec mbox.IndexRecord, withCID bool) string {
	flags := make([]string, len(rec.Flags))
	for i, f := range rec.Flags {
		flags[i] = strings.ToLower(f)
	}
	slices.Sort(flags)

	s := fmt.Sprintf("%d %d %d (%s) %d %s",
		rec.UID,
		rec.ModSeq,
		rec.LastUpdated.Unix(),
		strings.Join(flags, " "),
		rec.InternalDate.Unix(),
		rec.GUID)
	if withCID {
		s += " " + strconv.FormatUint(rec.CID, 16)
	}
	return s
}

// annotString is the canonical form of an annotation.
func annotString(a mbox.Annotation) string {
	return a.Entry + " " + a.UserID + " " + string(a.Value)
}

// Mailbox computes the digest over a mailbox: every non-expunged index
// record in ascending uid order, and with ANNOTATIONS covered also the
// mailbox annotations and each record's message annotations. The caller
// must hold whatever lock gives a stable enumeration. Records must already
// be in ascending uid order, as the index stores them.
func Mailbox(alg Algorithm, covers Covers, recs []mbox.IndexRecord, annots mbox.AnnotSource) (string, error) {
	d := New(alg, covers)
	metrics.DigestInc(strings.ToLower(alg.String()))

	for _, rec := range recs {
		if rec.Expunged {
			continue
		}
		d.AddRecord(rec)
		if d.covers&CoverAnnotations != 0 && annots != nil {
			al, err := annots.Annotations(rec.UID)
			if err != nil {
				return "", fmt.Errorf("reading annotations for uid %d: %v", rec.UID, err)
			}
			for _, a := range al {
				d.AddAnnot(a)
			}
		}
	}
	if d.covers&CoverAnnotations != 0 && annots != nil {
		al, err := annots.Annotations(0)
		if err != nil {
			return "", fmt.Errorf("reading mailbox annotations: %v", err)
		}
		for _, a := range al {
			d.AddAnnot(a)
		}
	}
	return d.Sum(), nil
}
