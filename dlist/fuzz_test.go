package dlist

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

// Parse arbitrary data. Valid values must print again without error,
// everything else must return an error instead of panicking.
func FuzzParse(f *testing.F) {
	f.Add("NIL")
	f.Add("(a b c)")
	f.Add(`%(MBOXNAME "user.mjl" UIDVALIDITY 123)`)
	f.Add("{3}\r\nabc")
	f.Add(`(\Seen \Answered)`)
	f.Add("(%(UID 1) %(UID 2))")
	f.Fuzz(func(t *testing.T, s string) {
		n, err := Read(bufio.NewReader(strings.NewReader(s)), nil)
		if err != nil {
			return
		}
		var b bytes.Buffer
		if err := n.Print(&b, false); err != nil {
			t.Errorf("printing parsed value: %v", err)
		}
	})
}
