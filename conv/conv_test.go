package conv

import (
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		master, replica CID
		winner          CID
		result          Result
	}{
		{0, 0, 0, Result{}},
		{5, 5, 5, Result{}},
		{5, 0, 5, Result{MasterUsed: true}},
		{0, 7, 7, Result{ReplicaUsed: true}},
		{5, 7, 7, Result{ReplicaUsed: true, Clash: true}},
		{7, 5, 7, Result{MasterUsed: true, Clash: true}},
	}
	for _, tt := range tests {
		winner, r := Resolve(tt.master, tt.replica)
		if winner != tt.winner || r != tt.result {
			t.Fatalf("resolve(%d, %d): got %d %+v, expected %d %+v", tt.master, tt.replica, winner, r, tt.winner, tt.result)
		}
	}
}

func TestParseFormat(t *testing.T) {
	c := CID(0xdeadbeef)
	s := c.String()
	if s != "00000000deadbeef" {
		t.Fatalf("cid format: %q", s)
	}
	cc, err := Parse(s)
	if err != nil || cc != c {
		t.Fatalf("cid parse: %v %v", cc, err)
	}

	if NilCID.String() != "NIL" {
		t.Fatalf("nil cid format: %q", NilCID.String())
	}
	cc, err = Parse("NIL")
	if err != nil || cc != NilCID {
		t.Fatalf("nil cid parse: %v %v", cc, err)
	}
	if _, err := Parse("not-hex"); err == nil {
		t.Fatalf("bad cid parsed")
	}
}
