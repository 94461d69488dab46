// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestNewOutPoint(t *testing.T) {
	txid := strings.Repeat("ab", 32)
	tests := []struct {
		in      string
		want    OutPoint
		wantErr bool
	}{
		{txid + "#0", OutPoint{TxID: txid, Index: 0}, false},
		{txid + "#12", OutPoint{TxID: txid, Index: 12}, false},
		{txid, OutPoint{}, true},       // no separator
		{txid + "#-1", OutPoint{}, true}, // negative index
		{txid + "#xyz", OutPoint{}, true},
	}
	for _, test := range tests {
		op, err := NewOutPoint(test.in)
		if (err != nil) != test.wantErr {
			t.Fatalf("%q: err = %v, wantErr = %v", test.in, err, test.wantErr)
		}
		if err != nil {
			continue
		}
		if op != test.want {
			t.Errorf("%q: parsed %v, want %v", test.in, op, test.want)
		}
		if op.String() != test.in {
			t.Errorf("%q: round trip gave %q", test.in, op.String())
		}
	}
}

func TestTag(t *testing.T) {
	ref := strings.Repeat("ab", 32) + "#0"
	tag := Tag(ref)
	if len(tag) != 64 {
		t.Fatalf("tag length = %d, want 64", len(tag))
	}
	if _, err := hex.DecodeString(tag); err != nil {
		t.Fatalf("tag is not hex: %v", err)
	}
	if Tag(ref) != tag {
		t.Fatalf("tag is not deterministic")
	}
	// Spending index changes the tag.
	if Tag(strings.Repeat("ab", 32)+"#1") == tag {
		t.Fatalf("distinct outpoints share a tag")
	}
}

func TestTokenName(t *testing.T) {
	txid := strings.Repeat("cd", 32)
	const prefix = "ca11ab1e"

	name, err := TokenName(txid, 7, prefix)
	if err != nil {
		t.Fatalf("TokenName error: %v", err)
	}
	if len(name) != 64 {
		t.Fatalf("name length = %d, want 64", len(name))
	}
	if !strings.HasPrefix(name, prefix+"07") {
		t.Fatalf("name %q missing prefix and index byte", name)
	}
	again, _ := TokenName(txid, 7, prefix)
	if again != name {
		t.Fatalf("name is not deterministic")
	}

	// Only the low byte of the index participates.
	low, _ := TokenName(txid, 0x107, prefix)
	if low != name {
		t.Fatalf("index 0x107 gave %q, want %q", low, name)
	}

	// No prefix still trims to 64.
	bare, err := TokenName(txid, 0, "")
	if err != nil {
		t.Fatalf("TokenName error: %v", err)
	}
	if len(bare) != 64 || !strings.HasPrefix(bare, "00") {
		t.Fatalf("bare name = %q", bare)
	}

	if _, err := TokenName("not hex", 0, prefix); err == nil {
		t.Fatalf("TokenName accepted a non-hex txid")
	}
}
