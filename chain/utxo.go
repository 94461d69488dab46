// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// OutPoint is a reference to a single transaction output, textually
// "txid#index".
type OutPoint struct {
	TxID  string
	Index uint32
}

// NewOutPoint parses an outpoint from its textual "txid#index" form.
func NewOutPoint(s string) (OutPoint, error) {
	txid, idxStr, found := strings.Cut(s, "#")
	if !found {
		return OutPoint{}, fmt.Errorf("outpoint %q missing '#' separator", s)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return OutPoint{}, fmt.Errorf("outpoint %q has bad index: %w", s, err)
	}
	return OutPoint{TxID: txid, Index: uint32(idx)}, nil
}

// String returns the textual "txid#index" form.
func (op OutPoint) String() string {
	return op.TxID + "#" + strconv.FormatUint(uint64(op.Index), 10)
}

// Tag is the content hash used to key queue, batcher and vault rows: the hex
// sha3-256 digest of the textual outpoint.
func Tag(ref string) string {
	digest := sha3.Sum256([]byte(ref))
	return hex.EncodeToString(digest[:])
}

// TokenName generates a unique token name from the transaction output that
// minted it: prefix, then the low byte of the output index in hex, then the
// sha3-256 of the raw txid bytes, trimmed to 64 hex characters.
func TokenName(txID string, txIdx uint32, prefix string) (string, error) {
	txIDBytes, err := hex.DecodeString(txID)
	if err != nil {
		return "", fmt.Errorf("bad txid %q: %w", txID, err)
	}
	digest := sha3.Sum256(txIDBytes)
	idxHex := fmt.Sprintf("%02x", txIdx&0xff)
	name := prefix + idxHex + hex.EncodeToString(digest[:])
	if len(name) > 64 {
		name = name[:64]
	}
	return name, nil
}
