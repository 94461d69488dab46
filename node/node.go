// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package node defines the client interface to the ledger node. The
// settlement engine never spawns processes or opens sockets itself; it talks
// through Client and Evaluator so tests can substitute fakes.
package node

import (
	"context"
	"errors"

	"newm.io/batcherd/chain"
)

// ErrNodeUnreachable is returned when the node hard-refuses a connection.
// The node is a hard dependency; callers are expected to treat this as fatal
// to the process.
var ErrNodeUnreachable = errors.New("node connection refused")

// ExUnits is a script execution budget.
type ExUnits struct {
	Memory uint64
	Steps  uint64
}

// TxIn is one spent input of a transaction under construction. A non-empty
// ScriptRef marks a script spend via a published reference script, with its
// execution budget and redeemer.
type TxIn struct {
	Ref          string
	ScriptRef    string
	ExUnits      ExUnits
	RedeemerFile string
}

// TxOut is one produced output: the rendered value literal and an optional
// inline datum file.
type TxOut struct {
	Output    string
	DatumFile string
}

// TxSpec describes a raw transaction to build. Validity bounds are slot
// numbers; nil leaves the bound open.
type TxSpec struct {
	OutFile         string
	ProtocolFile    string
	Collateral      string
	ValidityStart   *int64
	ValidityEnd     *int64
	ReadOnlyRefs    []string
	Inputs          []TxIn
	Outputs         []TxOut
	RequiredSigners []string
	Fee             int64
}

// Client queries chain state and builds, signs and submits raw transactions.
// All calls block; all take a context with a bounded timeout.
type Client interface {
	// UTxOExists reports whether the outpoint is an unspent output on-chain.
	UTxOExists(ctx context.Context, ref string) (bool, error)
	// LatestBlock returns the block number of the chain tip.
	LatestBlock(ctx context.Context) (int64, error)
	// LatestSlot returns the slot of the chain tip.
	LatestSlot(ctx context.Context) (int64, error)
	// SlotForTime converts a unix-millisecond timestamp, offset by delta
	// seconds, to a slot number.
	SlotForTime(ctx context.Context, unixMs int64, delta int64) (int64, error)
	// ProtocolParams writes the current protocol parameters to outFile.
	ProtocolParams(ctx context.Context, outFile string) error
	// BuildRaw builds the described transaction into spec.OutFile.
	BuildRaw(ctx context.Context, spec *TxSpec) error
	// RefScriptSize returns the total byte size of the reference scripts at
	// the given outpoints.
	RefScriptSize(ctx context.Context, refs []string) (int64, error)
	// CalculateMinFee computes the minimum fee for the built transaction
	// body given the reference script size.
	CalculateMinFee(ctx context.Context, bodyFile, protocolFile string, refScriptSize int64) (int64, error)
	// TxID returns the transaction id of a built or signed transaction file.
	TxID(ctx context.Context, txFile string) (string, error)
	// Sign signs draftFile into signedFile with the given key files.
	Sign(ctx context.Context, draftFile, signedFile string, keyFiles ...string) error
	// Submit submits a signed transaction, reporting acceptance. A rejected
	// transaction is (false, nil); only transport trouble is an error.
	Submit(ctx context.Context, signedFile string) (bool, error)
	// TxInMempool reports whether the transaction is already pending.
	TxInMempool(ctx context.Context, txid string) (bool, error)
}

// ResolvedUTxO supplies the evaluator with an output the node cannot see:
// outputs of transactions still being chained inside the current pass.
type ResolvedUTxO struct {
	Ref       string
	Address   string
	Value     chain.Value
	DatumHex  string
	ScriptHex string
}

// Evaluation is the execution cost of one script in an evaluated
// transaction.
type Evaluation struct {
	Purpose string
	Index   uint32
	Budget  ExUnits
}

// Evaluator obtains true execution costs by running a draft transaction
// against the ledger rules.
type Evaluator interface {
	Evaluate(ctx context.Context, cborHex string, additional []ResolvedUTxO) ([]Evaluation, error)
}
