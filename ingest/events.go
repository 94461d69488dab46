// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ingest

import (
	"strconv"

	"newm.io/batcherd/chain"
)

// Event variants delivered by the block-event stream.
const (
	VariantInput    = "TxInput"
	VariantOutput   = "TxOutput"
	VariantRollback = "RollBack"
)

// Context carries the block position of an event. The stream emits partial
// contexts for some variants, so every field is optional.
type Context struct {
	BlockNumber *int64  `json:"block_number"`
	BlockHash   *string `json:"block_hash"`
	Slot        *int64  `json:"slot"`
	Timestamp   *int64  `json:"timestamp"`
	TxHash      *string `json:"tx_hash"`
	TxIdx       *uint64 `json:"tx_idx"`
	OutputIdx   *uint64 `json:"output_idx"`
}

// TxInput identifies a spent outpoint.
type TxInput struct {
	TxID  string `json:"tx_id"`
	Index uint32 `json:"index"`
}

// Ref returns the textual outpoint of the spent input.
func (in *TxInput) Ref() string {
	return in.TxID + "#" + strconv.FormatUint(uint64(in.Index), 10)
}

// Asset is one native-asset quantity inside a produced output.
type Asset struct {
	Policy string `json:"policy"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// InlineDatum wraps the structured datum attached to an output.
type InlineDatum struct {
	PlutusData *chain.PlutusData `json:"plutus_data"`
}

// TxOutput is a produced output at a tracked address.
type TxOutput struct {
	Address     string       `json:"address"`
	Amount      int64        `json:"amount"`
	Assets      []Asset      `json:"assets"`
	InlineDatum *InlineDatum `json:"inline_datum"`
}

// Value assembles the output's full multi-asset value.
func (out *TxOutput) Value() chain.Value {
	v := chain.NewValue(out.Amount)
	for _, a := range out.Assets {
		v = v.Add(chain.FromAsset(a.Policy, a.Asset, a.Amount))
	}
	return v
}

// Datum returns the structured inline datum, or the empty placeholder when
// the output carries none.
func (out *TxOutput) Datum() chain.PlutusData {
	if out.InlineDatum == nil || out.InlineDatum.PlutusData == nil {
		return chain.EmptyDatum()
	}
	return *out.InlineDatum.PlutusData
}

// Event is one block-stream notification.
type Event struct {
	Context  Context   `json:"context"`
	Variant  string    `json:"variant"`
	TxInput  *TxInput  `json:"tx_input,omitempty"`
	TxOutput *TxOutput `json:"tx_output,omitempty"`
}

// OutputRef returns the outpoint of a produced output, false when the
// context is missing its position.
func (ev *Event) OutputRef() (string, bool) {
	if ev.Context.TxHash == nil || ev.Context.OutputIdx == nil {
		return "", false
	}
	return *ev.Context.TxHash + "#" + strconv.FormatUint(*ev.Context.OutputIdx, 10), true
}
