// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"encoding/json"
	"fmt"
	"os"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/chain/plutus"
	"newm.io/batcherd/db"
	"newm.io/batcherd/node"
)

// References bundles the published reference-script outpoints the contracts
// are spent through.
type References struct {
	Sale  db.ReferenceRow
	Queue db.ReferenceRow
	Vault db.ReferenceRow
}

// WorkingSet is the in-memory view of every UTxO one settlement operation
// touches. Operations never mutate a WorkingSet in place; a successful build
// returns a new set with the spent rows advanced onto the outputs of the
// not-yet-submitted transaction, so later operations in the same pass chain
// optimistically.
type WorkingSet struct {
	Batcher db.BatcherRow
	Sale    db.SaleRow
	Queue   db.QueueRow
	Vault   db.VaultRow
	Oracle  db.UTxORow
	Data    db.UTxORow
	Refs    References

	// LastTxID is the id of the transaction built by the operation that
	// produced this set, empty on a freshly loaded set.
	LastTxID string
}

// LoadWorkingSet assembles the working set for one order against one sale.
// The oracle, data and reference rows are hard requirements; their absence is
// an operator configuration problem, not an order problem.
func LoadWorkingSet(store *db.Store, sale *db.SaleRow, order *db.QueueRow,
	batcher *db.BatcherRow) (*WorkingSet, error) {

	ws := &WorkingSet{Batcher: *batcher, Sale: *sale, Queue: *order}

	vaults, err := store.Vaults()
	if err != nil {
		return nil, err
	}
	if len(vaults) > 0 {
		ws.Vault = *vaults[0]
	}

	oracle, err := store.Oracle()
	if err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, fmt.Errorf("no oracle feed has been ingested")
	}
	ws.Oracle = *oracle

	data, err := store.Data()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("no protocol data has been ingested")
	}
	ws.Data = *data

	for _, ref := range []struct {
		name string
		row  *db.ReferenceRow
	}{
		{"sale", &ws.Refs.Sale},
		{"queue", &ws.Refs.Queue},
		{"vault", &ws.Refs.Vault},
	} {
		row, err := store.Reference(ref.name)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("reference script %q is not loaded", ref.name)
		}
		*ref.row = *row
	}
	return ws, nil
}

// resolvedUTxOs renders every UTxO in the set for the transaction evaluator.
// Chained outputs do not exist on chain yet, so the evaluator is handed the
// whole set and resolves inputs locally.
func (ws *WorkingSet) resolvedUTxOs(cfg *Config) ([]node.ResolvedUTxO, error) {
	var utxos []node.ResolvedUTxO
	add := func(ref, address string, value chain.Value, datum *chain.PlutusData, scriptHex string) error {
		if ref == "" {
			return nil
		}
		u := node.ResolvedUTxO{Ref: ref, Address: address, Value: value, ScriptHex: scriptHex}
		if datum != nil {
			hexStr, err := plutus.EncodeHex(*datum)
			if err != nil {
				return fmt.Errorf("encode datum for %s: %w", ref, err)
			}
			u.DatumHex = hexStr
		}
		utxos = append(utxos, u)
		return nil
	}
	steps := []error{
		add(ws.Batcher.Ref, cfg.BatcherAddress, ws.Batcher.Value, nil, ""),
		add(ws.Sale.Ref, cfg.SaleAddress, ws.Sale.Value, &ws.Sale.Datum, ""),
		add(ws.Queue.Ref, cfg.QueueAddress, ws.Queue.Value, &ws.Queue.Datum, ""),
		add(ws.Vault.Ref, cfg.VaultAddress, ws.Vault.Value, &ws.Vault.Datum, ""),
		add(ws.Oracle.Ref, cfg.OracleAddress, ws.Oracle.Value, &ws.Oracle.Datum, ""),
		add(ws.Data.Ref, cfg.DataAddress, ws.Data.Value, &ws.Data.Datum, ""),
		add(ws.Refs.Sale.Ref, cfg.ReferenceAddress, ws.Refs.Sale.Value, nil, ws.Refs.Sale.CborHex),
		add(ws.Refs.Queue.Ref, cfg.ReferenceAddress, ws.Refs.Queue.Value, nil, ws.Refs.Queue.CborHex),
		add(ws.Refs.Vault.Ref, cfg.ReferenceAddress, ws.Refs.Vault.Value, nil, ws.Refs.Vault.CborHex),
	}
	for _, err := range steps {
		if err != nil {
			return nil, err
		}
	}
	return utxos, nil
}

// draftEnvelope is the node client's transaction file wrapper.
type draftEnvelope struct {
	CborHex string `json:"cborHex"`
}

// draftCBORHex extracts the serialized transaction from a built draft file.
func draftCBORHex(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var env draftEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", fmt.Errorf("parse draft %s: %w", path, err)
	}
	if env.CborHex == "" {
		return "", fmt.Errorf("draft %s has no cborHex", path)
	}
	return env.CborHex, nil
}
