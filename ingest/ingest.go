// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ingest applies block-event notifications to the ledger-view
// store. Application is idempotent: re-applying a produce is a no-op
// upsert, re-applying a spend for an already-absent row is a no-op with a
// warning. The engine may legitimately see spends for state it never
// recorded, e.g. after a restart from a fresh database.
package ingest

import (
	"fmt"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/db"
)

// Config names the tracked contract addresses and identity assets. It is an
// immutable snapshot handed in at construction.
type Config struct {
	BatcherAddress string
	SaleAddress    string
	QueueAddress   string
	VaultAddress   string
	OracleAddress  string
	DataAddress    string

	// PointerPolicy is the minting policy of sale pointer tokens.
	PointerPolicy string
	// OraclePolicy/OracleAsset identify the oracle's one-token identity;
	// oracle updates without exactly one unit of it are ignored.
	OraclePolicy string
	OracleAsset  string
}

// Ingester applies events to the store.
type Ingester struct {
	store *db.Store
	cfg   Config
	log   chain.Logger
}

// New creates an Ingester.
func New(store *db.Store, cfg Config, log chain.Logger) *Ingester {
	return &Ingester{store: store, cfg: cfg, log: log}
}

// Apply dispatches one event by variant. Unknown variants are ignored.
func (in *Ingester) Apply(ev *Event) error {
	switch ev.Variant {
	case VariantInput:
		return in.HandleInput(ev)
	case VariantOutput:
		return in.HandleOutput(ev)
	case VariantRollback:
		in.HandleRollback(ev)
	}
	return nil
}

// HandleInput removes the row holding the spent outpoint from whichever
// table it belongs to.
func (in *Ingester) HandleInput(ev *Event) error {
	if ev.TxInput == nil {
		return fmt.Errorf("input event missing tx_input")
	}
	ref := ev.TxInput.Ref()
	tag := chain.Tag(ref)

	if existed, err := in.store.DeleteBatcher(tag); err != nil {
		return err
	} else if existed {
		in.log.Infof("spent batcher input %s", ref)
		return nil
	}
	if existed, err := in.store.DeleteQueue(tag); err != nil {
		return err
	} else if existed {
		in.log.Infof("spent queue input %s", ref)
		return nil
	}
	if existed, err := in.store.DeleteSaleByRef(ref); err != nil {
		return err
	} else if existed {
		in.log.Infof("spent sale input %s", ref)
		return nil
	}
	if existed, err := in.store.DeleteVault(tag); err != nil {
		return err
	} else if existed {
		in.log.Infof("spent vault input %s", ref)
		return nil
	}
	in.log.Tracef("untracked input %s", ref)
	return nil
}

// HandleOutput classifies a produced output by destination address and
// upserts it into the matching table.
func (in *Ingester) HandleOutput(ev *Event) error {
	if ev.TxOutput == nil {
		return fmt.Errorf("output event missing tx_output")
	}
	ref, ok := ev.OutputRef()
	if !ok {
		return fmt.Errorf("output event missing tx_hash or output_idx")
	}
	out := ev.TxOutput
	value := out.Value()
	datum := out.Datum()

	switch out.Address {
	case in.cfg.BatcherAddress:
		tag := chain.Tag(ref)
		if err := in.store.PutBatcher(&db.BatcherRow{Tag: tag, Ref: ref, Value: value}); err != nil {
			return err
		}
		in.log.Infof("batcher output %s", ref)

	case in.cfg.SaleAddress:
		token, ok := value.AssetName(in.cfg.PointerPolicy)
		if !ok {
			in.log.Warnf("sale output %s carries no pointer token", ref)
			return nil
		}
		if err := in.store.PutSale(&db.SaleRow{Token: token, Ref: ref, Datum: datum, Value: value}); err != nil {
			return err
		}
		in.log.Infof("sale output %s token %s", ref, token)

	case in.cfg.QueueAddress:
		tag := chain.Tag(ref)
		row := &db.QueueRow{Tag: tag, Ref: ref, Datum: datum, Value: value}
		if ev.Context.Timestamp != nil {
			row.Timestamp = *ev.Context.Timestamp
		}
		if ev.Context.TxIdx != nil {
			row.TxIdx = *ev.Context.TxIdx
		}
		// The owning sale comes from the datum's pointer-token commitment.
		// Malformed datums are stored anyway; the sorter skips them, and
		// the row still tracks a real UTxO that may be spent later.
		if qd, err := chain.ParseQueueDatum(&datum); err == nil {
			row.SaleToken = qd.PointerToken
		} else {
			in.log.Warnf("queue output %s: bad datum: %v", ref, err)
		}
		if err := in.store.PutQueue(row); err != nil {
			return err
		}
		in.log.Infof("queue output %s", ref)

	case in.cfg.VaultAddress:
		tag := chain.Tag(ref)
		if err := in.store.PutVault(&db.VaultRow{Tag: tag, Ref: ref, Datum: datum, Value: value}); err != nil {
			return err
		}
		in.log.Infof("vault output %s", ref)

	case in.cfg.OracleAddress:
		if value.Quantity(in.cfg.OraclePolicy, in.cfg.OracleAsset) != 1 {
			in.log.Warnf("oracle output %s lacks the oracle identity token", ref)
			return nil
		}
		if err := in.store.PutOracle(&db.UTxORow{Ref: ref, Datum: datum, Value: value}); err != nil {
			return err
		}
		in.log.Infof("oracle output %s", ref)

	case in.cfg.DataAddress:
		if err := in.store.PutData(&db.UTxORow{Ref: ref, Datum: datum, Value: value}); err != nil {
			return err
		}
		in.log.Infof("data output %s", ref)

	default:
		in.log.Tracef("untracked output %s at %s", ref, out.Address)
	}
	return nil
}

// HandleRollback logs a chain reorganization. No compensating action is
// taken; the stream replays the reorganized blocks and the upserts and
// spends converge the store.
func (in *Ingester) HandleRollback(ev *Event) {
	block := int64(-1)
	if ev.Context.BlockNumber != nil {
		block = *ev.Context.BlockNumber
	}
	in.log.Criticalf("ROLLBACK at block %d", block)
}
