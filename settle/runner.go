// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"context"
	"os"
	"sort"
	"time"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/db"
	"newm.io/batcherd/matcher"
	"newm.io/batcherd/node"
)

// seenFallbackTTL bounds a seen record's lifetime when the oracle window
// cannot be read.
const seenFallbackTTL = time.Hour

// Runner drives one settlement pass over every tracked sale: profit
// consolidation first, then each sale's ranked orders, purchasing and
// refunding with outputs chained optimistically inside the pass. The caller
// serializes passes against event ingestion.
type Runner struct {
	store  *db.Store
	engine *Engine
	node   node.Client
	cfg    *Config
	log    chain.Logger
}

// NewRunner creates a Runner.
func NewRunner(store *db.Store, engine *Engine, nc node.Client, cfg *Config, log chain.Logger) *Runner {
	return &Runner{store: store, engine: engine, node: nc, cfg: cfg, log: log}
}

// Run executes one settlement pass. A returned error means the pass hit node
// transport or store trouble and the remaining work was abandoned; per-order
// validation failures only skip the order.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := os.Stat(r.cfg.BatcherKeyFile); err != nil {
		r.log.Criticalf("batcher signing key is missing: %v", err)
		return nil
	}

	if err := r.store.PurgeSeen(time.Now().UnixMilli()); err != nil {
		return err
	}

	ranked, err := matcher.FIFO(r.store, r.cfg.Allowlist, r.log)
	if err != nil {
		return err
	}

	batcher, err := r.consolidate(ctx)
	if err != nil {
		return err
	}
	if batcher == nil {
		r.log.Debugf("no batcher identity utxo, nothing to settle with")
		return nil
	}

	tokens := make([]string, 0, len(ranked))
	for token := range ranked {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	for _, token := range tokens {
		orders := ranked[token]
		if len(orders) == 0 {
			continue
		}
		saleRow, err := r.store.Sale(token)
		if err != nil {
			return err
		}
		if saleRow == nil {
			r.log.Warnf("sale %s vanished between ranking and settlement", token)
			continue
		}
		if _, err := chain.ParseSaleDatum(&saleRow.Datum); err != nil {
			r.log.Warnf("sale %s failed the validity test: %v", token, err)
			continue
		}
		r.log.Debugf("settling sale %s with %d orders", token, len(orders))

		batcher, err = r.settleSale(ctx, saleRow, orders, batcher)
		if err != nil {
			return err
		}
	}
	return nil
}

// consolidate runs the profit leg and returns the identity row the pass
// settles with, nil when settlement cannot proceed.
func (r *Runner) consolidate(ctx context.Context) (*db.BatcherRow, error) {
	rows, err := r.store.Batchers()
	if err != nil {
		return nil, err
	}
	batcher, built, err := r.engine.Profit(ctx, rows)
	if err != nil || !built {
		return batcher, err
	}

	signed := r.cfg.ProfitTxFile()
	if err := r.node.Sign(ctx, r.cfg.DraftFile(), signed, r.cfg.BatcherKeyFile); err != nil {
		return nil, err
	}
	ok, err := r.node.Submit(ctx, signed)
	if err != nil {
		return nil, err
	}
	if ok {
		r.log.Infof("consolidated batcher capital into %s", batcher.Ref)
		return batcher, nil
	}

	r.log.Warnf("profit consolidation was rejected")
	batcher, err = r.store.BatcherByPolicy(r.cfg.BatcherPolicy)
	if err != nil {
		return nil, err
	}
	if batcher == nil {
		r.log.Warnf("no batcher identity utxo found after rejected consolidation")
	}
	return batcher, nil
}

// settleSale works through one sale's ranked orders, returning the batcher
// row as chained by any submitted transactions.
func (r *Runner) settleSale(ctx context.Context, saleRow *db.SaleRow,
	orders []matcher.Entry, batcher *db.BatcherRow) (*db.BatcherRow, error) {

	for _, order := range orders {
		orderRow, err := r.store.Queue(order.Tag)
		if err != nil {
			return nil, err
		}
		if orderRow == nil {
			r.log.Warnf("order %s vanished between ranking and settlement", order.Tag)
			continue
		}
		if seen, err := r.store.SeenExists(orderRow.Tag); err != nil {
			return nil, err
		} else if seen {
			r.log.Warnf("order %s was already attempted this window", orderRow.Tag)
			continue
		}
		exists, err := r.node.UTxOExists(ctx, orderRow.Ref)
		if err != nil {
			return nil, err
		}
		if !exists {
			r.log.Warnf("order %s is already spent on chain", orderRow.Tag)
			continue
		}
		r.log.Debugf("order %s", orderRow.Tag)

		ws, err := LoadWorkingSet(r.store, saleRow, orderRow, batcher)
		if err != nil {
			r.log.Criticalf("cannot assemble working set: %v", err)
			return batcher, nil
		}
		seenStart, seenEnd := r.seenWindow(&ws.Oracle.Datum)

		purchaseWS, purchased, err := r.engine.Purchase(ctx, ws)
		if err != nil {
			return nil, err
		}
		if !purchased {
			r.log.Warnf("order %s cannot be filled, owner removal or refund required", orderRow.Tag)
		} else {
			if pending, err := r.node.TxInMempool(ctx, purchaseWS.LastTxID); err != nil {
				return nil, err
			} else if pending {
				r.log.Warnf("purchase %s is already in the mempool", purchaseWS.LastTxID)
				continue
			}
			err = r.node.Sign(ctx, r.cfg.DraftFile(), r.cfg.PurchaseTxFile(),
				r.cfg.BatcherKeyFile, r.cfg.CollatKeyFile)
			if err != nil {
				return nil, err
			}
		}

		// The refund chains on the purchase output when one was built, so a
		// filled order's change returns to its owner in the same pass.
		refundWS, refunded, err := r.engine.Refund(ctx, purchaseWS)
		if err != nil {
			return nil, err
		}
		if !refunded {
			r.log.Warnf("order %s holds no refundable incentive, owner must remove it", orderRow.Tag)
			continue
		}
		if pending, err := r.node.TxInMempool(ctx, refundWS.LastTxID); err != nil {
			return nil, err
		} else if pending {
			r.log.Warnf("refund %s is already in the mempool", refundWS.LastTxID)
			continue
		}
		err = r.node.Sign(ctx, r.cfg.DraftFile(), r.cfg.RefundTxFile(),
			r.cfg.BatcherKeyFile, r.cfg.CollatKeyFile)
		if err != nil {
			return nil, err
		}

		if purchased {
			ok, err := r.node.Submit(ctx, r.cfg.PurchaseTxFile())
			if err != nil {
				return nil, err
			}
			if ok {
				r.log.Infof("order %s purchased in %s", orderRow.Tag, purchaseWS.LastTxID)
				if err := r.store.PutSeen(orderRow.Tag, seenStart, seenEnd); err != nil {
					return nil, err
				}
				if err := r.store.PutSeen(chain.Tag(purchaseWS.LastTxID), seenStart, seenEnd); err != nil {
					return nil, err
				}
				saleRow = &purchaseWS.Sale
				batcher = &purchaseWS.Batcher
			} else {
				r.log.Warnf("purchase of order %s was rejected", orderRow.Tag)
			}
		}

		ok, err := r.node.Submit(ctx, r.cfg.RefundTxFile())
		if err != nil {
			return nil, err
		}
		if ok {
			r.log.Infof("order %s refunded in %s", orderRow.Tag, refundWS.LastTxID)
			if err := r.store.PutSeen(chain.Tag(refundWS.LastTxID), seenStart, seenEnd); err != nil {
				return nil, err
			}
			saleRow = &refundWS.Sale
			batcher = &refundWS.Batcher
		} else {
			r.log.Warnf("refund of order %s was rejected", orderRow.Tag)
		}
	}
	return batcher, nil
}

// seenWindow derives the lifetime of new seen records from the oracle window,
// falling back to a fixed TTL when the feed is unreadable.
func (r *Runner) seenWindow(oracleDatum *chain.PlutusData) (start, end int64) {
	if od, err := chain.ParseOracleDatum(oracleDatum); err == nil {
		return od.ValidStart, od.ValidEnd
	}
	now := time.Now().UnixMilli()
	return now, now + seenFallbackTTL.Milliseconds()
}
