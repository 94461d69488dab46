// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package settle builds, prices and chains the settlement transactions: the
// purchase leg that fills an order from a sale, the refund leg that returns
// an unfillable order to its owner, and the profit leg that consolidates the
// batcher's operating capital.
package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/db"
	"newm.io/batcherd/node"
)

const (
	// validityBufferSec shrinks the oracle window on both ends so a
	// transaction built near an edge cannot miss it on chain.
	validityBufferSec = 45

	// minUTxOLovelace is the operating minimum carried by the batcher's
	// identity output.
	minUTxOLovelace = 5_000_000

	// estimatedFee prices the scriptless and fixed-shape legs, which skip
	// exact fee calculation.
	estimatedFee = 350_000
)

// refundExUnits is a worst-case budget for the queue script's refund branch.
// Observed cost is roughly a third of this.
var refundExUnits = node.ExUnits{Memory: 1_500_000, Steps: 500_000_000}

// Engine builds settlement transactions against a node client and a script
// evaluator. It holds no mutable state; every operation takes a WorkingSet
// and returns a new one.
type Engine struct {
	cfg  *Config
	node node.Client
	eval node.Evaluator
	log  chain.Logger
}

// NewEngine creates an Engine.
func NewEngine(cfg *Config, nc node.Client, ev node.Evaluator, log chain.Logger) *Engine {
	return &Engine{cfg: cfg, node: nc, eval: ev, log: log}
}

// Purchase builds the transaction that fills an order from its sale: the sale
// pays out bundles, the order pays cost and fee, the batcher collects the
// incentive and the vault collects the protocol profit. The build is
// two-pass: a zero-fee draft is evaluated for true execution budgets, the
// exact minimum fee is computed, and the final draft carries both. A false
// flag means the order cannot be filled as priced; only node transport and
// local file trouble is an error.
func (e *Engine) Purchase(ctx context.Context, ws *WorkingSet) (*WorkingSet, bool, error) {
	fail := func(format string, args ...any) (*WorkingSet, bool, error) {
		e.log.Warnf("purchase %s: "+format, append([]any{ws.Queue.Tag}, args...)...)
		return ws, false, nil
	}

	saleDatum, err := chain.ParseSaleDatum(&ws.Sale.Datum)
	if err != nil {
		return fail("sale datum: %v", err)
	}
	queueDatum, err := chain.ParseQueueDatum(&ws.Queue.Datum)
	if err != nil {
		return fail("queue datum: %v", err)
	}
	oracleDatum, err := chain.ParseOracleDatum(&ws.Oracle.Datum)
	if err != nil {
		return fail("oracle datum: %v", err)
	}
	dataDatum, err := chain.ParseDataDatum(&ws.Data.Datum)
	if err != nil {
		return fail("data datum: %v", err)
	}

	margin := dataDatum.ProfitMargin
	profitAmt := margin / oracleDatum.Price
	profitValue := chain.Value{}
	if margin != 0 {
		profitValue = chain.FromAsset(dataDatum.ProfitPolicy, dataDatum.ProfitName, profitAmt)
		if ws.Vault.Ref == "" {
			return fail("profit margin is set but no vault is tracked")
		}
	}

	incentive := queueDatum.IncentiveValue()
	var cost chain.Value
	if saleDatum.UsesUSD() {
		cost = chain.FromAsset(dataDatum.ProfitPolicy, dataDatum.ProfitName,
			saleDatum.Cost.Amount/oracleDatum.Price)
	} else {
		cost = saleDatum.CostValue()
	}

	bundles := availableBundles(queueDatum, saleDatum, ws.Sale.Value)
	if bundles == 0 {
		return fail("sale has no bundles left")
	}
	totalCost := cost.Scale(bundles)
	totalBundle := saleDatum.BundleValue().Scale(bundles)

	queueValue := ws.Queue.Value
	saleValue := ws.Sale.Value
	if !queueValue.Contains(totalCost) {
		return fail("order cannot cover the cost of %d bundles", bundles)
	}
	if !queueValue.Contains(incentive) {
		return fail("order cannot cover its incentive")
	}
	if !queueValue.Contains(incentive.Add(totalCost).Add(profitValue)) {
		return fail("order cannot cover cost, incentive and profit together")
	}
	if !saleValue.Contains(totalBundle) {
		return fail("sale cannot cover %d bundles", bundles)
	}

	saleOut := saleValue.Add(totalCost).Sub(totalBundle)
	if saleOut.HasNegativeEntries() {
		return fail("sale output went negative")
	}
	queueOutNoFee := queueValue.Sub(totalCost).Add(totalBundle).Sub(incentive).Sub(profitValue)
	if queueOutNoFee.HasNegativeEntries() {
		return fail("order output went negative")
	}
	batcherOut := ws.Batcher.Value.Add(incentive)
	vaultOut := ws.Vault.Value.Add(profitValue)

	startSlot, endSlot, open, err := e.validityWindow(ctx, oracleDatum)
	if err != nil {
		return ws, false, err
	}
	if !open {
		return fail("oracle window already closed at slot %d", endSlot)
	}
	oracleRequired := margin != 0 || saleDatum.UsesUSD()

	saleDatumFile, err := e.writeDatum("sale", ws.Sale.Datum)
	if err != nil {
		return ws, false, err
	}
	queueDatumFile, err := e.writeDatum("queue", ws.Queue.Datum)
	if err != nil {
		return ws, false, err
	}
	vaultDatumFile, err := e.writeDatum("vault", ws.Vault.Datum)
	if err != nil {
		return ws, false, err
	}
	purchaseRedeemer, err := e.writeRedeemer("purchase", chain.NewConstr(0))
	if err != nil {
		return ws, false, err
	}
	addTokens := addTokensRedeemer()
	if margin != 0 {
		addTokens = addTokensRedeemer(chain.Token{
			PolicyID: dataDatum.ProfitPolicy,
			Name:     dataDatum.ProfitName,
			Amount:   profitAmt,
		})
	}
	vaultRedeemer, err := e.writeRedeemer("add-tokens", addTokens)
	if err != nil {
		return ws, false, err
	}

	batcherPKH, err := chain.PaymentKeyHash(e.cfg.BatcherAddress)
	if err != nil {
		return ws, false, err
	}
	collatPKH, err := chain.PaymentKeyHash(e.cfg.CollatAddress)
	if err != nil {
		return ws, false, err
	}

	build := func(fee int64, units map[string]node.ExUnits) *node.TxSpec {
		queueOut := queueOutNoFee.Sub(chain.NewValue(fee))
		spec := &node.TxSpec{
			OutFile:         e.cfg.DraftFile(),
			ProtocolFile:    e.cfg.ProtocolFile(),
			Collateral:      e.cfg.CollatUTxO,
			RequiredSigners: []string{batcherPKH, collatPKH},
			Fee:             fee,
		}
		if oracleRequired {
			spec.ValidityStart = &startSlot
			spec.ValidityEnd = &endSlot
			spec.ReadOnlyRefs = append(spec.ReadOnlyRefs, ws.Oracle.Ref)
		}
		spec.ReadOnlyRefs = append(spec.ReadOnlyRefs, ws.Data.Ref)
		spec.Inputs = []node.TxIn{
			{Ref: ws.Batcher.Ref},
			{Ref: ws.Sale.Ref, ScriptRef: e.cfg.SaleRefUTxO,
				ExUnits: units[ws.Sale.Ref], RedeemerFile: purchaseRedeemer},
			{Ref: ws.Queue.Ref, ScriptRef: e.cfg.QueueRefUTxO,
				ExUnits: units[ws.Queue.Ref], RedeemerFile: purchaseRedeemer},
		}
		if margin != 0 {
			spec.Inputs = append(spec.Inputs, node.TxIn{
				Ref: ws.Vault.Ref, ScriptRef: e.cfg.VaultRefUTxO,
				ExUnits: units[ws.Vault.Ref], RedeemerFile: vaultRedeemer,
			})
			spec.Outputs = append(spec.Outputs, node.TxOut{
				Output:    vaultOut.Output(e.cfg.VaultAddress),
				DatumFile: vaultDatumFile,
			})
		}
		spec.Outputs = append(spec.Outputs,
			node.TxOut{Output: saleOut.Output(e.cfg.SaleAddress), DatumFile: saleDatumFile},
			node.TxOut{Output: queueOut.Output(e.cfg.QueueAddress), DatumFile: queueDatumFile},
			node.TxOut{Output: batcherOut.Output(e.cfg.BatcherAddress)},
		)
		return spec
	}

	if err := e.node.BuildRaw(ctx, build(0, nil)); err != nil {
		return fail("draft build: %v", err)
	}
	cborHex, err := draftCBORHex(e.cfg.DraftFile())
	if err != nil {
		return ws, false, err
	}
	resolved, err := ws.resolvedUTxOs(e.cfg)
	if err != nil {
		return ws, false, err
	}
	evals, err := e.eval.Evaluate(ctx, cborHex, resolved)
	if err != nil {
		return ws, false, err
	}
	if len(evals) == 0 {
		return fail("evaluation produced no budgets")
	}
	inputs := []string{ws.Batcher.Ref, ws.Sale.Ref, ws.Queue.Ref}
	if margin != 0 {
		inputs = append(inputs, ws.Vault.Ref)
	}
	units, err := unitsByInput(evals, inputs)
	if err != nil {
		return fail("%v", err)
	}

	scriptRefs := []string{e.cfg.SaleRefUTxO, e.cfg.QueueRefUTxO}
	if margin != 0 {
		scriptRefs = append(scriptRefs, e.cfg.VaultRefUTxO)
	}
	refSize, err := e.node.RefScriptSize(ctx, scriptRefs)
	if err != nil {
		return ws, false, err
	}
	fee, err := e.node.CalculateMinFee(ctx, e.cfg.DraftFile(), e.cfg.ProtocolFile(), refSize)
	if err != nil {
		return ws, false, err
	}
	queueOut := queueOutNoFee.Sub(chain.NewValue(fee))
	if queueOut.HasNegativeEntries() {
		return fail("order cannot cover the fee of %d", fee)
	}

	if err := e.node.BuildRaw(ctx, build(fee, units)); err != nil {
		return fail("final build: %v", err)
	}
	newTxID, err := e.node.TxID(ctx, e.cfg.DraftFile())
	if err != nil {
		return ws, false, err
	}

	next := *ws
	next.LastTxID = newTxID
	idx := uint32(0)
	if margin != 0 {
		next.Vault.Ref = outRef(newTxID, 0)
		next.Vault.Tag = chain.Tag(next.Vault.Ref)
		next.Vault.Value = vaultOut
		idx = 1
	}
	next.Sale.Ref = outRef(newTxID, idx)
	next.Sale.Value = saleOut
	next.Queue.Ref = outRef(newTxID, idx+1)
	next.Queue.Tag = chain.Tag(next.Queue.Ref)
	next.Queue.Value = queueOut
	next.Batcher.Ref = outRef(newTxID, idx+2)
	next.Batcher.Tag = chain.Tag(next.Batcher.Ref)
	next.Batcher.Value = batcherOut
	return &next, true, nil
}

// Refund builds the transaction that returns an order to its owner, minus the
// incentive and a fixed fee. It chains after Purchase in the same pass, so a
// filled order's change output is what gets refunded. Only the batcher row
// advances; the refunded output leaves the tracked contracts.
func (e *Engine) Refund(ctx context.Context, ws *WorkingSet) (*WorkingSet, bool, error) {
	fail := func(format string, args ...any) (*WorkingSet, bool, error) {
		e.log.Warnf("refund %s: "+format, append([]any{ws.Queue.Tag}, args...)...)
		return ws, false, nil
	}

	saleDatum, err := chain.ParseSaleDatum(&ws.Sale.Datum)
	if err != nil {
		return fail("sale datum: %v", err)
	}
	queueDatum, err := chain.ParseQueueDatum(&ws.Queue.Datum)
	if err != nil {
		return fail("queue datum: %v", err)
	}
	oracleDatum, err := chain.ParseOracleDatum(&ws.Oracle.Datum)
	if err != nil {
		return fail("oracle datum: %v", err)
	}
	dataDatum, err := chain.ParseDataDatum(&ws.Data.Datum)
	if err != nil {
		return fail("data datum: %v", err)
	}

	ownerAddress, err := queueDatum.Owner.Address(e.cfg.Testnet())
	if err != nil {
		return fail("owner address: %v", err)
	}

	incentive := queueDatum.IncentiveValue()
	if !ws.Queue.Value.Contains(incentive) {
		return fail("order cannot cover its incentive")
	}
	queueOut := ws.Queue.Value.Sub(incentive).Sub(chain.NewValue(estimatedFee))
	if queueOut.HasNegativeEntries() {
		return fail("order cannot cover the refund fee")
	}
	batcherOut := ws.Batcher.Value.Add(incentive)

	startSlot, endSlot, open, err := e.validityWindow(ctx, oracleDatum)
	if err != nil {
		return ws, false, err
	}
	if !open {
		return fail("oracle window already closed at slot %d", endSlot)
	}
	oracleRequired := dataDatum.ProfitMargin != 0 || saleDatum.UsesUSD()

	refundRedeemer, err := e.writeRedeemer("refund", chain.NewConstr(1))
	if err != nil {
		return ws, false, err
	}
	batcherPKH, err := chain.PaymentKeyHash(e.cfg.BatcherAddress)
	if err != nil {
		return ws, false, err
	}
	collatPKH, err := chain.PaymentKeyHash(e.cfg.CollatAddress)
	if err != nil {
		return ws, false, err
	}

	spec := &node.TxSpec{
		OutFile:         e.cfg.DraftFile(),
		ProtocolFile:    e.cfg.ProtocolFile(),
		Collateral:      e.cfg.CollatUTxO,
		RequiredSigners: []string{batcherPKH, collatPKH},
		Fee:             estimatedFee,
	}
	if oracleRequired {
		spec.ValidityStart = &startSlot
		spec.ValidityEnd = &endSlot
		spec.ReadOnlyRefs = append(spec.ReadOnlyRefs, ws.Oracle.Ref)
	}
	spec.ReadOnlyRefs = append(spec.ReadOnlyRefs, ws.Data.Ref, ws.Sale.Ref)
	spec.Inputs = []node.TxIn{
		{Ref: ws.Batcher.Ref},
		{Ref: ws.Queue.Ref, ScriptRef: e.cfg.QueueRefUTxO,
			ExUnits: refundExUnits, RedeemerFile: refundRedeemer},
	}
	spec.Outputs = []node.TxOut{
		{Output: batcherOut.Output(e.cfg.BatcherAddress)},
		{Output: queueOut.Output(ownerAddress)},
	}

	if err := e.node.BuildRaw(ctx, spec); err != nil {
		return fail("draft build: %v", err)
	}
	newTxID, err := e.node.TxID(ctx, e.cfg.DraftFile())
	if err != nil {
		return ws, false, err
	}

	next := *ws
	next.LastTxID = newTxID
	next.Batcher.Ref = outRef(newTxID, 0)
	next.Batcher.Tag = chain.Tag(next.Batcher.Ref)
	next.Batcher.Value = batcherOut
	return &next, true, nil
}

// Profit consolidates the batcher's capital UTxOs: the identity output is
// reset to its operating minimum and everything else, minus the fee, pays out
// to the profit address. The returned row is the identity UTxO to settle
// with, which is the chained consolidation output when the flag is true. A
// nil row means no usable identity UTxO exists at all.
func (e *Engine) Profit(ctx context.Context, rows []*db.BatcherRow) (*db.BatcherRow, bool, error) {
	if len(rows) == 0 {
		return nil, false, nil
	}
	if len(rows) == 1 {
		return rows[0], false, nil
	}

	var identity *db.BatcherRow
	var tokenName string
	foundSpare := false
	total := chain.Value{}
	inputs := make([]node.TxIn, 0, len(rows))
	for _, row := range rows {
		if row.Value.Exists(e.cfg.BatcherPolicy) {
			if !meetsThreshold(row.Value, e.cfg.Allowlist) {
				e.log.Warnf("batcher identity %s is below the asset threshold", row.Ref)
				return row, false, nil
			}
			identity = row
			tokenName, _ = row.Value.AssetName(e.cfg.BatcherPolicy)
		} else if row.Value.Lovelace() >= minUTxOLovelace {
			foundSpare = true
		}
		total = total.Add(row.Value)
		inputs = append(inputs, node.TxIn{Ref: row.Ref})
	}
	if identity == nil {
		return nil, false, nil
	}
	if !foundSpare {
		return identity, false, nil
	}

	batcherOut := chain.NewValue(minUTxOLovelace).
		Add(chain.FromAsset(e.cfg.BatcherPolicy, tokenName, 1))
	profitOut := total.Sub(batcherOut).Sub(chain.NewValue(estimatedFee))
	if profitOut.HasNegativeEntries() {
		e.log.Warnf("batcher capital cannot cover the consolidation fee")
		return identity, false, nil
	}

	batcherPKH, err := chain.PaymentKeyHash(e.cfg.BatcherAddress)
	if err != nil {
		return identity, false, err
	}
	spec := &node.TxSpec{
		OutFile:         e.cfg.DraftFile(),
		ProtocolFile:    e.cfg.ProtocolFile(),
		Inputs:          inputs,
		RequiredSigners: []string{batcherPKH},
		Fee:             estimatedFee,
		Outputs: []node.TxOut{
			{Output: batcherOut.Output(e.cfg.BatcherAddress)},
			{Output: profitOut.Output(e.cfg.ProfitAddress)},
		},
	}
	if err := e.node.BuildRaw(ctx, spec); err != nil {
		e.log.Warnf("profit draft build: %v", err)
		return identity, false, nil
	}
	newTxID, err := e.node.TxID(ctx, e.cfg.DraftFile())
	if err != nil {
		return identity, false, err
	}
	ref := outRef(newTxID, 0)
	return &db.BatcherRow{Tag: chain.Tag(ref), Ref: ref, Value: batcherOut}, true, nil
}

// validityWindow converts the oracle window to slots, buffered inward on both
// ends. open is false when the buffered window has already closed at the tip.
func (e *Engine) validityWindow(ctx context.Context, od *chain.OracleDatum) (start, end int64, open bool, err error) {
	start, err = e.node.SlotForTime(ctx, od.ValidStart, validityBufferSec)
	if err != nil {
		return 0, 0, false, err
	}
	end, err = e.node.SlotForTime(ctx, od.ValidEnd, -validityBufferSec)
	if err != nil {
		return 0, 0, false, err
	}
	latest, err := e.node.LatestSlot(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	return start, end, end > latest, nil
}

// availableBundles is the bundle count a purchase settles: the order's
// requested size capped by what the sale still holds.
func availableBundles(qd *chain.QueueDatum, sd *chain.SaleDatum, saleValue chain.Value) int64 {
	inSale := saleValue.Quantity(sd.Bundle.PolicyID, sd.Bundle.Name) / sd.Bundle.Amount
	if qd.BundleSize < inSale {
		return qd.BundleSize
	}
	return inSale
}

// meetsThreshold reports whether the value holds at least the allowlisted
// threshold of some ranked asset. The empty asset class ranks lovelace.
func meetsThreshold(v chain.Value, allowed chain.Allowlist) bool {
	for pid, assets := range allowed {
		for name, rank := range assets {
			qty := v.Quantity(pid, name)
			if pid == "" && name == "" {
				qty = v.Lovelace()
			}
			if qty >= rank.Threshold {
				return true
			}
		}
	}
	return false
}

// unitsByInput assigns evaluated budgets to input outpoints. Budget indices
// refer to positions in the canonically ordered input set.
func unitsByInput(evals []node.Evaluation, inputs []string) (map[string]node.ExUnits, error) {
	ops := make([]chain.OutPoint, 0, len(inputs))
	for _, ref := range inputs {
		op, err := chain.NewOutPoint(ref)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].TxID != ops[j].TxID {
			return ops[i].TxID < ops[j].TxID
		}
		return ops[i].Index < ops[j].Index
	})
	units := make(map[string]node.ExUnits, len(evals))
	for _, ev := range evals {
		if ev.Purpose != "spend" {
			continue
		}
		if int(ev.Index) >= len(ops) {
			return nil, fmt.Errorf("budget index %d exceeds %d inputs", ev.Index, len(ops))
		}
		units[ops[ev.Index].String()] = ev.Budget
	}
	return units, nil
}

func (e *Engine) writeDatum(name string, pd chain.PlutusData) (string, error) {
	return writePlutusJSON(e.cfg.datumFile(name), pd)
}

func (e *Engine) writeRedeemer(name string, pd chain.PlutusData) (string, error) {
	return writePlutusJSON(e.cfg.redeemerFile(name), pd)
}

func writePlutusJSON(path string, pd chain.PlutusData) (string, error) {
	b, err := json.Marshal(pd)
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, b, 0644)
}

// addTokensRedeemer builds the vault's AddTokens redeemer listing the assets
// being deposited.
func addTokensRedeemer(tkns ...chain.Token) chain.PlutusData {
	items := make([]chain.PlutusData, 0, len(tkns))
	for _, t := range tkns {
		items = append(items, chain.NewConstr(0,
			chain.NewBytes(t.PolicyID), chain.NewBytes(t.Name), chain.NewInt(t.Amount)))
	}
	return chain.NewConstr(0, chain.NewList(items...))
}

func outRef(txID string, index uint32) string {
	return txID + "#" + strconv.FormatUint(uint64(index), 10)
}
