// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/db"
	"newm.io/batcherd/node"
)

const (
	tNEWMPID = "682fe60c9918842b3323c43b5144bc3d52a23bd2fb81345560d73f63"
	tNEWM    = "4e45574d"

	tBundlePID  = "aabb"
	tBundleName = "cafe"

	tBatcherPolicy = "b47c"
)

var (
	tPKH     = strings.Repeat("ab", 28)
	tPointer = strings.Repeat("de", 32)
	tTxID    = strings.Repeat("ee", 32)
)

// tNode is a scripted node.Client. BuildRaw records every spec and writes a
// draft envelope so the evaluation path has something to read.
type tNode struct {
	latestSlot int64
	fee        int64
	refSize    int64
	txid       string
	buildErr   error

	specs      []*node.TxSpec
	scriptRefs []string
	signed     []string
	submitted  []string
}

var _ node.Client = (*tNode)(nil)

func (n *tNode) UTxOExists(ctx context.Context, ref string) (bool, error) { return true, nil }
func (n *tNode) LatestBlock(ctx context.Context) (int64, error)           { return 0, nil }
func (n *tNode) LatestSlot(ctx context.Context) (int64, error)            { return n.latestSlot, nil }

func (n *tNode) SlotForTime(ctx context.Context, unixMs int64, delta int64) (int64, error) {
	return unixMs/1000 + delta, nil
}

func (n *tNode) ProtocolParams(ctx context.Context, outFile string) error { return nil }

func (n *tNode) BuildRaw(ctx context.Context, spec *node.TxSpec) error {
	if n.buildErr != nil {
		return n.buildErr
	}
	n.specs = append(n.specs, spec)
	env := `{"type":"Unwitnessed Tx ConwayEra","description":"","cborHex":"84a300"}`
	return os.WriteFile(spec.OutFile, []byte(env), 0644)
}

func (n *tNode) RefScriptSize(ctx context.Context, refs []string) (int64, error) {
	n.scriptRefs = refs
	return n.refSize, nil
}

func (n *tNode) CalculateMinFee(ctx context.Context, bodyFile, protocolFile string, refScriptSize int64) (int64, error) {
	return n.fee, nil
}

func (n *tNode) TxID(ctx context.Context, txFile string) (string, error) { return n.txid, nil }

func (n *tNode) Sign(ctx context.Context, draftFile, signedFile string, keyFiles ...string) error {
	n.signed = append(n.signed, signedFile)
	return nil
}

func (n *tNode) Submit(ctx context.Context, signedFile string) (bool, error) {
	n.submitted = append(n.submitted, signedFile)
	return true, nil
}

func (n *tNode) TxInMempool(ctx context.Context, txid string) (bool, error) { return false, nil }

// tEval is a scripted node.Evaluator.
type tEval struct {
	evals []node.Evaluation
	err   error

	gotUTxOs []node.ResolvedUTxO
}

var _ node.Evaluator = (*tEval)(nil)

func (ev *tEval) Evaluate(ctx context.Context, cborHex string, additional []node.ResolvedUTxO) ([]node.Evaluation, error) {
	ev.gotUTxOs = additional
	return ev.evals, ev.err
}

func tConfig(t *testing.T) *Config {
	t.Helper()
	batcherAddr, err := chain.AddressFromKeyHashes(strings.Repeat("ab", 28), "", true)
	if err != nil {
		t.Fatalf("batcher address: %v", err)
	}
	collatAddr, err := chain.AddressFromKeyHashes(strings.Repeat("cd", 28), "", true)
	if err != nil {
		t.Fatalf("collateral address: %v", err)
	}
	return &Config{
		BatcherAddress:   batcherAddr,
		CollatAddress:    collatAddr,
		ProfitAddress:    "addr_test1profit",
		SaleAddress:      "addr_test1sale",
		QueueAddress:     "addr_test1queue",
		VaultAddress:     "addr_test1vault",
		OracleAddress:    "addr_test1oracle",
		DataAddress:      "addr_test1data",
		ReferenceAddress: "addr_test1refs",
		SaleRefUTxO:      strings.Repeat("e1", 32) + "#1",
		QueueRefUTxO:     strings.Repeat("e2", 32) + "#1",
		VaultRefUTxO:     strings.Repeat("e3", 32) + "#1",
		CollatUTxO:       strings.Repeat("e4", 32) + "#0",
		BatcherPolicy:    tBatcherPolicy,
		TmpDir:           t.TempDir(),
		Allowlist:        chain.StandardAllowlist(),
	}
}

func walletDatum(pkh, skh string) chain.PlutusData {
	return chain.NewConstr(0, chain.NewBytes(pkh), chain.NewBytes(skh))
}

func tokenDatum(tkn chain.Token) chain.PlutusData {
	return chain.NewConstr(0, chain.NewBytes(tkn.PolicyID), chain.NewBytes(tkn.Name),
		chain.NewInt(tkn.Amount))
}

func saleDatum(bundle, cost chain.Token, maxSize int64) chain.PlutusData {
	return chain.NewConstr(0, walletDatum(tPKH, ""), tokenDatum(bundle), tokenDatum(cost),
		chain.NewInt(maxSize))
}

func queueDatum(size int64, incentive chain.Token) chain.PlutusData {
	return chain.NewConstr(0, walletDatum(tPKH, ""), chain.NewInt(size),
		tokenDatum(incentive), chain.NewBytes(tPointer))
}

func oracleDatum(price, startMs, endMs int64) chain.PlutusData {
	return chain.NewConstr(0, chain.NewConstr(0, chain.NewMap(
		chain.PlutusPair{K: chain.NewInt(0), V: chain.NewInt(price)},
		chain.PlutusPair{K: chain.NewInt(1), V: chain.NewInt(startMs)},
		chain.PlutusPair{K: chain.NewInt(2), V: chain.NewInt(endMs)},
	)))
}

func dataDatum(margin int64) chain.PlutusData {
	fields := make([]chain.PlutusData, 8)
	for i := 0; i < 7; i++ {
		fields[i] = chain.NewInt(0)
	}
	fields[7] = chain.NewConstr(0, chain.NewInt(0), chain.NewInt(0), chain.NewInt(0),
		chain.NewBytes(tNEWMPID), chain.NewBytes(tNEWM), chain.NewInt(margin))
	return chain.NewConstr(0, fields...)
}

// purchaseWS is a fillable order: a sale of 100 bundle tokens in bundles of
// 10, costed at 5 NEWM million per bundle, against an order for 2 bundles
// holding enough NEWM for cost, incentive and profit.
func purchaseWS(cfg *Config, margin int64) *WorkingSet {
	batcherRef := strings.Repeat("aa", 32) + "#0"
	saleRef := strings.Repeat("bb", 32) + "#0"
	queueRef := strings.Repeat("cc", 32) + "#0"
	vaultRef := strings.Repeat("dd", 32) + "#0"

	return &WorkingSet{
		Batcher: db.BatcherRow{
			Tag: chain.Tag(batcherRef), Ref: batcherRef,
			Value: chain.NewValue(5_000_000).Add(chain.FromAsset(tBatcherPolicy, "00", 1)),
		},
		Sale: db.SaleRow{
			Token: tPointer, Ref: saleRef,
			Datum: saleDatum(
				chain.Token{PolicyID: tBundlePID, Name: tBundleName, Amount: 10},
				chain.Token{PolicyID: tNEWMPID, Name: tNEWM, Amount: 5_000_000}, 10),
			Value: chain.NewValue(2_000_000).Add(chain.FromAsset(tBundlePID, tBundleName, 100)),
		},
		Queue: db.QueueRow{
			Tag: chain.Tag(queueRef), Ref: queueRef, SaleToken: tPointer,
			Datum: queueDatum(2, chain.Token{PolicyID: tNEWMPID, Name: tNEWM, Amount: 1_000_000}),
			Value: chain.NewValue(5_000_000).Add(chain.FromAsset(tNEWMPID, tNEWM, 12_000_000)),
		},
		Vault: db.VaultRow{
			Tag: chain.Tag(vaultRef), Ref: vaultRef,
			Datum: chain.EmptyDatum(), Value: chain.NewValue(2_000_000),
		},
		Oracle: db.UTxORow{
			Ref:   strings.Repeat("1a", 32) + "#0",
			Datum: oracleDatum(2, 1_000_000_000, 2_000_000_000),
			Value: chain.FromAsset("0acc", "00", 1),
		},
		Data: db.UTxORow{
			Ref:   strings.Repeat("2b", 32) + "#0",
			Datum: dataDatum(margin),
			Value: chain.NewValue(1_000_000),
		},
		Refs: References{
			Sale:  db.ReferenceRow{Name: "sale", Ref: cfg.SaleRefUTxO, CborHex: "8200"},
			Queue: db.ReferenceRow{Name: "queue", Ref: cfg.QueueRefUTxO, CborHex: "8201"},
			Vault: db.ReferenceRow{Name: "vault", Ref: cfg.VaultRefUTxO, CborHex: "8202"},
		},
	}
}

func newm(amt int64) chain.Value {
	return chain.FromAsset(tNEWMPID, tNEWM, amt)
}

func TestPurchase(t *testing.T) {
	cfg := tConfig(t)
	n := &tNode{latestSlot: 1_500_000, fee: 300_000, refSize: 5_000, txid: tTxID}
	ev := &tEval{evals: []node.Evaluation{
		{Purpose: "spend", Index: 1, Budget: node.ExUnits{Memory: 111, Steps: 222}},
		{Purpose: "spend", Index: 2, Budget: node.ExUnits{Memory: 333, Steps: 444}},
		{Purpose: "spend", Index: 3, Budget: node.ExUnits{Memory: 555, Steps: 666}},
		{Purpose: "mint", Index: 0, Budget: node.ExUnits{Memory: 9, Steps: 9}},
	}}
	eng := NewEngine(cfg, n, ev, chain.Disabled)
	ws := purchaseWS(cfg, 10) // margin 10 at price 2: 5 NEWM profit

	next, ok, err := eng.Purchase(context.Background(), ws)
	if err != nil {
		t.Fatalf("purchase error: %v", err)
	}
	if !ok {
		t.Fatalf("purchase not built")
	}

	// Two passes: a zero-fee draft, then the final with real budgets.
	if len(n.specs) != 2 {
		t.Fatalf("BuildRaw calls = %d, want 2", len(n.specs))
	}
	if n.specs[0].Fee != 0 {
		t.Fatalf("draft fee = %d, want 0", n.specs[0].Fee)
	}
	spec := n.specs[1]
	if spec.Fee != 300_000 {
		t.Fatalf("final fee = %d, want 300000", spec.Fee)
	}
	if spec.ValidityStart == nil || *spec.ValidityStart != 1_000_045 {
		t.Fatalf("validity start = %v, want 1000045", spec.ValidityStart)
	}
	if spec.ValidityEnd == nil || *spec.ValidityEnd != 1_999_955 {
		t.Fatalf("validity end = %v, want 1999955", spec.ValidityEnd)
	}
	if len(spec.ReadOnlyRefs) != 2 || spec.ReadOnlyRefs[0] != ws.Oracle.Ref ||
		spec.ReadOnlyRefs[1] != ws.Data.Ref {
		t.Fatalf("read-only refs = %v", spec.ReadOnlyRefs)
	}

	if len(spec.Inputs) != 4 {
		t.Fatalf("inputs = %d, want 4", len(spec.Inputs))
	}
	if spec.Inputs[0].Ref != ws.Batcher.Ref || spec.Inputs[0].ScriptRef != "" {
		t.Fatalf("bad batcher input: %+v", spec.Inputs[0])
	}
	wantUnits := []node.ExUnits{{}, {Memory: 111, Steps: 222}, {Memory: 333, Steps: 444},
		{Memory: 555, Steps: 666}}
	for i, ref := range []string{ws.Batcher.Ref, ws.Sale.Ref, ws.Queue.Ref, ws.Vault.Ref} {
		if spec.Inputs[i].Ref != ref {
			t.Fatalf("input %d = %s, want %s", i, spec.Inputs[i].Ref, ref)
		}
		if spec.Inputs[i].ExUnits != wantUnits[i] {
			t.Fatalf("input %d budget = %+v, want %+v", i, spec.Inputs[i].ExUnits, wantUnits[i])
		}
	}
	if spec.Inputs[3].ScriptRef != cfg.VaultRefUTxO {
		t.Fatalf("vault script ref = %s", spec.Inputs[3].ScriptRef)
	}

	saleOut := chain.NewValue(2_000_000).Add(newm(10_000_000)).
		Add(chain.FromAsset(tBundlePID, tBundleName, 80))
	queueOut := chain.NewValue(4_700_000).Add(newm(999_995)).
		Add(chain.FromAsset(tBundlePID, tBundleName, 20))
	batcherOut := chain.NewValue(5_000_000).Add(chain.FromAsset(tBatcherPolicy, "00", 1)).
		Add(newm(1_000_000))
	vaultOut := chain.NewValue(2_000_000).Add(newm(5))

	if len(spec.Outputs) != 4 {
		t.Fatalf("outputs = %d, want 4", len(spec.Outputs))
	}
	wantOuts := []string{
		vaultOut.Output(cfg.VaultAddress),
		saleOut.Output(cfg.SaleAddress),
		queueOut.Output(cfg.QueueAddress),
		batcherOut.Output(cfg.BatcherAddress),
	}
	for i, want := range wantOuts {
		if spec.Outputs[i].Output != want {
			t.Fatalf("output %d = %q, want %q", i, spec.Outputs[i].Output, want)
		}
	}
	if spec.Outputs[0].DatumFile == "" || spec.Outputs[3].DatumFile != "" {
		t.Fatalf("datum files misplaced: %+v", spec.Outputs)
	}
	if _, err := os.Stat(spec.Outputs[1].DatumFile); err != nil {
		t.Fatalf("sale datum file: %v", err)
	}

	// The evaluator saw the whole working set: six tracked rows plus three
	// reference scripts.
	if len(ev.gotUTxOs) != 9 {
		t.Fatalf("evaluator got %d utxos, want 9", len(ev.gotUTxOs))
	}
	if len(n.scriptRefs) != 3 {
		t.Fatalf("ref script size query got %v", n.scriptRefs)
	}

	// The working set advanced onto the unsubmitted outputs: vault first when
	// a margin is set, then sale, order and batcher change.
	if next.LastTxID != tTxID {
		t.Fatalf("last txid = %s", next.LastTxID)
	}
	wantRefs := []struct {
		ref   string
		tag   string
		value chain.Value
	}{
		{tTxID + "#0", next.Vault.Tag, vaultOut},
		{tTxID + "#1", "", saleOut},
		{tTxID + "#2", next.Queue.Tag, queueOut},
		{tTxID + "#3", next.Batcher.Tag, batcherOut},
	}
	gotRows := []struct {
		ref   string
		value chain.Value
	}{
		{next.Vault.Ref, next.Vault.Value},
		{next.Sale.Ref, next.Sale.Value},
		{next.Queue.Ref, next.Queue.Value},
		{next.Batcher.Ref, next.Batcher.Value},
	}
	for i, want := range wantRefs {
		if gotRows[i].ref != want.ref {
			t.Fatalf("row %d ref = %s, want %s", i, gotRows[i].ref, want.ref)
		}
		if !gotRows[i].value.Equal(want.value) {
			t.Fatalf("row %d value = %v, want %v", i, gotRows[i].value, want.value)
		}
		if want.tag != "" && want.tag != chain.Tag(want.ref) {
			t.Fatalf("row %d tag not recomputed", i)
		}
	}

	// The input set is untouched; later code may retry from it.
	if ws.Batcher.Ref != strings.Repeat("aa", 32)+"#0" || ws.LastTxID != "" {
		t.Fatalf("input working set mutated")
	}
}

func TestPurchaseNoMargin(t *testing.T) {
	cfg := tConfig(t)
	n := &tNode{latestSlot: 1_500_000, fee: 300_000, txid: tTxID}
	ev := &tEval{evals: []node.Evaluation{
		{Purpose: "spend", Index: 1, Budget: node.ExUnits{Memory: 111, Steps: 222}},
		{Purpose: "spend", Index: 2, Budget: node.ExUnits{Memory: 333, Steps: 444}},
	}}
	eng := NewEngine(cfg, n, ev, chain.Disabled)
	ws := purchaseWS(cfg, 0)
	ws.Vault = db.VaultRow{} // no vault needed without a margin

	next, ok, err := eng.Purchase(context.Background(), ws)
	if err != nil || !ok {
		t.Fatalf("purchase = %v, %v", ok, err)
	}

	spec := n.specs[1]
	// No margin and a token-costed sale: no oracle dependency at all.
	if spec.ValidityStart != nil || spec.ValidityEnd != nil {
		t.Fatalf("validity bounds set without an oracle dependency")
	}
	if len(spec.ReadOnlyRefs) != 1 || spec.ReadOnlyRefs[0] != ws.Data.Ref {
		t.Fatalf("read-only refs = %v", spec.ReadOnlyRefs)
	}
	if len(spec.Inputs) != 3 || len(spec.Outputs) != 3 {
		t.Fatalf("inputs/outputs = %d/%d, want 3/3", len(spec.Inputs), len(spec.Outputs))
	}

	// Without the vault leg the sale takes output zero.
	if next.Sale.Ref != tTxID+"#0" || next.Queue.Ref != tTxID+"#1" ||
		next.Batcher.Ref != tTxID+"#2" {
		t.Fatalf("chained refs = %s, %s, %s", next.Sale.Ref, next.Queue.Ref, next.Batcher.Ref)
	}
	if next.Vault.Ref != "" {
		t.Fatalf("vault row advanced without a margin")
	}
	// No profit leg: the order keeps the full difference.
	if got := next.Queue.Value.Quantity(tNEWMPID, tNEWM); got != 1_000_000 {
		t.Fatalf("order change NEWM = %d, want 1000000", got)
	}
}

func TestPurchaseUSDCost(t *testing.T) {
	cfg := tConfig(t)
	n := &tNode{latestSlot: 1_500_000, fee: 300_000, txid: tTxID}
	ev := &tEval{evals: []node.Evaluation{
		{Purpose: "spend", Index: 1, Budget: node.ExUnits{Memory: 1, Steps: 1}},
		{Purpose: "spend", Index: 2, Budget: node.ExUnits{Memory: 1, Steps: 1}},
	}}
	eng := NewEngine(cfg, n, ev, chain.Disabled)
	ws := purchaseWS(cfg, 0)
	ws.Vault = db.VaultRow{}
	// Recost the sale at 10 USD base units a bundle; at an oracle price of 2
	// that is 5 NEWM a bundle.
	ws.Sale.Datum = saleDatum(
		chain.Token{PolicyID: tBundlePID, Name: tBundleName, Amount: 10},
		chain.Token{PolicyID: chain.PolicyUSD, Name: "", Amount: 10}, 10)

	next, ok, err := eng.Purchase(context.Background(), ws)
	if err != nil || !ok {
		t.Fatalf("purchase = %v, %v", ok, err)
	}
	// USD pricing pulls in the oracle even with no margin.
	spec := n.specs[1]
	if spec.ValidityStart == nil || len(spec.ReadOnlyRefs) != 2 {
		t.Fatalf("oracle dependency missing: %+v", spec)
	}
	// 12M NEWM less 10 cost and the 1M incentive.
	if got := next.Queue.Value.Quantity(tNEWMPID, tNEWM); got != 10_999_990 {
		t.Fatalf("order change NEWM = %d, want 10999990", got)
	}
}

func TestPurchaseAdaCost(t *testing.T) {
	cfg := tConfig(t)
	n := &tNode{latestSlot: 1_500_000, fee: 300_000, txid: tTxID}
	ev := &tEval{evals: []node.Evaluation{
		{Purpose: "spend", Index: 1, Budget: node.ExUnits{Memory: 1, Steps: 1}},
		{Purpose: "spend", Index: 2, Budget: node.ExUnits{Memory: 1, Steps: 1}},
	}}
	eng := NewEngine(cfg, n, ev, chain.Disabled)
	ws := purchaseWS(cfg, 0)
	ws.Vault = db.VaultRow{}
	// One bundle of 100 tokens priced at 10 ADA, paid for in lovelace.
	ws.Sale.Datum = saleDatum(
		chain.Token{PolicyID: tBundlePID, Name: tBundleName, Amount: 100},
		chain.Token{Amount: 10_000_000}, 1)
	ws.Queue.Datum = queueDatum(1, chain.Token{PolicyID: tNEWMPID, Name: tNEWM, Amount: 1_000_000})
	ws.Queue.Value = chain.NewValue(11_000_000).Add(newm(1_000_000))

	next, ok, err := eng.Purchase(context.Background(), ws)
	if err != nil || !ok {
		t.Fatalf("purchase = %v, %v", ok, err)
	}

	// The sale collects the cost in lovelace; the order drains down to the
	// bundle plus fee change; the batcher takes the incentive.
	saleOut := chain.NewValue(12_000_000)
	queueOut := chain.NewValue(700_000).Add(chain.FromAsset(tBundlePID, tBundleName, 100))
	batcherOut := chain.NewValue(5_000_000).Add(chain.FromAsset(tBatcherPolicy, "00", 1)).
		Add(newm(1_000_000))
	if !next.Sale.Value.Equal(saleOut) {
		t.Fatalf("sale out = %v, want %v", next.Sale.Value, saleOut)
	}
	if !next.Queue.Value.Equal(queueOut) {
		t.Fatalf("order out = %v, want %v", next.Queue.Value, queueOut)
	}
	if !next.Batcher.Value.Equal(batcherOut) {
		t.Fatalf("batcher out = %v, want %v", next.Batcher.Value, batcherOut)
	}

	spec := n.specs[1]
	if spec.Outputs[0].Output != saleOut.Output(cfg.SaleAddress) {
		t.Fatalf("sale output = %q", spec.Outputs[0].Output)
	}
	// An ADA-costed sale has no oracle dependency.
	if spec.ValidityStart != nil || len(spec.ReadOnlyRefs) != 1 {
		t.Fatalf("oracle dependency on an ADA-costed sale: %+v", spec)
	}
}

func TestPurchaseRejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(ws *WorkingSet, n *tNode, ev *tEval)
		wantBuilds int
		wantErr    bool
	}{
		{
			name: "bad sale datum",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				ws.Sale.Datum = chain.EmptyDatum()
			},
		},
		{
			name: "no bundles left",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				ws.Sale.Value = chain.NewValue(2_000_000).
					Add(chain.FromAsset(tBundlePID, tBundleName, 5))
			},
		},
		{
			name: "cost not covered",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				ws.Queue.Value = chain.NewValue(5_000_000).Add(newm(9_000_000))
			},
		},
		{
			name: "profit not covered",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				ws.Queue.Value = chain.NewValue(5_000_000).Add(newm(10_500_000))
			},
		},
		{
			name: "margin without vault",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				ws.Vault = db.VaultRow{}
			},
		},
		{
			name: "oracle window closed",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				n.latestSlot = 2_500_000
			},
		},
		{
			name: "no evaluations",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				ev.evals = nil
			},
			wantBuilds: 1,
		},
		{
			name: "evaluator error",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				ev.err = errors.New("boom")
			},
			wantBuilds: 1,
			wantErr:    true,
		},
		{
			name: "fee not covered",
			mutate: func(ws *WorkingSet, n *tNode, ev *tEval) {
				n.fee = 6_000_000
			},
			wantBuilds: 1,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := tConfig(t)
			n := &tNode{latestSlot: 1_500_000, fee: 300_000, txid: tTxID}
			ev := &tEval{evals: []node.Evaluation{
				{Purpose: "spend", Index: 1, Budget: node.ExUnits{Memory: 1, Steps: 1}},
				{Purpose: "spend", Index: 2, Budget: node.ExUnits{Memory: 1, Steps: 1}},
				{Purpose: "spend", Index: 3, Budget: node.ExUnits{Memory: 1, Steps: 1}},
			}}
			eng := NewEngine(cfg, n, ev, chain.Disabled)
			ws := purchaseWS(cfg, 10)
			test.mutate(ws, n, ev)

			got, ok, err := eng.Purchase(context.Background(), ws)
			if ok {
				t.Fatalf("purchase built")
			}
			if (err != nil) != test.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, test.wantErr)
			}
			if got != ws {
				t.Fatalf("rejected purchase did not return the input set")
			}
			if len(n.specs) != test.wantBuilds {
				t.Fatalf("BuildRaw calls = %d, want %d", len(n.specs), test.wantBuilds)
			}
		})
	}
}

func TestRefund(t *testing.T) {
	cfg := tConfig(t)
	n := &tNode{latestSlot: 1_500_000, txid: tTxID}
	eng := NewEngine(cfg, n, &tEval{}, chain.Disabled)
	ws := purchaseWS(cfg, 10)

	next, ok, err := eng.Refund(context.Background(), ws)
	if err != nil {
		t.Fatalf("refund error: %v", err)
	}
	if !ok {
		t.Fatalf("refund not built")
	}

	if len(n.specs) != 1 {
		t.Fatalf("BuildRaw calls = %d, want 1", len(n.specs))
	}
	spec := n.specs[0]
	if spec.Fee != estimatedFee {
		t.Fatalf("fee = %d, want %d", spec.Fee, estimatedFee)
	}
	// The margin pulls in the oracle, and the sale rides along read-only so
	// the script can check the pointer commitment.
	if spec.ValidityStart == nil {
		t.Fatalf("validity bounds missing")
	}
	wantRefs := []string{ws.Oracle.Ref, ws.Data.Ref, ws.Sale.Ref}
	if len(spec.ReadOnlyRefs) != 3 {
		t.Fatalf("read-only refs = %v, want %v", spec.ReadOnlyRefs, wantRefs)
	}
	for i, want := range wantRefs {
		if spec.ReadOnlyRefs[i] != want {
			t.Fatalf("read-only ref %d = %s, want %s", i, spec.ReadOnlyRefs[i], want)
		}
	}

	if len(spec.Inputs) != 2 {
		t.Fatalf("inputs = %d, want 2", len(spec.Inputs))
	}
	if spec.Inputs[1].ScriptRef != cfg.QueueRefUTxO || spec.Inputs[1].ExUnits != refundExUnits {
		t.Fatalf("bad queue input: %+v", spec.Inputs[1])
	}

	batcherOut := chain.NewValue(5_000_000).Add(chain.FromAsset(tBatcherPolicy, "00", 1)).
		Add(newm(1_000_000))
	queueOut := chain.NewValue(5_000_000 - estimatedFee).Add(newm(11_000_000))
	ownerAddr, _ := chain.AddressFromKeyHashes(tPKH, "", true)
	if spec.Outputs[0].Output != batcherOut.Output(cfg.BatcherAddress) {
		t.Fatalf("batcher output = %q", spec.Outputs[0].Output)
	}
	if spec.Outputs[1].Output != queueOut.Output(ownerAddr) {
		t.Fatalf("owner output = %q", spec.Outputs[1].Output)
	}

	// Only the batcher row advances; the refunded order leaves the system.
	if next.Batcher.Ref != tTxID+"#0" || !next.Batcher.Value.Equal(batcherOut) {
		t.Fatalf("batcher row = %+v", next.Batcher)
	}
	if next.Batcher.Tag != chain.Tag(next.Batcher.Ref) {
		t.Fatalf("batcher tag not recomputed")
	}
	if next.Sale.Ref != ws.Sale.Ref || next.Queue.Ref != ws.Queue.Ref {
		t.Fatalf("sale or queue row advanced on refund")
	}
	if next.LastTxID != tTxID {
		t.Fatalf("last txid = %s", next.LastTxID)
	}
}

func TestRefundRejections(t *testing.T) {
	cfg := tConfig(t)

	run := func(mutate func(ws *WorkingSet)) (bool, error) {
		n := &tNode{latestSlot: 1_500_000, txid: tTxID}
		eng := NewEngine(cfg, n, &tEval{}, chain.Disabled)
		ws := purchaseWS(cfg, 10)
		mutate(ws)
		_, ok, err := eng.Refund(context.Background(), ws)
		return ok, err
	}

	if ok, err := run(func(ws *WorkingSet) {
		ws.Queue.Value = chain.NewValue(5_000_000) // no incentive asset held
	}); ok || err != nil {
		t.Fatalf("incentive-less refund = %v, %v", ok, err)
	}
	if ok, err := run(func(ws *WorkingSet) {
		ws.Queue.Value = chain.NewValue(100_000).Add(newm(11_000_000)).Add(newm(1_000_000))
	}); ok || err != nil {
		t.Fatalf("fee-less refund = %v, %v", ok, err)
	}
	if ok, err := run(func(ws *WorkingSet) {
		ws.Queue.Datum = chain.EmptyDatum()
	}); ok || err != nil {
		t.Fatalf("bad-datum refund = %v, %v", ok, err)
	}
}

func TestProfit(t *testing.T) {
	cfg := tConfig(t)
	identityRef := strings.Repeat("aa", 32) + "#0"
	spareRef := strings.Repeat("bb", 32) + "#1"

	identityRow := func(lovelace, newmAmt int64) *db.BatcherRow {
		v := chain.FromAsset(tBatcherPolicy, "00", 1)
		if lovelace != 0 {
			v = v.Add(chain.NewValue(lovelace))
		}
		if newmAmt != 0 {
			v = v.Add(newm(newmAmt))
		}
		return &db.BatcherRow{Tag: chain.Tag(identityRef), Ref: identityRef, Value: v}
	}
	spareRow := func(lovelace int64) *db.BatcherRow {
		return &db.BatcherRow{Tag: chain.Tag(spareRef), Ref: spareRef,
			Value: chain.NewValue(lovelace)}
	}

	newEngine := func() (*Engine, *tNode) {
		n := &tNode{txid: tTxID}
		return NewEngine(cfg, n, &tEval{}, chain.Disabled), n
	}
	ctx := context.Background()

	t.Run("no rows", func(t *testing.T) {
		eng, _ := newEngine()
		row, ok, err := eng.Profit(ctx, nil)
		if row != nil || ok || err != nil {
			t.Fatalf("got %+v, %v, %v", row, ok, err)
		}
	})

	t.Run("single row", func(t *testing.T) {
		eng, n := newEngine()
		only := identityRow(7_000_000, 10_000_000)
		row, ok, err := eng.Profit(ctx, []*db.BatcherRow{only})
		if row != only || ok || err != nil {
			t.Fatalf("got %+v, %v, %v", row, ok, err)
		}
		if len(n.specs) != 0 {
			t.Fatalf("built a transaction for a single row")
		}
	})

	t.Run("no identity", func(t *testing.T) {
		eng, _ := newEngine()
		row, ok, err := eng.Profit(ctx, []*db.BatcherRow{spareRow(9_000_000), spareRow(8_000_000)})
		if row != nil || ok || err != nil {
			t.Fatalf("got %+v, %v, %v", row, ok, err)
		}
	})

	t.Run("identity below threshold", func(t *testing.T) {
		eng, n := newEngine()
		id := identityRow(5_000_000, 1_000_000)
		row, ok, err := eng.Profit(ctx, []*db.BatcherRow{id, spareRow(9_000_000)})
		if row != id || ok || err != nil {
			t.Fatalf("got %+v, %v, %v", row, ok, err)
		}
		if len(n.specs) != 0 {
			t.Fatalf("built a transaction below threshold")
		}
	})

	t.Run("no spare capital", func(t *testing.T) {
		eng, n := newEngine()
		id := identityRow(5_000_000, 10_000_000)
		row, ok, err := eng.Profit(ctx, []*db.BatcherRow{id, spareRow(1_000_000)})
		if row != id || ok || err != nil {
			t.Fatalf("got %+v, %v, %v", row, ok, err)
		}
		if len(n.specs) != 0 {
			t.Fatalf("built a transaction without spare capital")
		}
	})

	t.Run("fee not covered", func(t *testing.T) {
		eng, _ := newEngine()
		id := identityRow(0, 10_000_000)
		row, ok, err := eng.Profit(ctx, []*db.BatcherRow{id, spareRow(5_000_000)})
		if row != id || ok || err != nil {
			t.Fatalf("got %+v, %v, %v", row, ok, err)
		}
	})

	t.Run("consolidates", func(t *testing.T) {
		eng, n := newEngine()
		id := identityRow(7_000_000, 10_000_000)
		row, ok, err := eng.Profit(ctx, []*db.BatcherRow{id, spareRow(9_000_000)})
		if err != nil || !ok {
			t.Fatalf("profit = %v, %v", ok, err)
		}
		batcherOut := chain.NewValue(minUTxOLovelace).
			Add(chain.FromAsset(tBatcherPolicy, "00", 1))
		if row.Ref != tTxID+"#0" || row.Tag != chain.Tag(row.Ref) {
			t.Fatalf("chained row = %+v", row)
		}
		if !row.Value.Equal(batcherOut) {
			t.Fatalf("chained value = %v, want %v", row.Value, batcherOut)
		}

		spec := n.specs[0]
		if len(spec.Inputs) != 2 || len(spec.Outputs) != 2 {
			t.Fatalf("inputs/outputs = %d/%d, want 2/2", len(spec.Inputs), len(spec.Outputs))
		}
		if len(spec.RequiredSigners) != 1 {
			t.Fatalf("signers = %v", spec.RequiredSigners)
		}
		profitOut := chain.NewValue(10_650_000).Add(newm(10_000_000))
		if spec.Outputs[0].Output != batcherOut.Output(cfg.BatcherAddress) {
			t.Fatalf("batcher output = %q", spec.Outputs[0].Output)
		}
		if spec.Outputs[1].Output != profitOut.Output(cfg.ProfitAddress) {
			t.Fatalf("profit output = %q", spec.Outputs[1].Output)
		}
	})
}

func TestUnitsByInput(t *testing.T) {
	txA := strings.Repeat("aa", 32)
	txB := strings.Repeat("bb", 32)
	// Canonical order is (txid, numeric index): aa#2 before aa#10 even though
	// "#10" sorts first lexically.
	inputs := []string{txB + "#0", txA + "#10", txA + "#2"}
	evals := []node.Evaluation{
		{Purpose: "spend", Index: 0, Budget: node.ExUnits{Memory: 1, Steps: 2}},
		{Purpose: "spend", Index: 1, Budget: node.ExUnits{Memory: 3, Steps: 4}},
		{Purpose: "mint", Index: 2, Budget: node.ExUnits{Memory: 9, Steps: 9}},
	}
	units, err := unitsByInput(evals, inputs)
	if err != nil {
		t.Fatalf("unitsByInput error: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("units = %v", units)
	}
	if got := units[txA+"#2"]; got != (node.ExUnits{Memory: 1, Steps: 2}) {
		t.Fatalf("budget for %s#2 = %+v", txA[:4], got)
	}
	if got := units[txA+"#10"]; got != (node.ExUnits{Memory: 3, Steps: 4}) {
		t.Fatalf("budget for %s#10 = %+v", txA[:4], got)
	}

	over := []node.Evaluation{{Purpose: "spend", Index: 5}}
	if _, err := unitsByInput(over, inputs); err == nil {
		t.Fatalf("out-of-range index accepted")
	}
	if _, err := unitsByInput(evals, []string{"not an outpoint"}); err == nil {
		t.Fatalf("bad outpoint accepted")
	}
}

func TestMeetsThreshold(t *testing.T) {
	allowed := chain.StandardAllowlist()
	if !meetsThreshold(newm(10_000_000), allowed) {
		t.Fatalf("threshold holding rejected")
	}
	if meetsThreshold(newm(9_999_999), allowed) {
		t.Fatalf("sub-threshold holding accepted")
	}
	// The empty asset class in the allowlist ranks lovelace itself.
	if !meetsThreshold(chain.NewValue(10_000_000), allowed) {
		t.Fatalf("lovelace threshold holding rejected")
	}
	if meetsThreshold(chain.NewValue(9_999_999), allowed) {
		t.Fatalf("sub-threshold lovelace accepted")
	}
}

func TestAddTokensRedeemer(t *testing.T) {
	got := addTokensRedeemer(chain.Token{PolicyID: "aa", Name: "bb", Amount: 5})
	want := chain.NewConstr(0, chain.NewList(
		chain.NewConstr(0, chain.NewBytes("aa"), chain.NewBytes("bb"), chain.NewInt(5)),
	))
	if got.Kind != want.Kind || len(got.Fields) != 1 || len(got.Fields[0].Items) != 1 {
		t.Fatalf("redeemer = %+v", got)
	}
	empty := addTokensRedeemer()
	if len(empty.Fields[0].Items) != 0 {
		t.Fatalf("empty redeemer = %+v", empty)
	}
}
