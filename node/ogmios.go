// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"newm.io/batcherd/chain"
)

// OgmiosEvaluator obtains real execution units by submitting a draft
// transaction to an Ogmios evaluateTransaction call over websocket, together
// with the locally resolved outputs the node has not seen yet.
type OgmiosEvaluator struct {
	URL     string // e.g. ws://127.0.0.1:1337
	Timeout time.Duration
	Log     chain.Logger
}

var _ Evaluator = (*OgmiosEvaluator)(nil)

type ogmiosRequest struct {
	JSONRPC string       `json:"jsonrpc"`
	Method  string       `json:"method"`
	Params  ogmiosParams `json:"params"`
	ID      any          `json:"id"`
}

type ogmiosParams struct {
	Transaction    ogmiosTx       `json:"transaction"`
	AdditionalUTxO []ogmiosOutput `json:"additionalUtxo,omitempty"`
}

type ogmiosTx struct {
	CBOR string `json:"cbor"`
}

type ogmiosOutput struct {
	Transaction ogmiosTxID     `json:"transaction"`
	Index       uint32         `json:"index"`
	Address     string         `json:"address"`
	Value       map[string]any `json:"value"`
	Datum       string         `json:"datum,omitempty"`
	Script      *ogmiosScript  `json:"script,omitempty"`
}

type ogmiosTxID struct {
	ID string `json:"id"`
}

type ogmiosScript struct {
	Language string `json:"language"`
	CBOR     string `json:"cbor"`
}

type ogmiosResponse struct {
	Result []struct {
		Validator struct {
			Purpose string `json:"purpose"`
			Index   uint32 `json:"index"`
		} `json:"validator"`
		Budget struct {
			Memory uint64 `json:"memory"`
			CPU    uint64 `json:"cpu"`
		} `json:"budget"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ogmiosValue renders a Value in the evaluator's wire shape:
// {"ada":{"lovelace":n},"<policy>":{"<nameHex>":n}}.
func ogmiosValue(v chain.Value) map[string]any {
	wire := map[string]any{
		"ada": map[string]int64{"lovelace": v.Lovelace()},
	}
	for pid, assets := range v {
		if pid == chain.PolicyLovelace {
			continue
		}
		inner := make(map[string]int64, len(assets))
		for name, qty := range assets {
			inner[name] = qty
		}
		wire[pid] = inner
	}
	return wire
}

// Evaluate runs the draft against the ledger rules and returns per-script
// budgets. An empty result slice means the evaluation reported nothing,
// which callers must treat as failure.
func (o *OgmiosEvaluator) Evaluate(ctx context.Context, cborHex string, additional []ResolvedUTxO) ([]Evaluation, error) {
	timeout := o.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.URL, nil)
	if err != nil {
		if strings.Contains(err.Error(), "connection refused") {
			return nil, fmt.Errorf("%w: ogmios at %s", ErrNodeUnreachable, o.URL)
		}
		return nil, fmt.Errorf("ogmios dial: %w", err)
	}
	defer conn.Close()

	utxos := make([]ogmiosOutput, 0, len(additional))
	for _, u := range additional {
		op, err := chain.NewOutPoint(u.Ref)
		if err != nil {
			return nil, err
		}
		out := ogmiosOutput{
			Transaction: ogmiosTxID{ID: op.TxID},
			Index:       op.Index,
			Address:     u.Address,
			Value:       ogmiosValue(u.Value),
			Datum:       u.DatumHex,
		}
		if u.ScriptHex != "" {
			out.Script = &ogmiosScript{Language: "plutus:v2", CBOR: u.ScriptHex}
		}
		utxos = append(utxos, out)
	}

	req := ogmiosRequest{
		JSONRPC: "2.0",
		Method:  "evaluateTransaction",
		Params: ogmiosParams{
			Transaction:    ogmiosTx{CBOR: cborHex},
			AdditionalUTxO: utxos,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("ogmios send: %w", err)
	}
	var resp ogmiosResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("ogmios receive: %w", err)
	}
	if resp.Error != nil {
		o.Log.Debugf("ogmios evaluation error %d: %s", resp.Error.Code, resp.Error.Message)
		return nil, nil
	}
	evals := make([]Evaluation, 0, len(resp.Result))
	for _, r := range resp.Result {
		evals = append(evals, Evaluation{
			Purpose: r.Validator.Purpose,
			Index:   r.Validator.Index,
			Budget:  ExUnits{Memory: r.Budget.Memory, Steps: r.Budget.CPU},
		})
	}
	return evals, nil
}
