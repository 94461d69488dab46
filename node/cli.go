// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"newm.io/batcherd/chain"
)

// CLIClient is the production Client. It shells out to the node's command
// line interface, one blocking subprocess per call.
type CLIClient struct {
	CLIPath    string
	SocketPath string
	// Network is the network selection flags as a single string, e.g.
	// "--testnet-magic 1" or "--mainnet".
	Network string
	Timeout time.Duration
	Log     chain.Logger
}

var _ Client = (*CLIClient)(nil)

const defaultCLITimeout = time.Minute

// witnessCount covers the batcher and collateral keys plus one spare, as the
// fee calculation requires an upper bound before signing.
const witnessCount = 3

func (c *CLIClient) networkFlags() []string {
	return strings.Fields(c.Network)
}

// run executes one cli subcommand, returning stdout. Connection refusal maps
// to ErrNodeUnreachable so callers can treat the node as down.
func (c *CLIClient) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultCLITimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.CLIPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	errText := stderr.String()
	if strings.Contains(errText, "Connection refused") {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, strings.TrimSpace(errText))
	}
	if err != nil {
		c.Log.Debugf("cli %s failed: %v: %s", args[0], err, strings.TrimSpace(errText))
		return nil, fmt.Errorf("cli %s: %w: %s", args[0], err, strings.TrimSpace(errText))
	}
	if strings.Contains(errText, "Command failed") {
		return nil, fmt.Errorf("cli %s: %s", args[0], strings.TrimSpace(errText))
	}
	return stdout.Bytes(), nil
}

// UTxOExists queries the outpoint and reports whether the node returns it.
func (c *CLIClient) UTxOExists(ctx context.Context, ref string) (bool, error) {
	args := []string{"conway", "query", "utxo",
		"--socket-path", c.SocketPath,
		"--output-json",
		"--tx-in", ref,
	}
	args = append(args, c.networkFlags()...)
	out, err := c.run(ctx, args...)
	if err != nil {
		return false, err
	}
	var utxos map[string]json.RawMessage
	if err := json.Unmarshal(out, &utxos); err != nil {
		return false, fmt.Errorf("bad utxo query response: %w", err)
	}
	return len(utxos) != 0, nil
}

type tipResponse struct {
	Block int64 `json:"block"`
	Slot  int64 `json:"slot"`
}

func (c *CLIClient) queryTip(ctx context.Context) (*tipResponse, error) {
	args := []string{"conway", "query", "tip",
		"--socket-path", c.SocketPath,
		"--output-json",
	}
	args = append(args, c.networkFlags()...)
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	tip := new(tipResponse)
	if err := json.Unmarshal(out, tip); err != nil {
		return nil, fmt.Errorf("bad tip response: %w", err)
	}
	return tip, nil
}

// LatestBlock returns the tip block number.
func (c *CLIClient) LatestBlock(ctx context.Context) (int64, error) {
	tip, err := c.queryTip(ctx)
	if err != nil {
		return 0, err
	}
	return tip.Block, nil
}

// LatestSlot returns the tip slot.
func (c *CLIClient) LatestSlot(ctx context.Context) (int64, error) {
	tip, err := c.queryTip(ctx)
	if err != nil {
		return 0, err
	}
	return tip.Slot, nil
}

// SlotForTime converts a unix-millisecond timestamp plus a delta in seconds
// to the corresponding slot.
func (c *CLIClient) SlotForTime(ctx context.Context, unixMs int64, delta int64) (int64, error) {
	ts := time.UnixMilli(unixMs).Add(time.Duration(delta) * time.Second).
		UTC().Format("2006-01-02T15:04:05Z")
	args := []string{"conway", "query", "slot-number",
		"--socket-path", c.SocketPath,
	}
	args = append(args, c.networkFlags()...)
	args = append(args, ts)
	out, err := c.run(ctx, args...)
	if err != nil {
		return 0, err
	}
	slot, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad slot-number response %q: %w", out, err)
	}
	return slot, nil
}

// ProtocolParams writes the current protocol parameters to outFile.
func (c *CLIClient) ProtocolParams(ctx context.Context, outFile string) error {
	args := []string{"conway", "query", "protocol-parameters",
		"--socket-path", c.SocketPath,
		"--out-file", outFile,
	}
	args = append(args, c.networkFlags()...)
	_, err := c.run(ctx, args...)
	return err
}

func exUnitsArg(u ExUnits) string {
	return fmt.Sprintf("(%d, %d)", u.Steps, u.Memory)
}

// BuildRaw translates the TxSpec to a build-raw invocation.
func (c *CLIClient) BuildRaw(ctx context.Context, spec *TxSpec) error {
	args := []string{"conway", "transaction", "build-raw",
		"--protocol-params-file", spec.ProtocolFile,
		"--out-file", spec.OutFile,
	}
	if spec.Collateral != "" {
		args = append(args, "--tx-in-collateral", spec.Collateral)
	}
	if spec.ValidityStart != nil {
		args = append(args, "--invalid-before", strconv.FormatInt(*spec.ValidityStart, 10))
	}
	if spec.ValidityEnd != nil {
		args = append(args, "--invalid-hereafter", strconv.FormatInt(*spec.ValidityEnd, 10))
	}
	for _, ref := range spec.ReadOnlyRefs {
		args = append(args, "--read-only-tx-in-reference", ref)
	}
	for _, in := range spec.Inputs {
		args = append(args, "--tx-in", in.Ref)
		if in.ScriptRef == "" {
			continue
		}
		args = append(args,
			"--spending-tx-in-reference", in.ScriptRef,
			"--spending-plutus-script-v2",
			"--spending-reference-tx-in-inline-datum-present",
			"--spending-reference-tx-in-execution-units", exUnitsArg(in.ExUnits),
			"--spending-reference-tx-in-redeemer-file", in.RedeemerFile,
		)
	}
	for _, out := range spec.Outputs {
		args = append(args, "--tx-out", out.Output)
		if out.DatumFile != "" {
			args = append(args, "--tx-out-inline-datum-file", out.DatumFile)
		}
	}
	for _, signer := range spec.RequiredSigners {
		args = append(args, "--required-signer-hash", signer)
	}
	args = append(args, "--fee", strconv.FormatInt(spec.Fee, 10))
	_, err := c.run(ctx, args...)
	return err
}

// RefScriptSize sums the reference script bytes at the given outpoints.
func (c *CLIClient) RefScriptSize(ctx context.Context, refs []string) (int64, error) {
	args := []string{"conway", "query", "ref-script-size",
		"--socket-path", c.SocketPath,
		"--output-json",
	}
	args = append(args, c.networkFlags()...)
	for _, ref := range refs {
		args = append(args, "--tx-in", ref)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return 0, err
	}
	var resp struct {
		RefInputScriptSize int64 `json:"refInputScriptSize"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, fmt.Errorf("bad ref-script-size response: %w", err)
	}
	return resp.RefInputScriptSize, nil
}

// CalculateMinFee computes the minimum fee for a built transaction body.
func (c *CLIClient) CalculateMinFee(ctx context.Context, bodyFile, protocolFile string, refScriptSize int64) (int64, error) {
	out, err := c.run(ctx, "conway", "transaction", "calculate-min-fee",
		"--tx-body-file", bodyFile,
		"--protocol-params-file", protocolFile,
		"--output-json",
		"--witness-count", strconv.Itoa(witnessCount),
		"--reference-script-size", strconv.FormatInt(refScriptSize, 10),
	)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Fee int64 `json:"fee"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, fmt.Errorf("bad min-fee response: %w", err)
	}
	return resp.Fee, nil
}

// TxID returns the id of a built or signed transaction file.
func (c *CLIClient) TxID(ctx context.Context, txFile string) (string, error) {
	out, err := c.run(ctx, "conway", "transaction", "txid", "--tx-file", txFile)
	if err != nil {
		// Unsigned bodies use the body flag instead.
		out, err = c.run(ctx, "conway", "transaction", "txid", "--tx-body-file", txFile)
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(string(out)), nil
}

// Sign signs draftFile into signedFile with the given keys.
func (c *CLIClient) Sign(ctx context.Context, draftFile, signedFile string, keyFiles ...string) error {
	args := []string{"conway", "transaction", "sign",
		"--tx-body-file", draftFile,
		"--tx-file", signedFile,
	}
	for _, key := range keyFiles {
		args = append(args, "--signing-key-file", key)
	}
	args = append(args, c.networkFlags()...)
	_, err := c.run(ctx, args...)
	return err
}

// Submit submits a signed transaction. Ledger rejection is (false, nil);
// only an unreachable node is an error.
func (c *CLIClient) Submit(ctx context.Context, signedFile string) (bool, error) {
	args := []string{"conway", "transaction", "submit",
		"--socket-path", c.SocketPath,
		"--tx-file", signedFile,
	}
	args = append(args, c.networkFlags()...)
	out, err := c.run(ctx, args...)
	if err != nil {
		if errors.Is(err, ErrNodeUnreachable) {
			return false, err
		}
		c.Log.Debugf("submit rejected: %v", err)
		return false, nil
	}
	return strings.Contains(string(out), "Transaction successfully submitted"), nil
}

// TxInMempool reports whether the transaction is already pending in the
// node's mempool.
func (c *CLIClient) TxInMempool(ctx context.Context, txid string) (bool, error) {
	args := []string{"conway", "query", "tx-mempool",
		"--socket-path", c.SocketPath,
		"--output-json",
	}
	args = append(args, c.networkFlags()...)
	args = append(args, "tx-exists", txid)
	out, err := c.run(ctx, args...)
	if err != nil {
		return false, err
	}
	var resp struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return false, fmt.Errorf("bad mempool response: %w", err)
	}
	return resp.Exists, nil
}
