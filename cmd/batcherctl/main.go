// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// batcherctl inspects a running (or stopped) batcher's ledger-view store:
// sync status, tracked contract state, order ranking and a purchase dry run.
// All commands are read-only.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/db"
	"newm.io/batcherd/matcher"
)

var dbPath string

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "batcher.db"
	}
	return filepath.Join(home, ".batcherd", "batcher.db")
}

func openStore() (*db.Store, error) {
	return db.OpenReadOnly(dbPath)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// withStore opens the store, runs f and closes it, as a cobra RunE.
func withStore(f func(store *db.Store) error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return f(store)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync cursor",
		RunE: withStore(func(store *db.Store) error {
			row, err := store.Status()
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("no sync status recorded")
			}
			return printJSON(row)
		}),
	}
}

func batcherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batcher",
		Short: "List the batcher's capital UTxOs",
		RunE: withStore(func(store *db.Store) error {
			rows, err := store.Batchers()
			if err != nil {
				return err
			}
			return printJSON(rows)
		}),
	}
}

func salesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sales",
		Short: "List tracked sale pointer tokens",
		RunE: withStore(func(store *db.Store) error {
			tokens, err := store.SaleTokens()
			if err != nil {
				return err
			}
			return printJSON(tokens)
		}),
	}
}

func saleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sale <token>",
		Short: "Show one sale and its queue entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			sale, err := store.Sale(args[0])
			if err != nil {
				return err
			}
			if sale == nil {
				return fmt.Errorf("no sale with token %s", args[0])
			}
			orders, err := store.QueuesBySale(args[0])
			if err != nil {
				return err
			}
			return printJSON(struct {
				Sale   *db.SaleRow    `json:"sale"`
				Orders []*db.QueueRow `json:"orders"`
			}{sale, orders})
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List every tracked queue entry",
		RunE: withStore(func(store *db.Store) error {
			rows, err := store.Queues()
			if err != nil {
				return err
			}
			return printJSON(rows)
		}),
	}
}

func orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <tag>",
		Short: "Show one queue entry with its parsed datum",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			row, err := store.Queue(args[0])
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("no order with tag %s", args[0])
			}
			out := struct {
				Order  *db.QueueRow      `json:"order"`
				Parsed *chain.QueueDatum `json:"parsed,omitempty"`
				Error  string            `json:"parse_error,omitempty"`
			}{Order: row}
			if qd, err := chain.ParseQueueDatum(&row.Datum); err == nil {
				out.Parsed = qd
			} else {
				out.Error = err.Error()
			}
			return printJSON(out)
		},
	}
}

func vaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault",
		Short: "List tracked vault UTxOs",
		RunE: withStore(func(store *db.Store) error {
			rows, err := store.Vaults()
			if err != nil {
				return err
			}
			return printJSON(rows)
		}),
	}
}

func oracleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "oracle",
		Short: "Show the oracle feed and its parsed price window",
		RunE: withStore(func(store *db.Store) error {
			row, err := store.Oracle()
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("no oracle feed ingested")
			}
			out := struct {
				Oracle *db.UTxORow        `json:"oracle"`
				Parsed *chain.OracleDatum `json:"parsed,omitempty"`
				Error  string             `json:"parse_error,omitempty"`
			}{Oracle: row}
			if od, err := chain.ParseOracleDatum(&row.Datum); err == nil {
				out.Parsed = od
			} else {
				out.Error = err.Error()
			}
			return printJSON(out)
		}),
	}
}

func dataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "data",
		Short: "Show the protocol data UTxO",
		RunE: withStore(func(store *db.Store) error {
			row, err := store.Data()
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("no protocol data ingested")
			}
			return printJSON(row)
		}),
	}
}

func refsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refs",
		Short: "List the loaded reference scripts",
		RunE: withStore(func(store *db.Store) error {
			rows, err := store.References()
			if err != nil {
				return err
			}
			// The script bytes drown the listing.
			type slim struct {
				Name string `json:"name"`
				Ref  string `json:"txid"`
				Size int    `json:"script_hex_len"`
			}
			out := make([]slim, 0, len(rows))
			for _, row := range rows {
				out = append(out, slim{row.Name, row.Ref, len(row.CborHex)})
			}
			return printJSON(out)
		}),
	}
}

func rankedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ranked",
		Short: "Show the deterministic settlement order per sale",
		RunE: withStore(func(store *db.Store) error {
			ranked, err := matcher.FIFO(store, chain.StandardAllowlist(), chain.Disabled)
			if err != nil {
				return err
			}
			return printJSON(ranked)
		}),
	}
}

func dryrunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dryrun <sale-token> <order-tag>",
		Short: "Compute the purchase outputs for an order without touching the node",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return dryrun(store, args[0], args[1])
		},
	}
}

// dryrun mirrors the purchase arithmetic without building a transaction: it
// prices the order, checks containment and prints the would-be outputs.
func dryrun(store *db.Store, token, tag string) error {
	sale, err := store.Sale(token)
	if err != nil {
		return err
	}
	if sale == nil {
		return fmt.Errorf("no sale with token %s", token)
	}
	order, err := store.Queue(tag)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("no order with tag %s", tag)
	}
	oracle, err := store.Oracle()
	if err != nil {
		return err
	}
	data, err := store.Data()
	if err != nil {
		return err
	}
	if oracle == nil || data == nil {
		return fmt.Errorf("oracle and data feeds must both be ingested")
	}

	saleDatum, err := chain.ParseSaleDatum(&sale.Datum)
	if err != nil {
		return fmt.Errorf("sale datum: %w", err)
	}
	queueDatum, err := chain.ParseQueueDatum(&order.Datum)
	if err != nil {
		return fmt.Errorf("queue datum: %w", err)
	}
	oracleDatum, err := chain.ParseOracleDatum(&oracle.Datum)
	if err != nil {
		return fmt.Errorf("oracle datum: %w", err)
	}
	dataDatum, err := chain.ParseDataDatum(&data.Datum)
	if err != nil {
		return fmt.Errorf("data datum: %w", err)
	}

	profit := chain.Value{}
	if dataDatum.ProfitMargin != 0 {
		profit = chain.FromAsset(dataDatum.ProfitPolicy, dataDatum.ProfitName,
			dataDatum.ProfitMargin/oracleDatum.Price)
	}
	cost := saleDatum.CostValue()
	if saleDatum.UsesUSD() {
		cost = chain.FromAsset(dataDatum.ProfitPolicy, dataDatum.ProfitName,
			saleDatum.Cost.Amount/oracleDatum.Price)
	}
	incentive := queueDatum.IncentiveValue()

	inSale := sale.Value.Quantity(saleDatum.Bundle.PolicyID, saleDatum.Bundle.Name) /
		saleDatum.Bundle.Amount
	bundles := queueDatum.BundleSize
	if inSale < bundles {
		bundles = inSale
	}
	if bundles == 0 {
		return fmt.Errorf("sale has no bundles left")
	}
	totalCost := cost.Scale(bundles)
	totalBundle := saleDatum.BundleValue().Scale(bundles)
	if !order.Value.Contains(incentive.Add(totalCost).Add(profit)) {
		return fmt.Errorf("order cannot cover cost, incentive and profit")
	}
	if !sale.Value.Contains(totalBundle) {
		return fmt.Errorf("sale cannot cover %d bundles", bundles)
	}

	return printJSON(struct {
		Bundles    int64       `json:"bundles"`
		SaleOut    chain.Value `json:"sale_out"`
		QueueOut   chain.Value `json:"queue_out_before_fee"`
		BatcherAdd chain.Value `json:"incentive_to_batcher"`
		VaultAdd   chain.Value `json:"profit_to_vault"`
	}{
		Bundles:    bundles,
		SaleOut:    sale.Value.Add(totalCost).Sub(totalBundle),
		QueueOut:   order.Value.Sub(totalCost).Add(totalBundle).Sub(incentive).Sub(profit),
		BatcherAdd: incentive,
		VaultAdd:   profit,
	})
}

func main() {
	root := &cobra.Command{
		Use:           "batcherctl",
		Short:         "Inspect the batcher's ledger-view store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "dbpath", defaultDBPath(),
		"path to the ledger-view database file")
	root.AddCommand(
		statusCmd(), batcherCmd(), salesCmd(), saleCmd(), queueCmd(),
		orderCmd(), vaultCmd(), oracleCmd(), dataCmd(), refsCmd(),
		rankedCmd(), dryrunCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
