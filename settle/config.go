// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"path/filepath"

	"newm.io/batcherd/chain"
)

// Config is the immutable settlement configuration: contract addresses,
// reference-script outpoints, key material paths and the incentive
// allowlist. It is loaded once at startup and passed in at construction.
type Config struct {
	BatcherAddress string
	CollatAddress  string
	ProfitAddress  string

	SaleAddress      string
	QueueAddress     string
	VaultAddress     string
	OracleAddress    string
	DataAddress      string
	ReferenceAddress string

	SaleRefUTxO  string
	QueueRefUTxO string
	VaultRefUTxO string

	CollatUTxO string

	// BatcherPolicy is the minting policy of the batcher identity token.
	BatcherPolicy string

	BatcherKeyFile string
	CollatKeyFile  string

	// TmpDir holds transaction drafts, datum and redeemer files.
	TmpDir string

	Allowlist chain.Allowlist
}

// Scratch file locations inside TmpDir.
func (c *Config) DraftFile() string        { return filepath.Join(c.TmpDir, "tx.draft") }
func (c *Config) ProtocolFile() string     { return filepath.Join(c.TmpDir, "protocol.json") }
func (c *Config) PurchaseTxFile() string   { return filepath.Join(c.TmpDir, "queue-purchase-tx.signed") }
func (c *Config) RefundTxFile() string     { return filepath.Join(c.TmpDir, "queue-refund-tx.signed") }
func (c *Config) ProfitTxFile() string     { return filepath.Join(c.TmpDir, "batcher-profit-tx.signed") }
func (c *Config) datumFile(n string) string {
	return filepath.Join(c.TmpDir, n+"-datum.json")
}
func (c *Config) redeemerFile(n string) string {
	return filepath.Join(c.TmpDir, n+"-redeemer.json")
}

// Testnet reports whether the deployment targets a test network, derived
// from the batcher address prefix.
func (c *Config) Testnet() bool {
	return chain.IsTestnet(c.BatcherAddress)
}
