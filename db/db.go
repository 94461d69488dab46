// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db is the bbolt-backed ledger-view store: one bucket per tracked
// entity, mirroring the on-chain UTxOs the batcher cares about. Every row
// write is atomic in isolation; event ingestion and the settlement pass
// share a single-writer timeline, so no cross-bucket transactions are
// needed.
package db

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"newm.io/batcherd/chain"
)

// Bucket names. Keys are entity identifiers, values JSON rows.
var (
	saleBucket      = []byte("sale")
	queueBucket     = []byte("queue")
	batcherBucket   = []byte("batcher")
	vaultBucket     = []byte("vault")
	oracleBucket    = []byte("oracle")
	dataBucket      = []byte("data")
	referenceBucket = []byte("reference")
	seenBucket      = []byte("seen")
	statusBucket    = []byte("status")

	singletonKey = []byte("current")
)

// SaleRow is a tracked sale UTxO, keyed by its pointer token name.
type SaleRow struct {
	Token string           `json:"tkn"`
	Ref   string           `json:"txid"`
	Datum chain.PlutusData `json:"datum"`
	Value chain.Value      `json:"value"`
}

// QueueRow is a tracked queue entry, keyed by the tag of its outpoint.
type QueueRow struct {
	Tag       string           `json:"tag"`
	Ref       string           `json:"txid"`
	SaleToken string           `json:"tkn"`
	Datum     chain.PlutusData `json:"datum"`
	Value     chain.Value      `json:"value"`
	Timestamp int64            `json:"timestamp"`
	TxIdx     uint64           `json:"tx_idx"`
}

// BatcherRow is a UTxO holding batcher operating capital, keyed by tag.
type BatcherRow struct {
	Tag   string      `json:"tag"`
	Ref   string      `json:"txid"`
	Value chain.Value `json:"value"`
}

// VaultRow is a profit vault UTxO, keyed by tag.
type VaultRow struct {
	Tag   string           `json:"tag"`
	Ref   string           `json:"txid"`
	Datum chain.PlutusData `json:"datum"`
	Value chain.Value      `json:"value"`
}

// UTxORow is a singleton tracked UTxO (oracle and data).
type UTxORow struct {
	Ref   string           `json:"txid"`
	Datum chain.PlutusData `json:"datum"`
	Value chain.Value      `json:"value"`
}

// ReferenceRow is an immutable pointer to a reference-script UTxO, loaded
// from configuration at startup.
type ReferenceRow struct {
	Name    string      `json:"name"`
	Ref     string      `json:"txid"`
	CborHex string      `json:"cborHex"`
	Value   chain.Value `json:"value"`
}

// SeenRow records an outpoint attempted in a submitted transaction, with the
// validity window of that transaction. Purged once the window lapses.
type SeenRow struct {
	Tag   string `json:"tag"`
	Start int64  `json:"start_time"`
	End   int64  `json:"end_time"`
}

// StatusRow is the singleton sync cursor.
type StatusRow struct {
	BlockNumber int64  `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	Timestamp   int64  `json:"timestamp"`
}

// Store is the ledger-view store.
type Store struct {
	*bbolt.DB
}

// Open opens or creates the store at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	bdb, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	store := &Store{DB: bdb}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{
			saleBucket, queueBucket, batcherBucket, vaultBucket,
			oracleBucket, dataBucket, referenceBucket, seenBucket,
			statusBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return store, nil
}

// OpenReadOnly opens an existing store for inspection without taking the
// writer lock. The store must have been initialized by Open first.
func OpenReadOnly(path string) (*Store, error) {
	bdb, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:  time.Second,
		ReadOnly: true,
	})
	if err != nil {
		return nil, err
	}
	return &Store{DB: bdb}, nil
}

// put JSON-encodes a row under key in the named bucket.
func (s *Store) put(bucket []byte, key string, row any) error {
	b, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), b)
	})
}

// get decodes the row at key into out, reporting whether the row existed.
func (s *Store) get(bucket []byte, key string, out any) (bool, error) {
	var raw []byte
	err := s.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

// deleteKey removes the row at key, reporting whether a row existed.
func (s *Store) deleteKey(bucket []byte, key string) (bool, error) {
	var existed bool
	err := s.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	return existed, err
}
