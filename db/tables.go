// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"encoding/json"
	"sort"

	"go.etcd.io/bbolt"
)

// PutSale creates or replaces a sale row.
func (s *Store) PutSale(row *SaleRow) error {
	return s.put(saleBucket, row.Token, row)
}

// Sale reads a sale by pointer token, nil when absent.
func (s *Store) Sale(token string) (*SaleRow, error) {
	row := new(SaleRow)
	ok, err := s.get(saleBucket, token, row)
	if !ok || err != nil {
		return nil, err
	}
	return row, nil
}

// SaleTokens returns all sale pointer tokens in lexicographic order.
func (s *Store) SaleTokens() ([]string, error) {
	var tokens []string
	err := s.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(saleBucket).ForEach(func(k, _ []byte) error {
			tokens = append(tokens, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(tokens)
	return tokens, nil
}

// DeleteSaleByRef deletes the sale row holding the spent outpoint, reporting
// whether a row existed. Sales are keyed by token, so this scans.
func (s *Store) DeleteSaleByRef(ref string) (bool, error) {
	var existed bool
	err := s.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(saleBucket)
		var victim []byte
		err := b.ForEach(func(k, v []byte) error {
			var row SaleRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Ref == ref {
				victim = append([]byte(nil), k...)
			}
			return nil
		})
		if err != nil || victim == nil {
			return err
		}
		existed = true
		return b.Delete(victim)
	})
	return existed, err
}

// PutQueue creates or replaces a queue entry row.
func (s *Store) PutQueue(row *QueueRow) error {
	return s.put(queueBucket, row.Tag, row)
}

// Queue reads a queue entry by tag, nil when absent.
func (s *Store) Queue(tag string) (*QueueRow, error) {
	row := new(QueueRow)
	ok, err := s.get(queueBucket, tag, row)
	if !ok || err != nil {
		return nil, err
	}
	return row, nil
}

// QueuesBySale returns the queue entries targeting the given sale token.
func (s *Store) QueuesBySale(token string) ([]*QueueRow, error) {
	var rows []*QueueRow
	err := s.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			row := new(QueueRow)
			if err := json.Unmarshal(v, row); err != nil {
				return err
			}
			if row.SaleToken == token {
				rows = append(rows, row)
			}
			return nil
		})
	})
	return rows, err
}

// Queues returns every queue entry.
func (s *Store) Queues() ([]*QueueRow, error) {
	var rows []*QueueRow
	err := s.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			row := new(QueueRow)
			if err := json.Unmarshal(v, row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	return rows, err
}

// DeleteQueue deletes a queue entry by tag, reporting whether a row existed.
func (s *Store) DeleteQueue(tag string) (bool, error) {
	return s.deleteKey(queueBucket, tag)
}

// PutBatcher creates or replaces a batcher capital row.
func (s *Store) PutBatcher(row *BatcherRow) error {
	return s.put(batcherBucket, row.Tag, row)
}

// Batcher reads a batcher row by tag, nil when absent.
func (s *Store) Batcher(tag string) (*BatcherRow, error) {
	row := new(BatcherRow)
	ok, err := s.get(batcherBucket, tag, row)
	if !ok || err != nil {
		return nil, err
	}
	return row, nil
}

// Batchers returns every batcher row, ordered by tag.
func (s *Store) Batchers() ([]*BatcherRow, error) {
	var rows []*BatcherRow
	err := s.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(batcherBucket).ForEach(func(_, v []byte) error {
			row := new(BatcherRow)
			if err := json.Unmarshal(v, row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Tag < rows[j].Tag })
	return rows, nil
}

// BatcherByPolicy returns the batcher row whose value carries the identity
// token policy, nil when no row does.
func (s *Store) BatcherByPolicy(policyID string) (*BatcherRow, error) {
	rows, err := s.Batchers()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Value.Exists(policyID) {
			return row, nil
		}
	}
	return nil, nil
}

// DeleteBatcher deletes a batcher row by tag, reporting whether a row
// existed.
func (s *Store) DeleteBatcher(tag string) (bool, error) {
	return s.deleteKey(batcherBucket, tag)
}

// PutVault creates or replaces a vault row.
func (s *Store) PutVault(row *VaultRow) error {
	return s.put(vaultBucket, row.Tag, row)
}

// Vaults returns every vault row, ordered by tag.
func (s *Store) Vaults() ([]*VaultRow, error) {
	var rows []*VaultRow
	err := s.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(vaultBucket).ForEach(func(_, v []byte) error {
			row := new(VaultRow)
			if err := json.Unmarshal(v, row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Tag < rows[j].Tag })
	return rows, nil
}

// DeleteVault deletes a vault row by tag, reporting whether a row existed.
func (s *Store) DeleteVault(tag string) (bool, error) {
	return s.deleteKey(vaultBucket, tag)
}

// PutOracle replaces the oracle singleton.
func (s *Store) PutOracle(row *UTxORow) error {
	return s.put(oracleBucket, string(singletonKey), row)
}

// Oracle reads the oracle singleton, nil when never set.
func (s *Store) Oracle() (*UTxORow, error) {
	row := new(UTxORow)
	ok, err := s.get(oracleBucket, string(singletonKey), row)
	if !ok || err != nil {
		return nil, err
	}
	return row, nil
}

// PutData replaces the protocol data singleton.
func (s *Store) PutData(row *UTxORow) error {
	return s.put(dataBucket, string(singletonKey), row)
}

// Data reads the protocol data singleton, nil when never set.
func (s *Store) Data() (*UTxORow, error) {
	row := new(UTxORow)
	ok, err := s.get(dataBucket, string(singletonKey), row)
	if !ok || err != nil {
		return nil, err
	}
	return row, nil
}

// PutReference stores an immutable reference-script pointer by name.
func (s *Store) PutReference(row *ReferenceRow) error {
	return s.put(referenceBucket, row.Name, row)
}

// Reference reads a reference-script pointer by name, nil when absent.
func (s *Store) Reference(name string) (*ReferenceRow, error) {
	row := new(ReferenceRow)
	ok, err := s.get(referenceBucket, name, row)
	if !ok || err != nil {
		return nil, err
	}
	return row, nil
}

// References returns every reference-script pointer, ordered by name.
func (s *Store) References() ([]*ReferenceRow, error) {
	var rows []*ReferenceRow
	err := s.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(referenceBucket).ForEach(func(_, v []byte) error {
			row := new(ReferenceRow)
			if err := json.Unmarshal(v, row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows, nil
}

// PutSeen records an attempted outpoint tag with its validity window.
func (s *Store) PutSeen(tag string, start, end int64) error {
	return s.put(seenBucket, tag, &SeenRow{Tag: tag, Start: start, End: end})
}

// SeenExists reports whether the tag has an unexpired seen record.
func (s *Store) SeenExists(tag string) (bool, error) {
	row := new(SeenRow)
	return s.get(seenBucket, tag, row)
}

// PurgeSeen deletes every seen record whose window end has passed now.
func (s *Store) PurgeSeen(now int64) error {
	return s.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(seenBucket)
		var victims [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var row SeenRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.End <= now {
				victims = append(victims, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutStatus replaces the sync cursor.
func (s *Store) PutStatus(row *StatusRow) error {
	return s.put(statusBucket, string(singletonKey), row)
}

// Status reads the sync cursor, nil when never set.
func (s *Store) Status() (*StatusRow, error) {
	row := new(StatusRow)
	ok, err := s.get(statusBucket, string(singletonKey), row)
	if !ok || err != nil {
		return nil, err
	}
	return row, nil
}
