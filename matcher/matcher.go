// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package matcher ranks queue entries for settlement. Ordering is fully
// deterministic: higher-priority incentive assets first, larger incentives
// next, then strict chronological order by block timestamp and intra-block
// transaction index.
package matcher

import (
	"sort"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/db"
)

// Entry is a queue entry reduced to its sort key.
type Entry struct {
	Tag       string
	Timestamp int64
	TxIdx     uint64
	Incentive int64
	Priority  int
}

// Rank sorts each sale's entries into settlement order. Sales with no
// entries are retained with an empty list. The input slices are not
// modified.
func Rank(bySale map[string][]Entry) map[string][]Entry {
	ranked := make(map[string][]Entry, len(bySale))
	for token, entries := range bySale {
		sorted := make([]Entry, len(entries))
		copy(sorted, entries)
		sort.SliceStable(sorted, func(i, j int) bool {
			a, b := sorted[i], sorted[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if a.Incentive != b.Incentive {
				return a.Incentive > b.Incentive
			}
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			return a.TxIdx < b.TxIdx
		})
		ranked[token] = sorted
	}
	return ranked
}

// FIFO builds the ranked settlement order for every tracked sale from the
// store. Entries whose datum fails structural validation or whose incentive
// asset is not allowed are excluded; a malformed order is the buyer's
// problem, not the pass's.
func FIFO(store *db.Store, allowed chain.Allowlist, log chain.Logger) (map[string][]Entry, error) {
	tokens, err := store.SaleTokens()
	if err != nil {
		return nil, err
	}
	bySale := make(map[string][]Entry, len(tokens))
	for _, token := range tokens {
		bySale[token] = []Entry{}
		rows, err := store.QueuesBySale(token)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			qd, err := chain.ParseQueueDatum(&row.Datum)
			if err != nil {
				log.Warnf("order %s: bad datum: %v", row.Tag, err)
				continue
			}
			if err := qd.Validate(allowed); err != nil {
				log.Warnf("order %s: %v", row.Tag, err)
				continue
			}
			rank, _ := allowed.Rank(qd.Incentive.PolicyID, qd.Incentive.Name)
			bySale[token] = append(bySale[token], Entry{
				Tag:       row.Tag,
				Timestamp: row.Timestamp,
				TxIdx:     row.TxIdx,
				Incentive: qd.Incentive.Amount,
				Priority:  rank.Priority,
			})
		}
	}
	return Rank(bySale), nil
}
