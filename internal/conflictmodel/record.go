// Package conflictmodel models the wallet transaction state the harness
// asserts on: descriptors, transaction records under RBF conflicts, and the
// structural invariants every wallet history must satisfy regardless of the
// scenario's expectations.
package conflictmodel

import (
	"fmt"
	"slices"

	"github.com/ledgerlabs/walletcompat/internal/noderpc"
)

// WalletDescriptor is the semantically significant part of getwalletinfo.
type WalletDescriptor struct {
	Name               string
	PrivateKeysEnabled bool
	Blank              bool
	KeypoolSize        int
}

// Validate checks the descriptor invariants:
//
//	blank            => keypool empty
//	no private keys  => keypool empty
//	otherwise        => keypool populated
func (d WalletDescriptor) Validate() error {
	switch {
	case d.Blank && d.KeypoolSize != 0:
		return fmt.Errorf("wallet %q: blank wallet has keypool size %d, want 0", d.Name, d.KeypoolSize)
	case !d.PrivateKeysEnabled && d.KeypoolSize != 0:
		return fmt.Errorf("wallet %q: private keys disabled but keypool size is %d, want 0", d.Name, d.KeypoolSize)
	case d.PrivateKeysEnabled && !d.Blank && d.KeypoolSize <= 0:
		return fmt.Errorf("wallet %q: keypool size is %d, want > 0", d.Name, d.KeypoolSize)
	}
	return nil
}

// TransactionRecord is one wallet history entry. Records are only ever
// annotated by the node (conflicts, replacement, abandonment, confirmation),
// never deleted, so the harness treats the full history as append-only.
type TransactionRecord struct {
	TxID          string
	Conflicts     []string
	ReplacedBy    string
	Abandoned     bool
	Confirmations int
	BlockIndex    *int
}

// Confirmed reports whether the record is included in a block.
func (r TransactionRecord) Confirmed() bool {
	return r.Confirmations > 0
}

// RecordFromRPC converts a listtransactions entry into a TransactionRecord.
func RecordFromRPC(tx noderpc.Transaction) TransactionRecord {
	return TransactionRecord{
		TxID:          tx.TxID,
		Conflicts:     tx.WalletConflicts,
		ReplacedBy:    tx.ReplacedByTxID,
		Abandoned:     tx.Abandoned,
		Confirmations: tx.Confirmations,
		BlockIndex:    tx.BlockIndex,
	}
}

// CheckStructural asserts the invariants that must hold for every record in a
// history, independent of what the scenario expects:
//
//   - confirmations == -1 (conflicted sentinel) implies no block index
//   - abandoned implies no block index
//   - replaced-by pointers form no cycle
//
// All violations are returned; nothing short-circuits.
func CheckStructural(wallet string, records []TransactionRecord) []Mismatch {
	var mismatches []Mismatch

	byTxID := make(map[string]TransactionRecord, len(records))
	for _, r := range records {
		byTxID[r.TxID] = r

		if r.Confirmations == -1 && r.BlockIndex != nil {
			mismatches = append(mismatches, Mismatch{
				Wallet: wallet,
				TxID:   r.TxID,
				Field:  "blockindex",
				Detail: fmt.Sprintf("conflicted record (confirmations=-1) carries block index %d", *r.BlockIndex),
			})
		}
		if r.Abandoned && r.BlockIndex != nil {
			mismatches = append(mismatches, Mismatch{
				Wallet: wallet,
				TxID:   r.TxID,
				Field:  "blockindex",
				Detail: fmt.Sprintf("abandoned record carries block index %d", *r.BlockIndex),
			})
		}
	}

	for _, r := range records {
		if cycle := replacementCycle(r.TxID, byTxID); cycle != "" {
			mismatches = append(mismatches, Mismatch{
				Wallet: wallet,
				TxID:   r.TxID,
				Field:  "replaced_by_txid",
				Detail: "replacement chain revisits " + cycle,
			})
		}
	}

	return mismatches
}

// replacementCycle follows replaced-by pointers from txid and returns the
// first revisited txid, or "" when the chain terminates. Pointers to records
// outside the history terminate the walk; the target may legitimately live in
// another wallet.
func replacementCycle(txid string, byTxID map[string]TransactionRecord) string {
	seen := map[string]bool{}
	for txid != "" {
		if seen[txid] {
			return txid
		}
		seen[txid] = true
		r, ok := byTxID[txid]
		if !ok {
			return ""
		}
		txid = r.ReplacedBy
	}
	return ""
}

// CheckConflictSymmetry verifies that conflict lists are symmetric: whenever A
// lists B, B's record lists A. Historical node versions were never held to
// this, so callers report these mismatches in their own class.
func CheckConflictSymmetry(wallet string, records []TransactionRecord) []Mismatch {
	byTxID := make(map[string]TransactionRecord, len(records))
	for _, r := range records {
		byTxID[r.TxID] = r
	}

	var mismatches []Mismatch
	for _, r := range records {
		for _, other := range r.Conflicts {
			peer, ok := byTxID[other]
			if !ok {
				continue // conflicting tx never entered this wallet's history
			}
			if !slices.Contains(peer.Conflicts, r.TxID) {
				mismatches = append(mismatches, Mismatch{
					Wallet: wallet,
					TxID:   other,
					Field:  "walletconflicts",
					Detail: fmt.Sprintf("%s lists %s as conflicting, but not vice versa", r.TxID, other),
				})
			}
		}
	}
	return mismatches
}
