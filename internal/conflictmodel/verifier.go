package conflictmodel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/ledgerlabs/walletcompat/internal/noderpc"
)

// historyPageSize is large enough to fetch any scenario wallet's full history
// in one page, preserving the node's in-page insertion ordering.
const historyPageSize = 1000

// Mismatch is one divergence between a wallet's actual state and an expected
// or structural property. Mismatches are collected, never short-circuited, so
// one run surfaces every divergence.
type Mismatch struct {
	Wallet string
	TxID   string
	Field  string
	Detail string
}

func (m Mismatch) String() string {
	if m.TxID == "" {
		return fmt.Sprintf("%s: %s: %s", m.Wallet, m.Field, m.Detail)
	}
	return fmt.Sprintf("%s: %s: %s: %s", m.Wallet, m.TxID, m.Field, m.Detail)
}

// RecordAssertion is the expected shape of one TransactionRecord. Nil pointer
// fields are not checked; a non-nil pointer to the zero value asserts absence.
type RecordAssertion struct {
	TxID          string
	Conflicts     []string // nil = don't check; empty = must be empty
	ReplacedBy    *string  // pointer to "" = must have no replacement
	Abandoned     *bool
	Confirmations *int
	HasBlockIndex *bool
	BlockIndex    *int
}

// DescriptorAssertion is the expected shape of a WalletDescriptor as read back
// through getwalletinfo. KeypoolEmpty asserts keypoolsize == 0 when true and
// keypoolsize > 0 when false.
type DescriptorAssertion struct {
	PrivateKeysEnabled bool
	KeypoolEmpty       bool
}

// WalletExpectation bundles everything the verifier checks for one wallet on
// one node.
type WalletExpectation struct {
	Wallet     string
	Descriptor *DescriptorAssertion
	HistoryLen int // 0 = don't check
	Records    []RecordAssertion

	// CheckSymmetry additionally cross-checks that conflict lists are
	// symmetric. Off by default: historical node versions never guaranteed it,
	// so findings are returned in their own class.
	CheckSymmetry bool
}

// WalletReader is the wallet-scoped RPC surface the verifier consumes,
// implemented by *noderpc.Client.
type WalletReader interface {
	GetWalletInfo(ctx context.Context) (*noderpc.WalletInfo, error)
	ListTransactions(ctx context.Context, count int) ([]noderpc.Transaction, error)
}

// Verifier checks wallet state against expectations and structural invariants.
type Verifier struct {
	log *slog.Logger
}

func NewVerifier(log *slog.Logger) *Verifier {
	return &Verifier{log: log.With("component", "verifier")}
}

// Verify fetches the wallet's descriptor and history from reader and returns
// every divergence from exp. Conflict-symmetry findings come back in their own
// slice so callers can report them as warnings. The returned error is reserved
// for RPC failures; assertion failures are always reported as mismatches.
func (v *Verifier) Verify(ctx context.Context, reader WalletReader, exp WalletExpectation) (mismatches, symmetryWarnings []Mismatch, err error) {
	if exp.Descriptor != nil {
		info, err := reader.GetWalletInfo(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get wallet info for %q: %w", exp.Wallet, err)
		}
		mismatches = append(mismatches, checkDescriptor(exp.Wallet, *exp.Descriptor, info)...)
	}

	txs, err := reader.ListTransactions(ctx, historyPageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list transactions for %q: %w", exp.Wallet, err)
	}
	records := make([]TransactionRecord, 0, len(txs))
	for _, tx := range txs {
		records = append(records, RecordFromRPC(tx))
	}

	// Structural invariants hold for every record, expected or not.
	mismatches = append(mismatches, CheckStructural(exp.Wallet, records)...)
	if exp.CheckSymmetry {
		symmetryWarnings = CheckConflictSymmetry(exp.Wallet, records)
	}

	if exp.HistoryLen > 0 && len(records) != exp.HistoryLen {
		mismatches = append(mismatches, Mismatch{
			Wallet: exp.Wallet,
			Field:  "history",
			Detail: fmt.Sprintf("history has %d entries, want %d", len(records), exp.HistoryLen),
		})
	}

	byTxID := make(map[string]TransactionRecord, len(records))
	for _, r := range records {
		byTxID[r.TxID] = r
	}
	for _, want := range exp.Records {
		got, ok := byTxID[want.TxID]
		if !ok {
			mismatches = append(mismatches, Mismatch{
				Wallet: exp.Wallet,
				TxID:   want.TxID,
				Field:  "txid",
				Detail: "record not found in wallet history",
			})
			continue
		}
		mismatches = append(mismatches, checkRecord(exp.Wallet, want, got)...)
	}

	v.log.Debug("Verified wallet", "wallet", exp.Wallet, "records", len(records), "mismatches", len(mismatches))
	return mismatches, symmetryWarnings, nil
}

func checkDescriptor(wallet string, want DescriptorAssertion, got *noderpc.WalletInfo) []Mismatch {
	var mismatches []Mismatch
	if got.PrivateKeysEnabled != want.PrivateKeysEnabled {
		mismatches = append(mismatches, Mismatch{
			Wallet: wallet,
			Field:  "private_keys_enabled",
			Detail: fmt.Sprintf("got %t, want %t", got.PrivateKeysEnabled, want.PrivateKeysEnabled),
		})
	}
	if want.KeypoolEmpty && got.KeypoolSize != 0 {
		mismatches = append(mismatches, Mismatch{
			Wallet: wallet,
			Field:  "keypoolsize",
			Detail: fmt.Sprintf("got %d, want 0", got.KeypoolSize),
		})
	}
	if !want.KeypoolEmpty && got.KeypoolSize <= 0 {
		mismatches = append(mismatches, Mismatch{
			Wallet: wallet,
			Field:  "keypoolsize",
			Detail: fmt.Sprintf("got %d, want > 0", got.KeypoolSize),
		})
	}
	return mismatches
}

func checkRecord(wallet string, want RecordAssertion, got TransactionRecord) []Mismatch {
	var mismatches []Mismatch
	add := func(field, detail string) {
		mismatches = append(mismatches, Mismatch{Wallet: wallet, TxID: want.TxID, Field: field, Detail: detail})
	}

	if want.Conflicts != nil {
		if diff := cmp.Diff(want.Conflicts, got.Conflicts, cmpopts.EquateEmpty()); diff != "" {
			add("walletconflicts", "conflict set mismatch (-want +got):\n"+diff)
		}
	}
	if want.ReplacedBy != nil && got.ReplacedBy != *want.ReplacedBy {
		add("replaced_by_txid", fmt.Sprintf("got %q, want %q", got.ReplacedBy, *want.ReplacedBy))
	}
	if want.Abandoned != nil && got.Abandoned != *want.Abandoned {
		add("abandoned", fmt.Sprintf("got %t, want %t", got.Abandoned, *want.Abandoned))
	}
	if want.Confirmations != nil && got.Confirmations != *want.Confirmations {
		add("confirmations", fmt.Sprintf("got %d, want %d", got.Confirmations, *want.Confirmations))
	}
	if want.HasBlockIndex != nil {
		if *want.HasBlockIndex && got.BlockIndex == nil {
			add("blockindex", "block index absent, want present")
		}
		if !*want.HasBlockIndex && got.BlockIndex != nil {
			add("blockindex", fmt.Sprintf("block index %d present, want absent", *got.BlockIndex))
		}
	}
	if want.BlockIndex != nil {
		if got.BlockIndex == nil {
			add("blockindex", fmt.Sprintf("block index absent, want %d", *want.BlockIndex))
		} else if *got.BlockIndex != *want.BlockIndex {
			add("blockindex", fmt.Sprintf("got %d, want %d", *got.BlockIndex, *want.BlockIndex))
		}
	}
	return mismatches
}

// Ptr returns a pointer to v, for terse assertion literals.
func Ptr[T any](v T) *T {
	return &v
}
