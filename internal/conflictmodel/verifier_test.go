package conflictmodel_test

import (
	"context"
	"testing"

	"github.com/ledgerlabs/walletcompat/internal/conflictmodel"
	"github.com/ledgerlabs/walletcompat/internal/logging"
	"github.com/ledgerlabs/walletcompat/internal/noderpc"
	"github.com/stretchr/testify/require"
)

type fakeWallet struct {
	info *noderpc.WalletInfo
	txs  []noderpc.Transaction
}

func (f *fakeWallet) GetWalletInfo(ctx context.Context) (*noderpc.WalletInfo, error) {
	return f.info, nil
}

func (f *fakeWallet) ListTransactions(ctx context.Context, count int) ([]noderpc.Transaction, error) {
	return f.txs, nil
}

// rbfScenarioHistory mirrors the five-entry history the end-to-end scenario
// produces for wallet w1: a funding receive, tx1 replaced by tx2 (confirmed),
// and tx3 abandoned then replaced by tx4 (unconfirmed).
func rbfScenarioHistory() []noderpc.Transaction {
	one := 1
	return []noderpc.Transaction{
		{TxID: "tx0", Category: "receive", Amount: 10, Confirmations: 3, BlockIndex: &one},
		{TxID: "tx1", Category: "send", WalletConflicts: []string{"tx2"}, ReplacedByTxID: "tx2", Confirmations: -1},
		{TxID: "tx2", Category: "send", WalletConflicts: []string{"tx1"}, Confirmations: 1, BlockIndex: &one},
		{TxID: "tx3", Category: "send", WalletConflicts: []string{"tx4"}, ReplacedByTxID: "tx4", Abandoned: true},
		{TxID: "tx4", Category: "send", WalletConflicts: []string{"tx3"}},
	}
}

func TestVerifier_RBFScenarioPasses(t *testing.T) {
	t.Parallel()

	wallet := &fakeWallet{
		info: &noderpc.WalletInfo{WalletName: "w1", PrivateKeysEnabled: true, KeypoolSize: 1000},
		txs:  rbfScenarioHistory(),
	}
	v := conflictmodel.NewVerifier(logging.NewTestLogger(t, false))

	mismatches, warnings, err := v.Verify(t.Context(), wallet, conflictmodel.WalletExpectation{
		Wallet:        "w1",
		Descriptor:    &conflictmodel.DescriptorAssertion{PrivateKeysEnabled: true, KeypoolEmpty: false},
		HistoryLen:    5,
		CheckSymmetry: true,
		Records: []conflictmodel.RecordAssertion{
			{
				TxID:          "tx1",
				Conflicts:     []string{"tx2"},
				ReplacedBy:    conflictmodel.Ptr("tx2"),
				Abandoned:     conflictmodel.Ptr(false),
				Confirmations: conflictmodel.Ptr(-1),
				HasBlockIndex: conflictmodel.Ptr(false),
			},
			{
				TxID:       "tx2",
				Conflicts:  []string{"tx1"},
				BlockIndex: conflictmodel.Ptr(1),
			},
			{
				TxID:          "tx3",
				Abandoned:     conflictmodel.Ptr(true),
				ReplacedBy:    conflictmodel.Ptr("tx4"),
				HasBlockIndex: conflictmodel.Ptr(false),
			},
			{
				TxID:      "tx4",
				Conflicts: []string{"tx3"},
			},
		},
	})
	require.NoError(t, err)
	require.Empty(t, mismatches)
	require.Empty(t, warnings)
}

func TestVerifier_SymmetryFindingsReportedSeparately(t *testing.T) {
	t.Parallel()

	// tx2 does not list tx1 back; with CheckSymmetry on, that surfaces as a
	// warning, never as a mismatch.
	wallet := &fakeWallet{
		txs: []noderpc.Transaction{
			{TxID: "tx1", WalletConflicts: []string{"tx2"}, Confirmations: -1},
			{TxID: "tx2", Confirmations: 1},
		},
	}
	v := conflictmodel.NewVerifier(logging.NewTestLogger(t, false))

	mismatches, warnings, err := v.Verify(t.Context(), wallet, conflictmodel.WalletExpectation{
		Wallet:        "w1",
		CheckSymmetry: true,
	})
	require.NoError(t, err)
	require.Empty(t, mismatches)
	require.Len(t, warnings, 1)
	require.Equal(t, "tx2", warnings[0].TxID)
	require.Equal(t, "walletconflicts", warnings[0].Field)

	// Symmetry off: the asymmetry is not reported at all.
	mismatches, warnings, err = v.Verify(t.Context(), wallet, conflictmodel.WalletExpectation{Wallet: "w1"})
	require.NoError(t, err)
	require.Empty(t, mismatches)
	require.Empty(t, warnings)
}

func TestVerifier_CollectsEveryMismatch(t *testing.T) {
	t.Parallel()

	txs := rbfScenarioHistory()
	txs[1].ReplacedByTxID = "" // drop the tx1 -> tx2 edge
	txs[3].Abandoned = false   // tx3 no longer abandoned
	wallet := &fakeWallet{
		info: &noderpc.WalletInfo{WalletName: "w1", PrivateKeysEnabled: true, KeypoolSize: 1000},
		txs:  txs,
	}
	v := conflictmodel.NewVerifier(logging.NewTestLogger(t, false))

	mismatches, _, err := v.Verify(t.Context(), wallet, conflictmodel.WalletExpectation{
		Wallet:     "w1",
		HistoryLen: 6, // wrong on purpose
		Records: []conflictmodel.RecordAssertion{
			{TxID: "tx1", ReplacedBy: conflictmodel.Ptr("tx2")},
			{TxID: "tx3", Abandoned: conflictmodel.Ptr(true)},
			{TxID: "tx9"},
		},
	})
	require.NoError(t, err)

	// One history-length mismatch, one replaced-by, one abandoned, one missing
	// record. All reported; none short-circuits the rest.
	require.Len(t, mismatches, 4)
	fields := map[string]int{}
	for _, m := range mismatches {
		fields[m.Field]++
	}
	require.Equal(t, map[string]int{"history": 1, "replaced_by_txid": 1, "abandoned": 1, "txid": 1}, fields)
}

func TestVerifier_StructuralInvariantCheckedUnconditionally(t *testing.T) {
	t.Parallel()

	// The offending record is not named in any expectation; the structural
	// check must still flag it.
	one := 1
	wallet := &fakeWallet{
		info: &noderpc.WalletInfo{WalletName: "w1", PrivateKeysEnabled: true, KeypoolSize: 1000},
		txs: []noderpc.Transaction{
			{TxID: "txA", Confirmations: -1, BlockIndex: &one},
		},
	}
	v := conflictmodel.NewVerifier(logging.NewTestLogger(t, false))

	mismatches, _, err := v.Verify(t.Context(), wallet, conflictmodel.WalletExpectation{Wallet: "w1"})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, "txA", mismatches[0].TxID)
	require.Equal(t, "blockindex", mismatches[0].Field)
}

func TestVerifier_DisabledPrivateKeysDescriptor(t *testing.T) {
	t.Parallel()

	wallet := &fakeWallet{
		info: &noderpc.WalletInfo{WalletName: "w2", PrivateKeysEnabled: false, KeypoolSize: 0},
	}
	v := conflictmodel.NewVerifier(logging.NewTestLogger(t, false))

	mismatches, _, err := v.Verify(t.Context(), wallet, conflictmodel.WalletExpectation{
		Wallet:     "w2",
		Descriptor: &conflictmodel.DescriptorAssertion{PrivateKeysEnabled: false, KeypoolEmpty: true},
	})
	require.NoError(t, err)
	require.Empty(t, mismatches)

	// The same wallet read back with a populated keypool is a divergence.
	wallet.info.KeypoolSize = 7
	mismatches, _, err = v.Verify(t.Context(), wallet, conflictmodel.WalletExpectation{
		Wallet:     "w2",
		Descriptor: &conflictmodel.DescriptorAssertion{PrivateKeysEnabled: false, KeypoolEmpty: true},
	})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, "keypoolsize", mismatches[0].Field)
}
