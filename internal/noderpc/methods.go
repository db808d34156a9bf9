package noderpc

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
)

// BlockchainInfo is the subset of getblockchaininfo the harness reads.
type BlockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        int64  `json:"blocks"`
	BestBlockHash string `json:"bestblockhash"`
}

// WalletInfo is the subset of getwalletinfo the harness reads.
type WalletInfo struct {
	WalletName         string `json:"walletname"`
	WalletVersion      int64  `json:"walletversion"`
	PrivateKeysEnabled bool   `json:"private_keys_enabled"`
	KeypoolSize        int    `json:"keypoolsize"`
}

// Transaction is one listtransactions entry. BlockIndex is a pointer because
// its absence is semantically significant: unconfirmed and conflicted entries
// must not carry one.
type Transaction struct {
	TxID            string   `json:"txid"`
	Category        string   `json:"category"`
	Amount          float64  `json:"amount"`
	WalletConflicts []string `json:"walletconflicts"`
	ReplacedByTxID  string   `json:"replaced_by_txid"`
	Abandoned       bool     `json:"abandoned"`
	Confirmations   int      `json:"confirmations"`
	BlockHash       string   `json:"blockhash"`
	BlockIndex      *int     `json:"blockindex"`
}

// Uptime doubles as the liveness probe: it is the cheapest call that requires
// the RPC server to be fully up.
func (c *Client) Uptime(ctx context.Context) (int64, error) {
	var uptime int64
	if err := c.call(ctx, "uptime", nil, &uptime); err != nil {
		return 0, err
	}
	return uptime, nil
}

func (c *Client) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetBestBlockHash(ctx context.Context) (string, error) {
	var hash string
	if err := c.call(ctx, "getbestblockhash", nil, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Client) GetRawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	if err := c.call(ctx, "getrawmempool", nil, &txids); err != nil {
		return nil, err
	}
	return txids, nil
}

// GenerateToAddress mines n blocks paying the given address and returns the
// new block hashes.
func (c *Client) GenerateToAddress(ctx context.Context, n int, address string) ([]string, error) {
	var hashes []string
	if err := c.call(ctx, "generatetoaddress", []any{n, address}, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

// CreateWallet creates a wallet. Positional params match the node contract:
// wallet_name, disable_private_keys, blank.
func (c *Client) CreateWallet(ctx context.Context, name string, disablePrivateKeys, blank bool) error {
	return c.call(ctx, "createwallet", []any{name, disablePrivateKeys, blank}, nil)
}

func (c *Client) LoadWallet(ctx context.Context, name string) error {
	return c.call(ctx, "loadwallet", []any{name}, nil)
}

func (c *Client) UnloadWallet(ctx context.Context, name string) error {
	return c.call(ctx, "unloadwallet", []any{name}, nil)
}

func (c *Client) GetNewAddress(ctx context.Context) (string, error) {
	var address string
	if err := c.call(ctx, "getnewaddress", nil, &address); err != nil {
		return "", err
	}
	return address, nil
}

// SendToAddress sends amount to address and returns the new txid.
func (c *Client) SendToAddress(ctx context.Context, address string, amount btcutil.Amount) (string, error) {
	var txid string
	if err := c.call(ctx, "sendtoaddress", []any{address, amount.ToBTC()}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// BumpFee fee-bumps an RBF-signaling transaction and returns the replacement
// txid.
func (c *Client) BumpFee(ctx context.Context, txid string) (string, error) {
	var result struct {
		TxID string `json:"txid"`
	}
	if err := c.call(ctx, "bumpfee", []any{txid}, &result); err != nil {
		return "", err
	}
	return result.TxID, nil
}

func (c *Client) AbandonTransaction(ctx context.Context, txid string) error {
	return c.call(ctx, "abandontransaction", []any{txid}, nil)
}

func (c *Client) GetWalletInfo(ctx context.Context) (*WalletInfo, error) {
	var info WalletInfo
	if err := c.call(ctx, "getwalletinfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListTransactions returns up to count wallet history entries in the wallet's
// internal insertion order, oldest first. The node's paging is newest-first,
// so we ask for everything in one page and keep its in-page ordering.
func (c *Client) ListTransactions(ctx context.Context, count int) ([]Transaction, error) {
	var txs []Transaction
	if err := c.call(ctx, "listtransactions", []any{"*", count, 0}, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}
