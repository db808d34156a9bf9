// Package noderpc is a JSON-RPC client for the subset of the node's wallet and
// chain RPC surface the compatibility harness consumes. The surface is treated
// as an external, versioned contract: methods and result fields here must stay
// loadable against every node version in the fleet.
package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Error is a JSON-RPC error returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Node error codes the harness needs to distinguish.
const (
	codeWalletNotFound = -18
)

// IsWalletNotLoaded reports whether err is the node telling us the requested
// wallet is not currently loaded. Unloading an already-unloaded wallet is a
// no-op for the migration protocol.
func IsWalletNotLoaded(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == codeWalletNotFound
}

// Client issues JSON-RPC calls against one node endpoint, optionally scoped to
// a wallet. Clients are cheap; WalletClient derives a wallet-scoped copy.
type Client struct {
	baseURL    string // e.g. http://127.0.0.1:18443
	walletPath string // e.g. /wallet/w1, empty for node-level calls
	user       string
	pass       string
	httpClient *http.Client
	log        *slog.Logger
}

// New returns a node-level client for the given endpoint. The user/pass pair
// must match the -rpcuser/-rpcpassword arguments the node was launched with.
func New(baseURL, user, pass string, log *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		user:       user,
		pass:       pass,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		log:        log,
	}
}

// WalletClient returns a copy of c that routes calls to the named wallet's
// endpoint.
func (c *Client) WalletClient(name string) *Client {
	scoped := *c
	scoped.walletPath = "/wallet/" + name
	scoped.log = c.log.With("wallet", name)
	return &scoped
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// call performs one JSON-RPC round-trip and unmarshals the result into out
// when out is non-nil.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "walletcompat",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.walletPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}
