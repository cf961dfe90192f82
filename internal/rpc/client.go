// Package rpc implements the thin JSON-RPC queries behind the accounting
// report: native balances via eth_getBalance and ERC20 decimals()/
// balanceOf(owner) via raw eth_call encoding. Calls are made once, with no
// retry; failures are reported to the caller and surfaced as warnings.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/serpius-project/analytics/internal/cache"
)

// 4-byte function selectors for the two ERC20 views we call.
var (
	selectorDecimals  = hexutil.MustDecode("0x313ce567")
	selectorBalanceOf = hexutil.MustDecode("0x70a08231")
)

// Client is a JSON-RPC client for one chain endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	cache      *cache.Cache
	ttl        time.Duration
}

// NewClient creates a client for the given endpoint URL. Responses are
// cached under the call signature for ttl.
func NewClient(url string, timeout, ttl time.Duration, c *cache.Cache) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		cache:      c,
		ttl:        ttl,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result string    `json:"result"`
	Error  *rpcError `json:"error"`
}

// call performs a single JSON-RPC request and returns the hex result.
func (c *Client) call(ctx context.Context, method string, params ...interface{}) (string, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return "", fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// cachedCall wraps call with the TTL cache, keyed by the call signature.
func (c *Client) cachedCall(ctx context.Context, key string, method string, params ...interface{}) (string, error) {
	if hit, ok := c.cache.Get(key, c.ttl); ok {
		return hit.(string), nil
	}
	result, err := c.call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	c.cache.Set(key, result)
	return result, nil
}

// NativeBalance returns the native-asset balance of an address in whole
// units (wei scaled by 1e18).
func (c *Client) NativeBalance(ctx context.Context, address common.Address) (float64, error) {
	key := cache.Key("eth_getBalance", c.url, address.Hex())
	result, err := c.cachedCall(ctx, key, "eth_getBalance", address.Hex(), "latest")
	if err != nil {
		return 0, err
	}
	wei, err := parseHexWord(result)
	if err != nil {
		return 0, err
	}
	return ToUnits(wei, 18), nil
}

// TokenDecimals calls decimals() on a token contract, returning def when
// the call fails or the contract answers nothing.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address, def int) int {
	key := cache.Key("decimals", c.url, token.Hex())
	result, err := c.cachedCall(ctx, key, "eth_call",
		map[string]string{"to": token.Hex(), "data": hexutil.Encode(selectorDecimals)}, "latest")
	if err != nil || result == "" || result == "0x" {
		return def
	}
	dec, err := parseHexWord(result)
	if err != nil || !dec.IsInt64() || dec.Int64() <= 0 || dec.Int64() > 77 {
		return def
	}
	return int(dec.Int64())
}

// TokenBalance calls balanceOf(owner) on a token contract and scales the
// raw amount by the token's decimals. The owner address is left-padded to
// a 32-byte argument after the selector.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address, decimals int) (float64, error) {
	data := append(append([]byte{}, selectorBalanceOf...), common.LeftPadBytes(owner.Bytes(), 32)...)

	key := cache.Key("balanceOf", c.url, token.Hex(), owner.Hex())
	result, err := c.cachedCall(ctx, key, "eth_call",
		map[string]string{"to": token.Hex(), "data": hexutil.Encode(data)}, "latest")
	if err != nil {
		return 0, err
	}
	raw, err := parseHexWord(result)
	if err != nil {
		return 0, err
	}
	return ToUnits(raw, decimals), nil
}

// BalanceOfCalldata exposes the encoded balanceOf(owner) calldata.
func BalanceOfCalldata(owner common.Address) string {
	data := append(append([]byte{}, selectorBalanceOf...), common.LeftPadBytes(owner.Bytes(), 32)...)
	return hexutil.Encode(data)
}

// parseHexWord decodes a 0x-prefixed hex quantity; "0x" and "" mean zero.
func parseHexWord(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return value, nil
}

// ToUnits scales a raw integer amount down by 10^decimals.
func ToUnits(raw *big.Int, decimals int) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), scale).Float64()
	return units
}
