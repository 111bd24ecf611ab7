package balance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RemoteReader reads the authoritative-but-unreliable balance for a pool
// address. A zero reading may be a false negative; callers are expected to
// feed results through TrustCache.ReconcileWithRemote rather than trust
// them directly.
type RemoteReader interface {
	PoolBalance(ctx context.Context, poolAddress string) (*big.Int, error)
}

// RPCBalanceReader is a lightweight JSON-RPC client for the settlement
// network's balance endpoint.
type RPCBalanceReader struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCBalanceReader constructs a new reader.
func NewRPCBalanceReader(baseURL, authToken string) *RPCBalanceReader {
	return &RPCBalanceReader{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *RPCBalanceReader) PoolBalance(ctx context.Context, poolAddress string) (*big.Int, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, "pool_getBalance", []interface{}{poolAddress}, &result); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(result.Balance), 10)
	if !ok {
		return nil, fmt.Errorf("malformed balance %q for %s", result.Balance, poolAddress)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative balance for %s", poolAddress)
	}
	return amount, nil
}

func (c *RPCBalanceReader) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("balance rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("balance rpc error: %s", rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("balance rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
