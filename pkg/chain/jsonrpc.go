package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// jsonrpcClient is a minimal JSON-RPC over HTTP client shared by the
// Bitcoin and Solana clients. Bitcoin Core speaks JSON-RPC 1.0 with basic
// auth embedded in the endpoint URL; Solana speaks 2.0. Both accept this
// request shape.
type jsonrpcClient struct {
	httpClient *http.Client
}

func newJSONRPCClient() *jsonrpcClient {
	return &jsonrpcClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type jsonrpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
}

// call performs one JSON-RPC request and unmarshals the result. A nil
// result discards the response body.
func (c *jsonrpcClient) call(ctx context.Context, url, method string, params any, result any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(jsonrpcRequest{
		Jsonrpc: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read rpc response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("rpc endpoint returned %d", resp.StatusCode)
	}

	var rpcResp jsonrpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to decode rpc result: %w", err)
		}
	}
	return nil
}
