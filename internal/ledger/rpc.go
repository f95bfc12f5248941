package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// maxResponseBytes caps how much of an RPC response body is read.
const maxResponseBytes = 8 << 20

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	} `json:"error,omitempty"`
}

// rpcTransport performs single JSON-RPC 2.0 calls over HTTP. It never
// retries; retry policy lives in Client.
type rpcTransport struct {
	url     string
	http    *http.Client
	metrics *Metrics
	nextID  atomic.Uint64
}

func (t *rpcTransport) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	err := t.do(ctx, method, params, out)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if IsRetryable(err) {
			outcome = "retryable"
		}
	}
	t.metrics.RPCCalls.WithLabelValues(method, outcome).Inc()
	return err
}

func (t *rpcTransport) do(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RPCError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &RPCError{Method: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &RPCError{Method: method, Status: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return &RPCError{Method: method, Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
