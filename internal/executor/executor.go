package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blossomlabs/rpcgate/internal/rpcerr"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *rpcerr.RPCError `json:"error"`
}

// Bound on error bodies kept for diagnostics.
const maxErrorBodyBytes = 2048

// Executor issues single JSON-RPC attempts. It never retries; retry and
// failover policy belong to the router.
type Executor struct {
	client  *http.Client
	timeout time.Duration
	nextID  atomic.Uint64
}

// New creates an executor whose attempts are each bounded by timeout.
func New(timeout time.Duration) *Executor {
	return &Executor{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Attempt performs one HTTP POST JSON-RPC call against endpointURL and
// returns the raw result. Failures come back as one of the rpcerr types:
// ErrDeadlineExceeded when the caller's ctx expired, ErrTimeout when the
// per-attempt timeout fired, RateLimitError on throttling, HTTPError on
// other non-2xx statuses, RPCError when the node returned a well-formed
// JSON-RPC error object, NetworkError otherwise.
func (x *Executor) Attempt(ctx context.Context, endpointURL, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      x.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := x.client.Do(req)
	if err != nil {
		return nil, x.classifyTransport(ctx, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		return nil, &rpcerr.RateLimitError{
			Status:  res.StatusCode,
			Message: readErrorBody(res.Body),
		}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := readErrorBody(res.Body)
		if looksRateLimited(msg) {
			return nil, &rpcerr.RateLimitError{Status: res.StatusCode, Message: msg}
		}
		return nil, &rpcerr.HTTPError{Status: res.StatusCode, Body: msg}
	}

	var decoded response
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, &rpcerr.NetworkError{Err: fmt.Errorf("decode response: %w", err)}
	}

	if decoded.Error != nil {
		return nil, decoded.Error
	}

	return decoded.Result, nil
}

// classifyTransport separates the caller's deadline from the per-attempt
// timeout and wraps everything else as a network failure.
func (x *Executor) classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", rpcerr.ErrDeadlineExceeded, ctx.Err())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", rpcerr.ErrTimeout, x.timeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %s: %v", rpcerr.ErrTimeout, x.timeout, err)
	}

	return &rpcerr.NetworkError{Err: err}
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func looksRateLimited(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate-limit")
}
