package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/blossomlabs/rpcgate/internal/metrics"
	"github.com/blossomlabs/rpcgate/internal/router"
	"github.com/blossomlabs/rpcgate/internal/rpcerr"
)

// GatewayHandler fronts a router over HTTP: it accepts JSON-RPC 2.0
// requests, executes them with failover, and exposes the health
// snapshot and circuit reset as admin endpoints.
type GatewayHandler struct {
	logger    *slog.Logger
	router    *router.Router
	collector *metrics.Collector
}

func NewGatewayHandler(logger *slog.Logger, rt *router.Router, collector *metrics.Collector) *GatewayHandler {
	return &GatewayHandler{
		logger:    logger,
		router:    rt,
		collector: collector,
	}
}

// rpcRequest is the inbound JSON-RPC envelope. The id is kept raw and
// echoed back untouched.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  []any           `json:"params"`
}

type rpcResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcerr.RPCError `json:"error,omitempty"`
}

// ServeHTTP handles POST / with a single JSON-RPC request body.
func (g *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := extractClientIP(r)

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.logger.Warn("Malformed request body",
			slog.String("from", clientIP),
			slog.String("error", err.Error()))
		writeRPCError(w, nil, &rpcerr.RPCError{Code: -32700, Message: "parse error"}, http.StatusBadRequest)
		return
	}

	if req.Method == "" {
		writeRPCError(w, req.ID, &rpcerr.RPCError{Code: -32600, Message: "invalid request: missing method"}, http.StatusBadRequest)
		return
	}

	g.logger.Info("Received request",
		slog.String("from", clientIP),
		slog.String("rpc_method", req.Method))

	g.collector.Emit(metrics.MetricEvent{
		Type:      metrics.EventRequestReceived,
		Timestamp: time.Now(),
		Method:    req.Method,
	})

	start := time.Now()
	result, err := g.router.Execute(r.Context(), req.Method, req.Params)
	if err != nil {
		g.writeError(w, req, clientIP, err)
		return
	}

	g.logger.Debug("Request completed",
		slog.String("rpc_method", req.Method),
		slog.Duration("duration", time.Since(start)))

	writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	})
}

// writeError maps router errors to HTTP. Remote JSON-RPC rejections are
// relayed in the JSON-RPC error shape with status 200, the way the node
// itself would have answered; transport-level exhaustion becomes 502/504.
func (g *GatewayHandler) writeError(w http.ResponseWriter, req rpcRequest, clientIP string, err error) {
	var rpcErr *rpcerr.RPCError
	if errors.As(err, &rpcErr) {
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   rpcErr,
		})
		return
	}

	if errors.Is(err, rpcerr.ErrDeadlineExceeded) {
		g.logger.Warn("Request deadline exceeded",
			slog.String("from", clientIP),
			slog.String("rpc_method", req.Method))
		writeRPCError(w, req.ID, &rpcerr.RPCError{Code: -32000, Message: "deadline exceeded"}, http.StatusGatewayTimeout)
		return
	}

	var noEndpoints *rpcerr.NoEndpointsError
	if errors.As(err, &noEndpoints) {
		g.logger.Error("No endpoints available",
			slog.String("from", clientIP),
			slog.String("rpc_method", req.Method),
			slog.String("error", err.Error()))
		writeRPCError(w, req.ID, &rpcerr.RPCError{Code: -32000, Message: "no rpc endpoints available"}, http.StatusBadGateway)
		return
	}

	g.logger.Error("Request failed",
		slog.String("from", clientIP),
		slog.String("rpc_method", req.Method),
		slog.String("error", err.Error()))
	writeRPCError(w, req.ID, &rpcerr.RPCError{Code: -32000, Message: "upstream failure"}, http.StatusBadGateway)
}

// HealthHandler serves the masked endpoint health snapshot.
func (g *GatewayHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, g.router.HealthStatus())
	}
}

// ResetHandler clears every endpoint's circuit and rate-limit state.
func (g *GatewayHandler) ResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		g.router.ResetAll()
		g.logger.Info("Circuits reset via admin endpoint",
			slog.String("from", extractClientIP(r)))
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *rpcerr.RPCError, status int) {
	writeJSON(w, status, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
