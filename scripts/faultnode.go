// Faultnode is a fault-injecting JSON-RPC test server used for exercising
// the gateway's failover and circuit breaker behavior.
//
// Usage:
//
//	go run faultnode.go -port 8081
//	go run faultnode.go -port 8082 -fail-every 3 -latency 200ms
//	go run faultnode.go -port 8083 -throttle-every 5
//
// Every Nth request can be failed with a 500, throttled with a 429, or
// delayed by a fixed latency. Mode can also be flipped at runtime:
//
//	curl -X POST 'http://localhost:8081/admin/mode?mode=throttle'
//
// Modes: ok, fail, throttle, hang.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  []any           `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func main() {
	var (
		port          = flag.Int("port", 8081, "port to listen on")
		failEvery     = flag.Int("fail-every", 0, "return 500 on every Nth request (0 disables)")
		throttleEvery = flag.Int("throttle-every", 0, "return 429 on every Nth request (0 disables)")
		latency       = flag.Duration("latency", 0, "fixed delay before every response")
		hangAfter     = flag.Int("hang-after", 0, "stop answering after this many requests (0 disables)")
	)
	flag.Parse()

	var mode atomic.Value
	mode.Store("ok")

	var requestCount atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		n := requestCount.Add(1)

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResponse(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
			return
		}

		log.Printf("request: n=%d method=%s from=%s mode=%s", n, req.Method, r.RemoteAddr, mode.Load())

		if *latency > 0 {
			time.Sleep(*latency)
		}

		switch {
		case mode.Load() == "hang", *hangAfter > 0 && n > int64(*hangAfter):
			// hold the connection open until the client gives up
			<-r.Context().Done()
			return
		case mode.Load() == "throttle", *throttleEvery > 0 && n%int64(*throttleEvery) == 0:
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		case mode.Load() == "fail", *failEvery > 0 && n%int64(*failEvery) == 0:
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		switch req.Method {
		case "getHealth":
			writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: "ok"})
		default:
			writeResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"method": req.Method,
				"node":   fmt.Sprintf("faultnode:%d", *port),
				"seq":    n,
			}})
		}
	})

	// runtime mode switch so failover scenarios can be driven by hand
	mux.HandleFunc("/admin/mode", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m := r.URL.Query().Get("mode")
		switch m {
		case "ok", "fail", "throttle", "hang":
			mode.Store(m)
			log.Printf("mode set to %s", m)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "unknown mode", http.StatusBadRequest)
		}
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("starting faultnode on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	b, _ := json.Marshal(resp)
	w.Write(b)
}
