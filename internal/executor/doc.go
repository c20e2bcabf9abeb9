// Package executor performs single JSON-RPC 2.0 calls over HTTP POST
// with a bounded per-attempt timeout. It classifies every failure into
// the rpcerr taxonomy and leaves retry and failover decisions to the
// router.
package executor
