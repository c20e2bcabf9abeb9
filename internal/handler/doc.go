// Package handler implements the HTTP surface of the RPC gateway:
// the JSON-RPC proxy endpoint plus the health snapshot and circuit
// reset admin endpoints.
package handler
