// Package endpoint models a single RPC node in the failover order: its
// fixed identity (URL and primary/fallback role) and its mutable health
// state (failure counters, circuit flag, rate-limit window). It also
// provides URL masking so embedded API keys never reach logs or
// health snapshots.
package endpoint
