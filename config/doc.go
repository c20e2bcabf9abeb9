// Package config handles loading and parsing of configuration from YAML
// files and environment variables. It defines the gateway configuration
// structure: server settings, the primary and fallback RPC endpoints,
// failover tuning (thresholds, cooldowns, timeouts, backoff), and
// health-probe settings.
//
// This is the only place environment variables are read; the router core
// itself takes an explicit options struct.
package config
