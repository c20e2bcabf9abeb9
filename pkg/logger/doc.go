// Package logger provides structured logging with configurable levels.
// It wraps the standard log/slog package: JSON output in production,
// text otherwise, with the service and environment attached to every
// record.
package logger
