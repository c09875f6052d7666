// Package logx provides structured logging with runtime-reconfigurable sinks.
//
// It wraps zerolog behind a small Logger value type so call sites stay stable
// while the Service swaps levels and outputs on config reload.
package logx
