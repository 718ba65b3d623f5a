// Package logx configures attendwatch's structured logging.
//
// The wrapper (logx.Logger) sits on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional mirror of warn+ lines into the alert pipeline (min-level + rate limiting)
package logx
