// Package logx configures motionsync's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Hot paths (the tick loop) quiet via rate-limited loggers
package logx
