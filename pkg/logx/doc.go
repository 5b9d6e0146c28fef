// Package logx configures dashwall's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp, short caller), file output JSON-structured,
// and hot-path warnings throttled (see Throttle).
package logx
