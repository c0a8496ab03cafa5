// Package logx configures the bot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// The Service owns the sinks and can swap level/outputs at runtime via
// Apply(), which the config hot-reload path uses. Loggers created from the
// Service stay live across Apply() calls.
package logx
