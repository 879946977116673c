// Package logx configures fotomator's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional chat sink (min-level + rate limiting) so warnings reach the
//     same Telegram chat that carries upload notifications
package logx
