// Package logx configures notifyd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and size-rotated (lumberjack)
//   - Level and sinks swappable at runtime through Service.Apply
package logx
