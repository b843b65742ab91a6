// Package logx configures ctrlsched's structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - console output stays readable (short timestamp, short caller)
//   - file output is JSON, one event per line
//   - sinks can be swapped at runtime via Service.Apply (config hot reload)
package logx
