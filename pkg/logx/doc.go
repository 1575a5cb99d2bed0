// Package logx wraps zerolog behind a small structured-logging facade.
//
// The Service owns sink configuration (console/file) and can re-apply it at
// runtime; Loggers handed out by the Service stay live across Apply() calls.
// The zero-value Logger is a safe no-op, so components can log before wiring
// is complete.
package logx
