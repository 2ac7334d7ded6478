// Package logging provides structured logging for nwha.
//
// Every component in the server receives a *Logger by injection. A nil
// logger is replaced with [NopLogger] by the component constructors via
// [OrNop], so tests can leave the field empty.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("server listening", "addr", cfg.Server.Addr)
//
// # Context Propagation
//
// Child loggers carry attributes into every record they write:
//
//	sessLog := logger.WithComponent("session").WithSession("42")
//	sessLog.Info("iteration completed", "iteration", 3, "engine", "codex")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"iteration completed","component":"session","session_id":"42","iteration":3,"engine":"codex"}
//
// # Thread Safety
//
// Loggers are safe for concurrent use. Child loggers share the parent's
// writer and Close on any of them closes the shared file.
package logging
