// Package log provides structured protocol trace capture for Proper.
//
// This package defines the Logger interface and Event types for recording
// protocol-level events: frames on the wire, decoded messages, session and
// epoch state changes, outbox activity and errors. It is separate from
// operational logging (slog) - trace capture produces a complete
// machine-readable record for debugging and analysis.
//
// Applications configure capture by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.TraceLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to a binary file
//	cfg.TraceLogger, _ = log.NewFileLogger("/var/log/proper/node.plog")
//
//	// Both: use MultiLogger
//	cfg.TraceLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// Trace files use CBOR encoding with the .plog extension; Reader streams
// them back with optional filtering.
package log
