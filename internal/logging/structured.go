package logging

import (
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger's output format.
// format: "text" (default, human-friendly) or "json" (for log shippers).
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	opLogger.Store(logger)
}

// With returns the operational logger with the given correlation
// fields attached, e.g. tenant_id/pool_id/instance_id for a lifecycle
// operation or peer identity for a control-plane request.
func With(args ...any) *slog.Logger {
	return opLogger.Load().With(args...)
}
