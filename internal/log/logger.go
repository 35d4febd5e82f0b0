package log

import (
	"io"
	"log/slog"
)

// Options configures loggers built by New.
type Options struct {
	// Verbose lowers the level to Debug.
	Verbose bool
	// Quiet raises the level to Warn. Verbose wins when both are set.
	Quiet bool
	// JSON switches the output to one JSON object per line.
	JSON bool
	// Redactor, if set, masks its values everywhere in the output.
	Redactor *Redactor
}

// Level returns the minimum level implied by the options.
// Run progress is logged at Info, so Info is the default.
func (o Options) Level() slog.Level {
	switch {
	case o.Verbose:
		return slog.LevelDebug
	case o.Quiet:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// New creates a logger whose output passes through a SecureHandler.
// The result can be installed with slog.SetDefault or handed to any
// component that accepts *slog.Logger, including tornago.
func New(w io.Writer, opts Options) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: opts.Level()}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(NewSecureHandler(handler, WithRedactor(opts.Redactor)))
}

// NewSecureLogger creates a text logger with secure handling.
// If verbose is true the level is Debug, otherwise Info.
func NewSecureLogger(w io.Writer, verbose bool) *slog.Logger {
	return New(w, Options{Verbose: verbose})
}
