package log

import (
	"context"
	"log/slog"
)

// SecureHandler is an slog.Handler that masks identifying attributes
// before they reach the wrapped handler. A value is masked when its key
// names the direct identity or a credential, when it looks like a
// credential, or when it contains a value registered with the Redactor.
// Group attributes are masked recursively.
type SecureHandler struct {
	next     slog.Handler
	redactor *Redactor
}

// HandlerOption configures a SecureHandler.
type HandlerOption func(*SecureHandler)

// WithRedactor masks the values of r in messages and string attributes.
func WithRedactor(r *Redactor) HandlerOption {
	return func(h *SecureHandler) {
		h.redactor = r
	}
}

// NewSecureHandler wraps next. A nil next falls back to the handler of
// slog.Default().
func NewSecureHandler(next slog.Handler, opts ...HandlerOption) *SecureHandler {
	if next == nil {
		next = slog.Default().Handler()
	}
	h := &SecureHandler{next: next}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Enabled implements slog.Handler.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	msg, _ := h.redactor.Redact(r.Message)
	out := slog.NewRecord(r.Time, r.Level, msg, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.mask(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler. The attributes are masked once, here.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.mask(a)
	}
	return &SecureHandler{next: h.next.WithAttrs(masked), redactor: h.redactor}
}

// WithGroup implements slog.Handler.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{next: h.next.WithGroup(name), redactor: h.redactor}
}

func (h *SecureHandler) mask(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		masked := make([]slog.Attr, len(group))
		for i, ga := range group {
			masked[i] = h.mask(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(masked...)}
	}

	if isMaskedKey(a.Key) {
		return slog.String(a.Key, MaskValue)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		v := a.Value.String()
		if isMaskedValue(v) {
			return slog.String(a.Key, MaskValue)
		}
		if redacted, ok := h.redactor.Redact(v); ok {
			return slog.String(a.Key, redacted)
		}
	case slog.KindAny:
		// Errors and Stringers carry addresses in their text.
		if h.redactor.Len() > 0 {
			if redacted, ok := h.redactor.Redact(a.Value.String()); ok {
				return slog.String(a.Key, redacted)
			}
		}
	}
	return a
}
