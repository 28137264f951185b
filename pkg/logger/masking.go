package logger

import (
	"context"
	"log/slog"
	"regexp"
)

var (
	secretKeyPattern = regexp.MustCompile(`(?i)password|pwd|secret`)
	tokenKeyPattern  = regexp.MustCompile(`(?i)apikey|api_key|token`)
)

// MaskingHandler wraps a base slog.Handler and redacts attribute values
// whose key matches the sensitive-data contract: keys matching
// password|pwd|secret become "***"; keys matching apikey|api_key|token
// become their first three characters followed by "****". Grounded on
// the teacher's DefaultConfigSanitizer field-redaction pass
// (internal/config/sanitizer.go), generalized from a fixed struct-field
// list to a regex test applied to every log attribute key, including
// nested groups, so it catches ad hoc `logger.Info(..., "api_key", v)`
// call sites rather than only config dumps.
type MaskingHandler struct {
	base slog.Handler
}

// NewMaskingHandler returns a MaskingHandler wrapping base.
func NewMaskingHandler(base slog.Handler) *MaskingHandler {
	return &MaskingHandler{base: base}
}

func (h *MaskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *MaskingHandler) Handle(ctx context.Context, record slog.Record) error {
	masked := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(maskAttr(a))
		return true
	})
	return h.base.Handle(ctx, masked)
}

func (h *MaskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = maskAttr(a)
	}
	return &MaskingHandler{base: h.base.WithAttrs(masked)}
}

func (h *MaskingHandler) WithGroup(name string) slog.Handler {
	return &MaskingHandler{base: h.base.WithGroup(name)}
}

func maskAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		masked := make([]slog.Attr, len(group))
		for i, inner := range group {
			masked[i] = maskAttr(inner)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(masked...)}
	}

	switch {
	case secretKeyPattern.MatchString(a.Key):
		return slog.String(a.Key, "***")
	case tokenKeyPattern.MatchString(a.Key):
		return slog.String(a.Key, maskToken(a.Value.String()))
	default:
		return a
	}
}

func maskToken(s string) string {
	if len(s) <= 3 {
		return s + "****"
	}
	return s[:3] + "****"
}
