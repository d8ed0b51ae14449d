package logging

import (
	"context"
	"log/slog"
)

// TickKey is the attribute carrying the dispatcher tick.
const TickKey = "tick"

// TickHandler stamps every record with the current reading of a monotonic
// tick counter, so log lines line up with trace events.
type TickHandler struct {
	inner slog.Handler
	now   func() uint32
}

// NewTickHandler wraps inner. now is called once per record.
func NewTickHandler(inner slog.Handler, now func() uint32) *TickHandler {
	return &TickHandler{inner: inner, now: now}
}

// WithTicks returns a copy of logger whose records carry the tick.
func WithTicks(logger *slog.Logger, now func() uint32) *slog.Logger {
	return slog.New(NewTickHandler(logger.Handler(), now))
}

func (h *TickHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TickHandler) Handle(ctx context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(slog.Uint64(TickKey, uint64(h.now())))
	return h.inner.Handle(ctx, r)
}

func (h *TickHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TickHandler{inner: h.inner.WithAttrs(attrs), now: h.now}
}

func (h *TickHandler) WithGroup(name string) slog.Handler {
	return &TickHandler{inner: h.inner.WithGroup(name), now: h.now}
}
