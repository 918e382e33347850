package logbuf

import (
	"context"
	"log/slog"
)

// Handler tees slog records into a Buffer before delegating to the inner
// handler. It reports every level as enabled so the buffer sees records the
// inner handler's level filter would drop.
type Handler struct {
	inner slog.Handler
	buf   *Buffer
	// bound holds attrs from WithAttrs, keys already qualified with the
	// groups that were open when they were bound. Attrs bound before any
	// WithGroup therefore stay unqualified.
	bound []slog.Attr
	// prefix is the dot-joined open groups, trailing dot included. It
	// applies to record attrs and to attrs bound from here on.
	prefix string
}

// NewHandler wraps inner so records are also captured into buf.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var attrs map[string]any
	put := func(key string, v slog.Value) {
		if attrs == nil {
			attrs = make(map[string]any)
		}
		attrs[key] = flatten(v)
	}
	for _, a := range h.bound {
		put(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		put(h.prefix+a.Key, a.Value)
		return true
	})

	h.buf.Write(Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   attrs,
	})

	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

// flatten resolves a value into something JSON-safe. Errors marshal to "{}"
// by default, so they are stringified here.
func flatten(v slog.Value) any {
	raw := v.Resolve().Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := h.bound[:len(h.bound):len(h.bound)]
	for _, a := range attrs {
		bound = append(bound, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &Handler{
		inner:  h.inner.WithAttrs(attrs),
		buf:    h.buf,
		bound:  bound,
		prefix: h.prefix,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		bound:  h.bound,
		prefix: h.prefix + name + ".",
	}
}
