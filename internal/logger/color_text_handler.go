package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const reset = "\033[0m"

// ColorTextHandler renders records with slog.TextHandler and prefixes each
// line with an ANSI-coloured level. The prefix is written outside the text
// record so the escape codes are not quoted.
type ColorTextHandler struct {
	w   io.Writer
	mu  *sync.Mutex
	buf *bytes.Buffer
	h   slog.Handler
}

// NewColorTextHandler creates a new ColorTextHandler. The level attribute is
// moved into the prefix; the time attribute is kept only when showTime.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	inner := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			switch a.Key {
			case slog.LevelKey:
				return slog.Attr{}
			case slog.TimeKey:
				if !showTime {
					return slog.Attr{}
				}
			}
		}
		if inner != nil {
			return inner(groups, a)
		}
		return a
	}
	buf := &bytes.Buffer{}
	return &ColorTextHandler{w: w, mu: &sync.Mutex{}, buf: buf, h: slog.NewTextHandler(buf, &o)}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.h.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.h.Handle(ctx, r); err != nil {
		return err
	}
	if _, err := io.WriteString(h.w, levelColor(r.Level)+r.Level.String()+reset+" "); err != nil {
		return err
	}
	_, err := h.w.Write(h.buf.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{w: h.w, mu: h.mu, buf: h.buf, h: h.h.WithAttrs(attrs)}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{w: h.w, mu: h.mu, buf: h.buf, h: h.h.WithGroup(name)}
}
