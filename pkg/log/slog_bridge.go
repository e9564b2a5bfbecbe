package log

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
)

// slogLevelFatal sits above slog.LevelError so FATAL survives the round trip.
const slogLevelFatal = slog.LevelError + 4

// bridgeHandler is a slog.Handler that routes records through the logger's
// formatter and outputs.
type bridgeHandler struct {
	logger     *BaseLogger
	attrs      []slog.Attr
	redactions map[string]struct{}
	sampler    *sampler
}

func newBridgeHandler(logger *BaseLogger) *bridgeHandler {
	return &bridgeHandler{logger: logger}
}

func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.level <= fromSlogLevel(level)
}

func (h *bridgeHandler) Handle(_ context.Context, r slog.Record) error {
	if h.sampler != nil && !h.sampler.allow(r.Level, r.Message) {
		return nil
	}

	fields := make(Fields, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		h.put(fields, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(fields, a)
		return true
	})

	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
	}
	formatted, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, formatted)
	}
	return nil
}

func (h *bridgeHandler) put(fields Fields, a slog.Attr) {
	if _, ok := h.redactions[a.Key]; ok {
		fields[a.Key] = "[REDACTED]"
		return
	}
	fields[a.Key] = a.Value.Any()
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	if len(attrs) > 0 {
		nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	}
	return &nh
}

// WithGroup is accepted for interface compatibility; groups are flattened.
func (h *bridgeHandler) WithGroup(string) slog.Handler {
	nh := *h
	return &nh
}

func (h *bridgeHandler) withRedactions(keys []string) *bridgeHandler {
	if len(keys) == 0 {
		return h
	}
	nh := *h
	nh.redactions = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		nh.redactions[k] = struct{}{}
	}
	return &nh
}

func (h *bridgeHandler) withSampler(initial, thereafter int) *bridgeHandler {
	if thereafter <= 0 {
		return h
	}
	nh := *h
	nh.sampler = newSampler(initial, thereafter)
	return &nh
}

// sampler lets the first `initial` occurrences of a level+message pair through
// and then every `thereafter`-th one after them: with initial=1 and
// thereafter=100 that is occurrences 1, 101, 201 and so on.
type sampler struct {
	mu         sync.Mutex
	initial    uint64
	thereafter uint64
	counts     map[string]uint64
}

func newSampler(initial, thereafter int) *sampler {
	if initial < 0 {
		initial = 0
	}
	if thereafter <= 0 {
		thereafter = 1
	}
	return &sampler{
		initial:    uint64(initial),
		thereafter: uint64(thereafter),
		counts:     make(map[string]uint64),
	}
}

func (s *sampler) allow(level slog.Level, message string) bool {
	key := strconv.Itoa(int(level)) + ":" + message
	s.mu.Lock()
	n := s.counts[key]
	s.counts[key] = n + 1
	s.mu.Unlock()
	if n < s.initial {
		return true
	}
	return (n-s.initial+1)%s.thereafter == 0
}

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	case FatalLevel:
		return slogLevelFatal
	default:
		if level > FatalLevel {
			return slogLevelFatal + 4
		}
		return slog.LevelInfo
	}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level <= slog.LevelDebug:
		return DebugLevel
	case level < slog.LevelWarn:
		return InfoLevel
	case level < slog.LevelError:
		return WarnLevel
	case level < slogLevelFatal:
		return ErrorLevel
	default:
		return FatalLevel
	}
}

func attrsFromFieldSlice(fields []Field) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

// ToSlog exposes the facade as a *slog.Logger for libraries that take one.
func ToSlog(l Logger) *slog.Logger {
	if bl, ok := l.(*BaseLogger); ok {
		return bl.slogLogger
	}
	return slog.New(&facadeHandler{logger: l})
}

// facadeHandler adapts an arbitrary Logger implementation to slog.
type facadeHandler struct {
	logger Logger
	attrs  []Field
}

func (h *facadeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.GetLevel() <= fromSlogLevel(level)
}

func (h *facadeHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]Field{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, Any(a.Key, a.Value.Any()))
		return true
	})
	switch fromSlogLevel(r.Level) {
	case DebugLevel:
		h.logger.Debug(r.Message, fields...)
	case InfoLevel:
		h.logger.Info(r.Message, fields...)
	case WarnLevel:
		h.logger.Warn(r.Message, fields...)
	default:
		h.logger.Error(r.Message, fields...)
	}
	return nil
}

func (h *facadeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &facadeHandler{logger: h.logger, attrs: append([]Field{}, h.attrs...)}
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, Any(a.Key, a.Value.Any()))
	}
	return nh
}

func (h *facadeHandler) WithGroup(string) slog.Handler { return h }
