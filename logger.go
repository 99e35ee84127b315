package cedar

// Logger interface matches the implementation of slog, so a *slog.Logger can
// be passed directly. See pkg logger for zap and logrus adapters.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger is the default logger that compiles to a no-op
type DiscardLogger struct{}

func (d DiscardLogger) Error(string, ...any) {}

func (d DiscardLogger) Warn(string, ...any) {}

func (d DiscardLogger) Info(string, ...any) {}

// attrLogger appends fixed key-value pairs to every message.
type attrLogger struct {
	next  Logger
	attrs []any
}

// withAttrs tags every message logged through l with attrs.
func withAttrs(l Logger, attrs ...any) Logger {
	if _, ok := l.(DiscardLogger); ok {
		return l
	}
	return &attrLogger{next: l, attrs: attrs}
}

func (a *attrLogger) join(args []any) []any {
	out := make([]any, 0, len(args)+len(a.attrs))
	out = append(out, args...)
	return append(out, a.attrs...)
}

func (a *attrLogger) Error(msg string, args ...any) { a.next.Error(msg, a.join(args)...) }

func (a *attrLogger) Warn(msg string, args ...any) { a.next.Warn(msg, a.join(args)...) }

func (a *attrLogger) Info(msg string, args ...any) { a.next.Info(msg, a.join(args)...) }
