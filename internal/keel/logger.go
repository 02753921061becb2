package keel

// Logger receives the engine's and the remediation pipeline's log lines.
// Args alternate keys and values, so *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger drops everything.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// WithFields returns a Logger that puts fields ahead of every call's args.
func WithFields(l Logger, fields ...any) Logger {
	if len(fields) == 0 {
		return l
	}
	return &fieldLogger{next: l, fields: fields}
}

type fieldLogger struct {
	next   Logger
	fields []any
}

func (f *fieldLogger) args(args []any) []any {
	out := make([]any, 0, len(f.fields)+len(args))
	out = append(out, f.fields...)
	return append(out, args...)
}

func (f *fieldLogger) Debug(msg string, args ...any) { f.next.Debug(msg, f.args(args)...) }
func (f *fieldLogger) Info(msg string, args ...any)  { f.next.Info(msg, f.args(args)...) }
func (f *fieldLogger) Warn(msg string, args ...any)  { f.next.Warn(msg, f.args(args)...) }
func (f *fieldLogger) Error(msg string, args ...any) { f.next.Error(msg, f.args(args)...) }
