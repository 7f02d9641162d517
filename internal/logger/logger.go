// Package logger is the structured key/value logger shared by every engine
// component. Messages carry alternating key/value pairs:
//
//	log.Info("Camera connected", "camera_id", id, "codec", "h264")
package logger

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger for structured key/value logging
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output string // stdout, stderr or a file path
}

// New creates a new logger based on configuration
func New(cfg LogConfig) (*Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoderFor(cfg.Format), out, level)
	// per-frame debug lines from many cameras would otherwise flood the output
	core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)

	zl := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(out),
	)
	return &Logger{Logger: zl, level: level}, nil
}

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func encoderFor(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

func openOutput(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, err
	}
	ws, _, err := zap.Open(output)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// SetLevel changes the level of this logger and every child derived from it
func (l *Logger) SetLevel(level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(parsed)
	return nil
}

// Level reports the current minimum level
func (l *Logger) Level() string {
	return l.level.Level().String()
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

func (l *Logger) derive(z *zap.Logger) *Logger {
	return &Logger{Logger: z, level: l.level}
}

// WithFields creates a child logger with additional zap fields
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return l.derive(l.Logger.With(fields...))
}

// With creates a child logger carrying the given key/value pairs
func (l *Logger) With(kv ...interface{}) *Logger {
	return l.derive(l.Logger.With(convertFields(kv...)...))
}

// Named returns a child logger for a component
func (l *Logger) Named(name string) *Logger {
	return l.derive(l.Logger.Named(name))
}

// ForCamera returns a child logger tagged with the camera id
func (l *Logger) ForCamera(cameraID string) *Logger {
	return l.derive(l.Logger.With(zap.String("camera_id", cameraID)))
}

func (l *Logger) Info(msg string, kv ...interface{})  { l.Logger.Info(msg, convertFields(kv...)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.Logger.Warn(msg, convertFields(kv...)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.Logger.Error(msg, convertFields(kv...)...) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.Logger.Debug(msg, convertFields(kv...)...) }

// Fatal logs and exits the process
func (l *Logger) Fatal(msg string, kv ...interface{}) { l.Logger.Fatal(msg, convertFields(kv...)...) }

// convertFields pairs up keys and values. Errors render through zap.NamedError,
// non-string keys and a trailing key without a value are skipped.
func convertFields(kv ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case error:
			fields = append(fields, zap.NamedError(key, v))
		case time.Duration:
			fields = append(fields, zap.Duration(key, v))
		case string:
			fields = append(fields, zap.String(key, v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}
	return fields
}

// NewNopLogger creates a logger that discards everything
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}
