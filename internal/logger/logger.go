package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the configuration of the logger.
type Config struct {
	Level  slog.Level
	Format string
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the given config.
func New(config Config) *Logger {
	if config.Format == "json" {
		opts := &slog.HandlerOptions{
			Level: config.Level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// Better timestamp format.
				if a.Key == slog.TimeKey {
					return slog.Attr{
						Key:   a.Key,
						Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
					}
				}
				return a
			},
		}
		return &Logger{
			Logger: slog.New(slog.NewJSONHandler(os.Stdout, opts)),
		}
	}

	opts := &tint.Options{
		Level:      config.Level,
		TimeFormat: time.Kitchen,
	}

	return &Logger{
		Logger: slog.New(tint.NewHandler(os.Stdout, opts)),
	}
}

// FromVerbosity maps the CLI verbosity flag (0, 1 or 2) to a logger
// configuration: errors only, informational, or full debug output.
func FromVerbosity(verbosity int) Config {
	config := Config{
		Level:  slog.LevelError,
		Format: "text",
	}

	switch verbosity {
	case 1:
		config.Level = slog.LevelInfo
	case 2:
		config.Level = slog.LevelDebug
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}

	// Use JSON format in production.
	if env := os.Getenv("APP_ENV"); env == "production" {
		config.Format = "json"
	}

	return config
}

// WithComponent creates a new logger with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("component", component)),
	}
}

// WithFields creates a new logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		Logger: l.With(args...),
	}
}

// Zap builds a zap logger at the equivalent level. The Telegram client
// library logs through zap, everything else through slog.
func Zap(config Config) *zap.Logger {
	level := zapcore.ErrorLevel
	switch config.Level {
	case slog.LevelDebug:
		level = zapcore.DebugLevel
	case slog.LevelInfo:
		level = zapcore.InfoLevel
	case slog.LevelWarn:
		level = zapcore.WarnLevel
	}

	var cfg zap.Config
	if config.Format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
