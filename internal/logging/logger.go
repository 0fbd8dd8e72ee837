package logging

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how the SDK logger is built. The zero value produces a
// production JSON logger at Info level writing to stderr.
type Options struct {
	Level       zapcore.Level
	Development bool
	SentryDSN   string
	Environment string
}

// New builds the SDK logger. When a Sentry DSN is configured, records at
// Error level and above are also forwarded to Sentry.
func New(opts Options) (*zap.Logger, error) {
	var zapConfig zap.Config
	if opts.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(opts.Level)
	zapConfig.OutputPaths = []string{"stderr"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	if opts.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         opts.SentryDSN,
			Environment: opts.Environment,
		})
		if err != nil {
			logger.Warn("sentry initialization failed, error forwarding disabled", zap.Error(err))
			return logger, nil
		}
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, &sentryCore{LevelEnabler: zapcore.ErrorLevel})
		}))
	}

	return logger, nil
}

// NewNop returns a logger that discards everything. Used until the host app
// configures the SDK.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// WithComponent creates a child logger with a component field.
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithAppUserID creates a child logger with an app_user_id field.
func WithAppUserID(logger *zap.Logger, appUserID string) *zap.Logger {
	return logger.With(zap.String("app_user_id", appUserID))
}

// sentryCore forwards error-level zap entries to Sentry.
type sentryCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
}

func (c *sentryCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &sentryCore{LevelEnabler: c.LevelEnabler}
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return clone
}

func (c *sentryCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *sentryCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	event := sentry.NewEvent()
	event.Level = sentryLevel(entry.Level)
	event.Message = entry.Message
	event.Timestamp = entry.Time

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range append(append([]zapcore.Field(nil), c.fields...), fields...) {
		f.AddTo(enc)
	}
	event.Extra = enc.Fields

	sentry.CaptureEvent(event)
	if entry.Level >= zapcore.FatalLevel {
		sentry.Flush(2 * time.Second)
	}
	return nil
}

func (c *sentryCore) Sync() error {
	sentry.Flush(2 * time.Second)
	return nil
}

func sentryLevel(level zapcore.Level) sentry.Level {
	switch level {
	case zapcore.ErrorLevel:
		return sentry.LevelError
	case zapcore.FatalLevel, zapcore.PanicLevel, zapcore.DPanicLevel:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}
