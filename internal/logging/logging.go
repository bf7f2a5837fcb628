// Package logging builds the logrus logger shared by every Relance component
// and forwards error-level entries to Sentry when a DSN is configured.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/relance/internal/config"
)

// New returns a logger configured from cfg. The returned flush function
// drains pending Sentry events and is safe to call when Sentry is disabled.
func New(cfg config.LoggingConfig, out io.Writer) (*logrus.Logger, func(), error) {
	if out == nil {
		out = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	flush := func() {}
	if cfg.SentryDSN != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("logging: sentry: %w", err)
		}
		hub := sentry.NewHub(client, sentry.NewScope())
		log.AddHook(NewSentryHook(hub))
		flush = func() { hub.Flush(2 * time.Second) }
	}
	return log, flush, nil
}

// SentryHook sends error, fatal and panic entries to Sentry. Entry fields
// become event extras; the "error" field, when it holds an error, is
// captured as the exception.
type SentryHook struct {
	hub *sentry.Hub
}

// NewSentryHook returns a hook reporting to hub.
func NewSentryHook(hub *sentry.Hub) *SentryHook {
	return &SentryHook{hub: hub}
}

// Levels implements logrus.Hook.
func (h *SentryHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

// Fire implements logrus.Hook.
func (h *SentryHook) Fire(entry *logrus.Entry) error {
	h.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(entry.Level))
		for k, v := range entry.Data {
			if k == logrus.ErrorKey {
				continue
			}
			switch k {
			case "followup_id", "org", "channel", "kind":
				scope.SetTag(k, fmt.Sprint(v))
			default:
				scope.SetExtra(k, v)
			}
		}
		if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
			h.hub.CaptureException(fmt.Errorf("%s: %w", entry.Message, err))
			return
		}
		h.hub.CaptureMessage(entry.Message)
	})
	return nil
}

func sentryLevel(l logrus.Level) sentry.Level {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return sentry.LevelFatal
	case logrus.ErrorLevel:
		return sentry.LevelError
	case logrus.WarnLevel:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy for tests and for
// callers that pass a nil logger.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
