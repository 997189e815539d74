// Package logging builds the JSON logrus logger used across queryset and logs
// client events published on the eventbus.
package logging

import (
	"context"

	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	opid "github.com/hanpama/queryset/internal/opid"
	"github.com/sirupsen/logrus"
)

// NewLogger creates a JSON logger at level. Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// NewLoggerWithService creates a logger whose entries carry a service field.
func NewLoggerWithService(level, service string) *logrus.Logger {
	logger := NewLogger(level)
	logger.AddHook(serviceHook(service))
	return logger
}

type serviceHook string

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["service"]; !ok {
		e.Data["service"] = string(h)
	}
	return nil
}

// Attach logs client events from the global eventbus to logger.
func Attach(logger *logrus.Logger) (detach func()) {
	entry := func(ctx context.Context) *logrus.Entry {
		if id, ok := opid.FromContext(ctx); ok {
			return logger.WithField("op_id", id)
		}
		return logrus.NewEntry(logger)
	}

	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.OperationFinish) {
			l := entry(ctx).WithFields(logrus.Fields{
				"operation": e.OperationName,
				"type":      e.OperationType,
				"duration":  e.Duration.String(),
			})
			if len(e.Errors) > 0 {
				l.WithField("error_count", len(e.Errors)).WithError(e.Errors[0]).Warn("operation finished with errors")
				return
			}
			l.Debug("operation finished")
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.CacheRead) {
			entry(ctx).WithFields(logrus.Fields{"operation": e.OperationName, "hit": e.Hit}).Debug("cache read")
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
			if e.Err == nil {
				return
			}
			entry(ctx).WithFields(logrus.Fields{"url": e.Request.URL.String(), "status": e.Status}).WithError(e.Err).Warn("http request failed")
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionMessage) {
			if e.Err != nil {
				entry(ctx).WithField("operation", e.OperationName).WithError(e.Err).Error("subscription error")
			}
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionEnd) {
			entry(ctx).WithFields(logrus.Fields{
				"operation": e.OperationName,
				"messages":  e.Messages,
				"duration":  e.Duration.String(),
			}).Debug("subscription ended")
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.BoundaryCaught) {
			entry(ctx).WithField("panic", e.Recovered).WithError(e.Err).Error("boundary caught error")
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
