package services

import (
	"context"
	"errors"
	"time"
)

// NotificationSink receives order lifecycle events. Implementations deliver
// to a channel such as email, chat or an internal webhook.
type NotificationSink interface {
	Name() string
	Notify(ctx context.Context, event OrderEvent) error
}

// NotificationDispatcherDeps bundles collaborators for the fan-out dispatcher.
type NotificationDispatcherDeps struct {
	Sinks   []NotificationSink
	Timeout time.Duration
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	sinks   []NotificationSink
	timeout time.Duration
	logger  func(context.Context, string, map[string]any)
}

var _ NotificationDispatcher = (*notificationDispatcher)(nil)

// NewNotificationDispatcher builds a dispatcher that fans events out to every
// registered sink. Sink failures are logged and never stop delivery to the
// remaining sinks.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	for _, sink := range deps.Sinks {
		if sink == nil {
			return nil, errors.New("notification dispatcher: nil sink")
		}
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &notificationDispatcher{
		sinks:   deps.Sinks,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (d *notificationDispatcher) Dispatch(ctx context.Context, event OrderEvent) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range d.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Notify(sinkCtx, event)
		cancel()
		if err != nil {
			d.logger(ctx, "notification.sink_failed", map[string]any{
				"sink":    sink.Name(),
				"event":   event.Event,
				"orderId": event.OrderID,
				"error":   err.Error(),
			})
		}
	}
}
