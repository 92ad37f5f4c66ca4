package notify

import (
	"context"
	"log/slog"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
)

// Async hands notifications to an inner sink from a background goroutine.
// When the queue is full the notification is dropped and counted; Notify
// never blocks the caller.
type Async struct {
	inner  Sink
	name   string
	queue  chan Notification
	logger *slog.Logger
}

const DefaultQueueSize = 1024

func NewAsync(inner Sink, name string, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{inner: inner, name: name, queue: make(chan Notification, size), logger: logger}
}

func (a *Async) Notify(_ context.Context, n Notification) error {
	select {
	case a.queue <- n:
		return nil
	default:
		metrics.NotificationsTotal.WithLabelValues(a.name, "dropped").Inc()
		a.logger.Warn("notification queue full, dropping", "sink", a.name, "type", n.Type, "user_id", n.UserID)
		return nil
	}
}

// Run delivers queued notifications until ctx is done, then drains what
// is already queued.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case n := <-a.queue:
			a.deliver(ctx, n)
		case <-ctx.Done():
			for {
				select {
				case n := <-a.queue:
					a.deliver(context.WithoutCancel(ctx), n)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ctx context.Context, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in notification sink", "sink", a.name, "panic", r)
		}
	}()
	if err := a.inner.Notify(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(a.name, "error").Inc()
		a.logger.Warn("notification delivery failed", "sink", a.name, "type", n.Type, "user_id", n.UserID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(a.name, "ok").Inc()
}
