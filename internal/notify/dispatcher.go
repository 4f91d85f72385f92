package notify

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 10 * time.Second

// Notifier delivers a message to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Dispatcher fans messages out to its notifiers.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A dispatcher without notifiers drops
// every message.
func NewDispatcher(logger *slog.Logger, timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{notifiers: notifiers, timeout: timeout, logger: logger}
}

// Channels returns the configured notifier names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	return names
}

// Dispatch delivers msg to every notifier in the background and returns
// immediately. Cancelling ctx does not abort deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	base := context.WithoutCancel(ctx)

	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("panic in notifier",
						"channel", n.Name(),
						"recover", r,
						"stack", string(debug.Stack()))
				}
			}()

			deliverCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()

			start := time.Now()
			if err := n.Notify(deliverCtx, msg); err != nil {
				d.logger.Error("notification delivery failed",
					"channel", n.Name(),
					"repo", msg.Repo,
					"error", err)
				return
			}
			d.logger.Debug("notification delivered",
				"channel", n.Name(),
				"repo", msg.Repo,
				"duration_ms", time.Since(start).Milliseconds())
		}(n)
	}
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
