package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "nudge/pkg/logx"
)

// Notification is what the reminder loop hands to the dispatcher.
type Notification struct {
	Title string
	Body  string
	// CorrelationID ties the notification to its entity, e.g. "task-42".
	CorrelationID string
}

// Channel is one delivery path.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// DefaultChannelTimeout bounds a single channel delivery.
const DefaultChannelTimeout = 5 * time.Second

type Dispatcher struct {
	log      logx.Logger
	timeout  time.Duration
	channels []Channel
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option {
	return func(d *Dispatcher) {
		if !log.IsZero() {
			d.log = log
		}
	}
}

func WithChannelTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func New(channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{log: logx.Nop(), timeout: DefaultChannelTimeout}
	for _, o := range opts {
		o(d)
	}
	for _, c := range channels {
		if c != nil {
			d.channels = append(d.channels, c)
		}
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	return d
}

// Channels returns the names of the active channels in delivery order.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c.Name())
	}
	return out
}

// Dispatch runs every channel concurrently and waits for all of them. The
// returned error joins the failures; a nil error means every channel
// delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	if len(d.channels) == 0 {
		return nil
	}
	errs := make([]error, len(d.channels))
	var wg sync.WaitGroup
	for i, c := range d.channels {
		wg.Add(1)
		go func(i int, c Channel) {
			defer wg.Done()
			errs[i] = d.deliver(ctx, c, n)
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, c Channel, n Notification) (err error) {
	name := c.Name()
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("channel panic",
				logx.String("channel", name),
				logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%s: panic: %v", name, p)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := c.Deliver(cctx, n); err != nil {
		d.log.Warn("channel failed",
			logx.String("channel", name),
			logx.String("id", n.CorrelationID),
			logx.Err(err),
		)
		return fmt.Errorf("%s: %w", name, err)
	}
	d.log.Debug("channel delivered", logx.String("channel", name), logx.String("id", n.CorrelationID))
	return nil
}
