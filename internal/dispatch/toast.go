package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"nudge/internal/eventbus"
)

// Toast is a short one-line notice: published on the bus and, when a writer
// is set, printed as a single line.
type Toast struct {
	bus eventbus.Bus

	mu sync.Mutex
	w  io.Writer
}

func NewToast(w io.Writer, bus eventbus.Bus) *Toast {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Toast{w: w, bus: bus}
}

func (*Toast) Name() string { return "toast" }

func (t *Toast) Deliver(_ context.Context, n Notification) error {
	t.bus.Publish(eventbus.Event{Type: eventbus.TypeToast, Time: time.Now(), Data: n.Title})
	if t.w == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.w, "🔔 %s\n", n.Title)
	return err
}
