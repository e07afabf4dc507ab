package dispatch

import (
	"context"
	"io"
	"sync"
)

// Bell rings the terminal bell. Writes are serialized so overlapping
// reminders do not interleave on the terminal.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBell(w io.Writer) *Bell { return &Bell{w: w} }

func (*Bell) Name() string { return "audio" }

func (b *Bell) Deliver(ctx context.Context, _ Notification) error {
	if b.w == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.w, "\a")
	return err
}
