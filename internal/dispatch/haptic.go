package dispatch

import (
	"context"
	"time"
)

// PulsePattern alternates on/off durations, starting with on.
var PulsePattern = []time.Duration{
	200 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
}

// Vibrator drives a haptic device.
type Vibrator interface {
	Vibrate(ctx context.Context, pattern []time.Duration) error
}

// Haptic pulses the vibrator. Without a vibrator it is a no-op.
type Haptic struct {
	V Vibrator
}

func (Haptic) Name() string { return "haptic" }

func (h Haptic) Deliver(ctx context.Context, _ Notification) error {
	if h.V == nil {
		return nil
	}
	pattern := make([]time.Duration, len(PulsePattern))
	copy(pattern, PulsePattern)
	return h.V.Vibrate(ctx, pattern)
}
