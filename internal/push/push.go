// Package push sends Web Push messages to browser subscriptions and
// classifies the outcome as delivered, gone (prune the subscription) or
// transient (retry later).
package push

import (
	"context"
	"errors"
	"fmt"

	"nudge/internal/domain"
)

var (
	ErrGone    = errors.New("push: subscription gone")
	ErrNoVAPID = errors.New("push: vapid key pair is required")
)

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
	URL   string `json:"url"`
}

type Status int

const (
	StatusOK Status = iota
	StatusGone
	StatusTransient
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusGone:
		return "gone"
	default:
		return "transient"
	}
}

// Result is the outcome of one send.
type Result struct {
	Status Status
	// Code is the push service's HTTP status, 0 when no response arrived.
	Code int
	Err  error
}

// Error folds the result into an error; nil when delivered.
func (r Result) Error() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusGone:
		if r.Err != nil {
			return fmt.Errorf("%w: %v", ErrGone, r.Err)
		}
		return fmt.Errorf("%w (status %d)", ErrGone, r.Code)
	default:
		if r.Err != nil {
			return r.Err
		}
		return fmt.Errorf("push: status %d", r.Code)
	}
}

// IsGone reports whether err means the endpoint will never accept another
// message.
func IsGone(err error) bool { return errors.Is(err, ErrGone) }

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub domain.PushSubscription, p Payload) Result
}

// Classify maps a push service HTTP status to a Status.
func Classify(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case code == 404 || code == 410:
		return StatusGone
	default:
		return StatusTransient
	}
}
