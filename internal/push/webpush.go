package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"
)

// Config configures the Web Push sender.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subject is a mailto: address or https URL identifying the sender.
	Subject string
	// TTL is how long the push service may hold an undelivered message.
	TTL        time.Duration
	Urgency    webpush.Urgency
	RatePerSec int
	Burst      int
	HTTPClient webpush.HTTPClient
}

// WebPush sends through the VAPID-authenticated Web Push protocol. All sends
// share one rate limiter.
type WebPush struct {
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func NewWebPush(cfg Config, log logx.Logger) (*WebPush, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &WebPush{log: log.With(logx.String("comp", "push"))}
	if err := w.Apply(cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// Apply swaps the configuration. The limiter is rebuilt only when the rate
// changes.
func (w *WebPush) Apply(cfg Config) error {
	if strings.TrimSpace(cfg.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		return ErrNoVAPID
	}
	if cfg.Urgency == "" {
		cfg.Urgency = webpush.UrgencyHigh
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limiter == nil || cfg.RatePerSec != w.cfg.RatePerSec || cfg.Burst != w.cfg.Burst {
		if cfg.RatePerSec > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
		} else {
			w.limiter = rate.NewLimiter(rate.Inf, 0)
		}
	}
	w.cfg = cfg
	return nil
}

func (w *WebPush) Send(ctx context.Context, sub domain.PushSubscription, p Payload) Result {
	w.mu.Lock()
	cfg := w.cfg
	lim := w.limiter
	w.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return Result{Status: StatusTransient, Err: fmt.Errorf("rate limit: %w", err)}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Result{Status: StatusTransient, Err: err}
	}
	opts := &webpush.Options{
		HTTPClient:      cfg.HTTPClient,
		Subscriber:      strings.TrimPrefix(cfg.Subject, "mailto:"),
		TTL:             int(cfg.TTL / time.Second),
		Urgency:         cfg.Urgency,
		Topic:           topic(p.Tag),
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, opts)
	if err != nil {
		return Result{Status: StatusTransient, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	st := Classify(resp.StatusCode)
	if st != StatusOK {
		w.log.Debug("push rejected", logx.String("endpoint", Redact(sub.Endpoint)), logx.Int("status", resp.StatusCode), logx.String("class", st.String()))
	}
	return Result{Status: st, Code: resp.StatusCode}
}

// topic derives the Topic header (max 32 url-safe chars) so a newer message
// with the same tag replaces an undelivered older one.
func topic(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if b.Len() >= 32 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Redact trims an endpoint to scheme and host for logs; the path is a
// bearer capability.
func Redact(endpoint string) string {
	s := endpoint
	if i := strings.Index(s, "://"); i >= 0 {
		rest := s[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return s[:i+3+j] + "/…"
		}
	}
	return s
}

// GenerateKeys creates a new VAPID key pair (base64url, unpadded).
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keys: %w", err)
	}
	return publicKey, privateKey, nil
}
