// Package subscription keeps the per-user set of Web Push endpoints.
package subscription

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"nudge/internal/domain"
	"nudge/internal/eventbus"
	logx "nudge/pkg/logx"
)

var (
	ErrInvalidEndpoint = errors.New("subscription: endpoint must be an absolute https url")
	ErrInvalidKeys     = errors.New("subscription: keys must be non-empty base64url")
	ErrNoUser          = errors.New("subscription: user id is required")
)

// Keys are the client's encryption keys from PushSubscription.toJSON().
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Store is the subscription part of the datastore.
type Store interface {
	UpsertSubscription(ctx context.Context, s domain.PushSubscription) (domain.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) (bool, error)
	DeleteSubscriptionsByEndpoint(ctx context.Context, endpoint string) (int, error)
	ListSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error)
}

type Registry struct {
	st  Store
	bus eventbus.Bus
	log logx.Logger
}

func New(st Store, bus eventbus.Bus, log logx.Logger) *Registry {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{st: st, bus: bus, log: log.With(logx.String("comp", "subscriptions"))}
}

// Register upserts the (userID, endpoint) row; re-registering refreshes
// the keys.
func (r *Registry) Register(ctx context.Context, userID, endpoint string, keys Keys) (domain.PushSubscription, error) {
	userID = strings.TrimSpace(userID)
	endpoint = strings.TrimSpace(endpoint)
	if userID == "" {
		return domain.PushSubscription{}, ErrNoUser
	}
	if err := ValidateEndpoint(endpoint); err != nil {
		return domain.PushSubscription{}, err
	}
	if !validKey(keys.P256dh) || !validKey(keys.Auth) {
		return domain.PushSubscription{}, ErrInvalidKeys
	}
	sub, err := r.st.UpsertSubscription(ctx, domain.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256dh:   strings.TrimSpace(keys.P256dh),
		Auth:     strings.TrimSpace(keys.Auth),
	})
	if err != nil {
		return domain.PushSubscription{}, fmt.Errorf("register subscription: %w", err)
	}
	r.log.Info("subscription registered", logx.String("user", userID), logx.String("endpoint", redact(endpoint)))
	return sub, nil
}

// Unregister removes one of the user's endpoints. It reports whether a row
// existed.
func (r *Registry) Unregister(ctx context.Context, userID, endpoint string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, ErrNoUser
	}
	ok, err := r.st.DeleteSubscription(ctx, userID, strings.TrimSpace(endpoint))
	if err != nil {
		return false, fmt.Errorf("unregister subscription: %w", err)
	}
	if ok {
		r.log.Info("subscription removed", logx.String("user", userID), logx.String("endpoint", redact(endpoint)))
	}
	return ok, nil
}

// Prune deletes every row carrying endpoint, for whichever user. Called
// when the push service reports the endpoint gone.
func (r *Registry) Prune(ctx context.Context, endpoint string) (int, error) {
	n, err := r.st.DeleteSubscriptionsByEndpoint(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("prune subscription: %w", err)
	}
	if n > 0 {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionGone, Data: redact(endpoint)})
		r.log.Info("subscription pruned", logx.String("endpoint", redact(endpoint)), logx.Int("rows", n))
	}
	return n, nil
}

// ListForUser returns zero or more subscriptions.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	subs, err := r.st.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// ValidateEndpoint accepts absolute https URLs, and plain http for loopback
// hosts used in development.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ErrInvalidEndpoint
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
	}
	return ErrInvalidEndpoint
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validKey(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err != nil {
		return false
	}
	return true
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "?"
	}
	return u.Scheme + "://" + u.Host + "/…"
}
