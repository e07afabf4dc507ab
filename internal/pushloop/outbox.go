package pushloop

import (
	"sort"
	"sync"
	"time"

	"nudge/internal/domain"
	"nudge/internal/push"
)

// delivery is one payload for one subscription.
type delivery struct {
	sub     domain.PushSubscription
	payload push.Payload
	key     string // dedup key: tag + window
	attempt int
	first   time.Time
}

func (d delivery) id() string { return d.sub.Endpoint + "|" + d.sub.UserID + "|" + d.key }

// lookup is a fired message whose recipients are not resolved yet.
type lookup struct {
	msg     message
	attempt int
	first   time.Time
}

func (lk lookup) id() string { return lk.msg.userID + "|" + lk.msg.key }

// outbox holds deliveries that failed transiently and messages whose
// subscription lookup failed. Both are retried on later ticks until they
// exceed the retry budget. It lives in memory only.
type outbox struct {
	mu         sync.Mutex
	pending    map[string]delivery
	unresolved map[string]lookup
}

func newOutbox() *outbox {
	return &outbox{pending: map[string]delivery{}, unresolved: map[string]lookup{}}
}

func expiredAt(now, first time.Time, attempt int, ttl time.Duration, maxAttempts int) bool {
	return (ttl > 0 && now.Sub(first) > ttl) || (maxAttempts > 0 && attempt >= maxAttempts)
}

func (o *outbox) put(d delivery) {
	o.mu.Lock()
	o.pending[d.id()] = d
	o.mu.Unlock()
}

// drain removes and returns every entry still within budget, oldest first.
// Entries past ttl or maxAttempts are returned in expired.
func (o *outbox) drain(now time.Time, ttl time.Duration, maxAttempts int) (due, expired []delivery) {
	o.mu.Lock()
	for k, d := range o.pending {
		delete(o.pending, k)
		if expiredAt(now, d.first, d.attempt, ttl, maxAttempts) {
			expired = append(expired, d)
			continue
		}
		due = append(due, d)
	}
	o.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].first.Before(due[j].first) })
	return due, expired
}

// dropEndpoint forgets every entry aimed at endpoint.
func (o *outbox) dropEndpoint(endpoint string) {
	o.mu.Lock()
	for k, d := range o.pending {
		if d.sub.Endpoint == endpoint {
			delete(o.pending, k)
		}
	}
	o.mu.Unlock()
}

func (o *outbox) putLookup(lk lookup) {
	o.mu.Lock()
	o.unresolved[lk.id()] = lk
	o.mu.Unlock()
}

// drainLookups is drain for unresolved messages.
func (o *outbox) drainLookups(now time.Time, ttl time.Duration, maxAttempts int) (due, expired []lookup) {
	o.mu.Lock()
	for k, lk := range o.unresolved {
		delete(o.unresolved, k)
		if expiredAt(now, lk.first, lk.attempt, ttl, maxAttempts) {
			expired = append(expired, lk)
			continue
		}
		due = append(due, lk)
	}
	o.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].first.Before(due[j].first) })
	return due, expired
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) + len(o.unresolved)
}
