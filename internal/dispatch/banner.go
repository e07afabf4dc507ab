package dispatch

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"nudge/internal/eventbus"
)

// Banner is an in-app notice shown until dismissed or expired.
type Banner struct {
	ID            string
	Title         string
	Body          string
	CorrelationID string
	ShownAt       time.Time
	ExpiresAt     time.Time
}

// BannerBoard keeps the active in-app banners. Each banner dismisses itself
// after the board's TTL; the user may dismiss it earlier.
type BannerBoard struct {
	ttl time.Duration
	bus eventbus.Bus
	now func() time.Time

	mu     sync.Mutex
	seq    uint64
	active map[string]*bannerEntry
}

type bannerEntry struct {
	b     Banner
	timer *time.Timer
}

func NewBannerBoard(ttl time.Duration, bus eventbus.Bus) *BannerBoard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &BannerBoard{ttl: ttl, bus: bus, now: time.Now, active: map[string]*bannerEntry{}}
}

func (*BannerBoard) Name() string { return "banner" }

func (bb *BannerBoard) Deliver(_ context.Context, n Notification) error {
	bb.Show(n)
	return nil
}

// Show adds a banner and returns its id.
func (bb *BannerBoard) Show(n Notification) string {
	bb.mu.Lock()
	bb.seq++
	id := "banner-" + strconv.FormatUint(bb.seq, 10)
	now := bb.now()
	b := Banner{
		ID:            id,
		Title:         n.Title,
		Body:          n.Body,
		CorrelationID: n.CorrelationID,
		ShownAt:       now,
		ExpiresAt:     now.Add(bb.ttl),
	}
	e := &bannerEntry{b: b}
	e.timer = time.AfterFunc(bb.ttl, func() { bb.Dismiss(id) })
	bb.active[id] = e
	bb.mu.Unlock()

	bb.bus.Publish(eventbus.Event{Type: eventbus.TypeBannerShown, Time: now, Data: b})
	return id
}

// Dismiss removes a banner. It reports false when the banner is already gone.
func (bb *BannerBoard) Dismiss(id string) bool {
	bb.mu.Lock()
	e, ok := bb.active[id]
	if ok {
		delete(bb.active, id)
		e.timer.Stop()
	}
	bb.mu.Unlock()
	if !ok {
		return false
	}
	bb.bus.Publish(eventbus.Event{Type: eventbus.TypeBannerDismissed, Time: bb.now(), Data: e.b})
	return true
}

// Active lists the banners on screen, oldest first.
func (bb *BannerBoard) Active() []Banner {
	bb.mu.Lock()
	out := make([]Banner, 0, len(bb.active))
	for _, e := range bb.active {
		out = append(out, e.b)
	}
	bb.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}

// Close dismisses every banner and stops their timers.
func (bb *BannerBoard) Close() {
	bb.mu.Lock()
	ids := make([]string, 0, len(bb.active))
	for id := range bb.active {
		ids = append(ids, id)
	}
	bb.mu.Unlock()
	for _, id := range ids {
		bb.Dismiss(id)
	}
}
