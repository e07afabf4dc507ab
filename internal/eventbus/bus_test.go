package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeToast, Data: "hi"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeToast || e.Data != "hi" || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeToast})
	b.Publish(Event{Type: TypeToast})
	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TypeToast})
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	gone, unsub := b.Subscribe(4, TypeSubscriptionGone, TypePushDelivered)
	defer unsub()

	b.Publish(Event{Type: TypeToast})
	b.Publish(Event{Type: TypeSubscriptionGone, Data: "u1"})

	e := <-gone
	if e.Type != TypeSubscriptionGone || e.Data != "u1" {
		t.Fatalf("event = %+v, want subscription.gone", e)
	}
	select {
	case e := <-gone:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
	if got := Dropped(b); got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}
}
