package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: NotifySent, Data: map[string]int{"success": 2}})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != NotifySent || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: NotifySkipped})
	b.Publish(Event{Type: NotifySkipped})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: ScheduleMerged})
}
