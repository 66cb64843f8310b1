package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	d, unsubD := SubscribePrefix(b, 4, "delivery.")
	defer unsubD()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: DeliverySent, Data: int64(7)})

	if got := len(a); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(d); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	e := <-d
	if e.Type != DeliverySent || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestSlowSubscriberDropsAndUnsubscribeIsSafe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: ScanCompleted})
	}
	if len(ch) != 1 {
		t.Fatalf("expected bounded buffer, got %d", len(ch))
	}
	unsub()
	unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: ScanCompleted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked after unsubscribe")
	}
}
