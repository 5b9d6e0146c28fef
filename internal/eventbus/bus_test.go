package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	rot, unsubRot := b.Subscribe(4, "rotation.")
	defer unsubRot()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: WidgetExecuted})
	b.Publish(Event{Type: RotationAdvanced})

	if got := len(rot); got != 1 {
		t.Fatalf("rotation subscriber got %d events, want 1", got)
	}
	if e := <-rot; e.Type != RotationAdvanced || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TaskDropped})
	}
	if len(ch) != 1 {
		t.Fatalf("buffer len=%d, want 1", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: TaskDropped})
}
