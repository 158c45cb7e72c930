package feed

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	f := New()
	a, cancelA := f.Subscribe()
	b, cancelB := f.Subscribe()
	defer cancelA()
	defer cancelB()

	f.Publish(Event{ID: 1, Kind: "think"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.ID != 1 || e.Kind != "think" {
				t.Fatalf("%s got %+v", name, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never received", name)
		}
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	f := New()
	ch, cancel := f.Subscribe()
	if f.SubscriberCount() != 1 {
		t.Fatal("expected one subscriber")
	}
	cancel()
	if f.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers")
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Double cancel is safe.
	cancel()
}

func TestSlowConsumerDoesNotBlock(t *testing.T) {
	f := New()
	_, cancel := f.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			f.Publish(Event{ID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
}
