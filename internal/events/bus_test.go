package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TaskStarted, Data: TaskStatus{TaskName: "ping"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TaskStarted {
				t.Fatalf("type = %q", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatal("time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskLog})
	b.Publish(Event{Type: TaskLog})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	b.Publish(Event{Type: TaskLog})
}

func TestBusPublishRacesUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	stop := make(chan struct{})
	var publishers sync.WaitGroup
	for i := 0; i < 4; i++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Publish(Event{Type: TaskLog})
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		ch, unsub := b.Subscribe(1)
		go unsub()
		unsub()
		for range ch {
		}
	}
	close(stop)
	publishers.Wait()

	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: FailuresCleared})
	if e := <-ch; e.Type != FailuresCleared {
		t.Fatalf("type = %q", e.Type)
	}
}
