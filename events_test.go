package pool

import (
	"testing"
	"time"
)

func TestBusDelivery(t *testing.T) {
	b := NewBus()
	w := b.Watch(4)
	defer w.Close()

	b.Publish(EventNewPeer, "peer1", "10.0.0.1:8108")

	select {
	case ev := <-w.Events():
		if ev.Kind != EventNewPeer || ev.Peer != "peer1" {
			t.Errorf("wrong event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBusLossySubscriber(t *testing.T) {
	b := NewBus()
	w := b.Watch(2)
	defer w.Close()

	for i := 0; i < 5; i++ {
		b.Publish(EventNewConnection, "peer1", "10.0.0.1:8108")
	}

	// slow subscriber dropped events but newer ones are still there
	n := 0
	for {
		select {
		case <-w.Events():
			n++
			continue
		default:
		}
		break
	}
	if n == 0 || n > 2 {
		t.Errorf("expected 1-2 buffered events, got %d", n)
	}
	if !w.Lagged() {
		t.Error("lagged flag not set after drops")
	}
	if w.Lagged() {
		t.Error("lagged flag not cleared by read")
	}
}

func TestBusIndependentSubscribers(t *testing.T) {
	b := NewBus()
	slow := b.Watch(1)
	fast := b.Watch(8)
	defer slow.Close()
	defer fast.Close()

	for i := 0; i < 4; i++ {
		b.Publish(EventNewConnection, "peer1", "10.0.0.1:8108")
	}

	n := 0
	for {
		select {
		case <-fast.Events():
			n++
			continue
		default:
		}
		break
	}
	if n != 4 {
		t.Errorf("fast subscriber missed events: got %d", n)
	}
	if fast.Lagged() {
		t.Error("fast subscriber marked lagged")
	}
}

func TestBusPublishAfterWatcherClose(t *testing.T) {
	b := NewBus()
	w := b.Watch(2)
	w.Close()
	// a delivery racing the unsubscribe must be a no-op, not a panic
	b.Publish(EventNewPeer, "peer1", "10.0.0.1:8108")
}

func TestBusCloseDuringPublish(t *testing.T) {
	b := NewBus()
	for i := 0; i < 50; i++ {
		w := b.Watch(1)
		done := make(chan struct{})
		go func() {
			for j := 0; j < 20; j++ {
				b.Publish(EventNewConnection, "peer1", "10.0.0.1:8108")
			}
			close(done)
		}()
		w.Close()
		<-done
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	w := b.Watch(1)
	b.Close()
	if _, ok := <-w.Events(); ok {
		t.Error("events channel still open after bus close")
	}
	// closing a watcher after the bus shut down must not panic
	w.Close()
}
