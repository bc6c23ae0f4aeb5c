package framebus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubscribeErrors(t *testing.T) {
	bus := New()
	ch := make(chan Message, 1)

	if err := bus.Subscribe("a", nil); !errors.Is(err, ErrNilChannel) {
		t.Errorf("Subscribe(nil) = %v, want ErrNilChannel", err)
	}
	if err := bus.Subscribe("a", ch); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if err := bus.Subscribe("a", ch); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate Subscribe() = %v, want ErrSubscriberExists", err)
	}
	if _, err := bus.SubscribeLatest("a"); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate SubscribeLatest() = %v, want ErrSubscriberExists", err)
	}
	if err := bus.Unsubscribe("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("Unsubscribe(missing) = %v, want ErrSubscriberNotFound", err)
	}

	bus.Close()
	if err := bus.Subscribe("b", ch); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe() after Close = %v, want ErrBusClosed", err)
	}
	// Publish after close is a no-op, not a panic.
	bus.Publish(Message{Seq: 1})
}

// TestDropNewStats: a channel with capacity 1 receives the first message and
// drops the rest while nobody reads.
func TestDropNewStats(t *testing.T) {
	bus := New()
	defer bus.Close()

	slow := make(chan Message, 1)
	fast := make(chan Message, 10)
	bus.Subscribe("slow", slow)
	bus.Subscribe("fast", fast)

	for i := uint64(1); i <= 5; i++ {
		bus.Publish(Message{Seq: i})
	}

	stats := bus.Stats()
	if stats.TotalPublished != 5 {
		t.Errorf("TotalPublished = %d, want 5", stats.TotalPublished)
	}
	if s := stats.Subscribers["slow"]; s.Sent != 1 || s.Dropped != 4 {
		t.Errorf("slow = %+v, want Sent=1 Dropped=4", s)
	}
	if s := stats.Subscribers["fast"]; s.Sent != 5 || s.Dropped != 0 {
		t.Errorf("fast = %+v, want Sent=5 Dropped=0", s)
	}
	if got := (<-slow).Seq; got != 1 {
		t.Errorf("slow received seq %d, want 1 (oldest kept)", got)
	}

	rate := CalculateDropRate(stats)
	if rate != 0.4 {
		t.Errorf("CalculateDropRate() = %.3f, want 0.4 (4 dropped / 10 attempts)", rate)
	}
}

func TestDropOldKeepsLatest(t *testing.T) {
	bus := New()
	defer bus.Close()

	live, err := bus.SubscribeLatest("ws")
	if err != nil {
		t.Fatalf("SubscribeLatest() failed: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		bus.Publish(Message{Seq: i})
	}

	msg, ok := live.TryReceive()
	if !ok || msg.Seq != 3 {
		t.Fatalf("TryReceive() = (%d, %v), want (3, true)", msg.Seq, ok)
	}
	if _, ok := live.TryReceive(); ok {
		t.Error("TryReceive() returned the same message twice")
	}
	if s := bus.Stats().Subscribers["ws"]; s.Dropped != 2 || s.Policy != DropOld {
		t.Errorf("ws stats = %+v, want 2 dropped with DropOld", s)
	}
}

func TestLatestReceiveBlocksUntilPublish(t *testing.T) {
	bus := New()
	defer bus.Close()
	live, _ := bus.SubscribeLatest("ws")

	got := make(chan uint64, 1)
	go func() {
		msg, ok := live.Receive(context.Background())
		if ok {
			got <- msg.Seq
		}
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(Message{Seq: 42})

	select {
	case seq := <-got:
		if seq != 42 {
			t.Errorf("Receive() = %d, want 42", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive() did not wake on Publish")
	}
}

func TestLatestReceiveUnblocksOnUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()
	live, _ := bus.SubscribeLatest("ws")

	done := make(chan bool, 1)
	go func() {
		_, ok := live.Receive(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	if err := bus.Unsubscribe("ws"); err != nil {
		t.Fatalf("Unsubscribe() failed: %v", err)
	}

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive() returned a message after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive() still blocked after Unsubscribe")
	}
}

func TestLatestReceiveContext(t *testing.T) {
	live := newLatest()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := live.Receive(ctx); ok {
		t.Error("Receive() on empty mailbox returned a message")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			bus.Publish(Message{Seq: uint64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			id := string(rune('a' + i%26))
			if _, err := bus.SubscribeLatest(id); err == nil {
				bus.Unsubscribe(id)
			}
		}
	}()
	wg.Wait()

	if got := bus.Stats().TotalPublished; got != 1000 {
		t.Errorf("TotalPublished = %d, want 1000", got)
	}
}
