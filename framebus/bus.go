// Package framebus fans annotated results out to presentation subscribers.
//
// Publishing never blocks. Each subscriber picks a drop policy:
//
//   - DropNew: a buffered channel; when it is full the new message is dropped.
//   - DropOld: a latest-only mailbox; a new message replaces an unread one.
//
// "Drop frames, never queue. Latency > Completeness."
//
// Usage:
//
//	bus := framebus.New()
//	defer bus.Close()
//
//	ch := make(chan framebus.Message, 4)
//	bus.Subscribe("mqtt", ch)
//	live, _ := bus.SubscribeLatest("ws-client-1")
//
//	bus.Publish(msg)
package framebus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("framebus: subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with unknown id.
	ErrSubscriberNotFound = errors.New("framebus: subscriber id not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("framebus: bus is closed")

	// ErrNilChannel is returned when Subscribe is called with a nil channel.
	ErrNilChannel = errors.New("framebus: subscriber channel cannot be nil")
)

// DropPolicy selects what happens when a subscriber is behind.
type DropPolicy int

const (
	// DropNew drops the incoming message when the subscriber channel is full.
	DropNew DropPolicy = iota
	// DropOld replaces the unread message with the incoming one.
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop_old"
	}
	return "drop_new"
}

// Message is one annotated frame with its detections.
//
// JPEG and Detections are shared by every subscriber and MUST NOT be modified.
type Message struct {
	Seq       uint64
	Source    string
	Timestamp time.Time
	Width     int
	Height    int

	// JPEG is the annotated frame, encoded once for all subscribers.
	JPEG []byte

	Detections []inference.Detection
	Model      string
	Latency    time.Duration
	// FPS is the consumer throughput at the last report.
	FPS float64
}

// BusStats contains global and per-subscriber metrics.
type BusStats struct {
	// TotalPublished is the number of Publish() calls
	TotalPublished uint64
	// TotalSent is the sum of messages delivered to all subscribers
	TotalSent uint64
	// TotalDropped is the sum of messages dropped across all subscribers
	TotalDropped uint64
	// Subscribers contains per-subscriber breakdown
	Subscribers map[string]SubscriberStats
}

// SubscriberStats tracks metrics for a single subscriber.
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	policy  DropPolicy
	ch      chan<- Message
	latest  *Latest
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes messages to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	totalPublished atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a DropNew channel subscriber.
func (b *Bus) Subscribe(id string, ch chan<- Message) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a DropOld subscriber and returns its mailbox.
func (b *Bus) SubscribeLatest(id string) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}
	l := newLatest()
	b.subscribers[id] = &subscriber{policy: DropOld, latest: l}
	return l, nil
}

// Unsubscribe removes a subscriber. A DropOld mailbox is closed, waking
// any pending Receive.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Publish delivers msg to every subscriber without blocking. Publishing on
// a closed bus is a no-op.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- msg:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.latest.set(msg) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{Policy: sub.policy, Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
		result.TotalSent += s.Sent
		result.TotalDropped += s.Dropped
		result.Subscribers[id] = s
	}
	return result
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops the bus and closes every DropOld mailbox. Channels passed to
// Subscribe are owned by their subscribers and are not closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = nil
	return nil
}

// Latest is a DropOld mailbox holding the most recent unread message.
type Latest struct {
	mu      sync.Mutex
	msg     Message
	pending bool
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newLatest() *Latest {
	return &Latest{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// set stores msg and reports whether an unread message was replaced.
func (l *Latest) set(msg Message) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	replaced := l.pending
	l.msg = msg
	l.pending = true
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return replaced
}

// Receive blocks until an unread message is available, the mailbox is
// closed, or ctx is done. The second result is false in the latter cases.
func (l *Latest) Receive(ctx context.Context) (Message, bool) {
	for {
		if msg, ok := l.TryReceive(); ok {
			return msg, true
		}
		select {
		case <-l.notify:
		case <-l.done:
			return Message{}, false
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// TryReceive returns the unread message without blocking.
func (l *Latest) TryReceive() (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.pending || l.closed {
		return Message{}, false
	}
	l.pending = false
	return l.msg, true
}

// Close wakes pending receivers. Safe to call more than once.
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Done is closed when the mailbox is closed.
func (l *Latest) Done() <-chan struct{} {
	return l.done
}

// CalculateDropRate returns the drop rate as a fraction (0.0 to 1.0).
func CalculateDropRate(stats BusStats) float64 {
	total := stats.TotalSent + stats.TotalDropped
	if total == 0 {
		return 0.0
	}
	return float64(stats.TotalDropped) / float64(total)
}
