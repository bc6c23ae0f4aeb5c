// Package framebuffer provides the single-slot mailbox between the ingestion
// loop (producer) and the consumption loop (consumer).
//
// Semantics (latest frame wins):
//   - Publish never blocks: the new frame replaces whatever is stored.
//   - Read never blocks: it returns a private copy of the latest frame, or
//     reports that nothing has been published yet.
//   - Frames overwritten before any Read are counted, not queued.
//
// The mutex only guards a pointer swap. Stored frames are immutable, so the
// copy handed to the reader is made outside the critical section.
package framebuffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
)

// Stats is a snapshot of buffer activity.
type Stats struct {
	// Published is the total number of frames published.
	Published uint64
	// Overwritten counts frames replaced before the consumer read them.
	Overwritten uint64
	// Reads is the number of successful reads.
	Reads uint64
	// EmptyReads counts reads that found no frame.
	EmptyReads uint64
	// LastSeq is the sequence number of the stored frame (0 when empty).
	LastSeq uint64
	// LastPublishedAt is when the stored frame was published.
	LastPublishedAt time.Time
}

// Age returns how long ago the stored frame was published, or 0 when empty.
func (s Stats) Age() time.Duration {
	if s.LastPublishedAt.IsZero() {
		return 0
	}
	return time.Since(s.LastPublishedAt)
}

// Buffer is a thread-safe single-slot frame mailbox. The zero value is ready
// to use.
type Buffer struct {
	mu          sync.Mutex
	slot        *frame.Frame
	consumed    bool
	publishedAt time.Time

	published   uint64
	overwritten uint64
	reads       uint64
	emptyReads  uint64
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Publish stores f as the latest frame, replacing any previous one.
//
// Contract:
//   - f MUST NOT be nil
//   - the caller hands over ownership: f.Pix MUST NOT be modified afterwards
func (b *Buffer) Publish(f *frame.Frame) {
	now := time.Now()

	b.mu.Lock()
	if b.slot != nil && !b.consumed {
		atomic.AddUint64(&b.overwritten, 1)
	}
	b.slot = f
	b.consumed = false
	b.publishedAt = now
	b.mu.Unlock()

	atomic.AddUint64(&b.published, 1)
}

// Read returns a deep copy of the latest frame. The second result is false
// if nothing has been published yet. Reading does not clear the slot; the
// same frame is returned until a newer one is published.
func (b *Buffer) Read() (*frame.Frame, bool) {
	b.mu.Lock()
	f := b.slot
	b.consumed = true
	b.mu.Unlock()

	if f == nil {
		atomic.AddUint64(&b.emptyReads, 1)
		return nil, false
	}
	atomic.AddUint64(&b.reads, 1)
	return f.Clone(), true
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	var lastSeq uint64
	if b.slot != nil {
		lastSeq = b.slot.Seq
	}
	publishedAt := b.publishedAt
	b.mu.Unlock()

	return Stats{
		Published:       atomic.LoadUint64(&b.published),
		Overwritten:     atomic.LoadUint64(&b.overwritten),
		Reads:           atomic.LoadUint64(&b.reads),
		EmptyReads:      atomic.LoadUint64(&b.emptyReads),
		LastSeq:         lastSeq,
		LastPublishedAt: publishedAt,
	}
}
