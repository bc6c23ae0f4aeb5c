package framebuffer_test

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framebuffer"
)

func solid(seq uint64, v byte) *frame.Frame {
	pix := bytes.Repeat([]byte{v}, 8*8*frame.Channels)
	return &frame.Frame{Seq: seq, Width: 8, Height: 8, Stride: 8 * frame.Channels, Pix: pix}
}

func TestReadEmpty(t *testing.T) {
	b := framebuffer.New()
	if f, ok := b.Read(); ok || f != nil {
		t.Fatalf("Read() on empty buffer = (%v, %v), want (nil, false)", f, ok)
	}
	if got := b.Stats().EmptyReads; got != 1 {
		t.Errorf("EmptyReads = %d, want 1", got)
	}
}

// TestLatestWins validates mailbox overwrite semantics.
//
// Scenario:
//  1. Publish A, then B, with no read in between
//  2. Read returns B
//  3. A is counted as overwritten
func TestLatestWins(t *testing.T) {
	b := framebuffer.New()
	b.Publish(solid(1, 0xAA))
	b.Publish(solid(2, 0xBB))

	f, ok := b.Read()
	if !ok {
		t.Fatal("Read() returned no frame after Publish")
	}
	if f.Seq != 2 || f.Pix[0] != 0xBB {
		t.Fatalf("Read() = seq %d (pix %#x), want seq 2 (0xbb)", f.Seq, f.Pix[0])
	}

	stats := b.Stats()
	if stats.Published != 2 || stats.Overwritten != 1 {
		t.Errorf("Stats() = %+v, want Published=2 Overwritten=1", stats)
	}
	if stats.LastSeq != 2 {
		t.Errorf("LastSeq = %d, want 2", stats.LastSeq)
	}
}

func TestReadDoesNotClear(t *testing.T) {
	b := framebuffer.New()
	b.Publish(solid(5, 1))

	for i := 0; i < 3; i++ {
		f, ok := b.Read()
		if !ok || f.Seq != 5 {
			t.Fatalf("Read() #%d = (%v, %v), want seq 5", i, f, ok)
		}
	}

	// A read frame being replaced is not an overwrite.
	b.Publish(solid(6, 2))
	if got := b.Stats().Overwritten; got != 0 {
		t.Errorf("Overwritten = %d, want 0", got)
	}
}

func TestReadReturnsPrivateCopy(t *testing.T) {
	b := framebuffer.New()
	b.Publish(solid(1, 0x10))

	f, _ := b.Read()
	for i := range f.Pix {
		f.Pix[i] = 0xFF
	}

	again, _ := b.Read()
	if again.Pix[0] != 0x10 {
		t.Fatalf("mutating a read copy changed the stored frame: %#x", again.Pix[0])
	}
}

// TestConcurrentNoTornFrames publishes uniformly-filled canary frames from
// one goroutine while another reads. Every read must see a frame whose
// bytes all equal its own fill value.
func TestConcurrentNoTornFrames(t *testing.T) {
	b := framebuffer.New()
	var stop atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		var seq uint64
		for !stop.Load() {
			seq++
			b.Publish(solid(seq, byte(seq)))
		}
	}()

	deadline := time.Now().Add(200 * time.Millisecond)
	reads := 0
	var lastSeq uint64
	for time.Now().Before(deadline) {
		f, ok := b.Read()
		if !ok {
			continue
		}
		reads++
		want := byte(f.Seq)
		for i, v := range f.Pix {
			if v != want {
				stop.Store(true)
				wg.Wait()
				t.Fatalf("torn frame seq %d: byte %d = %#x, want %#x", f.Seq, i, v, want)
			}
		}
		if f.Seq < lastSeq {
			stop.Store(true)
			wg.Wait()
			t.Fatalf("sequence went backwards: %d after %d", f.Seq, lastSeq)
		}
		lastSeq = f.Seq
	}
	stop.Store(true)
	wg.Wait()

	if reads == 0 {
		t.Fatal("reader never observed a frame")
	}
	t.Logf("✅ %d reads, %d published, %d overwritten", reads, b.Stats().Published, b.Stats().Overwritten)
}

func TestPublishNonBlocking(t *testing.T) {
	b := framebuffer.New()
	f := solid(1, 0)

	start := time.Now()
	for i := 0; i < 10000; i++ {
		b.Publish(f)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Publish() blocked: 10000 publishes took %v", elapsed)
	}
}
