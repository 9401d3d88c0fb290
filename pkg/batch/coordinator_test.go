package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"genesis/pkg/normalizer"
)

const testWindow = 30 * time.Millisecond

func newCollector() (FlushFunc, func() [][]normalizer.ProcessedMessage) {
	var mu sync.Mutex
	var flushes [][]normalizer.ProcessedMessage
	fn := func(ctx context.Context, key ThreadKey, messages []normalizer.ProcessedMessage) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, messages)
	}
	get := func() [][]normalizer.ProcessedMessage {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]normalizer.ProcessedMessage, len(flushes))
		copy(out, flushes)
		return out
	}
	return fn, get
}

func TestCoordinatorFlushesSingleMessageAfterWindow(t *testing.T) {
	fn, get := newCollector()
	c := New(testWindow, fn)
	key := ThreadKey{ChatID: 1, UserID: 2}

	c.Add(context.Background(), key, normalizer.ProcessedMessage{Text: "hello"})

	time.Sleep(testWindow * 4)

	flushes := get()
	if len(flushes) != 1 {
		t.Fatalf("expected 1 flush, got %d", len(flushes))
	}
	if len(flushes[0]) != 1 || flushes[0][0].Text != "hello" {
		t.Fatalf("unexpected batch contents: %+v", flushes[0])
	}
}

func TestCoordinatorCoalescesRapidArrivalsIntoOneBatch(t *testing.T) {
	fn, get := newCollector()
	c := New(testWindow, fn)
	key := ThreadKey{ChatID: 1, UserID: 2}

	c.Add(context.Background(), key, normalizer.ProcessedMessage{Text: "photo"})
	time.Sleep(testWindow / 3)
	c.Add(context.Background(), key, normalizer.ProcessedMessage{Text: "caption"})

	time.Sleep(testWindow * 4)

	flushes := get()
	if len(flushes) != 1 {
		t.Fatalf("expected exactly 1 coalesced flush, got %d", len(flushes))
	}
	if len(flushes[0]) != 2 {
		t.Fatalf("expected 2 messages in the batch, got %d", len(flushes[0]))
	}
	if flushes[0][0].Text != "photo" || flushes[0][1].Text != "caption" {
		t.Fatalf("arrival order not preserved: %+v", flushes[0])
	}
}

func TestCoordinatorKeepsThreadsIndependent(t *testing.T) {
	fn, get := newCollector()
	c := New(testWindow, fn)
	keyA := ThreadKey{ChatID: 1, UserID: 1}
	keyB := ThreadKey{ChatID: 2, UserID: 2}

	c.Add(context.Background(), keyA, normalizer.ProcessedMessage{Text: "a1"})
	c.Add(context.Background(), keyB, normalizer.ProcessedMessage{Text: "b1"})

	time.Sleep(testWindow * 4)

	flushes := get()
	if len(flushes) != 2 {
		t.Fatalf("expected 2 independent flushes, got %d", len(flushes))
	}
}

func TestCoordinatorExplicitFlushBypassesTimer(t *testing.T) {
	fn, get := newCollector()
	c := New(time.Hour, fn)
	key := ThreadKey{ChatID: 1, UserID: 2}

	c.Add(context.Background(), key, normalizer.ProcessedMessage{Text: "urgent"})
	if c.Pending(key) != 1 {
		t.Fatalf("expected 1 pending message before flush")
	}

	c.Flush(context.Background(), key)

	flushes := get()
	if len(flushes) != 1 || len(flushes[0]) != 1 {
		t.Fatalf("expected explicit flush to emit the pending batch immediately, got %+v", flushes)
	}
	if c.Pending(key) != 0 {
		t.Fatalf("expected bucket cleared after flush")
	}
}

func TestCoordinatorFlushOfEmptyThreadIsNoop(t *testing.T) {
	fn, get := newCollector()
	c := New(testWindow, fn)
	c.Flush(context.Background(), ThreadKey{ChatID: 99})

	if len(get()) != 0 {
		t.Fatalf("expected no flush for an untouched thread")
	}
}
