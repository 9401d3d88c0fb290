// Package batch implements the Batch Coordinator (§4.D): a per-thread
// debounce that coalesces rapid-fire ProcessedMessages (a photo followed a
// second later by its caption, a burst of short texts) into a single
// atomic turn for the orchestrator.
//
// Grounded on pkg/channels/telegram/telegram_channel.go's mediaGroupBuffer
// + time.AfterFunc idiom, generalized from "Telegram media-group id only"
// to "any thread, any reason for coalescing."
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"genesis/pkg/normalizer"
)

// DefaultWindow is the debounce window (§4.D: "300 ms - 1 s").
const DefaultWindow = 500 * time.Millisecond

// ThreadKey identifies the debounce bucket a message belongs to — the same
// tuple the Chat-Action Manager and cancellation registry key on.
type ThreadKey struct {
	ChatID  int64
	UserID  int64
	TopicID int64
}

// FlushFunc receives one coalesced batch, in arrival order, for a thread.
type FlushFunc func(ctx context.Context, key ThreadKey, messages []normalizer.ProcessedMessage)

type bucket struct {
	messages []normalizer.ProcessedMessage
	timer    *time.Timer
}

// Coordinator holds one pending bucket per thread and flushes it once the
// window elapses with no further arrivals extending it.
type Coordinator struct {
	mu      sync.Mutex
	buckets map[ThreadKey]*bucket
	window  time.Duration
	onFlush FlushFunc
}

func New(window time.Duration, onFlush FlushFunc) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{
		buckets: make(map[ThreadKey]*bucket),
		window:  window,
		onFlush: onFlush,
	}
}

// Add appends a ProcessedMessage to its thread's bucket and (re)starts the
// debounce timer. Every arrival on the same thread pushes the flush back
// by a full window — the batch only emits once arrivals stop.
func (c *Coordinator) Add(ctx context.Context, key ThreadKey, msg normalizer.ProcessedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{}
		c.buckets[key] = b
	}
	b.messages = append(b.messages, msg)

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(c.window, func() {
		c.flush(ctx, key)
	})
}

// Flush forces immediate emission of a thread's pending bucket, if any —
// used when the caller already knows no further message is coming (e.g.
// an explicit "done typing" platform signal).
func (c *Coordinator) Flush(ctx context.Context, key ThreadKey) {
	c.mu.Lock()
	b, ok := c.buckets[key]
	if ok && b.timer != nil {
		b.timer.Stop()
	}
	c.mu.Unlock()
	c.flush(ctx, key)
}

func (c *Coordinator) flush(ctx context.Context, key ThreadKey) {
	c.mu.Lock()
	b, ok := c.buckets[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.buckets, key)
	c.mu.Unlock()

	if len(b.messages) == 0 {
		return
	}

	slog.DebugContext(ctx, "batch.flush", "chat_id", key.ChatID, "user_id", key.UserID, "topic_id", key.TopicID, "count", len(b.messages))
	c.onFlush(ctx, key, b.messages)
}

// Pending reports how many messages are currently buffered for a thread,
// for tests and diagnostics.
func (c *Coordinator) Pending(key ThreadKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok {
		return 0
	}
	return len(b.messages)
}
