// Package cache implements the Thread/Message Cache (§4.B): an in-memory,
// read-through, write-behind view over pkg/store, keyed by thread ID
// instead of the teacher's filesystem-keyed SessionManager. Mutations
// apply to memory immediately and durable persistence is queued via
// pkg/queue — callers never block on Postgres on the hot path.
package cache

import (
	"context"
	"fmt"
	"genesis/pkg/llm"
	"genesis/pkg/queue"
	"genesis/pkg/store"
	"sync"
)

// ThreadCache manages multiple ChatHistory instances isolated by thread
// ID, the same double-checked-locking shape as the teacher's
// SessionManager, but backed by Postgres instead of the filesystem.
type ThreadCache struct {
	mu        sync.RWMutex
	histories map[int64]*llm.ChatHistory
	store     *store.Store
	queue     *queue.Queue
	// historyLimit bounds how many persisted messages are rehydrated on a
	// cold miss — the cache never loads an unbounded tail.
	historyLimit int
}

func New(st *store.Store, q *queue.Queue, historyLimit int) *ThreadCache {
	if historyLimit <= 0 {
		historyLimit = 500
	}
	return &ThreadCache{
		histories:    make(map[int64]*llm.ChatHistory),
		store:        st,
		queue:        q,
		historyLimit: historyLimit,
	}
}

// Get returns the in-memory history for threadID, rehydrating it from
// Postgres on a cold miss.
func (c *ThreadCache) Get(ctx context.Context, threadID int64) (*llm.ChatHistory, error) {
	c.mu.RLock()
	h, ok := c.histories[threadID]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok = c.histories[threadID]; ok {
		return h, nil
	}

	h = llm.NewChatHistory()
	rows, err := c.store.MessagesByThread(ctx, threadID, c.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("cache: rehydrate thread %d: %w", threadID, err)
	}
	for _, r := range rows {
		msg := rowToMessage(r)
		h.Add(msg)
	}
	c.histories[threadID] = h
	return h, nil
}

// Evict drops a thread's in-memory history — e.g. after a long idle
// period — without touching the durable record.
func (c *ThreadCache) Evict(threadID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.histories, threadID)
}

// rowToMessage reconstructs a llm.Message from a persisted row. When
// ThinkingBlocks is present it is the verbatim content array the LLM
// emitted (P1) and takes priority over TextBody; TextBody alone is used
// only for rows written before structured content exists (e.g. plain
// user turns) or as a fallback if the blob fails to parse.
func rowToMessage(r store.StoredMessage) llm.Message {
	msg := llm.Message{
		Role:      r.Role,
		Timestamp: 0,
	}
	if len(r.ThinkingBlocks) > 0 {
		var blocks []llm.ContentBlock
		if err := jsonUnmarshal(r.ThinkingBlocks, &blocks); err == nil {
			msg.Content = blocks
			return msg
		}
	}
	msg.Content = []llm.ContentBlock{llm.NewTextBlock(r.TextBody)}
	return msg
}
