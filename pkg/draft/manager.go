package draft

import (
	"context"
	"sync"
	"time"
)

// Manager owns the current Streamer for one streaming session and
// guarantees it is released on every exit path (P5), including
// CommitAndCreateNew — used when a turn-break tool is about to emit a
// file and the preceding text must be made visible first.
type Manager struct {
	target            Target
	minUpdateInterval time.Duration
	keepaliveInterval time.Duration
	messageLimit      int

	mu      sync.Mutex
	current *Streamer
}

func NewManager(target Target, minUpdateInterval, keepaliveInterval time.Duration, messageLimit int) *Manager {
	m := &Manager{
		target:            target,
		minUpdateInterval: minUpdateInterval,
		keepaliveInterval: keepaliveInterval,
		messageLimit:      messageLimit,
	}
	m.current = New(target, minUpdateInterval, keepaliveInterval, messageLimit)
	return m
}

// Current returns the active streamer for this session.
func (m *Manager) Current() *Streamer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CommitAndCreateNew finalizes the current streamer with finalText and
// opens a fresh one for the next segment.
func (m *Manager) CommitAndCreateNew(ctx context.Context, finalText string) (string, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	msgID, err := cur.Finalize(ctx, finalText)

	m.mu.Lock()
	m.current = New(m.target, m.minUpdateInterval, m.keepaliveInterval, m.messageLimit)
	m.mu.Unlock()

	return msgID, err
}

// Close finalizes (or clears, if nothing was ever sent) the current
// streamer unconditionally — called from the orchestrator's deferred
// cleanup on every exit path, including panics and cancellation.
func (m *Manager) Close(ctx context.Context, finalText string) (string, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return "", nil
	}
	if finalText == "" && cur.lastSent == "" {
		cur.Clear()
		return "", nil
	}
	return cur.Finalize(ctx, finalText)
}
