// Package draft implements the Draft Streamer and DraftManager (§4.F):
// throttled incremental edits to a platform's pending/draft message
// primitive, a keepalive task that stops it from timing out, and
// finalize/clear semantics that convert the draft into (or discard it
// in favor of) a permanent message.
//
// Grounded on the teacher's accumulate-then-flush Stream() in
// pkg/channels/telegram/telegram_channel.go — same mutex-guarded buffer
// idiom, generalized from "buffer until stream ends" to "throttled edit
// with a background keepalive".
package draft

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMinUpdateInterval is the default throttle window between
	// platform edit calls (P7).
	DefaultMinUpdateInterval = 300 * time.Millisecond
	// DefaultKeepaliveInterval is how often the keepalive task refreshes
	// the draft so the platform does not expire it.
	DefaultKeepaliveInterval = 3 * time.Second
	// DefaultMessageLimit is Telegram's single-message character cap.
	DefaultMessageLimit = 4096

	truncationSuffix = "…" // single-char ellipsis, cheaper than "..."
)

// Target is the platform-side draft primitive: create-on-first-update,
// freely editable, and finalizable into a permanent message.
type Target interface {
	// UpdateDraft reflects text in the draft, creating it on first call.
	// Returns an opaque draft handle (stable across calls for the same
	// draft).
	UpdateDraft(ctx context.Context, draftID string, text string) (newDraftID string, err error)
	// FinalizeDraft converts an existing draft into a permanent message
	// with the given text and returns the permanent message id.
	FinalizeDraft(ctx context.Context, draftID string, text string) (messageID string, err error)
	// SendMessage sends a brand-new permanent message, independent of any
	// draft — used when the finalize text differs from what's on screen,
	// so the stale draft is left to expire on its own rather than edited.
	SendMessage(ctx context.Context, text string) (messageID string, err error)
}

// Streamer is one draft's throttled-update + keepalive + finalize state
// machine. Not safe for concurrent Update calls from multiple goroutines
// — §5 guarantees producers call it serially within one streaming
// session.
type Streamer struct {
	target Target

	minUpdateInterval time.Duration
	keepaliveInterval time.Duration
	messageLimit      int

	mu           sync.Mutex
	draftID      string
	lastSent     string
	pendingText  string
	hasPending   bool
	lastSentAt   time.Time
	finalized    bool
	finalMsgID   string

	keepaliveStop chan struct{}
	keepaliveDone chan struct{}
}

// New constructs a Streamer. Zero-value interval/limit args fall back to
// the package defaults.
func New(target Target, minUpdateInterval, keepaliveInterval time.Duration, messageLimit int) *Streamer {
	if minUpdateInterval <= 0 {
		minUpdateInterval = DefaultMinUpdateInterval
	}
	if keepaliveInterval <= 0 {
		keepaliveInterval = DefaultKeepaliveInterval
	}
	if messageLimit <= 0 {
		messageLimit = DefaultMessageLimit
	}
	return &Streamer{
		target:            target,
		minUpdateInterval: minUpdateInterval,
		keepaliveInterval: keepaliveInterval,
		messageLimit:      messageLimit,
	}
}

func truncate(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	if limit <= 1 {
		return truncationSuffix
	}
	return string(r[:limit-1]) + truncationSuffix
}

// Update attempts to reflect text in the draft (§4.F). It is throttled
// unless force is set; throttled calls are remembered as pendingText and
// superseded by later calls.
func (s *Streamer) Update(ctx context.Context, text string, force bool) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil
	}

	now := time.Now()
	elapsed := now.Sub(s.lastSentAt)
	shouldSend := force || (elapsed >= s.minUpdateInterval && text != s.lastSent)
	if !shouldSend {
		s.pendingText = text
		s.hasPending = true
		s.mu.Unlock()
		return nil
	}

	send := truncate(text, s.messageLimit)
	draftID := s.draftID
	s.mu.Unlock()

	newID, err := s.target.UpdateDraft(ctx, draftID, send)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.draftID = newID
	s.lastSent = text
	s.lastSentAt = now
	s.pendingText = ""
	s.hasPending = false
	s.mu.Unlock()

	s.startKeepalive(ctx)
	return nil
}

// flushPending sends whatever text was superseded by throttling, called
// from the keepalive tick so nothing is lost if the stream goes quiet
// right after a throttled Update.
func (s *Streamer) flushPending(ctx context.Context) {
	s.mu.Lock()
	if s.finalized || !s.hasPending {
		s.mu.Unlock()
		return
	}
	text := s.pendingText
	s.mu.Unlock()
	if err := s.Update(ctx, text, true); err != nil {
		slog.Error("draft.flush_pending_failed", "error", err)
	}
}

func (s *Streamer) startKeepalive(ctx context.Context) {
	s.mu.Lock()
	if s.keepaliveStop != nil || s.finalized {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.keepaliveStop = stop
	s.keepaliveDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.keepalive(ctx)
				s.flushPending(ctx)
			}
		}
	}()
}

// keepalive refreshes the draft with its last-sent text so the platform
// does not expire it, bypassing the throttle.
func (s *Streamer) keepalive(ctx context.Context) {
	s.mu.Lock()
	if s.finalized || s.draftID == "" {
		s.mu.Unlock()
		return
	}
	draftID, text := s.draftID, s.lastSent
	s.mu.Unlock()

	if _, err := s.target.UpdateDraft(ctx, draftID, truncate(text, s.messageLimit)); err != nil {
		slog.Error("draft.keepalive_failed", "error", err)
	}
}

// stopKeepalive is idempotent under double-stop.
func (s *Streamer) stopKeepalive() {
	s.mu.Lock()
	stop := s.keepaliveStop
	done := s.keepaliveDone
	s.keepaliveStop = nil
	s.keepaliveDone = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Finalize converts the draft into a permanent message (§4.F). Idempotent:
// a second call returns the cached message id without side effects.
func (s *Streamer) Finalize(ctx context.Context, finalText string) (string, error) {
	s.stopKeepalive()

	s.mu.Lock()
	if s.finalized {
		id := s.finalMsgID
		s.mu.Unlock()
		return id, nil
	}
	s.finalized = true
	draftID, lastSent := s.draftID, s.lastSent
	s.mu.Unlock()

	text := finalText
	if text == "" {
		text = lastSent
	}
	text = truncate(text, s.messageLimit)

	var (
		msgID string
		err   error
	)
	switch {
	case draftID == "":
		msgID, err = s.target.SendMessage(ctx, text)
	case text == lastSent:
		msgID, err = s.target.FinalizeDraft(ctx, draftID, text)
	default:
		// Text diverged from what's on screen (e.g. tool markers
		// stripped) — send a fresh message and let the stale draft
		// expire on its own; do not edit it.
		msgID, err = s.target.SendMessage(ctx, text)
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.finalMsgID = msgID
	s.mu.Unlock()
	return msgID, nil
}

// Clear abandons the draft without sending anything (§4.F clear
// semantics): the platform rejects empty/whitespace/zero-width edits, so
// we never attempt one — we simply stop the keepalive and mark finalized.
func (s *Streamer) Clear() {
	s.stopKeepalive()
	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()
}

// Alive reports whether the keepalive task is currently running — used
// by tests to verify P5 (draft release on every exit path).
func (s *Streamer) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepaliveStop != nil
}

