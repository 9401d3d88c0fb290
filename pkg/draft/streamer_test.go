package draft

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	mu          sync.Mutex
	updates     int32
	finalizes   int32
	sends       int32
	lastUpdated string
	nextDraftID string
}

func (f *fakeTarget) UpdateDraft(ctx context.Context, draftID, text string) (string, error) {
	atomic.AddInt32(&f.updates, 1)
	f.mu.Lock()
	f.lastUpdated = text
	f.mu.Unlock()
	if draftID == "" {
		return "draft-1", nil
	}
	return draftID, nil
}

func (f *fakeTarget) FinalizeDraft(ctx context.Context, draftID, text string) (string, error) {
	atomic.AddInt32(&f.finalizes, 1)
	return "msg-final", nil
}

func (f *fakeTarget) SendMessage(ctx context.Context, text string) (string, error) {
	atomic.AddInt32(&f.sends, 1)
	return "msg-new", nil
}

func TestUpdateThrottlesWithoutForce(t *testing.T) {
	target := &fakeTarget{}
	s := New(target, 50*time.Millisecond, time.Hour, DefaultMessageLimit)
	ctx := context.Background()

	if err := s.Update(ctx, "first", true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update(ctx, "second", false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := atomic.LoadInt32(&target.updates); got != 1 {
		t.Errorf("expected throttled second update to be skipped, got %d platform calls", got)
	}

	time.Sleep(60 * time.Millisecond)
	if err := s.Update(ctx, "third", false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := atomic.LoadInt32(&target.updates); got != 2 {
		t.Errorf("expected update to go through after interval elapsed, got %d calls", got)
	}
}

func TestUpdateForceBypassesThrottle(t *testing.T) {
	target := &fakeTarget{}
	s := New(target, time.Hour, time.Hour, DefaultMessageLimit)
	ctx := context.Background()

	_ = s.Update(ctx, "a", true)
	_ = s.Update(ctx, "b", true)
	if got := atomic.LoadInt32(&target.updates); got != 2 {
		t.Errorf("expected both forced updates to go through, got %d", got)
	}
}

func TestKeepaliveStopsOnFinalize(t *testing.T) {
	target := &fakeTarget{}
	s := New(target, time.Millisecond, 5*time.Millisecond, DefaultMessageLimit)
	ctx := context.Background()

	if err := s.Update(ctx, "hello", true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !s.Alive() {
		t.Fatal("expected keepalive task running after first update")
	}

	if _, err := s.Finalize(ctx, "hello"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if s.Alive() {
		t.Error("expected keepalive task stopped after Finalize (P5)")
	}
}

func TestKeepaliveStopsOnClear(t *testing.T) {
	target := &fakeTarget{}
	s := New(target, time.Millisecond, 5*time.Millisecond, DefaultMessageLimit)
	ctx := context.Background()

	_ = s.Update(ctx, "hello", true)
	s.Clear()
	if s.Alive() {
		t.Error("expected keepalive task stopped after Clear (P5)")
	}
	if got := atomic.LoadInt32(&target.sends) + atomic.LoadInt32(&target.finalizes); got != 0 {
		t.Errorf("Clear must not send or finalize anything, got %d calls", got)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	target := &fakeTarget{}
	s := New(target, time.Millisecond, time.Hour, DefaultMessageLimit)
	ctx := context.Background()

	_ = s.Update(ctx, "hi", true)
	id1, err := s.Finalize(ctx, "hi")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	id2, err := s.Finalize(ctx, "different text should be ignored")
	if err != nil {
		t.Fatalf("Finalize (second call): %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected idempotent Finalize to return same id, got %q then %q", id1, id2)
	}
}

func TestFinalizeSendsNewMessageWhenTextDiverges(t *testing.T) {
	target := &fakeTarget{}
	s := New(target, time.Millisecond, time.Hour, DefaultMessageLimit)
	ctx := context.Background()

	_ = s.Update(ctx, "draft text with [tool marker]", true)
	if _, err := s.Finalize(ctx, "draft text without marker"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if atomic.LoadInt32(&target.sends) != 1 {
		t.Errorf("expected a fresh SendMessage when final text diverges from last draft text, got sends=%d finalizes=%d",
			target.sends, target.finalizes)
	}
}

func TestFinalizeEditsDraftWhenTextUnchanged(t *testing.T) {
	target := &fakeTarget{}
	s := New(target, time.Millisecond, time.Hour, DefaultMessageLimit)
	ctx := context.Background()

	_ = s.Update(ctx, "same text", true)
	if _, err := s.Finalize(ctx, "same text"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if atomic.LoadInt32(&target.finalizes) != 1 {
		t.Errorf("expected FinalizeDraft on unchanged text, got sends=%d finalizes=%d", target.sends, target.finalizes)
	}
}

func TestTruncateAddsEllipsisAtCap(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), 4096)
	if len([]rune(got)) != 4096 {
		t.Errorf("expected truncated length 4096, got %d", len([]rune(got)))
	}
	if got[len(got)-len(truncationSuffix):] != truncationSuffix {
		t.Errorf("expected trailing ellipsis, got suffix %q", got[len(got)-10:])
	}
}

func TestManagerCommitAndCreateNewReleasesOldStreamer(t *testing.T) {
	target := &fakeTarget{}
	m := NewManager(target, time.Millisecond, 5*time.Millisecond, DefaultMessageLimit)
	ctx := context.Background()

	first := m.Current()
	_ = first.Update(ctx, "part one", true)

	if _, err := m.CommitAndCreateNew(ctx, "part one"); err != nil {
		t.Fatalf("CommitAndCreateNew: %v", err)
	}
	if first.Alive() {
		t.Error("expected old streamer's keepalive stopped after commit")
	}
	if m.Current() == first {
		t.Error("expected a fresh streamer after CommitAndCreateNew")
	}
}

func TestManagerCloseClearsUnusedStreamer(t *testing.T) {
	target := &fakeTarget{}
	m := NewManager(target, time.Millisecond, time.Hour, DefaultMessageLimit)
	ctx := context.Background()

	if _, err := m.Close(ctx, ""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := atomic.LoadInt32(&target.sends) + atomic.LoadInt32(&target.finalizes); got != 0 {
		t.Errorf("expected Close on an untouched streamer to clear, not send/finalize, got %d calls", got)
	}
}
