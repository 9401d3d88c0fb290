package queue

import (
	"genesis/pkg/store"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
)

func TestOptionsWithDefaults(t *testing.T) {
	got := Options{}.withDefaults()
	if got.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", got.BatchSize, DefaultBatchSize)
	}
	if got.FlushInterval != DefaultFlushInterval {
		t.Errorf("FlushInterval = %v, want %v", got.FlushInterval, DefaultFlushInterval)
	}
	if got.MaxRetryAttempts != DefaultMaxRetryAttempts {
		t.Errorf("MaxRetryAttempts = %d, want %d", got.MaxRetryAttempts, DefaultMaxRetryAttempts)
	}
	if got.BackoffBase != DefaultBackoffBase {
		t.Errorf("BackoffBase = %v, want %v", got.BackoffBase, DefaultBackoffBase)
	}

	custom := Options{BatchSize: 50, FlushInterval: 2 * time.Second, MaxRetryAttempts: 5, BackoffBase: 3}.withDefaults()
	if custom.BatchSize != 50 || custom.FlushInterval != 2*time.Second || custom.MaxRetryAttempts != 5 || custom.BackoffBase != 3 {
		t.Errorf("withDefaults overrode explicit values: %+v", custom)
	}
}

func TestMergeUserStats(t *testing.T) {
	in := []store.UserStatsIncrement{
		{UserID: 1, MessageDelta: 1, TokenDelta: 100},
		{UserID: 2, MessageDelta: 1, TokenDelta: 50},
		{UserID: 1, MessageDelta: 1, TokenDelta: 200},
	}
	got := mergeUserStats(in)
	if len(got) != 2 {
		t.Fatalf("expected 2 merged rows, got %d: %+v", len(got), got)
	}
	byUser := map[int64]store.UserStatsIncrement{}
	for _, r := range got {
		byUser[r.UserID] = r
	}
	if u1 := byUser[1]; u1.MessageDelta != 2 || u1.TokenDelta != 300 {
		t.Errorf("user 1 merged = %+v, want MessageDelta=2 TokenDelta=300", u1)
	}
	if u2 := byUser[2]; u2.MessageDelta != 1 || u2.TokenDelta != 50 {
		t.Errorf("user 2 merged = %+v, want MessageDelta=1 TokenDelta=50", u2)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Type: WriteMessage, Data: jsoniter.RawMessage(`{"chat_id":1}`), QueuedAt: 1700000000}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != env.Type || got.QueuedAt != env.QueuedAt {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, env)
	}
	if got.RetryCount != 0 || got.RetryAfter != 0 {
		t.Errorf("expected zero-value retry fields on fresh envelope, got %+v", got)
	}
}
