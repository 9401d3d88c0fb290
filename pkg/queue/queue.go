package queue

import (
	"context"
	"errors"
	"genesis/pkg/coreerr"
	"genesis/pkg/store"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

// Options configures the queue's batching/retry policy. Zero-value fields
// fall back to the DefaultXxx constants in envelope.go.
type Options struct {
	BatchSize        int
	FlushInterval    time.Duration
	MaxRetryAttempts int
	BackoffBase      float64
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	return o
}

// Queue is the durable write-behind FIFO. Exactly one background flusher
// may run per process (§5); producers enqueue concurrently and are safely
// serialized by Redis's atomic list operations.
type Queue struct {
	rdb   *redis.Client
	store *store.Store
	opts  Options
}

func New(rdb *redis.Client, st *store.Store, opts Options) *Queue {
	return &Queue{rdb: rdb, store: st, opts: opts.withDefaults()}
}

// Enqueue pushes one envelope to the tail of write:queue. Returns false if
// the store (Redis) is unavailable — the caller MAY fall back to a
// synchronous write per the §4.A failure model; it never panics or blocks
// indefinitely.
func (q *Queue) Enqueue(ctx context.Context, kind WriteType, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "write_behind.marshal_failed", "kind", kind, "error", err)
		return false
	}
	env := Envelope{Type: kind, Data: data, QueuedAt: time.Now().Unix()}
	raw, err := json.Marshal(env)
	if err != nil {
		slog.ErrorContext(ctx, "write_behind.envelope_marshal_failed", "kind", kind, "error", err)
		return false
	}
	if err := q.rdb.RPush(ctx, WriteQueueKey, raw).Err(); err != nil {
		slog.ErrorContext(ctx, "write_behind.enqueue_failed", "kind", kind, "error", err)
		return false
	}
	return true
}

// Depth returns the current list length — used for a queue-depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, WriteQueueKey).Result()
}

// requeue pushes envelopes back to the tail, each with retry_count
// incremented and retry_after set to now + base^retry_count (exponential
// backoff). Envelopes whose retry_count would exceed MaxRetryAttempts are
// dropped and logged instead (P4: dropped at retry_count = MAX+1, not
// sooner).
func (q *Queue) requeue(ctx context.Context, envs []Envelope, failed bool) {
	for _, env := range envs {
		if failed {
			env.RetryCount++
		}
		if env.RetryCount > q.opts.MaxRetryAttempts {
			slog.WarnContext(ctx, "write_behind.discarded_max_retries",
				"kind", env.Type, "retry_count", env.RetryCount)
			continue
		}
		if failed {
			backoff := math.Pow(q.opts.BackoffBase, float64(env.RetryCount))
			env.RetryAfter = time.Now().Add(time.Duration(backoff) * time.Second).Unix()
		}
		raw, err := json.Marshal(env)
		if err != nil {
			slog.ErrorContext(ctx, "write_behind.requeue_marshal_failed", "error", err)
			continue
		}
		if err := q.rdb.RPush(ctx, WriteQueueKey, raw).Err(); err != nil {
			slog.ErrorContext(ctx, "write_behind.requeue_push_failed", "error", err)
		}
	}
}

// Flush runs one full flush cycle: pop up to BatchSize envelopes, split
// ready-vs-delayed, batch-insert ready envelopes by kind in one
// transaction, requeue failures/delayed with backoff. Returns the number
// of envelopes successfully committed.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	raws, err := q.rdb.LPopCount(ctx, WriteQueueKey, q.opts.BatchSize).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, coreerr.NewTransientExternalError(err)
	}
	if len(raws) == 0 {
		return 0, nil
	}

	now := time.Now().Unix()
	var ready, delayed []Envelope
	for _, raw := range raws {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			slog.ErrorContext(ctx, "write_behind.corrupt_envelope_dropped", "error", err)
			continue
		}
		if env.RetryAfter > now {
			delayed = append(delayed, env)
		} else {
			ready = append(ready, env)
		}
	}
	// Delayed envelopes go straight back to the tail, untouched — they are
	// not a flush failure, just not due yet.
	q.requeue(ctx, delayed, false)

	if len(ready) == 0 {
		return 0, nil
	}

	grouped := map[WriteType][]Envelope{}
	for _, env := range ready {
		grouped[env.Type] = append(grouped[env.Type], env)
	}

	tx, err := q.store.Pool.Begin(ctx)
	if err != nil {
		q.requeue(ctx, ready, true)
		return 0, coreerr.NewPersistenceFailure(err)
	}
	committed := len(ready)
	if err := q.flushAllKinds(ctx, tx, grouped); err != nil {
		_ = tx.Rollback(ctx)
		slog.ErrorContext(ctx, "write_behind.flush_commit_failed", "error", err, "batch_size", len(ready))
		q.requeue(ctx, ready, true)
		return 0, coreerr.NewPersistenceFailure(err)
	}
	if err := tx.Commit(ctx); err != nil {
		slog.ErrorContext(ctx, "write_behind.flush_commit_failed", "error", err, "batch_size", len(ready))
		q.requeue(ctx, ready, true)
		return 0, coreerr.NewPersistenceFailure(err)
	}

	if depth, derr := q.Depth(ctx); derr == nil {
		slog.InfoContext(ctx, "write_behind.flush", "committed", committed, "queue_depth", depth)
	}
	return committed, nil
}

func (q *Queue) flushAllKinds(ctx context.Context, tx pgx.Tx, grouped map[WriteType][]Envelope) error {
	if envs, ok := grouped[WriteMessage]; ok {
		rows, err := decodeRows[store.MessageRow](envs)
		if err != nil {
			return err
		}
		if err := store.InsertMessagesBatch(ctx, tx, rows); err != nil {
			return err
		}
	}
	if envs, ok := grouped[WriteUserStats]; ok {
		raw, err := decodeRows[store.UserStatsIncrement](envs)
		if err != nil {
			return err
		}
		merged := mergeUserStats(raw)
		if err := store.InsertUserStats(ctx, tx, merged); err != nil {
			return err
		}
	}
	if envs, ok := grouped[WriteBalanceOp]; ok {
		rows, err := decodeRows[store.BalanceOpRow](envs)
		if err != nil {
			return err
		}
		if err := store.InsertBalanceOpsBatch(ctx, tx, rows); err != nil {
			return err
		}
	}
	if envs, ok := grouped[WriteFile]; ok {
		rows, err := decodeRows[store.FileRow](envs)
		if err != nil {
			return err
		}
		if err := store.InsertFilesBatch(ctx, tx, rows); err != nil {
			return err
		}
	}
	if envs, ok := grouped[WriteToolCall]; ok {
		rows, err := decodeRows[store.ToolCallRow](envs)
		if err != nil {
			return err
		}
		if err := store.InsertToolCallsBatch(ctx, tx, rows); err != nil {
			return err
		}
	}
	return nil
}

func decodeRows[T any](envs []Envelope) ([]T, error) {
	rows := make([]T, 0, len(envs))
	for _, env := range envs {
		var row T
		if err := json.Unmarshal(env.Data, &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// mergeUserStats groups by user, summing counters — §4.A step 3's
// "USER_STATS: group by user; one increment per user, summing counters".
func mergeUserStats(incs []store.UserStatsIncrement) []store.UserStatsIncrement {
	byUser := map[int64]store.UserStatsIncrement{}
	order := make([]int64, 0, len(incs))
	for _, inc := range incs {
		cur, ok := byUser[inc.UserID]
		if !ok {
			order = append(order, inc.UserID)
		}
		cur.UserID = inc.UserID
		cur.MessageDelta += inc.MessageDelta
		cur.TokenDelta += inc.TokenDelta
		byUser[inc.UserID] = cur
	}
	out := make([]store.UserStatsIncrement, 0, len(order))
	for _, id := range order {
		out = append(out, byUser[id])
	}
	return out
}

// Run is the single long-lived background flusher: wakes every
// FlushInterval, calls Flush, and on ctx cancellation drains the queue
// (repeated Flush calls) until a cycle commits zero envelopes.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := q.Flush(ctx); err != nil {
				slog.Error("write_behind.periodic_flush_error", "error", err)
			}
		case <-ctx.Done():
			q.drain()
			return
		}
	}
}

// drain flushes synchronously (with a fresh background context, since ctx
// is already cancelled) until a cycle commits nothing, so in-flight writes
// at shutdown are not silently lost.
func (q *Queue) drain() {
	drainCtx := context.Background()
	for {
		n, err := q.Flush(drainCtx)
		if err != nil {
			slog.Error("write_behind.drain_flush_error", "error", err)
			return
		}
		if n == 0 {
			return
		}
	}
}
