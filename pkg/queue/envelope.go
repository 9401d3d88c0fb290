// Package queue implements the Write-Behind Queue (§4.A): a durable
// Redis-backed FIFO that absorbs transient database/peak-load failures by
// batching writes and flushing them to Postgres on a timer, with bounded
// retry and exponential backoff.
//
// Grounded on _examples/original_source/bot/cache/write_behind.py, which
// this package ports constant-for-constant and algorithm-step-for-step.
package queue

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WriteType enumerates the kinds of deferred writes (§3 WriteEnvelope).
type WriteType string

const (
	WriteMessage     WriteType = "MESSAGE"
	WriteUserStats   WriteType = "USER_STATS"
	WriteBalanceOp   WriteType = "BALANCE_OP"
	WriteFile        WriteType = "FILE"
	WriteToolCall    WriteType = "TOOL_CALL"
)

// Envelope is a single queued write. Payload is kept as raw JSON so the
// queue never needs to know the concrete Go type of every producer —
// only the flush stage, which knows the WriteType, unmarshals it.
type Envelope struct {
	Type       WriteType       `json:"type"`
	Data       jsoniter.RawMessage `json:"data"`
	QueuedAt   int64           `json:"queued_at"`
	RetryCount int             `json:"retry_count,omitempty"`
	RetryAfter int64           `json:"retry_after,omitempty"`
}

// Constants ported verbatim from write_behind.py.
const (
	DefaultBatchSize        = 100
	DefaultFlushInterval    = 5 * time.Second
	DefaultMaxRetryAttempts = 3
	DefaultBackoffBase      = 2.0
)

// WriteQueueKey is the single Redis list key all envelopes share.
const WriteQueueKey = "write:queue"
