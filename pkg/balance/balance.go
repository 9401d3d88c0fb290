// Package balance implements the Balance Gate and Cost Tracker (§4.K):
// a pre-gate floor check that fails open on infrastructure error, and a
// post-charge accounting step that prices token usage plus server/tool
// costs and enqueues an immutable BALANCE_OP audit row.
//
// Fixed-point arithmetic throughout via shopspring/decimal — the teacher
// never carried a money type (it has no billing concern), so this is
// adopted from the wider example pack for the one component that
// genuinely needs exact decimal accounting.
package balance

import (
	"context"
	"genesis/pkg/queue"
	"genesis/pkg/store"
	"log/slog"

	"github.com/shopspring/decimal"
)

// OperationKind enumerates BalanceOperation.kind (§3).
type OperationKind string

const (
	OpPayment  OperationKind = "payment"
	OpUsage    OperationKind = "usage"
	OpRefund   OperationKind = "refund"
	OpAdminTopup OperationKind = "admin_topup"
)

// DefaultFloor is the minimum balance required to start a paid
// operation.
var DefaultFloor = decimal.NewFromFloat(0.01)

// FreeCommands bypass the pre-gate entirely regardless of balance.
var FreeCommands = map[string]bool{
	"help":     true,
	"start":    true,
	"payments": true,
	"balance":  true,
	"admin":    true,
}

// ModelPricing prices one unit (1,000 tokens, following the common
// provider convention) of prompt/completion tokens for a model tier.
type ModelPricing struct {
	PromptPer1K     decimal.Decimal
	CompletionPer1K decimal.Decimal
}

// UsageCost is everything the orchestrator's billing hook reads off a
// completed turn (§4.I "billing hooks").
type UsageCost struct {
	Model             string
	PromptTokens      int64
	CompletionTokens  int64
	ServerToolRequests int64
	ServerToolUnitCost decimal.Decimal
	ClientToolCost     decimal.Decimal // sum of any per-tool flat costs
}

// Gate performs the pre-operation floor check.
type Gate struct {
	store *store.Store
	floor decimal.Decimal
}

func NewGate(st *store.Store, floor decimal.Decimal) *Gate {
	if floor.IsZero() {
		floor = DefaultFloor
	}
	return &Gate{store: st, floor: floor}
}

// Allow reports whether userID may start a paid operation named command.
// Free commands always pass. Any infrastructure error fails OPEN — a
// balance check must never be the reason a user can't get help.
func (g *Gate) Allow(ctx context.Context, userID int64, command string) bool {
	if FreeCommands[command] {
		return true
	}
	balance, err := g.store.EnsureUser(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "balance.gate_check_failed_failing_open", "user_id", userID, "error", err)
		return true
	}
	return decimal.NewFromFloat(balance).GreaterThanOrEqual(g.floor)
}

// Service owns post-charge accounting.
type Service struct {
	store   *store.Store
	queue   *queue.Queue
	pricing map[string]ModelPricing
}

func NewService(st *store.Store, q *queue.Queue, pricing map[string]ModelPricing) *Service {
	return &Service{store: st, queue: q, pricing: pricing}
}

// Price computes the signed cost (negative = debit) for one completed
// turn's usage.
func (s *Service) Price(u UsageCost) decimal.Decimal {
	pricing, ok := s.pricing[u.Model]
	cost := decimal.Zero
	if ok {
		cost = cost.Add(pricing.PromptPer1K.Mul(decimal.NewFromInt(u.PromptTokens)).Div(decimal.NewFromInt(1000)))
		cost = cost.Add(pricing.CompletionPer1K.Mul(decimal.NewFromInt(u.CompletionTokens)).Div(decimal.NewFromInt(1000)))
	}
	cost = cost.Add(u.ServerToolUnitCost.Mul(decimal.NewFromInt(u.ServerToolRequests)))
	cost = cost.Add(u.ClientToolCost)
	return cost.Neg()
}

// Charge deducts amount (signed; negative debits, positive credits) from
// userID's balance, reads the authoritative before/after straight from
// Postgres inside one round trip, and enqueues the audit row through the
// write-behind queue. The balance update itself is a synchronous Postgres
// call; only the audit row is deferred.
func (s *Service) Charge(ctx context.Context, userID int64, amount decimal.Decimal, description string, relatedMessage *int64) error {
	before, after, err := s.applyDelta(ctx, userID, amount)
	if err != nil {
		return err
	}
	kind := OpUsage
	if amount.IsPositive() {
		kind = OpRefund
	}
	row := store.BalanceOpRow{
		UserID:         userID,
		Kind:           string(kind),
		Amount:         amount.InexactFloat64(),
		BalanceBefore:  before.InexactFloat64(),
		BalanceAfter:   after.InexactFloat64(),
		RelatedMessage: relatedMessage,
		Description:    description,
	}
	s.queue.Enqueue(ctx, queue.WriteBalanceOp, row)
	return nil
}

// applyDelta updates users.balance synchronously — accounting is the one
// place the spec requires read-your-write accuracy (P8), so the balance
// row itself is mutated directly rather than via the write-behind queue;
// only the audit trail is deferred.
func (s *Service) applyDelta(ctx context.Context, userID int64, amount decimal.Decimal) (before, after decimal.Decimal, err error) {
	row := s.store.Pool.QueryRow(ctx, `
		UPDATE users SET balance = balance + $2
		WHERE user_id = $1
		RETURNING balance - $2, balance
	`, userID, amount.InexactFloat64())

	var beforeF, afterF float64
	if err := row.Scan(&beforeF, &afterF); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return decimal.NewFromFloat(beforeF), decimal.NewFromFloat(afterF), nil
}
