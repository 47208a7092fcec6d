/*
store.go - Persistence interfaces consumed by the commission core

PURPOSE:
  Defines the boundary between the engine and whatever holds rules, deals,
  sellers and payouts. The core is agnostic to the transport; the SQLite
  store and the in-memory store both satisfy TxStore.

KEY INTERFACES:
  RuleStore:       One rule per (month, year)
  SellerDirectory: Active sellers (external collaborator)
  DealSource:      Won deals in a half-open window (external collaborator)
  PayoutStore:     Payout rows, detail lines, status updates
  PaymentStore:    Payment events and the sale-level paid marker
  RunStore:        Recompute pass history
  TxStore:         All of the above plus WithTx for atomic units

NOT FOUND CONTRACT:
  Single-row getters return (nil, nil) when the row does not exist, except
  GetRule which returns ErrRuleNotConfigured. UpdatePayoutStatus returns a
  *NotFoundError when no row matched.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - commission/store/memory.go: In-memory for tests and dev

SEE ALSO:
  - orchestrator.go: WithTx per seller
  - workflow.go: status transitions
*/
package commission

import (
	"context"
	"time"
)

type RuleStore interface {
	// GetRule returns the rule for (month, year) or ErrRuleNotConfigured.
	GetRule(ctx context.Context, month time.Month, year int) (*Rule, error)

	// SaveRule inserts or replaces the rule for its (month, year).
	SaveRule(ctx context.Context, rule Rule) error

	ListRules(ctx context.Context) ([]Rule, error)
}

type SellerDirectory interface {
	ListActiveSellers(ctx context.Context) ([]Seller, error)
}

type DealSource interface {
	// GetWonDeals returns won deals of the seller with CloseDate in [from, to).
	GetWonDeals(ctx context.Context, sellerID SellerID, from, to time.Time) ([]Deal, error)
}

type PayoutStore interface {
	GetPayout(ctx context.Context, sellerID SellerID, month time.Month, year int) (*Payout, error)
	GetPayoutByID(ctx context.Context, id PayoutID) (*Payout, error)
	ListPayouts(ctx context.Context, month time.Month, year int) ([]Payout, error)
	ListSellerPayouts(ctx context.Context, sellerID SellerID) ([]Payout, error)

	// UpsertPayout writes every field of the payout keyed by (seller, month, year)
	// and returns the stored ID.
	UpsertPayout(ctx context.Context, payout Payout) (PayoutID, error)

	// ReplaceDetails deletes the payout's detail lines and inserts rows.
	ReplaceDetails(ctx context.Context, payoutID PayoutID, rows []Detail) error
	ListDetails(ctx context.Context, payoutID PayoutID) ([]Detail, error)

	// UpdatePayoutStatus sets status and stamps the actor: validated_by and
	// validated_at for StatusValidated, paid_at for StatusPaid.
	UpdatePayoutStatus(ctx context.Context, payoutID PayoutID, status PayoutStatus, actorID string, at time.Time) error

	// BulkUpdateStatus moves every payout of the month whose status is in from
	// to the new status in a single statement. Returns rows changed.
	BulkUpdateStatus(ctx context.Context, month time.Month, year int, from []PayoutStatus, to PayoutStatus, actorID string, at time.Time) (int, error)
}

type PaymentStore interface {
	RecordPayment(ctx context.Context, payment Payment) error
	ListPayments(ctx context.Context, sellerID SellerID) ([]Payment, error)

	// MarkSalesPaid moves the seller's confirmed/validated deals closed in
	// [from, to) to SalePaid. Returns rows changed.
	MarkSalesPaid(ctx context.Context, sellerID SellerID, from, to time.Time, at time.Time) (int, error)
}

type RunStore interface {
	SaveRecomputeRun(ctx context.Context, run RecomputeRun) error
	ListRecomputeRuns(ctx context.Context, limit int) ([]RecomputeRun, error)
}

// Store is everything the core reads and writes.
type Store interface {
	RuleStore
	SellerDirectory
	DealSource
	PayoutStore
	PaymentStore
	RunStore
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
