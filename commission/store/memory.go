// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state

	// DealErrors makes GetWonDeals fail for the given sellers.
	DealErrors map[commission.SellerID]error
}

type ruleKey struct {
	Month time.Month
	Year  int
}

type payoutKey struct {
	SellerID commission.SellerID
	Month    time.Month
	Year     int
}

type state struct {
	rules    map[ruleKey]commission.Rule
	sellers  map[commission.SellerID]commission.Seller
	deals    map[commission.DealID]commission.Deal
	payouts  map[commission.PayoutID]commission.Payout
	byPeriod map[payoutKey]commission.PayoutID
	details  map[commission.PayoutID][]commission.Detail
	payments []commission.Payment
	runs     []commission.RecomputeRun

	dealErrors map[commission.SellerID]error
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func newState() *state {
	return &state{
		rules:    make(map[ruleKey]commission.Rule),
		sellers:  make(map[commission.SellerID]commission.Seller),
		deals:    make(map[commission.DealID]commission.Deal),
		payouts:  make(map[commission.PayoutID]commission.Payout),
		byPeriod: make(map[payoutKey]commission.PayoutID),
		details:  make(map[commission.PayoutID][]commission.Detail),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.sellers {
		c.sellers[k] = v
	}
	for k, v := range s.deals {
		c.deals[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k, v := range s.byPeriod {
		c.byPeriod[k] = v
	}
	for k, v := range s.details {
		c.details[k] = append([]commission.Detail(nil), v...)
	}
	c.payments = append([]commission.Payment(nil), s.payments...)
	c.runs = append([]commission.RecomputeRun(nil), s.runs...)
	return c
}

// WithTx runs fn against a snapshot; the snapshot replaces the live state
// only if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	work.dealErrors = m.DealErrors
	if err := fn(work); err != nil {
		return err
	}
	work.dealErrors = nil
	m.st = work
	return nil
}

// =============================================================================
// SEEDING (not part of commission.Store)
// =============================================================================

func (m *Memory) SaveSeller(_ context.Context, s commission.Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.sellers[s.ID] = s
	return nil
}

func (m *Memory) SaveDeal(_ context.Context, d commission.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.CommissionStatus == "" {
		d.CommissionStatus = commission.SalePending
	}
	m.st.deals[d.ID] = d
	return nil
}

// Deal returns a stored deal, for assertions.
func (m *Memory) Deal(id commission.DealID) (commission.Deal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.st.deals[id]
	return d, ok
}

// =============================================================================
// commission.Store - locking wrappers
// =============================================================================

func (m *Memory) GetRule(ctx context.Context, month time.Month, year int) (*commission.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetRule(ctx, month, year)
}

func (m *Memory) SaveRule(ctx context.Context, rule commission.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveRule(ctx, rule)
}

func (m *Memory) ListRules(ctx context.Context) ([]commission.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListRules(ctx)
}

func (m *Memory) ListActiveSellers(ctx context.Context) ([]commission.Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListActiveSellers(ctx)
}

func (m *Memory) GetWonDeals(ctx context.Context, sellerID commission.SellerID, from, to time.Time) ([]commission.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.DealErrors[sellerID]; err != nil {
		return nil, err
	}
	return m.st.GetWonDeals(ctx, sellerID, from, to)
}

func (m *Memory) GetPayout(ctx context.Context, sellerID commission.SellerID, month time.Month, year int) (*commission.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetPayout(ctx, sellerID, month, year)
}

func (m *Memory) GetPayoutByID(ctx context.Context, id commission.PayoutID) (*commission.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetPayoutByID(ctx, id)
}

func (m *Memory) ListPayouts(ctx context.Context, month time.Month, year int) ([]commission.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListPayouts(ctx, month, year)
}

func (m *Memory) ListSellerPayouts(ctx context.Context, sellerID commission.SellerID) ([]commission.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListSellerPayouts(ctx, sellerID)
}

func (m *Memory) UpsertPayout(ctx context.Context, p commission.Payout) (commission.PayoutID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpsertPayout(ctx, p)
}

func (m *Memory) ReplaceDetails(ctx context.Context, id commission.PayoutID, rows []commission.Detail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ReplaceDetails(ctx, id, rows)
}

func (m *Memory) ListDetails(ctx context.Context, id commission.PayoutID) ([]commission.Detail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListDetails(ctx, id)
}

func (m *Memory) UpdatePayoutStatus(ctx context.Context, id commission.PayoutID, status commission.PayoutStatus, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdatePayoutStatus(ctx, id, status, actorID, at)
}

func (m *Memory) BulkUpdateStatus(ctx context.Context, month time.Month, year int, from []commission.PayoutStatus, to commission.PayoutStatus, actorID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.BulkUpdateStatus(ctx, month, year, from, to, actorID, at)
}

func (m *Memory) RecordPayment(ctx context.Context, p commission.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.RecordPayment(ctx, p)
}

func (m *Memory) ListPayments(ctx context.Context, sellerID commission.SellerID) ([]commission.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListPayments(ctx, sellerID)
}

func (m *Memory) MarkSalesPaid(ctx context.Context, sellerID commission.SellerID, from, to, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.MarkSalesPaid(ctx, sellerID, from, to, at)
}

func (m *Memory) SaveRecomputeRun(ctx context.Context, run commission.RecomputeRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveRecomputeRun(ctx, run)
}

func (m *Memory) ListRecomputeRuns(ctx context.Context, limit int) ([]commission.RecomputeRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListRecomputeRuns(ctx, limit)
}

// =============================================================================
// state - unlocked implementation, also the transaction view
// =============================================================================

func (s *state) GetRule(_ context.Context, month time.Month, year int) (*commission.Rule, error) {
	r, ok := s.rules[ruleKey{month, year}]
	if !ok {
		return nil, commission.ErrRuleNotConfigured
	}
	return &r, nil
}

func (s *state) SaveRule(_ context.Context, rule commission.Rule) error {
	key := ruleKey{rule.Month, rule.Year}
	if existing, ok := s.rules[key]; ok {
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
	}
	s.rules[key] = rule
	return nil
}

func (s *state) ListRules(_ context.Context) ([]commission.Rule, error) {
	rules := make([]commission.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Year != rules[j].Year {
			return rules[i].Year > rules[j].Year
		}
		return rules[i].Month > rules[j].Month
	})
	return rules, nil
}

func (s *state) ListActiveSellers(_ context.Context) ([]commission.Seller, error) {
	var sellers []commission.Seller
	for _, sl := range s.sellers {
		if sl.IsActive {
			sellers = append(sellers, sl)
		}
	}
	sort.Slice(sellers, func(i, j int) bool { return sellers[i].ID < sellers[j].ID })
	return sellers, nil
}

func (s *state) GetWonDeals(_ context.Context, sellerID commission.SellerID, from, to time.Time) ([]commission.Deal, error) {
	if err := s.dealErrors[sellerID]; err != nil {
		return nil, err
	}
	window := commission.Period{Start: from, End: to}
	var deals []commission.Deal
	for _, d := range s.deals {
		if d.SellerID == sellerID && d.Stage == commission.StageWon && window.Contains(d.CloseDate) {
			deals = append(deals, d)
		}
	}
	sort.Slice(deals, func(i, j int) bool {
		if !deals[i].CloseDate.Equal(deals[j].CloseDate) {
			return deals[i].CloseDate.Before(deals[j].CloseDate)
		}
		return deals[i].ID < deals[j].ID
	})
	return deals, nil
}

func (s *state) GetPayout(_ context.Context, sellerID commission.SellerID, month time.Month, year int) (*commission.Payout, error) {
	id, ok := s.byPeriod[payoutKey{sellerID, month, year}]
	if !ok {
		return nil, nil
	}
	p := s.payouts[id]
	return &p, nil
}

func (s *state) GetPayoutByID(_ context.Context, id commission.PayoutID) (*commission.Payout, error) {
	p, ok := s.payouts[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) ListPayouts(_ context.Context, month time.Month, year int) ([]commission.Payout, error) {
	var payouts []commission.Payout
	for _, p := range s.payouts {
		if p.Month == month && p.Year == year {
			payouts = append(payouts, p)
		}
	}
	sortPayouts(payouts)
	return payouts, nil
}

func (s *state) ListSellerPayouts(_ context.Context, sellerID commission.SellerID) ([]commission.Payout, error) {
	var payouts []commission.Payout
	for _, p := range s.payouts {
		if p.SellerID == sellerID {
			payouts = append(payouts, p)
		}
	}
	sortPayouts(payouts)
	return payouts, nil
}

func (s *state) UpsertPayout(_ context.Context, p commission.Payout) (commission.PayoutID, error) {
	key := payoutKey{p.SellerID, p.Month, p.Year}
	if id, ok := s.byPeriod[key]; ok {
		p.ID = id
		p.CreatedAt = s.payouts[id].CreatedAt
	}
	s.payouts[p.ID] = p
	s.byPeriod[key] = p.ID
	return p.ID, nil
}

func (s *state) ReplaceDetails(_ context.Context, id commission.PayoutID, rows []commission.Detail) error {
	if _, ok := s.payouts[id]; !ok {
		return &commission.NotFoundError{Kind: "payout", ID: string(id)}
	}
	s.details[id] = append([]commission.Detail(nil), rows...)
	return nil
}

func (s *state) ListDetails(_ context.Context, id commission.PayoutID) ([]commission.Detail, error) {
	return append([]commission.Detail(nil), s.details[id]...), nil
}

func (s *state) UpdatePayoutStatus(_ context.Context, id commission.PayoutID, status commission.PayoutStatus, actorID string, at time.Time) error {
	p, ok := s.payouts[id]
	if !ok {
		return &commission.NotFoundError{Kind: "payout", ID: string(id)}
	}
	s.payouts[id] = stamp(p, status, actorID, at)
	return nil
}

func (s *state) BulkUpdateStatus(_ context.Context, month time.Month, year int, from []commission.PayoutStatus, to commission.PayoutStatus, actorID string, at time.Time) (int, error) {
	n := 0
	for id, p := range s.payouts {
		if p.Month != month || p.Year != year {
			continue
		}
		for _, f := range from {
			if p.Status == f {
				s.payouts[id] = stamp(p, to, actorID, at)
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *state) RecordPayment(_ context.Context, p commission.Payment) error {
	s.payments = append(s.payments, p)
	return nil
}

func (s *state) ListPayments(_ context.Context, sellerID commission.SellerID) ([]commission.Payment, error) {
	var payments []commission.Payment
	for _, p := range s.payments {
		if sellerID == "" || p.SellerID == sellerID {
			payments = append(payments, p)
		}
	}
	return payments, nil
}

func (s *state) MarkSalesPaid(_ context.Context, sellerID commission.SellerID, from, to, at time.Time) (int, error) {
	window := commission.Period{Start: from, End: to}
	n := 0
	for id, d := range s.deals {
		if d.SellerID != sellerID || !window.Contains(d.CloseDate) {
			continue
		}
		if d.CommissionStatus != commission.SaleConfirmed && d.CommissionStatus != commission.SaleValidated {
			continue
		}
		paidAt := at
		d.CommissionStatus = commission.SalePaid
		d.PaidAt = &paidAt
		s.deals[id] = d
		n++
	}
	return n, nil
}

func (s *state) SaveRecomputeRun(_ context.Context, run commission.RecomputeRun) error {
	for i, r := range s.runs {
		if r.ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *state) ListRecomputeRuns(_ context.Context, limit int) ([]commission.RecomputeRun, error) {
	runs := append([]commission.RecomputeRun(nil), s.runs...)
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func stamp(p commission.Payout, status commission.PayoutStatus, actorID string, at time.Time) commission.Payout {
	p.Status = status
	p.UpdatedAt = at
	switch status {
	case commission.StatusValidated:
		p.ValidatedBy = actorID
		p.ValidatedAt = &at
	case commission.StatusPaid:
		p.PaidAt = &at
	}
	return p
}

func sortPayouts(payouts []commission.Payout) {
	sort.Slice(payouts, func(i, j int) bool {
		a, b := payouts[i], payouts[j]
		if a.Year != b.Year {
			return a.Year > b.Year
		}
		if a.Month != b.Month {
			return a.Month > b.Month
		}
		return a.SellerID < b.SellerID
	})
}

var _ commission.TxStore = (*Memory)(nil)
