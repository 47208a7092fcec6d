/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements commission.TxStore using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  commission.RuleStore:       Monthly commission rules
  commission.SellerDirectory: Active sellers
  commission.DealSource:      Won deals in a window
  commission.PayoutStore:     Payouts and their detail lines
  commission.PaymentStore:    Payment events, sale-level paid marker
  commission.RunStore:        Recompute pass history
  commission.TxStore:         WithTx for atomic per-seller units

KEY TABLES:
  commission_rules:        One row per (year, month), UNIQUE
  sellers:                 Stand-in for the CRM user directory
  deals:                   Stand-in for the pipeline; carries the sale-level
                           commission_status track
  commission_payouts:      One row per (seller_id, year, month), UNIQUE
  deal_commission_details: Lines owned by a payout, ON DELETE CASCADE
  commission_payments:     Payment events
  recompute_runs:          Orchestrator pass history

MONEY:
  decimal.Decimal implements sql.Scanner and driver.Valuer; amounts are
  stored as TEXT so nothing goes through float64.

TIMES:
  Stored as fixed-width UTC text (timeLayout) so that string comparison in
  WHERE clauses matches time ordering.

CONCURRENCY:
  The pool is limited to one connection. WithTx holds that connection for
  the whole unit, so a payout's delete-then-insert of detail lines can never
  interleave with another writer.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  orch := commission.NewOrchestrator(store, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/commission-engine/commission"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements commission.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; bound to the pool or to a transaction.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commission_rules (
		id TEXT PRIMARY KEY,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		standard_commission_pct TEXT NOT NULL,
		premium_commission_pct TEXT NOT NULL,
		standard_volume_bonus_pct TEXT NOT NULL DEFAULT '0',
		standard_volume_threshold INTEGER NOT NULL DEFAULT 0,
		premium_volume_bonus_pct TEXT NOT NULL DEFAULT '0',
		premium_volume_threshold INTEGER NOT NULL DEFAULT 0,
		objective_amount TEXT NOT NULL DEFAULT '0',
		bonus_100_110 TEXT NOT NULL DEFAULT '0',
		bonus_111_125 TEXT NOT NULL DEFAULT '0',
		bonus_above_125 TEXT NOT NULL DEFAULT '0',
		large_deal_threshold TEXT NOT NULL DEFAULT '0',
		large_deal_bonus TEXT NOT NULL DEFAULT '0',
		first_premium_bonus TEXT NOT NULL DEFAULT '0',
		exclusivity_bonus TEXT NOT NULL DEFAULT '0',
		sla_threshold_pct TEXT NOT NULL DEFAULT '0',
		sla_bonus_amount TEXT NOT NULL DEFAULT '0',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(year, month)
	);

	CREATE TABLE IF NOT EXISTS sellers (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		role TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		tier TEXT NOT NULL,
		final_value TEXT NOT NULL,
		close_date TEXT NOT NULL,
		commission_status TEXT NOT NULL DEFAULT 'pending',
		paid_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Hot path: won deals of one seller in a month
	CREATE INDEX IF NOT EXISTS idx_deals_seller_stage_close
		ON deals(seller_id, stage, close_date);

	CREATE TABLE IF NOT EXISTS commission_payouts (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		rule_id TEXT,
		total_revenue_closed TEXT NOT NULL DEFAULT '0',
		nb_deals_standard INTEGER NOT NULL DEFAULT 0,
		nb_deals_premium INTEGER NOT NULL DEFAULT 0,
		commission_standard TEXT NOT NULL DEFAULT '0',
		commission_premium TEXT NOT NULL DEFAULT '0',
		bonus_volume TEXT NOT NULL DEFAULT '0',
		bonus_objective TEXT NOT NULL DEFAULT '0',
		bonus_sla TEXT NOT NULL DEFAULT '0',
		bonus_special TEXT NOT NULL DEFAULT '0',
		total_commission TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'computing',
		validated_by TEXT,
		validated_at TEXT,
		paid_at TEXT,
		notes TEXT,
		computed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(seller_id, year, month)
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_period_status
		ON commission_payouts(year, month, status);

	CREATE TABLE IF NOT EXISTS deal_commission_details (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payout_id TEXT NOT NULL REFERENCES commission_payouts(id) ON DELETE CASCADE,
		deal_id TEXT NOT NULL,
		deal_value TEXT NOT NULL,
		deal_tier TEXT NOT NULL,
		close_date TEXT NOT NULL,
		commission_rate TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		UNIQUE(payout_id, deal_id)
	);

	CREATE TABLE IF NOT EXISTS commission_payments (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		total_commission TEXT NOT NULL,
		method TEXT NOT NULL,
		notes TEXT,
		paid_by TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		sales_updated INTEGER NOT NULL DEFAULT 0,
		payouts_updated INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_payments_seller
		ON commission_payments(seller_id, paid_at);

	CREATE TABLE IF NOT EXISTS recompute_runs (
		id TEXT PRIMARY KEY,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		triggered_by TEXT NOT NULL,
		status TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_recompute_runs_started
		ON recompute_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (commission.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store commission.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// RULE STORE
// =============================================================================

const ruleColumns = `id, month, year, standard_commission_pct, premium_commission_pct,
	standard_volume_bonus_pct, standard_volume_threshold, premium_volume_bonus_pct, premium_volume_threshold,
	objective_amount, bonus_100_110, bonus_111_125, bonus_above_125,
	large_deal_threshold, large_deal_bonus, first_premium_bonus, exclusivity_bonus,
	sla_threshold_pct, sla_bonus_amount, is_active, created_by, created_at, updated_at`

// GetRule returns the rule for a month or commission.ErrRuleNotConfigured.
func (q queries) GetRule(ctx context.Context, month time.Month, year int) (*commission.Rule, error) {
	row := q.q.QueryRowContext(ctx,
		"SELECT "+ruleColumns+" FROM commission_rules WHERE year = ? AND month = ?",
		year, int(month),
	)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.ErrRuleNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// SaveRule inserts the rule or replaces the one already set for its month.
// The existing row keeps its id and created_at.
func (q queries) SaveRule(ctx context.Context, r commission.Rule) error {
	query := `
		INSERT INTO commission_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(year, month) DO UPDATE SET
			standard_commission_pct = excluded.standard_commission_pct,
			premium_commission_pct = excluded.premium_commission_pct,
			standard_volume_bonus_pct = excluded.standard_volume_bonus_pct,
			standard_volume_threshold = excluded.standard_volume_threshold,
			premium_volume_bonus_pct = excluded.premium_volume_bonus_pct,
			premium_volume_threshold = excluded.premium_volume_threshold,
			objective_amount = excluded.objective_amount,
			bonus_100_110 = excluded.bonus_100_110,
			bonus_111_125 = excluded.bonus_111_125,
			bonus_above_125 = excluded.bonus_above_125,
			large_deal_threshold = excluded.large_deal_threshold,
			large_deal_bonus = excluded.large_deal_bonus,
			first_premium_bonus = excluded.first_premium_bonus,
			exclusivity_bonus = excluded.exclusivity_bonus,
			sla_threshold_pct = excluded.sla_threshold_pct,
			sla_bonus_amount = excluded.sla_bonus_amount,
			is_active = excluded.is_active,
			created_by = excluded.created_by,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := q.q.ExecContext(ctx, query,
		r.ID, int(r.Month), r.Year, r.StandardCommissionPct, r.PremiumCommissionPct,
		r.StandardVolumeBonusPct, r.StandardVolumeThreshold, r.PremiumVolumeBonusPct, r.PremiumVolumeThreshold,
		r.ObjectiveAmount, r.Bonus100To110, r.Bonus111To125, r.BonusAbove125,
		r.LargeDealThreshold, r.LargeDealBonus, r.FirstPremiumBonus, r.ExclusivityBonus,
		r.SLAThresholdPct, r.SLABonusAmount, r.IsActive, r.CreatedBy,
		formatTime(createdAt), formatTime(now),
	)
	if isUniqueConstraintError(err) {
		return &commission.ValidationError{Field: "id", Message: "already used by another month"}
	}
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// ListRules returns every rule, most recent month first.
func (q queries) ListRules(ctx context.Context) ([]commission.Rule, error) {
	rows, err := q.q.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM commission_rules ORDER BY year DESC, month DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []commission.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*commission.Rule, error) {
	var (
		r                    commission.Rule
		month                int
		createdAt, updatedAt string
	)
	err := row.Scan(
		&r.ID, &month, &r.Year, &r.StandardCommissionPct, &r.PremiumCommissionPct,
		&r.StandardVolumeBonusPct, &r.StandardVolumeThreshold, &r.PremiumVolumeBonusPct, &r.PremiumVolumeThreshold,
		&r.ObjectiveAmount, &r.Bonus100To110, &r.Bonus111To125, &r.BonusAbove125,
		&r.LargeDealThreshold, &r.LargeDealBonus, &r.FirstPremiumBonus, &r.ExclusivityBonus,
		&r.SLAThresholdPct, &r.SLABonusAmount, &r.IsActive, &r.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Month = time.Month(month)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// =============================================================================
// SELLER DIRECTORY
// =============================================================================

// SaveSeller inserts or updates a seller.
func (q queries) SaveSeller(ctx context.Context, s commission.Seller) error {
	query := `
		INSERT INTO sellers (id, display_name, role, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			is_active = excluded.is_active
	`
	_, err := q.q.ExecContext(ctx, query, s.ID, s.DisplayName, s.Role, s.IsActive, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save seller: %w", err)
	}
	return nil
}

// GetSeller returns a seller or nil.
func (q queries) GetSeller(ctx context.Context, id commission.SellerID) (*commission.Seller, error) {
	var s commission.Seller
	err := q.q.QueryRowContext(ctx,
		"SELECT id, display_name, role, is_active FROM sellers WHERE id = ?", id,
	).Scan(&s.ID, &s.DisplayName, &s.Role, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seller: %w", err)
	}
	return &s, nil
}

// ListSellers returns every seller, active or not.
func (q queries) ListSellers(ctx context.Context) ([]commission.Seller, error) {
	return q.querySellers(ctx, "SELECT id, display_name, role, is_active FROM sellers ORDER BY display_name")
}

// ListActiveSellers returns active users of any role; the orchestrator
// keeps the seller-type roles.
func (q queries) ListActiveSellers(ctx context.Context) ([]commission.Seller, error) {
	return q.querySellers(ctx, "SELECT id, display_name, role, is_active FROM sellers WHERE is_active ORDER BY id")
}

func (q queries) querySellers(ctx context.Context, query string, args ...any) ([]commission.Seller, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sellers: %w", err)
	}
	defer rows.Close()

	var sellers []commission.Seller
	for rows.Next() {
		var s commission.Seller
		if err := rows.Scan(&s.ID, &s.DisplayName, &s.Role, &s.IsActive); err != nil {
			return nil, err
		}
		sellers = append(sellers, s)
	}
	return sellers, rows.Err()
}

// =============================================================================
// DEAL SOURCE
// =============================================================================

const dealColumns = "id, seller_id, stage, tier, final_value, close_date, commission_status, paid_at"

// SaveDeal inserts or updates a deal.
func (q queries) SaveDeal(ctx context.Context, d commission.Deal) error {
	if d.CommissionStatus == "" {
		d.CommissionStatus = commission.SalePending
	}
	query := `
		INSERT INTO deals (` + dealColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seller_id = excluded.seller_id,
			stage = excluded.stage,
			tier = excluded.tier,
			final_value = excluded.final_value,
			close_date = excluded.close_date,
			commission_status = excluded.commission_status,
			paid_at = excluded.paid_at
	`
	_, err := q.q.ExecContext(ctx, query,
		d.ID, d.SellerID, d.Stage, d.Tier, d.FinalValue, formatTime(d.CloseDate),
		d.CommissionStatus, formatTimePtr(d.PaidAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save deal: %w", err)
	}
	return nil
}

// GetWonDeals returns won deals of the seller closed in [from, to).
func (q queries) GetWonDeals(ctx context.Context, sellerID commission.SellerID, from, to time.Time) ([]commission.Deal, error) {
	query := `
		SELECT ` + dealColumns + `
		FROM deals
		WHERE seller_id = ? AND stage = ? AND close_date >= ? AND close_date < ?
		ORDER BY close_date ASC, id ASC
	`
	return q.queryDeals(ctx, query, sellerID, commission.StageWon, formatTime(from), formatTime(to))
}

// ListSellerDeals returns every deal of the seller closed in [from, to),
// whatever the stage.
func (q queries) ListSellerDeals(ctx context.Context, sellerID commission.SellerID, from, to time.Time) ([]commission.Deal, error) {
	query := `
		SELECT ` + dealColumns + `
		FROM deals
		WHERE seller_id = ? AND close_date >= ? AND close_date < ?
		ORDER BY close_date ASC, id ASC
	`
	return q.queryDeals(ctx, query, sellerID, formatTime(from), formatTime(to))
}

// GetDeal returns a deal or nil.
func (q queries) GetDeal(ctx context.Context, id commission.DealID) (*commission.Deal, error) {
	deals, err := q.queryDeals(ctx, "SELECT "+dealColumns+" FROM deals WHERE id = ?", id)
	if err != nil || len(deals) == 0 {
		return nil, err
	}
	return &deals[0], nil
}

func (q queries) queryDeals(ctx context.Context, query string, args ...any) ([]commission.Deal, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deals: %w", err)
	}
	defer rows.Close()

	var deals []commission.Deal
	for rows.Next() {
		var (
			d         commission.Deal
			closeDate string
			paidAt    sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.SellerID, &d.Stage, &d.Tier, &d.FinalValue,
			&closeDate, &d.CommissionStatus, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		d.CloseDate = parseTime(closeDate)
		d.PaidAt = parseTimePtr(paidAt)
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// =============================================================================
// PAYOUT STORE
// =============================================================================

const payoutColumns = `id, seller_id, month, year, rule_id, total_revenue_closed, nb_deals_standard, nb_deals_premium,
	commission_standard, commission_premium, bonus_volume, bonus_objective, bonus_sla, bonus_special,
	total_commission, status, validated_by, validated_at, paid_at, notes, computed_at, created_at, updated_at`

// GetPayout returns the payout of a seller for a month or nil.
func (q queries) GetPayout(ctx context.Context, sellerID commission.SellerID, month time.Month, year int) (*commission.Payout, error) {
	return q.getPayout(ctx,
		"SELECT "+payoutColumns+" FROM commission_payouts WHERE seller_id = ? AND year = ? AND month = ?",
		sellerID, year, int(month),
	)
}

// GetPayoutByID returns a payout or nil.
func (q queries) GetPayoutByID(ctx context.Context, id commission.PayoutID) (*commission.Payout, error) {
	return q.getPayout(ctx, "SELECT "+payoutColumns+" FROM commission_payouts WHERE id = ?", id)
}

func (q queries) getPayout(ctx context.Context, query string, args ...any) (*commission.Payout, error) {
	p, err := scanPayout(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return p, nil
}

// ListPayouts returns every payout of a month.
func (q queries) ListPayouts(ctx context.Context, month time.Month, year int) ([]commission.Payout, error) {
	return q.queryPayouts(ctx,
		"SELECT "+payoutColumns+" FROM commission_payouts WHERE year = ? AND month = ? ORDER BY seller_id",
		year, int(month),
	)
}

// ListSellerPayouts returns every payout of a seller, most recent first.
func (q queries) ListSellerPayouts(ctx context.Context, sellerID commission.SellerID) ([]commission.Payout, error) {
	return q.queryPayouts(ctx,
		"SELECT "+payoutColumns+" FROM commission_payouts WHERE seller_id = ? ORDER BY year DESC, month DESC",
		sellerID,
	)
}

func (q queries) queryPayouts(ctx context.Context, query string, args ...any) ([]commission.Payout, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []commission.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

func scanPayout(row scanner) (*commission.Payout, error) {
	var (
		p                               commission.Payout
		month                           int
		ruleID, validatedBy, notes      sql.NullString
		validatedAt, paidAt, computedAt sql.NullString
		createdAt, updatedAt            string
	)
	err := row.Scan(
		&p.ID, &p.SellerID, &month, &p.Year, &ruleID, &p.TotalRevenueClosed, &p.NbDealsStandard, &p.NbDealsPremium,
		&p.CommissionStandard, &p.CommissionPremium, &p.BonusVolume, &p.BonusObjective, &p.BonusSLA, &p.BonusSpecial,
		&p.TotalCommission, &p.Status, &validatedBy, &validatedAt, &paidAt, &notes, &computedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Month = time.Month(month)
	p.RuleID = commission.RuleID(ruleID.String)
	p.ValidatedBy = validatedBy.String
	p.Notes = notes.String
	p.ValidatedAt = parseTimePtr(validatedAt)
	p.PaidAt = parseTimePtr(paidAt)
	if computedAt.Valid {
		p.ComputedAt = parseTime(computedAt.String)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// UpsertPayout writes the payout keyed by (seller, year, month). An existing
// row keeps its id and created_at; every other column takes the new value.
func (q queries) UpsertPayout(ctx context.Context, p commission.Payout) (commission.PayoutID, error) {
	query := `
		INSERT INTO commission_payouts (` + payoutColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seller_id, year, month) DO UPDATE SET
			rule_id = excluded.rule_id,
			total_revenue_closed = excluded.total_revenue_closed,
			nb_deals_standard = excluded.nb_deals_standard,
			nb_deals_premium = excluded.nb_deals_premium,
			commission_standard = excluded.commission_standard,
			commission_premium = excluded.commission_premium,
			bonus_volume = excluded.bonus_volume,
			bonus_objective = excluded.bonus_objective,
			bonus_sla = excluded.bonus_sla,
			bonus_special = excluded.bonus_special,
			total_commission = excluded.total_commission,
			status = excluded.status,
			validated_by = excluded.validated_by,
			validated_at = excluded.validated_at,
			paid_at = excluded.paid_at,
			notes = excluded.notes,
			computed_at = excluded.computed_at,
			updated_at = excluded.updated_at
		RETURNING id
	`

	now := time.Now()
	createdAt, updatedAt := p.CreatedAt, p.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}
	var computedAt *time.Time
	if !p.ComputedAt.IsZero() {
		computedAt = &p.ComputedAt
	}

	var id commission.PayoutID
	err := q.q.QueryRowContext(ctx, query,
		p.ID, p.SellerID, int(p.Month), p.Year, nullString(string(p.RuleID)),
		p.TotalRevenueClosed, p.NbDealsStandard, p.NbDealsPremium,
		p.CommissionStandard, p.CommissionPremium, p.BonusVolume, p.BonusObjective, p.BonusSLA, p.BonusSpecial,
		p.TotalCommission, p.Status, nullString(p.ValidatedBy), formatTimePtr(p.ValidatedAt), formatTimePtr(p.PaidAt),
		nullString(p.Notes), formatTimePtr(computedAt), formatTime(createdAt), formatTime(updatedAt),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert payout: %w", err)
	}
	return id, nil
}

// ReplaceDetails deletes the payout's lines and inserts rows. Call it inside
// WithTx so that the delete and the inserts commit together.
func (q queries) ReplaceDetails(ctx context.Context, payoutID commission.PayoutID, rows []commission.Detail) error {
	if _, err := q.q.ExecContext(ctx, "DELETE FROM deal_commission_details WHERE payout_id = ?", payoutID); err != nil {
		return fmt.Errorf("failed to delete details: %w", err)
	}

	query := `
		INSERT INTO deal_commission_details
		(payout_id, deal_id, deal_value, deal_tier, close_date, commission_rate, commission_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for _, d := range rows {
		_, err := q.q.ExecContext(ctx, query,
			payoutID, d.DealID, d.DealValue, d.DealTier, formatTime(d.CloseDate), d.CommissionRate, d.CommissionAmount,
		)
		if err != nil {
			if isForeignKeyError(err) {
				return &commission.NotFoundError{Kind: "payout", ID: string(payoutID)}
			}
			return fmt.Errorf("failed to insert detail: %w", err)
		}
	}
	return nil
}

// ListDetails returns the payout's lines by close date.
func (q queries) ListDetails(ctx context.Context, payoutID commission.PayoutID) ([]commission.Detail, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT payout_id, deal_id, deal_value, deal_tier, close_date, commission_rate, commission_amount
		FROM deal_commission_details
		WHERE payout_id = ?
		ORDER BY close_date ASC, deal_id ASC
	`, payoutID)
	if err != nil {
		return nil, fmt.Errorf("failed to list details: %w", err)
	}
	defer rows.Close()

	var details []commission.Detail
	for rows.Next() {
		var (
			d         commission.Detail
			closeDate string
		)
		if err := rows.Scan(&d.PayoutID, &d.DealID, &d.DealValue, &d.DealTier, &closeDate,
			&d.CommissionRate, &d.CommissionAmount); err != nil {
			return nil, err
		}
		d.CloseDate = parseTime(closeDate)
		details = append(details, d)
	}
	return details, rows.Err()
}

// UpdatePayoutStatus sets the status of one payout and stamps the actor.
func (q queries) UpdatePayoutStatus(ctx context.Context, id commission.PayoutID, status commission.PayoutStatus, actorID string, at time.Time) error {
	set, args := statusSet(status, actorID, at)
	res, err := q.q.ExecContext(ctx,
		"UPDATE commission_payouts SET "+set+" WHERE id = ?",
		append(args, id)...,
	)
	if err != nil {
		return fmt.Errorf("failed to update payout status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &commission.NotFoundError{Kind: "payout", ID: string(id)}
	}
	return nil
}

// BulkUpdateStatus is one conditional UPDATE for a whole month.
func (q queries) BulkUpdateStatus(ctx context.Context, month time.Month, year int, from []commission.PayoutStatus, to commission.PayoutStatus, actorID string, at time.Time) (int, error) {
	if len(from) == 0 {
		return 0, nil
	}

	set, args := statusSet(to, actorID, at)
	args = append(args, year, int(month))
	for _, f := range from {
		args = append(args, f)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	res, err := q.q.ExecContext(ctx,
		"UPDATE commission_payouts SET "+set+" WHERE year = ? AND month = ? AND status IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk update payout status: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func statusSet(status commission.PayoutStatus, actorID string, at time.Time) (string, []any) {
	ts := formatTime(at)
	set := "status = ?, updated_at = ?"
	args := []any{status, ts}
	switch status {
	case commission.StatusValidated:
		set += ", validated_by = ?, validated_at = ?"
		args = append(args, actorID, ts)
	case commission.StatusPaid:
		set += ", paid_at = ?"
		args = append(args, ts)
	}
	return set, args
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

// RecordPayment inserts a payment event.
func (q queries) RecordPayment(ctx context.Context, p commission.Payment) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO commission_payments (id, seller_id, period_start, period_end, total_commission,
			method, notes, paid_by, paid_at, sales_updated, payouts_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.SellerID, formatTime(p.PeriodStart), formatTime(p.PeriodEnd), p.TotalCommission,
		p.Method, nullString(p.Notes), p.PaidBy, formatTime(p.PaidAt), p.SalesUpdated, p.PayoutsUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// ListPayments returns payments, filtered by seller when sellerID is set.
func (q queries) ListPayments(ctx context.Context, sellerID commission.SellerID) ([]commission.Payment, error) {
	query := `
		SELECT id, seller_id, period_start, period_end, total_commission, method, notes,
			paid_by, paid_at, sales_updated, payouts_updated
		FROM commission_payments
	`
	var args []any
	if sellerID != "" {
		query += " WHERE seller_id = ?"
		args = append(args, sellerID)
	}
	query += " ORDER BY paid_at DESC"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []commission.Payment
	for rows.Next() {
		var (
			p                  commission.Payment
			start, end, paidAt string
			notes              sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.SellerID, &start, &end, &p.TotalCommission, &p.Method, &notes,
			&p.PaidBy, &paidAt, &p.SalesUpdated, &p.PayoutsUpdated); err != nil {
			return nil, err
		}
		p.PeriodStart = parseTime(start)
		p.PeriodEnd = parseTime(end)
		p.PaidAt = parseTime(paidAt)
		p.Notes = notes.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// MarkSalesPaid moves confirmed/validated sales of the seller to paid.
func (q queries) MarkSalesPaid(ctx context.Context, sellerID commission.SellerID, from, to, at time.Time) (int, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE deals SET commission_status = ?, paid_at = ?
		WHERE seller_id = ? AND close_date >= ? AND close_date < ?
		  AND commission_status IN (?, ?)
	`,
		commission.SalePaid, formatTime(at),
		sellerID, formatTime(from), formatTime(to),
		commission.SaleConfirmed, commission.SaleValidated,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark sales paid: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// RECOMPUTE RUNS STORE
// =============================================================================

// SaveRecomputeRun inserts or updates a run.
func (q queries) SaveRecomputeRun(ctx context.Context, r commission.RecomputeRun) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO recompute_runs (id, month, year, triggered_by, status, total, processed, failed,
			error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			processed = excluded.processed,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		r.ID, int(r.Month), r.Year, r.TriggeredBy, r.Status, r.Total, r.Processed, r.Failed,
		nullString(r.Error), formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save recompute run: %w", err)
	}
	return nil
}

// ListRecomputeRuns returns the most recent runs first.
func (q queries) ListRecomputeRuns(ctx context.Context, limit int) ([]commission.RecomputeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, month, year, triggered_by, status, total, processed, failed, error, started_at, completed_at
		FROM recompute_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recompute runs: %w", err)
	}
	defer rows.Close()

	var runs []commission.RecomputeRun
	for rows.Next() {
		var (
			r                   commission.RecomputeRun
			month               int
			errMsg, completedAt sql.NullString
			startedAt           string
		)
		if err := rows.Scan(&r.ID, &month, &r.Year, &r.TriggeredBy, &r.Status, &r.Total, &r.Processed,
			&r.Failed, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Month = time.Month(month)
		r.Error = errMsg.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

// Reset clears all data. For development only.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"deal_commission_details", "commission_payouts", "commission_payments",
		"recompute_runs", "deals", "sellers", "commission_rules",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

var _ commission.TxStore = (*Store)(nil)
