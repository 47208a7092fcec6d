/*
export.go - Payout workbook export

PURPOSE:
  Builds the .xlsx workbook finance downloads at month end: one sheet with a
  row per payout, one sheet with every deal line.

SHEETS:
  Payouts: seller, status, every component, total
  Details: payout, deal, tier, value, rate, base commission

  Amounts are written as numbers with two decimals so that spreadsheet sums
  work; the decimal string is the source of the number.

SEE ALSO:
  - handlers.go: GET /api/payouts/export
*/
package api

import (
	"bytes"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/commission-engine/commission"
)

const (
	sheetPayouts = "Payouts"
	sheetDetails = "Details"

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	payoutHeader = []any{
		"Payout ID", "Seller ID", "Seller", "Period", "Status",
		"Revenue Closed", "Deals Standard", "Deals Premium",
		"Commission Standard", "Commission Premium",
		"Bonus Volume", "Bonus Objective", "Bonus SLA", "Bonus Special",
		"Total Commission", "Validated By", "Validated At", "Paid At",
	}
	detailHeader = []any{
		"Payout ID", "Seller ID", "Deal ID", "Tier", "Close Date",
		"Deal Value", "Rate %", "Commission",
	}
)

// PayoutExport is everything one workbook shows.
type PayoutExport struct {
	Period  commission.Period
	Payouts []commission.Payout
	Details map[commission.PayoutID][]commission.Detail
	Sellers map[commission.SellerID]string
}

// ExportFilename is the download name of the workbook for a period.
func ExportFilename(p commission.Period) string {
	return fmt.Sprintf("commissions_%s.xlsx", p.Start.Format("2006_01"))
}

// BuildPayoutWorkbook renders the export as an xlsx document.
func BuildPayoutWorkbook(exp PayoutExport) (*bytes.Buffer, error) {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	if err := xl.SetSheetName(xl.GetSheetName(0), sheetPayouts); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := xl.NewSheet(sheetDetails); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	bold, err := xl.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create style: %w", err)
	}
	money, err := xl.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	if err := writeRow(xl, sheetPayouts, 1, payoutHeader); err != nil {
		return nil, err
	}
	if err := writeRow(xl, sheetDetails, 1, detailHeader); err != nil {
		return nil, err
	}
	_ = xl.SetRowStyle(sheetPayouts, 1, 1, bold)
	_ = xl.SetRowStyle(sheetDetails, 1, 1, bold)

	period := exp.Period.Start.Format("2006-01")
	detailRow := 2
	for i, p := range exp.Payouts {
		row := []any{
			string(p.ID), string(p.SellerID), exp.Sellers[p.SellerID], period, string(p.Status),
			amount(p.TotalRevenueClosed), p.NbDealsStandard, p.NbDealsPremium,
			amount(p.CommissionStandard), amount(p.CommissionPremium),
			amount(p.BonusVolume), amount(p.BonusObjective), amount(p.BonusSLA), amount(p.BonusSpecial),
			amount(p.TotalCommission), p.ValidatedBy, formatOptional(p.ValidatedAt), formatOptional(p.PaidAt),
		}
		if err := writeRow(xl, sheetPayouts, i+2, row); err != nil {
			return nil, err
		}

		for _, d := range exp.Details[p.ID] {
			line := []any{
				string(p.ID), string(p.SellerID), string(d.DealID), string(d.DealTier),
				d.CloseDate.Format(dateLayout), amount(d.DealValue), amount(d.CommissionRate), amount(d.CommissionAmount),
			}
			if err := writeRow(xl, sheetDetails, detailRow, line); err != nil {
				return nil, err
			}
			detailRow++
		}
	}

	if n := len(exp.Payouts); n > 0 {
		_ = xl.SetCellStyle(sheetPayouts, "F2", fmt.Sprintf("O%d", n+1), money)
	}
	if detailRow > 2 {
		_ = xl.SetCellStyle(sheetDetails, "F2", fmt.Sprintf("H%d", detailRow-1), money)
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf, nil
}

func writeRow(xl *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := xl.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func amount(d decimal.Decimal) float64 {
	f, _ := d.Round(commission.CurrencyPlaces).Float64()
	return f
}
