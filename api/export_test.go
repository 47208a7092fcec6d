package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/commission-engine/commission"
)

func TestExportFilename(t *testing.T) {
	assert.Equal(t, "commissions_2025_03.xlsx", ExportFilename(commission.MonthPeriod(2025, time.March)))
	assert.Equal(t, "commissions_2024_12.xlsx", ExportFilename(commission.MonthPeriod(2024, time.December)))
}

func TestBuildPayoutWorkbook(t *testing.T) {
	validated := time.Date(2025, time.April, 2, 10, 0, 0, 0, time.UTC)
	exp := PayoutExport{
		Period: commission.MonthPeriod(2025, time.March),
		Payouts: []commission.Payout{{
			ID: "p1", SellerID: "s1", Month: time.March, Year: 2025,
			TotalRevenueClosed: commission.Money("12000.50"),
			NbDealsStandard:    1,
			CommissionStandard: commission.Money("960.04"),
			TotalCommission:    commission.Money("960.04"),
			Status:             commission.StatusValidated,
			ValidatedBy:        "director-1",
			ValidatedAt:        &validated,
		}},
		Details: map[commission.PayoutID][]commission.Detail{
			"p1": {{
				PayoutID: "p1", DealID: "d1", DealValue: commission.Money("12000.50"),
				DealTier: commission.TierStandard, CloseDate: time.Date(2025, time.March, 9, 0, 0, 0, 0, time.UTC),
				CommissionRate: commission.Money("8"), CommissionAmount: commission.Money("960.04"),
			}},
		},
		Sellers: map[commission.SellerID]string{"s1": "Ana"},
	}

	buf, err := BuildPayoutWorkbook(exp)
	require.NoError(t, err)

	xl, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer xl.Close()

	assert.Equal(t, []string{sheetPayouts, sheetDetails}, xl.GetSheetList())

	seller, err := xl.GetCellValue(sheetPayouts, "C2")
	require.NoError(t, err)
	assert.Equal(t, "Ana", seller)

	period, err := xl.GetCellValue(sheetPayouts, "D2")
	require.NoError(t, err)
	assert.Equal(t, "2025-03", period)

	total, err := xl.GetCellValue(sheetPayouts, "O2", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	assert.Equal(t, "960.04", total)

	deal, err := xl.GetCellValue(sheetDetails, "C2")
	require.NoError(t, err)
	assert.Equal(t, "d1", deal)
}

func TestBuildPayoutWorkbook_Empty(t *testing.T) {
	buf, err := BuildPayoutWorkbook(PayoutExport{Period: commission.MonthPeriod(2025, time.March)})
	require.NoError(t, err)

	xl, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer xl.Close()

	rows, err := xl.GetRows(sheetPayouts)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
