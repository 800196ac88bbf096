package settlement

import (
	"fmt"
	"io"

	"github.com/divan/num2words"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary  = "Summary"
	sheetPayments = "Payments"
	sheetCash     = "Cash"
)

// Statement is a settlement with the records it pays out.
type Statement struct {
	Settlement *Settlement
	Payments   []*LinkedPayment
	Cash       []*LinkedCash
}

func (st *Statement) FileName() string {
	s := st.Settlement
	return fmt.Sprintf("settlement_%d_%s_%s.xlsx", s.ID, s.FromDate.Format("20060102"), s.ToDate.Format("20060102"))
}

// AmountInWords spells a rupee amount for the payout line of a statement.
func AmountInWords(d decimal.Decimal) string {
	d = d.Abs().Round(2)
	rupees := d.IntPart()
	paise := d.Sub(decimal.NewFromInt(rupees)).Shift(2).IntPart()
	unit := "rupees"
	if rupees == 1 {
		unit = "rupee"
	}
	words := fmt.Sprintf("%s %s", num2words.Convert(int(rupees)), unit)
	if paise == 0 {
		return words + " only"
	}
	return fmt.Sprintf("%s and %s paise", words, num2words.Convert(int(paise)))
}

// sheetWriter keeps the first cell error so rows can be written without a
// check per call.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	err   error
}

func (w *sheetWriter) row(r int, values ...interface{}) {
	for i, v := range values {
		if w.err != nil {
			return
		}
		cell, err := excelize.CoordinatesToCellName(i+1, r)
		if err != nil {
			w.err = err
			return
		}
		if d, ok := v.(decimal.Decimal); ok {
			w.err = w.f.SetCellFloat(w.sheet, cell, d.InexactFloat64(), 2, 64)
			continue
		}
		w.err = w.f.SetCellValue(w.sheet, cell, v)
	}
}

// WriteXLSX renders the statement as a workbook with a summary sheet and one
// sheet per record kind.
func (st *Statement) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return err
	}
	for _, name := range []string{sheetPayments, sheetCash} {
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
	}

	s := st.Settlement
	sum := &sheetWriter{f: f, sheet: sheetSummary}
	sum.row(1, "Settlement", s.ID)
	sum.row(2, "Facility", s.FacilityID.String())
	sum.row(3, "Type", string(s.Type))
	sum.row(4, "Status", string(s.Status))
	sum.row(5, "Period", s.FromDate.Format(DateLayout)+" to "+s.ToDate.Format(DateLayout))
	sum.row(6, "Total collections", s.TotalCollectionsAmount)
	sum.row(7, "Total commission", s.TotalCommissionAmount)
	sum.row(8, "Platform share", s.PlatformShareAmount)
	sum.row(9, "Hospital share", s.HospitalShareAmount)
	sum.row(10, "Hospital share in words", AmountInWords(s.HospitalShareAmount))
	if sum.err != nil {
		return sum.err
	}

	pay := &sheetWriter{f: f, sheet: sheetPayments}
	pay.row(1, "Payment", "Bill", "Gateway", "Transaction", "Amount", "MDR", "MDR GST", "Platform commission", "Net to facility", "Captured at")
	for i, p := range st.Payments {
		pay.row(i+2, p.PaymentID, p.BillNumber, p.Gateway, p.GatewayTransactionID, p.Amount,
			p.MDRAmount, p.MDRGSTAmount, p.PlatformCommissionAmount, p.NetSettlementToFacility,
			p.CapturedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if pay.err != nil {
		return pay.err
	}

	cash := &sheetWriter{f: f, sheet: sheetCash}
	cash.row(1, "Cash collection", "Bill", "Amount", "Commission type", "Commission rate", "Commission", "Collected at")
	for i, c := range st.Cash {
		cash.row(i+2, c.CashCollectionID, c.BillNumber, c.AmountCollected, c.CommissionType,
			c.CommissionRate.String(), c.CommissionAmount, c.CollectionTimestamp.UTC().Format("2006-01-02 15:04:05"))
	}
	if cash.err != nil {
		return cash.err
	}

	f.SetActiveSheet(0)
	return f.Write(w)
}
