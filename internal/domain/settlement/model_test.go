package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusDraft:    {StatusPending, StatusCancelled},
		StatusPending:  {StatusApproved, StatusCancelled},
		StatusApproved: {StatusPaid},
	}
	all := []Status{StatusDraft, StatusPending, StatusApproved, StatusPaid, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestType_Includes(t *testing.T) {
	assert.True(t, TypeOnlinePG.IncludesPayments())
	assert.False(t, TypeOnlinePG.IncludesCash())
	assert.False(t, TypeCashCommission.IncludesPayments())
	assert.True(t, TypeCashCommission.IncludesCash())
	assert.True(t, TypeMixed.IncludesPayments() && TypeMixed.IncludesCash())
	assert.False(t, Type("weekly").Valid())
}

func TestSettlement_Overlaps(t *testing.T) {
	s := &Settlement{FromDate: day("2024-01-10"), ToDate: day("2024-01-20")}
	cases := []struct {
		from, to string
		want     bool
	}{
		{"2024-01-01", "2024-01-09", false},
		{"2024-01-01", "2024-01-10", true},
		{"2024-01-12", "2024-01-15", true},
		{"2024-01-20", "2024-01-31", true},
		{"2024-01-21", "2024-01-31", false},
		{"2024-01-01", "2024-01-31", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.Overlaps(day(tc.from), day(tc.to)), "%s..%s", tc.from, tc.to)
	}
}

func TestTotals_Apply(t *testing.T) {
	var s Settlement
	Totals{
		PaymentAmount:      d("1000.00"),
		CashAmount:         d("200.00"),
		GatewayFees:        d("23.60"),
		PlatformCommission: d("5.90"),
		CashCommission:     d("10.00"),
	}.Apply(&s)

	assert.True(t, d("1200.00").Equal(s.TotalCollectionsAmount))
	assert.True(t, d("15.90").Equal(s.PlatformShareAmount))
	assert.True(t, d("1184.10").Equal(s.HospitalShareAmount))
	assert.True(t, d("39.50").Equal(s.TotalCommissionAmount))
}

func TestDayBounds(t *testing.T) {
	start, end := dayBounds(day("2024-01-01"), day("2024-01-31"))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), end)
}
