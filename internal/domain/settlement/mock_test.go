package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hcp/hcp/internal/domain/audit"
	"github.com/hcp/hcp/internal/domain/billing"
	"github.com/hcp/hcp/internal/domain/facility"
	"github.com/hcp/hcp/internal/platform/apperr"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

type mockRepo struct {
	items  map[int64]*Settlement
	nextID int64
}

func newMockRepo() *mockRepo { return &mockRepo{items: map[int64]*Settlement{}} }

func (r *mockRepo) Create(_ context.Context, s *Settlement) error {
	r.nextID++
	s.ID = r.nextID
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	r.items[s.ID] = &cp
	return nil
}

func (r *mockRepo) GetByID(_ context.Context, tenantID uuid.UUID, id int64) (*Settlement, error) {
	s, ok := r.items[id]
	if !ok || s.TenantID != tenantID {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (r *mockRepo) LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Settlement, error) {
	return r.GetByID(ctx, tenantID, id)
}

func (r *mockRepo) FindOverlapping(_ context.Context, tenantID, facilityID uuid.UUID, from, to time.Time) ([]*Settlement, error) {
	var out []*Settlement
	for _, s := range r.items {
		if s.TenantID == tenantID && s.FacilityID == facilityID && s.Status != StatusCancelled && s.Overlaps(from, to) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *mockRepo) Update(_ context.Context, s *Settlement) error {
	if _, ok := r.items[s.ID]; !ok {
		return pgx.ErrNoRows
	}
	s.UpdatedAt = time.Now()
	cp := *s
	r.items[s.ID] = &cp
	return nil
}

func (r *mockRepo) List(_ context.Context, tenantID uuid.UUID, f Filter, limit, offset int) ([]*Settlement, int, error) {
	var all []*Settlement
	for _, s := range r.items {
		if s.TenantID != tenantID {
			continue
		}
		if f.FacilityID != uuid.Nil && s.FacilityID != f.FacilityID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		cp := *s
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

type memPayment struct {
	LinkedPayment
	CreatedAt  time.Time
	TenantID   uuid.UUID
	FacilityID uuid.UUID
	Status     string
	SettledIn  int64
}

type memCash struct {
	LinkedCash
	TenantID         uuid.UUID
	FacilityID       uuid.UUID
	SettlementStatus Status
	SettledIn        int64
}

// mockLinks mirrors the claim statements: an eligible record is linked once.
type mockLinks struct {
	payments []*memPayment
	cash     []*memCash
	claimErr error
}

func inWindow(t time.Time, s *Settlement) bool {
	start, end := dayBounds(s.FromDate, s.ToDate)
	return !t.Before(start) && t.Before(end)
}

func (m *mockLinks) ClaimPayments(_ context.Context, s *Settlement) (int64, error) {
	if m.claimErr != nil {
		return 0, m.claimErr
	}
	var n int64
	for _, p := range m.payments {
		if p.TenantID == s.TenantID && p.FacilityID == s.FacilityID && p.Status == "captured" &&
			p.SettledIn == 0 && inWindow(p.CapturedAt, s) {
			p.SettledIn = s.ID
			n++
		}
	}
	return n, nil
}

func (m *mockLinks) ClaimCash(_ context.Context, s *Settlement) (int64, error) {
	if m.claimErr != nil {
		return 0, m.claimErr
	}
	var n int64
	for _, c := range m.cash {
		if c.TenantID == s.TenantID && c.FacilityID == s.FacilityID && c.SettlementStatus == StatusPending &&
			c.SettledIn == 0 && inWindow(c.CollectionTimestamp, s) {
			c.SettledIn = s.ID
			c.SettlementStatus = s.Status
			n++
		}
	}
	return n, nil
}

func (m *mockLinks) Totals(_ context.Context, id int64) (Totals, error) {
	var t Totals
	for _, p := range m.payments {
		if p.SettledIn != id {
			continue
		}
		t.PaymentCount++
		t.PaymentAmount = t.PaymentAmount.Add(p.Amount)
		t.GatewayFees = t.GatewayFees.Add(p.MDRAmount).Add(p.MDRGSTAmount)
		t.PlatformCommission = t.PlatformCommission.Add(p.PlatformCommissionAmount)
	}
	for _, c := range m.cash {
		if c.SettledIn != id {
			continue
		}
		t.CashCount++
		t.CashAmount = t.CashAmount.Add(c.AmountCollected)
		t.CashCommission = t.CashCommission.Add(c.CommissionAmount)
	}
	return t, nil
}

func (m *mockLinks) SetCashStatus(_ context.Context, id int64, status Status) error {
	for _, c := range m.cash {
		if c.SettledIn == id {
			c.SettlementStatus = status
		}
	}
	return nil
}

func (m *mockLinks) Release(_ context.Context, id int64) error {
	for _, p := range m.payments {
		if p.SettledIn == id {
			p.SettledIn = 0
		}
	}
	for _, c := range m.cash {
		if c.SettledIn == id {
			c.SettledIn = 0
			c.SettlementStatus = StatusPending
		}
	}
	return nil
}

func (m *mockLinks) ListPayments(_ context.Context, id int64) ([]*LinkedPayment, error) {
	var out []*LinkedPayment
	for _, p := range m.payments {
		if p.SettledIn == id {
			cp := p.LinkedPayment
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockLinks) ListCash(_ context.Context, id int64) ([]*LinkedCash, error) {
	var out []*LinkedCash
	for _, c := range m.cash {
		if c.SettledIn == id {
			cp := c.LinkedCash
			out = append(out, &cp)
		}
	}
	return out, nil
}

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type fakeAuditor struct{ events []audit.Event }

func (a *fakeAuditor) Record(_ context.Context, ev audit.Event) error {
	a.events = append(a.events, ev)
	return nil
}

type fakeFacilities struct {
	items map[uuid.UUID]*facility.Facility
	locks int
}

func (f *fakeFacilities) LockFacility(_ context.Context, tenantID, id uuid.UUID) (*facility.Facility, error) {
	f.locks++
	fac, ok := f.items[id]
	if !ok || fac.TenantID != tenantID {
		return nil, fmt.Errorf("facility: %w", apperr.NotFound("facility not found"))
	}
	cp := *fac
	return &cp, nil
}

type fixture struct {
	svc        *Service
	repo       *mockRepo
	links      *mockLinks
	auditor    *fakeAuditor
	facilities *fakeFacilities
	scope      billing.Scope
	facility   *facility.Facility
}

func newFixture() *fixture {
	tenantID := uuid.New()
	fac := &facility.Facility{ID: uuid.New(), TenantID: tenantID, Name: "City Hospital"}
	repo := newMockRepo()
	links := &mockLinks{}
	a := &fakeAuditor{}
	facs := &fakeFacilities{items: map[uuid.UUID]*facility.Facility{fac.ID: fac}}
	svc := NewService(repo, links, facs, passTx{}, a, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC) }
	return &fixture{
		svc: svc, repo: repo, links: links, auditor: a, facilities: facs,
		scope:    billing.Scope{TenantID: tenantID, FacilityID: fac.ID},
		facility: fac,
	}
}

// payment adds a captured 1000.00 payment split as 20/3.60/5/0.90.
func (fx *fixture) payment(at time.Time) *memPayment {
	p := &memPayment{
		LinkedPayment: LinkedPayment{
			PaymentID:                int64(len(fx.links.payments) + 1),
			BillID:                   1,
			BillNumber:               "INV-1",
			Gateway:                  "razorpay",
			GatewayTransactionID:     fmt.Sprintf("pay_%d", len(fx.links.payments)+1),
			Amount:                   d("1000.00"),
			MDRAmount:                d("20.00"),
			MDRGSTAmount:             d("3.60"),
			PlatformCommissionAmount: d("5.90"),
			NetSettlementToFacility:  d("970.50"),
			CapturedAt:               at,
		},
		CreatedAt:  at,
		TenantID:   fx.scope.TenantID,
		FacilityID: fx.facility.ID,
		Status:     "captured",
	}
	fx.links.payments = append(fx.links.payments, p)
	return p
}

// cash adds a pending 200.00 collection carrying 10.00 commission.
func (fx *fixture) cash(at time.Time) *memCash {
	c := &memCash{
		LinkedCash: LinkedCash{
			CashCollectionID:    int64(len(fx.links.cash) + 1),
			BillID:              1,
			BillNumber:          "INV-1",
			AmountCollected:     d("200.00"),
			CommissionType:      "percentage",
			CommissionRate:      d("0.05"),
			CommissionAmount:    d("10.00"),
			CollectionTimestamp: at,
		},
		TenantID:         fx.scope.TenantID,
		FacilityID:       fx.facility.ID,
		SettlementStatus: StatusPending,
	}
	fx.links.cash = append(fx.links.cash, c)
	return c
}
