package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hcp/hcp/internal/domain/audit"
	"github.com/hcp/hcp/internal/domain/facility"
	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/gateway"
)

var notFound = apperr.NotFound("not found")

// memStore backs the three mock repositories so bill totals can see
// payments and cash.
type memStore struct {
	bills    map[int64]*Bill
	items    map[int64]*BillItem
	payments map[int64]*Payment
	cash     map[int64]*CashCollection
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		bills:    map[int64]*Bill{},
		items:    map[int64]*BillItem{},
		payments: map[int64]*Payment{},
		cash:     map[int64]*CashCollection{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

type mockBillRepo struct{ s *memStore }

func (r *mockBillRepo) Create(_ context.Context, b *Bill) error {
	b.ID = r.s.id()
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	cp.Items = nil
	r.s.bills[b.ID] = &cp
	return nil
}

func (r *mockBillRepo) GetByID(_ context.Context, tenantID uuid.UUID, id int64) (*Bill, error) {
	b, ok := r.s.bills[id]
	if !ok || b.TenantID != tenantID {
		return nil, pgx.ErrNoRows
	}
	cp := *b
	return &cp, nil
}

func (r *mockBillRepo) LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Bill, error) {
	return r.GetByID(ctx, tenantID, id)
}

func (r *mockBillRepo) Update(_ context.Context, b *Bill) error {
	if _, ok := r.s.bills[b.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *b
	cp.Items = nil
	r.s.bills[b.ID] = &cp
	return nil
}

func (r *mockBillRepo) List(_ context.Context, tenantID uuid.UUID, f BillFilter, limit, offset int) ([]*Bill, int, error) {
	var out []*Bill
	for _, b := range r.s.bills {
		if b.TenantID != tenantID {
			continue
		}
		if f.FacilityID != uuid.Nil && b.FacilityID != f.FacilityID {
			continue
		}
		if f.PatientID != uuid.Nil && b.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *mockBillRepo) AddItem(_ context.Context, it *BillItem) error {
	it.ID = r.s.id()
	cp := *it
	r.s.items[it.ID] = &cp
	return nil
}

func (r *mockBillRepo) GetItem(_ context.Context, billID, itemID int64) (*BillItem, error) {
	it, ok := r.s.items[itemID]
	if !ok || it.BillID != billID {
		return nil, pgx.ErrNoRows
	}
	return it, nil
}

func (r *mockBillRepo) DeleteItem(_ context.Context, billID, itemID int64) error {
	it, ok := r.s.items[itemID]
	if !ok || it.BillID != billID {
		return pgx.ErrNoRows
	}
	delete(r.s.items, itemID)
	return nil
}

func (r *mockBillRepo) ListItems(_ context.Context, billID int64) ([]*BillItem, error) {
	var out []*BillItem
	for _, it := range r.s.items {
		if it.BillID == billID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *mockBillRepo) Collected(_ context.Context, billID int64) (Collected, error) {
	c := Collected{Captured: decimal.Zero, Cash: decimal.Zero}
	for _, p := range r.s.payments {
		if p.BillID != billID {
			continue
		}
		switch p.Status {
		case PaymentCaptured:
			c.Captured = c.Captured.Add(p.Amount)
		case PaymentRefunded:
			c.Refunded++
		}
	}
	for _, cc := range r.s.cash {
		if cc.BillID == billID {
			c.Cash = c.Cash.Add(cc.AmountCollected)
		}
	}
	return c, nil
}

type mockPaymentRepo struct{ s *memStore }

func (r *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	for _, e := range r.s.payments {
		if e.Gateway == p.Gateway && e.GatewayTransactionID == p.GatewayTransactionID {
			return errors.New("duplicate key")
		}
	}
	p.ID = r.s.id()
	p.CreatedAt = time.Now()
	cp := *p
	r.s.payments[p.ID] = &cp
	return nil
}

func (r *mockPaymentRepo) GetByID(_ context.Context, tenantID uuid.UUID, id int64) (*Payment, error) {
	p, ok := r.s.payments[id]
	if !ok || p.TenantID != tenantID {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (r *mockPaymentRepo) LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Payment, error) {
	return r.GetByID(ctx, tenantID, id)
}

func (r *mockPaymentRepo) GetByGatewayTxn(_ context.Context, gw, txn string) (*Payment, error) {
	for _, p := range r.s.payments {
		if p.Gateway == gw && p.GatewayTransactionID == txn {
			return p, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *mockPaymentRepo) UpdateStatus(_ context.Context, p *Payment) error {
	r.s.payments[p.ID].Status = p.Status
	r.s.payments[p.ID].CapturedAt = p.CapturedAt
	return nil
}

func (r *mockPaymentRepo) ListByBill(_ context.Context, tenantID uuid.UUID, billID int64) ([]*Payment, error) {
	var out []*Payment
	for _, p := range r.s.payments {
		if p.TenantID == tenantID && p.BillID == billID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *mockPaymentRepo) CountActiveByBill(_ context.Context, billID int64) (int, error) {
	n := 0
	for _, p := range r.s.payments {
		if p.BillID == billID && p.Status != PaymentFailed {
			n++
		}
	}
	return n, nil
}

type mockCashRepo struct{ s *memStore }

func (r *mockCashRepo) Create(_ context.Context, c *CashCollection) error {
	c.ID = r.s.id()
	cp := *c
	r.s.cash[c.ID] = &cp
	return nil
}

func (r *mockCashRepo) GetByID(_ context.Context, tenantID uuid.UUID, id int64) (*CashCollection, error) {
	c, ok := r.s.cash[id]
	if !ok || c.TenantID != tenantID {
		return nil, pgx.ErrNoRows
	}
	return c, nil
}

func (r *mockCashRepo) ListByBill(_ context.Context, tenantID uuid.UUID, billID int64) ([]*CashCollection, error) {
	var out []*CashCollection
	for _, c := range r.s.cash {
		if c.TenantID == tenantID && c.BillID == billID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *mockCashRepo) CountByBill(_ context.Context, billID int64) (int, error) {
	n := 0
	for _, c := range r.s.cash {
		if c.BillID == billID {
			n++
		}
	}
	return n, nil
}

// -- collaborators --

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type fakeAuditor struct {
	events []audit.Event
	err    error
}

func (a *fakeAuditor) Record(_ context.Context, ev audit.Event) error {
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeAuditor) count(table string, action audit.Action) int {
	n := 0
	for _, ev := range a.events {
		if ev.Table == table && ev.Action == action {
			n++
		}
	}
	return n
}

type fakeFacilities struct{ items map[uuid.UUID]*facility.Facility }

func (f *fakeFacilities) LoadFacility(_ context.Context, tenantID, id uuid.UUID) (*facility.Facility, error) {
	fac, ok := f.items[id]
	if !ok || fac.TenantID != tenantID {
		return nil, fmt.Errorf("facility: %w", notFound)
	}
	cp := *fac
	return &cp, nil
}

type fakePatients struct{ items map[uuid.UUID]*facility.Patient }

func (f *fakePatients) GetPatient(_ context.Context, tenantID, id uuid.UUID) (*facility.Patient, error) {
	p, ok := f.items[id]
	if !ok || p.TenantID != tenantID {
		return nil, notFound
	}
	return p, nil
}

type fakeGateways struct {
	outcome *gateway.Outcome
	err     error
	calls   int
}

func (g *fakeGateways) Verify(_ context.Context, gw, txn string) (*gateway.Outcome, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if g.outcome != nil {
		return g.outcome, nil
	}
	return &gateway.Outcome{TransactionID: txn, Status: gateway.StatusCaptured}, nil
}

type seqNumbers struct{ n int }

func (s *seqNumbers) DraftNumber() string {
	s.n++
	return fmt.Sprintf("DRAFT-%d", s.n)
}

func (s *seqNumbers) InvoiceNumber() string {
	s.n++
	return fmt.Sprintf("INV-%d", s.n)
}

type fakeWindows struct {
	items []SettlementWindow
	from  time.Time
	to    time.Time
	calls int
}

func (w *fakeWindows) Covering(_ context.Context, _, _ uuid.UUID, at time.Time) ([]SettlementWindow, error) {
	w.calls++
	if at.Before(w.from) || !at.Before(w.to) {
		return nil, nil
	}
	return w.items, nil
}

// -- fixture --

type fixture struct {
	svc        *Service
	store      *memStore
	auditor    *fakeAuditor
	gateways   *fakeGateways
	facilities *fakeFacilities
	windows    *fakeWindows
	scope      Scope
	facility   *facility.Facility
	patient    *facility.Patient
}

func newFixture() *fixture {
	tenantID := uuid.New()
	fac := &facility.Facility{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     "City Hospital",
		Status:   facility.StatusActive,
		RateConfig: facility.RateConfig{
			PGMDRPercent:          d("2.0"),
			PGMDRGSTPercent:       d("18"),
			PlatformMDRPercent:    d("0.5"),
			PlatformMDRGSTPercent: d("18"),
			CashCommissionEnabled: true,
			CashCommissionType:    facility.CommissionPercentage,
			CashCommissionRate:    d("0.05"),
		},
	}
	pat := &facility.Patient{ID: uuid.New(), TenantID: tenantID, FacilityID: fac.ID, FullName: "Asha Rao"}

	store := newMemStore()
	a := &fakeAuditor{}
	gw := &fakeGateways{}
	facs := &fakeFacilities{items: map[uuid.UUID]*facility.Facility{fac.ID: fac}}
	wins := &fakeWindows{}
	svc := NewService(Deps{
		Bills:           &mockBillRepo{s: store},
		Payments:        &mockPaymentRepo{s: store},
		CashCollections: &mockCashRepo{s: store},
		Facilities:      facs,
		Patients:        &fakePatients{items: map[uuid.UUID]*facility.Patient{pat.ID: pat}},
		Gateways:        gw,
		Numbers:         &seqNumbers{},
		Settlements:     wins,
		Tx:              passTx{},
		Audit:           a,
		Logger:          zerolog.Nop(),
	})
	return &fixture{
		svc: svc, store: store, auditor: a, gateways: gw, facilities: facs, windows: wins,
		scope:    Scope{TenantID: tenantID, FacilityID: fac.ID},
		facility: fac, patient: pat,
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }
