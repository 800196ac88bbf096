package facility

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp/hcp/internal/domain/audit"
	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/auth"
	"github.com/hcp/hcp/internal/platform/cache"
	"github.com/hcp/hcp/internal/platform/validate"
)

// -- Mocks --

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

type mockTenantRepo struct{ items map[string]*Tenant }

func (m *mockTenantRepo) Create(_ context.Context, t *Tenant) error {
	if _, ok := m.items[t.Code]; ok {
		return errors.New("duplicate")
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	m.items[t.Code] = t
	return nil
}

func (m *mockTenantRepo) GetByCode(_ context.Context, code string) (*Tenant, error) {
	t, ok := m.items[code]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return t, nil
}

type mockFacilityRepo struct {
	items map[uuid.UUID]*Facility
	reads int
}

func (m *mockFacilityRepo) Create(_ context.Context, f *Facility) error {
	f.ID = uuid.New()
	f.CreatedAt = time.Now()
	f.UpdatedAt = f.CreatedAt
	cp := *f
	m.items[f.ID] = &cp
	return nil
}

func (m *mockFacilityRepo) GetByID(_ context.Context, tenantID, id uuid.UUID) (*Facility, error) {
	m.reads++
	f, ok := m.items[id]
	if !ok || f.TenantID != tenantID {
		return nil, pgx.ErrNoRows
	}
	cp := *f
	return &cp, nil
}

func (m *mockFacilityRepo) LockByID(ctx context.Context, tenantID, id uuid.UUID) (*Facility, error) {
	return m.GetByID(ctx, tenantID, id)
}

func (m *mockFacilityRepo) UpdateRates(_ context.Context, f *Facility) error {
	m.items[f.ID].RateConfig = f.RateConfig
	return nil
}

func (m *mockFacilityRepo) UpdateStatus(_ context.Context, f *Facility) error {
	m.items[f.ID].Status = f.Status
	m.items[f.ID].OnboardedAt = f.OnboardedAt
	return nil
}

func (m *mockFacilityRepo) List(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*Facility, int, error) {
	var out []*Facility
	for _, f := range m.items {
		if f.TenantID == tenantID {
			out = append(out, f)
		}
	}
	return out, len(out), nil
}

type mockPatientRepo struct{ items map[uuid.UUID]*Patient }

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	m.items[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, tenantID, id uuid.UUID) (*Patient, error) {
	p, ok := m.items[id]
	if !ok || p.TenantID != tenantID {
		return nil, pgx.ErrNoRows
	}
	return p, nil
}

func (m *mockPatientRepo) ListByFacility(_ context.Context, tenantID, facilityID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	var out []*Patient
	for _, p := range m.items {
		if p.TenantID == tenantID && p.FacilityID == facilityID {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

type fixture struct {
	svc        *Service
	facilities *mockFacilityRepo
	auditor    *fakeAuditor
	tenantID   uuid.UUID
}

func newFixture() *fixture {
	fr := &mockFacilityRepo{items: map[uuid.UUID]*Facility{}}
	a := &fakeAuditor{}
	svc := NewService(&mockTenantRepo{items: map[string]*Tenant{}}, fr,
		&mockPatientRepo{items: map[uuid.UUID]*Patient{}}, passTx{}, a, zerolog.Nop())
	return &fixture{svc: svc, facilities: fr, auditor: a, tenantID: uuid.New()}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (fx *fixture) facility(t *testing.T) *Facility {
	t.Helper()
	f := &Facility{
		TenantID:     fx.tenantID,
		Name:         "City Hospital",
		FacilityType: "hospital",
		RateConfig: RateConfig{
			PGMDRPercent:          d("2"),
			PGMDRGSTPercent:       d("18"),
			PlatformMDRPercent:    d("0.5"),
			PlatformMDRGSTPercent: d("18"),
		},
	}
	require.NoError(t, fx.svc.CreateFacility(context.Background(), f))
	return f
}

// -- Service Tests --

func TestCreateTenant(t *testing.T) {
	fx := newFixture()
	tn, err := fx.svc.CreateTenant(context.Background(), " acme ", "Acme Health")
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.Code)
	assert.Equal(t, "active", tn.Status)
	require.Len(t, fx.auditor.events, 1)
	assert.Equal(t, "app.tenants", fx.auditor.events[0].Table)

	_, err = fx.svc.CreateTenant(context.Background(), "", "x")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateFacility_Defaults(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)
	assert.Equal(t, "onboarding", f.Status)
	assert.Equal(t, CommissionPercentage, f.CashCommissionType)
	require.Len(t, fx.auditor.events, 1)
	assert.Equal(t, audit.ActionInsert, fx.auditor.events[0].Action)
}

func TestCreateFacility_Validation(t *testing.T) {
	fx := newFixture()
	tests := []struct {
		name string
		f    Facility
	}{
		{"missing name", Facility{TenantID: fx.tenantID, FacilityType: "clinic"}},
		{"bad type", Facility{TenantID: fx.tenantID, Name: "x", FacilityType: "spa"}},
		{"pct over 100", Facility{TenantID: fx.tenantID, Name: "x", FacilityType: "clinic",
			RateConfig: RateConfig{PGMDRPercent: d("101")}}},
		{"negative pct", Facility{TenantID: fx.tenantID, Name: "x", FacilityType: "clinic",
			RateConfig: RateConfig{PlatformMDRPercent: d("-1")}}},
		{"fraction above one", Facility{TenantID: fx.tenantID, Name: "x", FacilityType: "clinic",
			RateConfig: RateConfig{CashCommissionType: CommissionPercentage, CashCommissionRate: d("1.5")}}},
		{"bad commission type", Facility{TenantID: fx.tenantID, Name: "x", FacilityType: "clinic",
			RateConfig: RateConfig{CashCommissionType: "tiered"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.f
			err := fx.svc.CreateFacility(context.Background(), &f)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestUpdateRates_Audited(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)

	out, err := fx.svc.UpdateRates(context.Background(), fx.tenantID, f.ID, RateConfig{
		PGMDRPercent:          d("1.75"),
		PGMDRGSTPercent:       d("18"),
		CashCommissionEnabled: true,
		CashCommissionType:    CommissionFixed,
		CashCommissionRate:    d("25.00"),
	})
	require.NoError(t, err)
	assert.True(t, out.PGMDRPercent.Equal(d("1.75")))
	assert.True(t, fx.facilities.items[f.ID].CashCommissionEnabled)

	last := fx.auditor.events[len(fx.auditor.events)-1]
	assert.Equal(t, audit.ActionUpdate, last.Action)
	old := last.Old.(*Facility)
	assert.True(t, old.PGMDRPercent.Equal(d("2")))
}

func TestUpdateRates_NotFound(t *testing.T) {
	fx := newFixture()
	_, err := fx.svc.UpdateRates(context.Background(), fx.tenantID, uuid.New(), RateConfig{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateRates_AuditFailureAborts(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)
	fx.auditor.err = apperr.Storage(errors.New("disk full"), "write audit log")
	_, err := fx.svc.UpdateRates(context.Background(), fx.tenantID, f.ID, RateConfig{PGMDRPercent: d("3")})
	assert.ErrorIs(t, err, apperr.ErrStorage)
}

func TestUpdateStatus(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)

	out, err := fx.svc.UpdateStatus(context.Background(), fx.tenantID, f.ID, "active")
	require.NoError(t, err)
	require.NotNil(t, out.OnboardedAt)

	_, err = fx.svc.UpdateStatus(context.Background(), fx.tenantID, f.ID, "closed")
	require.NoError(t, err)
	_, err = fx.svc.UpdateStatus(context.Background(), fx.tenantID, f.ID, "active")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = fx.svc.UpdateStatus(context.Background(), fx.tenantID, f.ID, "gone")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGetFacility_ReadThroughCache(t *testing.T) {
	fx := newFixture()
	fx.svc.SetCache(cache.NewMemoryStore())
	f := fx.facility(t)
	ctx := context.Background()

	_, err := fx.svc.GetFacility(ctx, fx.tenantID, f.ID)
	require.NoError(t, err)
	_, err = fx.svc.GetFacility(ctx, fx.tenantID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.facilities.reads)

	_, err = fx.svc.UpdateRates(ctx, fx.tenantID, f.ID, RateConfig{PGMDRPercent: d("4")})
	require.NoError(t, err)
	got, err := fx.svc.GetFacility(ctx, fx.tenantID, f.ID)
	require.NoError(t, err)
	assert.True(t, got.PGMDRPercent.Equal(d("4")))
}

func TestGetFacility_OtherTenant(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)
	_, err := fx.svc.GetFacility(context.Background(), uuid.New(), f.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreatePatient(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)
	p := &Patient{TenantID: fx.tenantID, FacilityID: f.ID, FullName: "Asha Rao"}
	require.NoError(t, fx.svc.CreatePatient(context.Background(), p))

	got, err := fx.svc.GetPatient(context.Background(), fx.tenantID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Asha Rao", got.FullName)

	err = fx.svc.CreatePatient(context.Background(), &Patient{TenantID: fx.tenantID, FacilityID: uuid.New(), FullName: "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = fx.svc.CreatePatient(context.Background(), &Patient{TenantID: fx.tenantID, FacilityID: f.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

// -- Handler Tests --

func newRequest(e *echo.Echo, method, body string, id auth.Identity) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_UpdateRates(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)
	h := NewHandler(fx.svc)
	e := echo.New()
	e.Validator = validate.New()

	admin := auth.Identity{TenantID: fx.tenantID, FacilityID: f.ID, UserID: uuid.New(), Roles: []string{auth.RoleFacilityAdmin}}
	c, rec := newRequest(e, http.MethodPatch, `{"pg_mdr_percent":"1.5","cash_commission_type":"percentage","cash_commission_rate":"0.05"}`, admin)
	c.SetParamNames("id")
	c.SetParamValues(f.ID.String())
	require.NoError(t, h.UpdateRates(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pg_mdr_percent":"1.5"`)
}

func TestHandler_UpdateRates_OtherFacility(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)
	h := NewHandler(fx.svc)
	e := echo.New()

	admin := auth.Identity{TenantID: fx.tenantID, FacilityID: uuid.New(), Roles: []string{auth.RoleFacilityAdmin}}
	c, _ := newRequest(e, http.MethodPatch, `{}`, admin)
	c.SetParamNames("id")
	c.SetParamValues(f.ID.String())
	err := h.UpdateRates(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, err.(*echo.HTTPError).Code)
}

func TestHandler_CreateFacility_Invalid(t *testing.T) {
	fx := newFixture()
	h := NewHandler(fx.svc)
	e := echo.New()
	e.Validator = validate.New()

	super := auth.Identity{TenantID: fx.tenantID, Roles: []string{auth.RoleSuperAdmin}}
	c, _ := newRequest(e, http.MethodPost, `{"name":"x","facility_type":"spa"}`, super)
	err := h.CreateFacility(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, err.(*echo.HTTPError).Code)
}

func TestHandler_CreatePatient_DefaultsToCallerFacility(t *testing.T) {
	fx := newFixture()
	f := fx.facility(t)
	h := NewHandler(fx.svc)
	e := echo.New()
	e.Validator = validate.New()

	staff := auth.Identity{TenantID: fx.tenantID, FacilityID: f.ID, Roles: []string{auth.RoleStaff}}
	c, rec := newRequest(e, http.MethodPost, `{"full_name":"Ravi"}`, staff)
	require.NoError(t, h.CreatePatient(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), f.ID.String())
}

func TestFacility_Billable(t *testing.T) {
	tests := map[string]bool{
		StatusOnboarding: true,
		StatusActive:     true,
		StatusSuspended:  false,
		StatusClosed:     false,
	}
	for status, want := range tests {
		f := &Facility{Status: status}
		assert.Equal(t, want, f.Billable(), status)
	}
}
