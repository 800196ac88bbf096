package facility

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hcp/hcp/internal/domain/audit"
	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/cache"
	"github.com/hcp/hcp/internal/platform/db"
	"github.com/hcp/hcp/pkg/money"
)

const facilityCacheTTL = 10 * time.Minute

// Auditor records before/after snapshots inside the caller's transaction.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) error
}

type Service struct {
	tenants    TenantRepository
	facilities FacilityRepository
	patients   PatientRepository
	tx         db.TxRunner
	audit      Auditor
	cache      cache.Store
	logger     zerolog.Logger
}

func NewService(t TenantRepository, f FacilityRepository, p PatientRepository, tx db.TxRunner, a Auditor, logger zerolog.Logger) *Service {
	return &Service{tenants: t, facilities: f, patients: p, tx: tx, audit: a, logger: logger}
}

// SetCache attaches a read-through cache for GetFacility.
func (s *Service) SetCache(c cache.Store) {
	s.cache = c
}

// -- Tenants --

func (s *Service) CreateTenant(ctx context.Context, code, name string) (*Tenant, error) {
	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)
	if code == "" {
		return nil, apperr.Validation("code is required")
	}
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	t := &Tenant{Code: code, Name: name, Status: "active"}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.tenants.Create(ctx, t); err != nil {
			return apperr.FromDB(err, "tenant")
		}
		return s.audit.Record(ctx, audit.Event{
			TenantID: t.ID, Table: "app.tenants", RecordID: t.ID.String(),
			Action: audit.ActionInsert, New: t,
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// -- Facilities --

func validateRates(r RateConfig) error {
	checks := []struct {
		field string
		pct   decimal.Decimal
	}{
		{"pg_mdr_percent", r.PGMDRPercent},
		{"pg_mdr_gst_percent", r.PGMDRGSTPercent},
		{"platform_mdr_percent", r.PlatformMDRPercent},
		{"platform_mdr_gst_percent", r.PlatformMDRGSTPercent},
	}
	for _, c := range checks {
		if err := money.ValidatePercent(c.field, c.pct); err != nil {
			return apperr.AsValidation(err)
		}
	}
	switch r.CashCommissionType {
	case CommissionPercentage:
		// stored as a fraction of the amount collected
		if r.CashCommissionRate.IsNegative() || r.CashCommissionRate.GreaterThan(decimal.NewFromInt(1)) {
			return apperr.Validation("cash_commission_rate must be a fraction between 0 and 1 for percentage commission")
		}
	case CommissionFixed:
		if err := money.ValidateAmount("cash_commission_rate", r.CashCommissionRate); err != nil {
			return apperr.AsValidation(err)
		}
	default:
		return apperr.Validation("invalid cash_commission_type: %s", r.CashCommissionType)
	}
	if !r.CashCommissionRate.Equal(r.CashCommissionRate.Truncate(money.RateScale)) {
		return apperr.Validation("cash_commission_rate must have at most %d decimal places", money.RateScale)
	}
	return nil
}

func (s *Service) CreateFacility(ctx context.Context, f *Facility) error {
	f.Name = strings.TrimSpace(f.Name)
	if f.TenantID == uuid.Nil {
		return apperr.Validation("tenant_id is required")
	}
	if f.Name == "" {
		return apperr.Validation("name is required")
	}
	if !facilityTypes[f.FacilityType] {
		return apperr.Validation("invalid facility_type: %s", f.FacilityType)
	}
	if f.Status == "" {
		f.Status = StatusOnboarding
	}
	if !facilityStatuses[f.Status] {
		return apperr.Validation("invalid status: %s", f.Status)
	}
	if f.CashCommissionType == "" {
		f.CashCommissionType = CommissionPercentage
	}
	if err := validateRates(f.RateConfig); err != nil {
		return err
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.facilities.Create(ctx, f); err != nil {
			return apperr.FromDB(err, "facility")
		}
		return s.audit.Record(ctx, audit.Event{
			TenantID: f.TenantID, FacilityID: f.ID, Table: "app.facilities",
			RecordID: f.ID.String(), Action: audit.ActionInsert, New: f,
		})
	})
}

func facilityKey(tenantID, id uuid.UUID) string {
	return fmt.Sprintf("facility:%s:%s", tenantID, id)
}

// GetFacility reads through the cache when one is attached. Writers that
// snapshot rates must use LoadFacility or LockFacility instead.
func (s *Service) GetFacility(ctx context.Context, tenantID, id uuid.UUID) (*Facility, error) {
	if s.cache != nil {
		var f Facility
		err := cache.GetJSON(ctx, s.cache, facilityKey(tenantID, id), &f)
		if err == nil {
			return &f, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn().Err(err).Str("facility_id", id.String()).Msg("facility cache read failed")
		}
	}
	f, err := s.LoadFacility(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, facilityKey(tenantID, id), f, facilityCacheTTL); err != nil {
			s.logger.Warn().Err(err).Str("facility_id", id.String()).Msg("facility cache write failed")
		}
	}
	return f, nil
}

// LoadFacility reads the facility from the database, bypassing the cache.
func (s *Service) LoadFacility(ctx context.Context, tenantID, id uuid.UUID) (*Facility, error) {
	f, err := s.facilities.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, apperr.FromDB(err, "facility")
	}
	return f, nil
}

// LockFacility reads the facility with a row lock. It must run inside a
// transaction.
func (s *Service) LockFacility(ctx context.Context, tenantID, id uuid.UUID) (*Facility, error) {
	f, err := s.facilities.LockByID(ctx, tenantID, id)
	if err != nil {
		return nil, apperr.FromDB(err, "facility")
	}
	return f, nil
}

func (s *Service) ListFacilities(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Facility, int, error) {
	items, total, err := s.facilities.List(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "facility")
	}
	return items, total, nil
}

// UpdateRates replaces the facility's rate configuration. Payments and cash
// collections already recorded keep the rates they were written with.
func (s *Service) UpdateRates(ctx context.Context, tenantID, id uuid.UUID, rates RateConfig) (*Facility, error) {
	if rates.CashCommissionType == "" {
		rates.CashCommissionType = CommissionPercentage
	}
	if err := validateRates(rates); err != nil {
		return nil, err
	}
	var out *Facility
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		f, err := s.LockFacility(ctx, tenantID, id)
		if err != nil {
			return err
		}
		before := *f
		f.RateConfig = rates
		if err := s.facilities.UpdateRates(ctx, f); err != nil {
			return apperr.FromDB(err, "facility")
		}
		if err := s.audit.Record(ctx, audit.Event{
			TenantID: tenantID, FacilityID: id, Table: "app.facilities",
			RecordID: id.String(), Action: audit.ActionUpdate, Old: &before, New: f,
		}); err != nil {
			return err
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, tenantID, id)
	return out, nil
}

// UpdateStatus moves a facility between onboarding, active, suspended and
// closed. The first activation stamps onboarded_at.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, status string) (*Facility, error) {
	if !facilityStatuses[status] {
		return nil, apperr.Validation("invalid status: %s", status)
	}
	var out *Facility
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		f, err := s.LockFacility(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if f.Status == "closed" && status != "closed" {
			return apperr.InvalidState("facility is closed")
		}
		before := *f
		f.Status = status
		if status == StatusActive && f.OnboardedAt == nil {
			now := time.Now().UTC()
			f.OnboardedAt = &now
		}
		if err := s.facilities.UpdateStatus(ctx, f); err != nil {
			return apperr.FromDB(err, "facility")
		}
		if err := s.audit.Record(ctx, audit.Event{
			TenantID: tenantID, FacilityID: id, Table: "app.facilities",
			RecordID: id.String(), Action: audit.ActionUpdate, Old: &before, New: f,
		}); err != nil {
			return err
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, tenantID, id)
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, tenantID, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, facilityKey(tenantID, id)); err != nil {
		s.logger.Warn().Err(err).Str("facility_id", id.String()).Msg("facility cache invalidation failed")
	}
}

// -- Patients --

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.FullName = strings.TrimSpace(p.FullName)
	if p.FullName == "" {
		return apperr.Validation("full_name is required")
	}
	if p.FacilityID == uuid.Nil {
		return apperr.Validation("facility_id is required")
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.LoadFacility(ctx, p.TenantID, p.FacilityID); err != nil {
			return err
		}
		if err := s.patients.Create(ctx, p); err != nil {
			return apperr.FromDB(err, "patient")
		}
		return s.audit.Record(ctx, audit.Event{
			TenantID: p.TenantID, FacilityID: p.FacilityID, Table: "app.patients",
			RecordID: p.ID.String(), Action: audit.ActionInsert, New: p,
		})
	})
}

func (s *Service) GetPatient(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, apperr.FromDB(err, "patient")
	}
	return p, nil
}

func (s *Service) ListPatients(ctx context.Context, tenantID, facilityID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	items, total, err := s.patients.ListByFacility(ctx, tenantID, facilityID, limit, offset)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "patient")
	}
	return items, total, nil
}
