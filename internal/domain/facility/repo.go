package facility

import (
	"context"

	"github.com/google/uuid"
)

type TenantRepository interface {
	Create(ctx context.Context, t *Tenant) error
	GetByCode(ctx context.Context, code string) (*Tenant, error)
}

type FacilityRepository interface {
	Create(ctx context.Context, f *Facility) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Facility, error)
	// LockByID reads the facility with FOR UPDATE inside the caller's transaction.
	LockByID(ctx context.Context, tenantID, id uuid.UUID) (*Facility, error)
	UpdateRates(ctx context.Context, f *Facility) error
	UpdateStatus(ctx context.Context, f *Facility) error
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Facility, int, error)
}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error)
	ListByFacility(ctx context.Context, tenantID, facilityID uuid.UUID, limit, offset int) ([]*Patient, int, error)
}
