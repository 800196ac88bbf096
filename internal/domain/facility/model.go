// Package facility holds tenants, facilities with their payment-split rate
// configuration, and the patients registered at a facility.
package facility

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
)

var facilityTypes = map[string]bool{
	"hospital": true, "clinic": true, "lab": true, "ivf_center": true,
	"blood_bank": true, "diagnostic_center": true, "medical_store": true,
}

const (
	StatusOnboarding = "onboarding"
	StatusActive     = "active"
	StatusSuspended  = "suspended"
	StatusClosed     = "closed"
)

var facilityStatuses = map[string]bool{
	StatusOnboarding: true, StatusActive: true, StatusSuspended: true, StatusClosed: true,
}

// RateConfig is the facility's current payment-split and cash commission
// configuration. Payments and cash collections copy it at write time; later
// changes never touch existing records.
type RateConfig struct {
	PGMDRPercent          decimal.Decimal `json:"pg_mdr_percent"`
	PGMDRGSTPercent       decimal.Decimal `json:"pg_mdr_gst_percent"`
	PlatformMDRPercent    decimal.Decimal `json:"platform_mdr_percent"`
	PlatformMDRGSTPercent decimal.Decimal `json:"platform_mdr_gst_percent"`
	CashCommissionEnabled bool            `json:"cash_commission_enabled"`
	CashCommissionType    CommissionType  `json:"cash_commission_type"`
	CashCommissionRate    decimal.Decimal `json:"cash_commission_rate"`
}

type Facility struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	Name         string     `json:"name"`
	FacilityType string     `json:"facility_type"`
	Status       string     `json:"status"`
	RateConfig
	OnboardedAt *time.Time `json:"onboarded_at,omitempty"`
	CreatedBy   *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Billable reports whether new bills may be opened at the facility.
func (f *Facility) Billable() bool {
	return f.Status != StatusSuspended && f.Status != StatusClosed
}

type Patient struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	FacilityID uuid.UUID  `json:"facility_id"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	FullName   string     `json:"full_name"`
	Gender     *string    `json:"gender,omitempty"`
	DOB        *time.Time `json:"dob,omitempty"`
	Phone      *string    `json:"phone,omitempty"`
	Email      *string    `json:"email,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
