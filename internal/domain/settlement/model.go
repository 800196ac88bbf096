// Package settlement batches a facility's captured payments and cash
// collections into payout settlements and walks them through approval.
package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeOnlinePG       Type = "online_pg"
	TypeCashCommission Type = "cash_commission"
	TypeMixed          Type = "mixed"
)

func (t Type) Valid() bool {
	return t == TypeOnlinePG || t == TypeCashCommission || t == TypeMixed
}

// IncludesPayments reports whether gateway payments belong in this type.
func (t Type) IncludesPayments() bool { return t == TypeOnlinePG || t == TypeMixed }

// IncludesCash reports whether cash collections belong in this type.
func (t Type) IncludesCash() bool { return t == TypeCashCommission || t == TypeMixed }

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusDraft:    {StatusPending, StatusCancelled},
	StatusPending:  {StatusApproved, StatusCancelled},
	StatusApproved: {StatusPaid},
}

// CanTransition is the single place settlement moves are validated.
func (s Status) CanTransition(next Status) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusApproved, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

const DateLayout = "2006-01-02"

type Settlement struct {
	ID                     int64           `json:"id"`
	TenantID               uuid.UUID       `json:"tenant_id"`
	FacilityID             uuid.UUID       `json:"facility_id"`
	Type                   Type            `json:"settlement_type"`
	FromDate               time.Time       `json:"from_date"`
	ToDate                 time.Time       `json:"to_date"`
	TotalCollectionsAmount decimal.Decimal `json:"total_collections_amount"`
	TotalCommissionAmount  decimal.Decimal `json:"total_commission_amount"`
	HospitalShareAmount    decimal.Decimal `json:"hospital_share_amount"`
	PlatformShareAmount    decimal.Decimal `json:"platform_share_amount"`
	Status                 Status          `json:"settlement_status"`
	CreatedByUserID        *uuid.UUID      `json:"created_by_user_id,omitempty"`
	ApprovedByUserID       *uuid.UUID      `json:"approved_by_user_id,omitempty"`
	PaidByUserID           *uuid.UUID      `json:"paid_by_user_id,omitempty"`
	ApprovedAt             *time.Time      `json:"approved_at,omitempty"`
	PaidAt                 *time.Time      `json:"paid_at,omitempty"`
	CancelledAt            *time.Time      `json:"cancelled_at,omitempty"`
	Notes                  *string         `json:"notes,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Overlaps reports whether the inclusive date ranges intersect.
func (s *Settlement) Overlaps(from, to time.Time) bool {
	return !s.FromDate.After(to) && !s.ToDate.Before(from)
}

// Totals are the sums over a settlement's linked records.
type Totals struct {
	PaymentCount       int             `json:"payment_count"`
	CashCount          int             `json:"cash_collection_count"`
	PaymentAmount      decimal.Decimal `json:"payment_amount"`
	CashAmount         decimal.Decimal `json:"cash_amount"`
	GatewayFees        decimal.Decimal `json:"gateway_fees"`
	PlatformCommission decimal.Decimal `json:"platform_commission"`
	CashCommission     decimal.Decimal `json:"cash_commission"`
}

func (t Totals) Empty() bool { return t.PaymentCount == 0 && t.CashCount == 0 }

// Apply writes the derived amounts onto s:
//
//	total_collections = payments + cash
//	platform_share    = platform commission + cash commission
//	hospital_share    = total_collections - platform_share
//	total_commission  = gateway fees + platform_share
func (t Totals) Apply(s *Settlement) {
	s.TotalCollectionsAmount = t.PaymentAmount.Add(t.CashAmount)
	s.PlatformShareAmount = t.PlatformCommission.Add(t.CashCommission)
	s.HospitalShareAmount = s.TotalCollectionsAmount.Sub(s.PlatformShareAmount)
	s.TotalCommissionAmount = t.GatewayFees.Add(s.PlatformShareAmount)
}

// LinkedPayment is a payment as seen from the settlement that holds it.
type LinkedPayment struct {
	PaymentID                int64           `json:"payment_id"`
	BillID                   int64           `json:"bill_id"`
	BillNumber               string          `json:"bill_number"`
	Gateway                  string          `json:"gateway"`
	GatewayTransactionID     string          `json:"gateway_transaction_id"`
	Amount                   decimal.Decimal `json:"amount"`
	MDRAmount                decimal.Decimal `json:"mdr_amount"`
	MDRGSTAmount             decimal.Decimal `json:"mdr_gst_amount"`
	PlatformCommissionAmount decimal.Decimal `json:"platform_commission_amount"`
	NetSettlementToFacility  decimal.Decimal `json:"net_settlement_to_facility"`
	CapturedAt               time.Time       `json:"captured_at"`
}

// LinkedCash is a cash collection as seen from the settlement that holds it.
type LinkedCash struct {
	CashCollectionID    int64           `json:"cash_collection_id"`
	BillID              int64           `json:"bill_id"`
	BillNumber          string          `json:"bill_number"`
	AmountCollected     decimal.Decimal `json:"amount_collected"`
	CommissionType      string          `json:"commission_type"`
	CommissionRate      decimal.Decimal `json:"commission_rate"`
	CommissionAmount    decimal.Decimal `json:"commission_amount"`
	CollectionTimestamp time.Time       `json:"collection_timestamp"`
}

type Filter struct {
	FacilityID uuid.UUID
	Status     Status
}

// CollectResult reports what one collect call linked.
type CollectResult struct {
	Settlement     *Settlement `json:"settlement"`
	PaymentsLinked int64       `json:"payments_linked"`
	CashLinked     int64       `json:"cash_collections_linked"`
}
