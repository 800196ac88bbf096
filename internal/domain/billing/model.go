// Package billing is the ledger side of the platform: bills and their line
// items, gateway payments with their fee split, and cash collected at the
// counter. Every mutation is audited in the same transaction.
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hcp/hcp/pkg/money"
)

type BillStatus string

const (
	BillDraft         BillStatus = "draft"
	BillIssued        BillStatus = "issued"
	BillPartiallyPaid BillStatus = "partially_paid"
	BillPaid          BillStatus = "paid"
	BillCancelled     BillStatus = "cancelled"
	BillRefunded      BillStatus = "refunded"
)

var billStatuses = map[BillStatus]bool{
	BillDraft: true, BillIssued: true, BillPartiallyPaid: true,
	BillPaid: true, BillCancelled: true, BillRefunded: true,
}

// AcceptsMoney reports whether payments and cash may be recorded against a
// bill in this status.
func (s BillStatus) AcceptsMoney() bool {
	return s == BillIssued || s == BillPartiallyPaid
}

type Bill struct {
	ID             int64           `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	FacilityID     uuid.UUID       `json:"facility_id"`
	PatientID      uuid.UUID       `json:"patient_id"`
	BillNumber     string          `json:"bill_number"`
	SubtotalAmount decimal.Decimal `json:"subtotal_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Status         BillStatus      `json:"status"`
	Currency       string          `json:"currency"`
	Notes          *string         `json:"notes,omitempty"`
	IssuedAt       *time.Time      `json:"issued_at,omitempty"`
	CreatedBy      *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Items          []*BillItem     `json:"items,omitempty"`
}

// Recompute derives subtotal and total from the line items.
func (b *Bill) Recompute(items []*BillItem) {
	sub := decimal.Zero
	for _, it := range items {
		sub = sub.Add(it.LineTotal)
	}
	b.SubtotalAmount = sub
	b.TotalAmount = sub.Sub(b.DiscountAmount).Add(b.TaxAmount)
}

type BillItem struct {
	ID          int64           `json:"id"`
	BillID      int64           `json:"bill_id"`
	ServiceID   *uuid.UUID      `json:"service_id,omitempty"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ItemInput is a line item as supplied by the caller; line_total is always
// computed.
type ItemInput struct {
	ServiceID   *uuid.UUID      `json:"service_id"`
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (in ItemInput) toItem() *BillItem {
	return &BillItem{
		ServiceID:   in.ServiceID,
		Description: in.Description,
		Quantity:    in.Quantity,
		UnitPrice:   in.UnitPrice,
		LineTotal:   money.Round(in.Quantity.Mul(in.UnitPrice)),
	}
}

type PaymentStatus string

const (
	PaymentCreated    PaymentStatus = "created"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentCreated:    {PaymentAuthorized, PaymentCaptured, PaymentFailed},
	PaymentAuthorized: {PaymentCaptured, PaymentFailed},
	PaymentCaptured:   {PaymentRefunded},
}

// CanTransition reports whether a payment may move from s to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func validPaymentStatus(s PaymentStatus) bool {
	switch s {
	case PaymentCreated, PaymentAuthorized, PaymentCaptured, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// Rates is the facility fee configuration copied onto a payment.
type Rates struct {
	MDRPercent            decimal.Decimal `json:"mdr_percent"`
	MDRGSTPercent         decimal.Decimal `json:"mdr_gst_percent"`
	PlatformMDRPercent    decimal.Decimal `json:"platform_mdr_percent"`
	PlatformMDRGSTPercent decimal.Decimal `json:"platform_mdr_gst_percent"`
}

// Split is the four-way division of a payment amount.
type Split struct {
	MDRAmount                decimal.Decimal `json:"mdr_amount"`
	MDRGSTAmount             decimal.Decimal `json:"mdr_gst_amount"`
	PlatformMDRAmount        decimal.Decimal `json:"platform_mdr_amount"`
	PlatformMDRGSTAmount     decimal.Decimal `json:"platform_mdr_gst_amount"`
	PlatformCommissionAmount decimal.Decimal `json:"platform_commission_amount"`
	NetSettlementToFacility  decimal.Decimal `json:"net_settlement_to_facility"`
}

// ComputeSplit divides amount by the given rates. GST is charged on the MDR
// it belongs to. Each component is rounded half-up to the minor unit; the
// difference between the rounded exact deduction and the sum of rounded
// components is absorbed by the platform MDR, so
// amount = mdr + mdr_gst + platform_mdr + platform_mdr_gst + net holds exactly.
// A negative difference larger than the platform MDR is not applied; the
// platform MDR stays at zero and net to the facility takes the difference
// instead, since no fee component may go negative.
func ComputeSplit(amount decimal.Decimal, r Rates) Split {
	mdrExact := money.Percent(amount, r.MDRPercent)
	mdrGSTExact := money.Percent(mdrExact, r.MDRGSTPercent)
	platExact := money.Percent(amount, r.PlatformMDRPercent)
	platGSTExact := money.Percent(platExact, r.PlatformMDRGSTPercent)

	s := Split{
		MDRAmount:            money.Round(mdrExact),
		MDRGSTAmount:         money.Round(mdrGSTExact),
		PlatformMDRAmount:    money.Round(platExact),
		PlatformMDRGSTAmount: money.Round(platGSTExact),
	}
	deduction := money.Round(money.Sum(mdrExact, mdrGSTExact, platExact, platGSTExact))
	residual := deduction.Sub(money.Sum(s.MDRAmount, s.MDRGSTAmount, s.PlatformMDRAmount, s.PlatformMDRGSTAmount))
	if adj := s.PlatformMDRAmount.Add(residual); !adj.IsNegative() {
		s.PlatformMDRAmount = adj
	}

	s.PlatformCommissionAmount = s.PlatformMDRAmount.Add(s.PlatformMDRGSTAmount)
	s.NetSettlementToFacility = amount.Sub(money.Sum(s.MDRAmount, s.MDRGSTAmount, s.PlatformMDRAmount, s.PlatformMDRGSTAmount))
	return s
}

type Payment struct {
	ID                    int64           `json:"id"`
	TenantID              uuid.UUID       `json:"tenant_id"`
	FacilityID            uuid.UUID       `json:"facility_id"`
	BillID                int64           `json:"bill_id"`
	PatientID             uuid.UUID       `json:"patient_id"`
	Gateway               string          `json:"gateway"`
	GatewayTransactionID  string          `json:"gateway_transaction_id"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                PaymentStatus   `json:"status"`
	Rates
	Split
	SettledInSettlementID *int64     `json:"settled_in_settlement_id,omitempty"`
	PaymentMethod         *string    `json:"payment_method,omitempty"`
	RecordedBy            *uuid.UUID `json:"recorded_by,omitempty"`
	CapturedAt            *time.Time `json:"captured_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
)

// SettlementStatus mirrors the settlement a cash collection is linked to.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
)

// CashCommission returns the commission owed on a cash amount. Percentage
// rates are fractions of the amount; fixed rates are a flat fee capped at the
// amount collected.
func CashCommission(amount decimal.Decimal, typ CommissionType, rate decimal.Decimal) decimal.Decimal {
	switch typ {
	case CommissionPercentage:
		return money.Round(amount.Mul(rate))
	case CommissionFixed:
		if rate.GreaterThan(amount) {
			return amount
		}
		return money.Round(rate)
	}
	return decimal.Zero
}

type CashCollection struct {
	ID                    int64            `json:"id"`
	TenantID              uuid.UUID        `json:"tenant_id"`
	FacilityID            uuid.UUID        `json:"facility_id"`
	BillID                int64            `json:"bill_id"`
	PatientID             uuid.UUID        `json:"patient_id"`
	CollectedByUserID     *uuid.UUID       `json:"collected_by_user_id,omitempty"`
	AmountCollected       decimal.Decimal  `json:"amount_collected"`
	CollectionTimestamp   time.Time        `json:"collection_timestamp"`
	CommissionApplicable  bool             `json:"commission_applicable"`
	CommissionType        CommissionType   `json:"commission_type"`
	CommissionRate        decimal.Decimal  `json:"commission_rate"`
	CommissionAmount      decimal.Decimal  `json:"commission_amount"`
	SettlementStatus      SettlementStatus `json:"settlement_status"`
	SettledInSettlementID *int64           `json:"settled_in_settlement_id,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// BillFilter narrows ListBills. Zero values match everything.
type BillFilter struct {
	FacilityID uuid.UUID
	PatientID  uuid.UUID
	Status     BillStatus
}

// Collected is the money received against a bill.
type Collected struct {
	Captured decimal.Decimal
	Cash     decimal.Decimal
	Refunded int
}

func (c Collected) Total() decimal.Decimal {
	return c.Captured.Add(c.Cash)
}
