package billing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hcp/hcp/internal/domain/audit"
	"github.com/hcp/hcp/internal/domain/facility"
	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/auth"
	"github.com/hcp/hcp/internal/platform/db"
	"github.com/hcp/hcp/internal/platform/gateway"
	"github.com/hcp/hcp/pkg/money"
)

const (
	tableBills     = "billing.bills"
	tableBillItems = "billing.bill_items"
	tablePayments  = "billing.payments"
	tableCash      = "billing.cash_collections"
)

type Auditor interface {
	Record(ctx context.Context, ev audit.Event) error
}

// FacilityReader loads a facility straight from the database so the rates
// snapshotted onto a payment are current.
type FacilityReader interface {
	LoadFacility(ctx context.Context, tenantID, id uuid.UUID) (*facility.Facility, error)
}

type PatientReader interface {
	GetPatient(ctx context.Context, tenantID, id uuid.UUID) (*facility.Patient, error)
}

type GatewayVerifier interface {
	Verify(ctx context.Context, gateway, transactionID string) (*gateway.Outcome, error)
}

type NumberIssuer interface {
	DraftNumber() string
	InvoiceNumber() string
}

// SettlementWindow is a facility settlement whose date range covers a day.
type SettlementWindow struct {
	ID     int64
	Status string
}

// SettlementWindows finds the non-cancelled settlements of a facility that
// cover the day of at. Implementations share-lock the rows they return so a
// concurrent submit waits for the caller's transaction.
type SettlementWindows interface {
	Covering(ctx context.Context, tenantID, facilityID uuid.UUID, at time.Time) ([]SettlementWindow, error)
}

// Scope is the slice of data a caller may touch. A nil FacilityID means every
// facility of the tenant.
type Scope struct {
	TenantID   uuid.UUID
	FacilityID uuid.UUID
}

func ScopeFor(id auth.Identity) Scope {
	s := Scope{TenantID: id.TenantID}
	if !id.IsSuperAdmin() {
		s.FacilityID = id.FacilityID
	}
	return s
}

func (s Scope) Allows(facilityID uuid.UUID) bool {
	return s.FacilityID == uuid.Nil || s.FacilityID == facilityID
}

type Deps struct {
	Bills           BillRepository
	Payments        PaymentRepository
	CashCollections CashCollectionRepository
	Facilities      FacilityReader
	Patients        PatientReader
	Gateways        GatewayVerifier
	Numbers         NumberIssuer
	Settlements     SettlementWindows
	Tx              db.TxRunner
	Audit           Auditor
	Currency        string
	Logger          zerolog.Logger
}

type Service struct {
	bills      BillRepository
	payments   PaymentRepository
	cash       CashCollectionRepository
	facilities FacilityReader
	patients   PatientReader
	gateways   GatewayVerifier
	numbers    NumberIssuer
	windows    SettlementWindows
	tx         db.TxRunner
	audit      Auditor
	currency   string
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(d Deps) *Service {
	cur := d.Currency
	if cur == "" {
		cur = "INR"
	}
	return &Service{
		bills: d.Bills, payments: d.Payments, cash: d.CashCollections,
		facilities: d.Facilities, patients: d.Patients, gateways: d.Gateways,
		numbers: d.Numbers, windows: d.Settlements, tx: d.Tx, audit: d.Audit,
		currency: cur, logger: d.Logger, now: time.Now,
	}
}

func billRecordID(id int64) string { return strconv.FormatInt(id, 10) }

// lockBill locks the bill row and hides bills outside the caller's scope.
func (s *Service) lockBill(ctx context.Context, scope Scope, id int64) (*Bill, error) {
	b, err := s.bills.LockByID(ctx, scope.TenantID, id)
	if err != nil {
		return nil, apperr.FromDB(err, "bill")
	}
	if !scope.Allows(b.FacilityID) {
		return nil, apperr.NotFound("bill not found")
	}
	return b, nil
}

func (s *Service) recordBill(ctx context.Context, action audit.Action, before, after *Bill) error {
	ev := audit.Event{Table: tableBills, Action: action}
	if after != nil {
		ev.TenantID, ev.FacilityID, ev.RecordID = after.TenantID, after.FacilityID, billRecordID(after.ID)
		ev.New = after
	}
	if before != nil {
		ev.TenantID, ev.FacilityID, ev.RecordID = before.TenantID, before.FacilityID, billRecordID(before.ID)
		ev.Old = before
	}
	return s.audit.Record(ctx, ev)
}

func snapshotBill(b *Bill) *Bill {
	cp := *b
	cp.Items = nil
	return &cp
}

// -- Bills --

type CreateBillInput struct {
	FacilityID     uuid.UUID
	PatientID      uuid.UUID
	Currency       string
	Notes          *string
	Items          []ItemInput
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
}

func validateItem(in ItemInput) error {
	if strings.TrimSpace(in.Description) == "" {
		return apperr.Validation("item description is required")
	}
	if err := money.ValidateAmount("quantity", in.Quantity); err != nil {
		return apperr.AsValidation(err)
	}
	if err := money.ValidateAmount("unit_price", in.UnitPrice); err != nil {
		return apperr.AsValidation(err)
	}
	return nil
}

func validateAdjustments(b *Bill) error {
	if err := money.ValidateAmount("discount_amount", b.DiscountAmount); err != nil {
		return apperr.AsValidation(err)
	}
	if err := money.ValidateAmount("tax_amount", b.TaxAmount); err != nil {
		return apperr.AsValidation(err)
	}
	if b.DiscountAmount.GreaterThan(b.SubtotalAmount) {
		return apperr.Validation("discount_amount %s exceeds subtotal %s", b.DiscountAmount, b.SubtotalAmount)
	}
	return nil
}

// CreateBill opens a draft bill with computed totals. The bill carries a
// draft number until it is issued.
func (s *Service) CreateBill(ctx context.Context, scope Scope, in CreateBillInput) (*Bill, error) {
	if in.FacilityID == uuid.Nil {
		in.FacilityID = scope.FacilityID
	}
	if in.FacilityID == uuid.Nil {
		return nil, apperr.Validation("facility_id is required")
	}
	if !scope.Allows(in.FacilityID) {
		return nil, apperr.NotFound("facility not found")
	}
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	if in.Currency == "" {
		in.Currency = s.currency
	}
	if len(in.Currency) != 3 {
		return nil, apperr.Validation("currency must be a 3-letter code")
	}
	items := make([]*BillItem, 0, len(in.Items))
	for _, it := range in.Items {
		if err := validateItem(it); err != nil {
			return nil, err
		}
		items = append(items, it.toItem())
	}

	b := &Bill{
		TenantID:       scope.TenantID,
		FacilityID:     in.FacilityID,
		PatientID:      in.PatientID,
		BillNumber:     s.numbers.DraftNumber(),
		DiscountAmount: in.DiscountAmount,
		TaxAmount:      in.TaxAmount,
		Status:         BillDraft,
		Currency:       strings.ToUpper(in.Currency),
		Notes:          in.Notes,
	}
	if uid := auth.UserIDFromContext(ctx); uid != uuid.Nil {
		b.CreatedBy = &uid
	}
	b.Recompute(items)
	if err := validateAdjustments(b); err != nil {
		return nil, err
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		fac, err := s.facilities.LoadFacility(ctx, scope.TenantID, in.FacilityID)
		if err != nil {
			return err
		}
		if !fac.Billable() {
			return apperr.InvalidState("facility is %s", fac.Status)
		}
		p, err := s.patients.GetPatient(ctx, scope.TenantID, in.PatientID)
		if err != nil {
			return err
		}
		if p.FacilityID != in.FacilityID {
			return apperr.Validation("patient is not registered at this facility")
		}
		if err := s.bills.Create(ctx, b); err != nil {
			return apperr.FromDB(err, "bill")
		}
		for _, it := range items {
			it.BillID = b.ID
			if err := s.bills.AddItem(ctx, it); err != nil {
				return apperr.FromDB(err, "bill item")
			}
		}
		b.Items = items
		return s.recordBill(ctx, audit.ActionInsert, nil, b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// mutateDraft locks a draft bill, applies fn, recomputes totals from the
// stored items and writes the bill back with an audit entry.
func (s *Service) mutateDraft(ctx context.Context, scope Scope, billID int64, fn func(ctx context.Context, b *Bill) error) (*Bill, error) {
	var out *Bill
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.lockBill(ctx, scope, billID)
		if err != nil {
			return err
		}
		if b.Status != BillDraft {
			return apperr.InvalidState("bill %d is %s; only draft bills can be edited", b.ID, b.Status)
		}
		before := snapshotBill(b)
		if err := fn(ctx, b); err != nil {
			return err
		}
		items, err := s.bills.ListItems(ctx, b.ID)
		if err != nil {
			return apperr.FromDB(err, "bill items")
		}
		b.Recompute(items)
		if err := validateAdjustments(b); err != nil {
			return err
		}
		if err := s.bills.Update(ctx, b); err != nil {
			return apperr.FromDB(err, "bill")
		}
		if err := s.recordBill(ctx, audit.ActionUpdate, before, snapshotBill(b)); err != nil {
			return err
		}
		b.Items = items
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) AddItem(ctx context.Context, scope Scope, billID int64, in ItemInput) (*Bill, error) {
	if err := validateItem(in); err != nil {
		return nil, err
	}
	return s.mutateDraft(ctx, scope, billID, func(ctx context.Context, b *Bill) error {
		it := in.toItem()
		it.BillID = b.ID
		if err := s.bills.AddItem(ctx, it); err != nil {
			return apperr.FromDB(err, "bill item")
		}
		return s.audit.Record(ctx, audit.Event{
			TenantID: b.TenantID, FacilityID: b.FacilityID, Table: tableBillItems,
			RecordID: strconv.FormatInt(it.ID, 10), Action: audit.ActionInsert, New: it,
		})
	})
}

// RemoveItem fails with a ValidationError when the remaining subtotal would
// drop below the bill's discount.
func (s *Service) RemoveItem(ctx context.Context, scope Scope, billID, itemID int64) (*Bill, error) {
	return s.mutateDraft(ctx, scope, billID, func(ctx context.Context, b *Bill) error {
		it, err := s.bills.GetItem(ctx, b.ID, itemID)
		if err != nil {
			return apperr.FromDB(err, "bill item")
		}
		if err := s.bills.DeleteItem(ctx, b.ID, itemID); err != nil {
			return apperr.FromDB(err, "bill item")
		}
		return s.audit.Record(ctx, audit.Event{
			TenantID: b.TenantID, FacilityID: b.FacilityID, Table: tableBillItems,
			RecordID: strconv.FormatInt(it.ID, 10), Action: audit.ActionDelete, Old: it,
		})
	})
}

func (s *Service) SetAdjustments(ctx context.Context, scope Scope, billID int64, discount, tax decimal.Decimal) (*Bill, error) {
	return s.mutateDraft(ctx, scope, billID, func(_ context.Context, b *Bill) error {
		b.DiscountAmount = discount
		b.TaxAmount = tax
		return nil
	})
}

// Issue moves a draft bill to issued and assigns its permanent number.
func (s *Service) Issue(ctx context.Context, scope Scope, billID int64) (*Bill, error) {
	var out *Bill
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.lockBill(ctx, scope, billID)
		if err != nil {
			return err
		}
		if b.Status != BillDraft {
			return apperr.InvalidState("bill %d is already %s", b.ID, b.Status)
		}
		items, err := s.bills.ListItems(ctx, b.ID)
		if err != nil {
			return apperr.FromDB(err, "bill items")
		}
		if len(items) == 0 {
			return apperr.InvalidState("bill %d has no items", b.ID)
		}
		before := snapshotBill(b)
		now := s.now().UTC()
		b.BillNumber = s.numbers.InvoiceNumber()
		b.Status = BillIssued
		b.IssuedAt = &now
		if err := s.bills.Update(ctx, b); err != nil {
			return apperr.FromDB(err, "bill")
		}
		if err := s.recordBill(ctx, audit.ActionUpdate, before, snapshotBill(b)); err != nil {
			return err
		}
		b.Items = items
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("tenant_id", out.TenantID.String()).
		Str("facility_id", out.FacilityID.String()).
		Int64("bill_id", out.ID).
		Str("bill_number", out.BillNumber).
		Str("total", out.TotalAmount.StringFixed(money.MinorUnits)).
		Msg("bill issued")
	return out, nil
}

// CancelBill cancels a draft, or an issued bill nothing has been paid on.
func (s *Service) CancelBill(ctx context.Context, scope Scope, billID int64) (*Bill, error) {
	var out *Bill
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.lockBill(ctx, scope, billID)
		if err != nil {
			return err
		}
		switch b.Status {
		case BillDraft:
		case BillIssued:
			n, err := s.payments.CountActiveByBill(ctx, b.ID)
			if err != nil {
				return apperr.FromDB(err, "payments")
			}
			m, err := s.cash.CountByBill(ctx, b.ID)
			if err != nil {
				return apperr.FromDB(err, "cash collections")
			}
			if n+m > 0 {
				return apperr.InvalidState("bill %d has recorded payments", b.ID)
			}
		default:
			return apperr.InvalidState("bill %d is %s and cannot be cancelled", b.ID, b.Status)
		}
		before := snapshotBill(b)
		b.Status = BillCancelled
		if err := s.bills.Update(ctx, b); err != nil {
			return apperr.FromDB(err, "bill")
		}
		if err := s.recordBill(ctx, audit.ActionUpdate, before, snapshotBill(b)); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetBill(ctx context.Context, scope Scope, billID int64) (*Bill, error) {
	b, err := s.bills.GetByID(ctx, scope.TenantID, billID)
	if err != nil {
		return nil, apperr.FromDB(err, "bill")
	}
	if !scope.Allows(b.FacilityID) {
		return nil, apperr.NotFound("bill not found")
	}
	if b.Items, err = s.bills.ListItems(ctx, b.ID); err != nil {
		return nil, apperr.FromDB(err, "bill items")
	}
	return b, nil
}

func (s *Service) ListBills(ctx context.Context, scope Scope, f BillFilter, limit, offset int) ([]*Bill, int, error) {
	if f.Status != "" && !billStatuses[f.Status] {
		return nil, 0, apperr.Validation("invalid status: %s", f.Status)
	}
	if scope.FacilityID != uuid.Nil {
		f.FacilityID = scope.FacilityID
	}
	items, total, err := s.bills.List(ctx, scope.TenantID, f, limit, offset)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "bill")
	}
	return items, total, nil
}

// nextStatus derives a bill's payment status from the money received.
// Draft and cancelled bills are left alone.
func nextStatus(current BillStatus, total decimal.Decimal, c Collected) BillStatus {
	switch current {
	case BillIssued, BillPartiallyPaid, BillPaid, BillRefunded:
	default:
		return current
	}
	got := c.Total()
	switch {
	case got.IsPositive() && got.GreaterThanOrEqual(total):
		return BillPaid
	case got.IsPositive():
		return BillPartiallyPaid
	case c.Refunded > 0:
		return BillRefunded
	default:
		return BillIssued
	}
}

// refreshStatus recomputes the status of a locked bill.
func (s *Service) refreshStatus(ctx context.Context, b *Bill) error {
	c, err := s.bills.Collected(ctx, b.ID)
	if err != nil {
		return apperr.FromDB(err, "bill payments")
	}
	next := nextStatus(b.Status, b.TotalAmount, c)
	if next == b.Status {
		return nil
	}
	before := snapshotBill(b)
	b.Status = next
	if err := s.bills.Update(ctx, b); err != nil {
		return apperr.FromDB(err, "bill")
	}
	return s.recordBill(ctx, audit.ActionUpdate, before, snapshotBill(b))
}

// -- Payments --

type RecordPaymentInput struct {
	BillID               int64
	Gateway              string
	GatewayTransactionID string
	Amount               decimal.Decimal
	// Status skips the gateway lookup when set.
	Status        PaymentStatus
	PaymentMethod *string
}

func ratesOf(f *facility.Facility) Rates {
	return Rates{
		MDRPercent:            f.PGMDRPercent,
		MDRGSTPercent:         f.PGMDRGSTPercent,
		PlatformMDRPercent:    f.PlatformMDRPercent,
		PlatformMDRGSTPercent: f.PlatformMDRGSTPercent,
	}
}

// resolveStatus asks the gateway for the transaction outcome unless the
// caller supplied one.
func (s *Service) resolveStatus(ctx context.Context, in RecordPaymentInput) (PaymentStatus, error) {
	if in.Status != "" {
		if !validPaymentStatus(in.Status) {
			return "", apperr.Validation("invalid payment status: %s", in.Status)
		}
		return in.Status, nil
	}
	out, err := s.gateways.Verify(ctx, in.Gateway, in.GatewayTransactionID)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownGateway) {
			return "", apperr.Validation("unknown gateway: %s", in.Gateway)
		}
		return "", apperr.Storage(err, "verify payment with gateway")
	}
	if out.GrossAmount.Valid && !out.GrossAmount.Decimal.Equal(in.Amount) {
		return "", apperr.Validation("amount %s does not match gateway amount %s", in.Amount, out.GrossAmount.Decimal)
	}
	st := PaymentStatus(out.Status)
	if !validPaymentStatus(st) {
		return "", apperr.Validation("gateway reported unknown status %q", out.Status)
	}
	return st, nil
}

// RecordPayment stores a gateway payment against an issued bill. The
// (gateway, gateway_transaction_id) pair is the idempotency key: a repeat is
// a ConflictError. The facility's current rates are copied onto the row.
func (s *Service) RecordPayment(ctx context.Context, scope Scope, in RecordPaymentInput) (*Payment, error) {
	in.Gateway = strings.ToLower(strings.TrimSpace(in.Gateway))
	in.GatewayTransactionID = strings.TrimSpace(in.GatewayTransactionID)
	if in.Gateway == "" {
		return nil, apperr.Validation("gateway is required")
	}
	if in.GatewayTransactionID == "" {
		return nil, apperr.Validation("gateway_transaction_id is required")
	}
	if err := money.ValidatePositiveAmount("amount", in.Amount); err != nil {
		return nil, apperr.AsValidation(err)
	}
	status, err := s.resolveStatus(ctx, in)
	if err != nil {
		return nil, err
	}

	var out *Payment
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.lockBill(ctx, scope, in.BillID)
		if err != nil {
			return err
		}
		if !b.Status.AcceptsMoney() {
			return apperr.InvalidState("bill %d is %s and does not accept payments", b.ID, b.Status)
		}
		_, err = s.payments.GetByGatewayTxn(ctx, in.Gateway, in.GatewayTransactionID)
		switch {
		case err == nil:
			return apperr.Conflict("payment %s/%s already recorded", in.Gateway, in.GatewayTransactionID)
		case !errors.Is(err, pgx.ErrNoRows):
			return apperr.FromDB(err, "payment")
		}
		f, err := s.facilities.LoadFacility(ctx, b.TenantID, b.FacilityID)
		if err != nil {
			return err
		}

		rates := ratesOf(f)
		p := &Payment{
			TenantID:             b.TenantID,
			FacilityID:           b.FacilityID,
			BillID:               b.ID,
			PatientID:            b.PatientID,
			Gateway:              in.Gateway,
			GatewayTransactionID: in.GatewayTransactionID,
			Amount:               in.Amount,
			Currency:             b.Currency,
			Status:               status,
			Rates:                rates,
			Split:                ComputeSplit(in.Amount, rates),
			PaymentMethod:        in.PaymentMethod,
		}
		if uid := auth.UserIDFromContext(ctx); uid != uuid.Nil {
			p.RecordedBy = &uid
		}
		if status == PaymentCaptured {
			at := s.now().UTC()
			p.CapturedAt = &at
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return apperr.FromDB(err, "payment")
		}
		if err := s.audit.Record(ctx, audit.Event{
			TenantID: p.TenantID, FacilityID: p.FacilityID, Table: tablePayments,
			RecordID: strconv.FormatInt(p.ID, 10), Action: audit.ActionInsert, New: p,
		}); err != nil {
			return err
		}
		if p.Status == PaymentCaptured {
			if err := s.refreshStatus(ctx, b); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("tenant_id", out.TenantID.String()).
		Int64("bill_id", out.BillID).
		Int64("payment_id", out.ID).
		Str("gateway", out.Gateway).
		Str("status", string(out.Status)).
		Msg("payment recorded")
	return out, nil
}

// UpdatePaymentStatus moves a payment along created -> authorized ->
// captured, to failed before capture, or from captured to refunded while it
// is not part of a settlement. Financial fields never change.
func (s *Service) UpdatePaymentStatus(ctx context.Context, scope Scope, paymentID int64, next PaymentStatus) (*Payment, error) {
	if !validPaymentStatus(next) {
		return nil, apperr.Validation("invalid payment status: %s", next)
	}
	var out *Payment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.payments.GetByID(ctx, scope.TenantID, paymentID)
		if err != nil {
			return apperr.FromDB(err, "payment")
		}
		if !scope.Allows(cur.FacilityID) {
			return apperr.NotFound("payment not found")
		}
		// bill before payment, matching RecordPayment's lock order
		b, err := s.lockBill(ctx, scope, cur.BillID)
		if err != nil {
			return err
		}
		p, err := s.payments.LockByID(ctx, scope.TenantID, paymentID)
		if err != nil {
			return apperr.FromDB(err, "payment")
		}
		if !p.Status.CanTransition(next) {
			return apperr.InvalidState("payment %d cannot move from %s to %s", p.ID, p.Status, next)
		}
		if next == PaymentRefunded && p.SettledInSettlementID != nil {
			return apperr.InvalidState("payment %d is part of settlement %d", p.ID, *p.SettledInSettlementID)
		}
		if next == PaymentCaptured && !(b.Status.AcceptsMoney() || b.Status == BillPaid) {
			return apperr.InvalidState("bill %d is %s and does not accept payments", b.ID, b.Status)
		}
		before := *p
		p.Status = next
		if next == PaymentCaptured {
			at := s.now().UTC()
			p.CapturedAt = &at
		}
		if err := s.payments.UpdateStatus(ctx, p); err != nil {
			return apperr.FromDB(err, "payment")
		}
		if err := s.audit.Record(ctx, audit.Event{
			TenantID: p.TenantID, FacilityID: p.FacilityID, Table: tablePayments,
			RecordID: strconv.FormatInt(p.ID, 10), Action: audit.ActionUpdate, Old: &before, New: p,
		}); err != nil {
			return err
		}
		if next == PaymentCaptured || next == PaymentRefunded {
			if err := s.refreshStatus(ctx, b); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetPayment(ctx context.Context, scope Scope, id int64) (*Payment, error) {
	p, err := s.payments.GetByID(ctx, scope.TenantID, id)
	if err != nil {
		return nil, apperr.FromDB(err, "payment")
	}
	if !scope.Allows(p.FacilityID) {
		return nil, apperr.NotFound("payment not found")
	}
	return p, nil
}

func (s *Service) ListPayments(ctx context.Context, scope Scope, billID int64) ([]*Payment, error) {
	if _, err := s.GetBill(ctx, scope, billID); err != nil {
		return nil, err
	}
	items, err := s.payments.ListByBill(ctx, scope.TenantID, billID)
	if err != nil {
		return nil, apperr.FromDB(err, "payment")
	}
	return items, nil
}

// -- Cash collections --

type RecordCashInput struct {
	BillID      int64
	Amount      decimal.Decimal
	CollectedAt *time.Time
}

// RecordCashCollection stores cash taken at the counter. Commission follows
// the facility's cash configuration at the time of collection. A backdated
// collection may not be in the future nor fall on a day already covered by a
// submitted settlement.
func (s *Service) RecordCashCollection(ctx context.Context, scope Scope, in RecordCashInput) (*CashCollection, error) {
	if err := money.ValidatePositiveAmount("amount_collected", in.Amount); err != nil {
		return nil, apperr.AsValidation(err)
	}
	now := s.now().UTC()
	collectedAt := now
	if in.CollectedAt != nil {
		collectedAt = in.CollectedAt.UTC()
		if collectedAt.After(now) {
			return nil, apperr.Validation("collection_timestamp must not be in the future")
		}
	}
	var out *CashCollection
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.lockBill(ctx, scope, in.BillID)
		if err != nil {
			return err
		}
		if !b.Status.AcceptsMoney() {
			return apperr.InvalidState("bill %d is %s and does not accept payments", b.ID, b.Status)
		}
		if in.CollectedAt != nil {
			if err := s.checkOpenPeriod(ctx, b, collectedAt); err != nil {
				return err
			}
		}
		f, err := s.facilities.LoadFacility(ctx, b.TenantID, b.FacilityID)
		if err != nil {
			return err
		}

		cc := &CashCollection{
			TenantID:             b.TenantID,
			FacilityID:           b.FacilityID,
			BillID:               b.ID,
			PatientID:            b.PatientID,
			AmountCollected:      in.Amount,
			CollectionTimestamp:  collectedAt,
			CommissionApplicable: f.CashCommissionEnabled,
			CommissionType:       CommissionType(f.CashCommissionType),
			CommissionRate:       f.CashCommissionRate,
			CommissionAmount:     decimal.Zero,
			SettlementStatus:     SettlementPending,
		}
		if cc.CommissionApplicable {
			cc.CommissionAmount = CashCommission(in.Amount, cc.CommissionType, cc.CommissionRate)
		}
		if uid := auth.UserIDFromContext(ctx); uid != uuid.Nil {
			cc.CollectedByUserID = &uid
		}
		if err := s.cash.Create(ctx, cc); err != nil {
			return apperr.FromDB(err, "cash collection")
		}
		if err := s.audit.Record(ctx, audit.Event{
			TenantID: cc.TenantID, FacilityID: cc.FacilityID, Table: tableCash,
			RecordID: strconv.FormatInt(cc.ID, 10), Action: audit.ActionInsert, New: cc,
		}); err != nil {
			return err
		}
		if err := s.refreshStatus(ctx, b); err != nil {
			return err
		}
		out = cc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkOpenPeriod rejects a collection day that a settlement past draft
// already covers, since that settlement will never claim it.
func (s *Service) checkOpenPeriod(ctx context.Context, b *Bill, at time.Time) error {
	if s.windows == nil {
		return nil
	}
	windows, err := s.windows.Covering(ctx, b.TenantID, b.FacilityID, at)
	if err != nil {
		return apperr.Storage(err, "check settlement periods")
	}
	for _, w := range windows {
		// a draft claims the record when it is collected or submitted
		if w.Status == "draft" {
			continue
		}
		return apperr.InvalidState("collection_timestamp %s falls in settlement %d which is %s",
			at.Format("2006-01-02"), w.ID, w.Status)
	}
	return nil
}

func (s *Service) ListCashCollections(ctx context.Context, scope Scope, billID int64) ([]*CashCollection, error) {
	if _, err := s.GetBill(ctx, scope, billID); err != nil {
		return nil, err
	}
	items, err := s.cash.ListByBill(ctx, scope.TenantID, billID)
	if err != nil {
		return nil, apperr.FromDB(err, "cash collection")
	}
	return items, nil
}
