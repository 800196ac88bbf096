package settlement

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hcp/hcp/internal/domain/audit"
	"github.com/hcp/hcp/internal/domain/billing"
	"github.com/hcp/hcp/internal/domain/facility"
	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/auth"
	"github.com/hcp/hcp/internal/platform/db"
)

const tableSettlements = "settlement.facility_settlements"

type Auditor interface {
	Record(ctx context.Context, ev audit.Event) error
}

// FacilityLocker row-locks a facility so opens for it run one at a time.
type FacilityLocker interface {
	LockFacility(ctx context.Context, tenantID, id uuid.UUID) (*facility.Facility, error)
}

type Service struct {
	repo       Repository
	links      LinkRepository
	facilities FacilityLocker
	tx         db.TxRunner
	audit      Auditor
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, links LinkRepository, facilities FacilityLocker, tx db.TxRunner, a Auditor, logger zerolog.Logger) *Service {
	return &Service{
		repo: repo, links: links, facilities: facilities, tx: tx, audit: a,
		logger: logger, now: time.Now,
	}
}

func recordID(id int64) string { return strconv.FormatInt(id, 10) }

func (s *Service) record(ctx context.Context, action audit.Action, before, after *Settlement) error {
	ev := audit.Event{Table: tableSettlements, Action: action, New: after}
	ref := after
	if before != nil {
		ev.Old = before
		ref = before
	}
	ev.TenantID, ev.FacilityID, ev.RecordID = ref.TenantID, ref.FacilityID, recordID(ref.ID)
	return s.audit.Record(ctx, ev)
}

func (s *Service) lock(ctx context.Context, scope billing.Scope, id int64) (*Settlement, error) {
	st, err := s.repo.LockByID(ctx, scope.TenantID, id)
	if err != nil {
		return nil, apperr.FromDB(err, "settlement")
	}
	if !scope.Allows(st.FacilityID) {
		return nil, apperr.NotFound("settlement not found")
	}
	return st, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate reads a YYYY-MM-DD settlement bound.
func ParseDate(field, v string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be a date in YYYY-MM-DD form", field)
	}
	return t, nil
}

type OpenInput struct {
	FacilityID uuid.UUID
	Type       Type
	FromDate   time.Time
	ToDate     time.Time
	Notes      *string
}

// Open creates a draft settlement. A facility may not have two non-cancelled
// settlements with intersecting date ranges.
func (s *Service) Open(ctx context.Context, scope billing.Scope, in OpenInput) (*Settlement, error) {
	if in.FacilityID == uuid.Nil {
		in.FacilityID = scope.FacilityID
	}
	if in.FacilityID == uuid.Nil {
		return nil, apperr.Validation("facility_id is required")
	}
	if !scope.Allows(in.FacilityID) {
		return nil, apperr.NotFound("facility not found")
	}
	if !in.Type.Valid() {
		return nil, apperr.Validation("invalid settlement_type %q", in.Type)
	}
	if in.FromDate.IsZero() || in.ToDate.IsZero() {
		return nil, apperr.Validation("from_date and to_date are required")
	}
	in.FromDate, in.ToDate = truncateDay(in.FromDate), truncateDay(in.ToDate)
	if in.FromDate.After(in.ToDate) {
		return nil, apperr.Validation("from_date must not be after to_date")
	}

	st := &Settlement{
		TenantID:   scope.TenantID,
		FacilityID: in.FacilityID,
		Type:       in.Type,
		FromDate:   in.FromDate,
		ToDate:     in.ToDate,
		Status:     StatusDraft,
		Notes:      in.Notes,
	}
	Totals{}.Apply(st)
	if uid := auth.UserIDFromContext(ctx); uid != uuid.Nil {
		st.CreatedByUserID = &uid
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.facilities.LockFacility(ctx, scope.TenantID, in.FacilityID); err != nil {
			return err
		}
		existing, err := s.repo.FindOverlapping(ctx, scope.TenantID, in.FacilityID, in.FromDate, in.ToDate)
		if err != nil {
			return apperr.Storage(err, "check overlapping settlements")
		}
		if len(existing) > 0 {
			o := existing[0]
			return apperr.Conflict("settlement %d already covers %s to %s",
				o.ID, o.FromDate.Format(DateLayout), o.ToDate.Format(DateLayout))
		}
		if err := s.repo.Create(ctx, st); err != nil {
			return apperr.FromDB(err, "settlement")
		}
		return s.record(ctx, audit.ActionInsert, nil, st)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("settlement_id", st.ID).Str("facility_id", st.FacilityID.String()).
		Str("type", string(st.Type)).Msg("settlement opened")
	return st, nil
}

// CollectUnsettled links every eligible record in the settlement's range that
// no other settlement holds, then recomputes totals from the linked set.
// Calling it again links nothing new and leaves totals unchanged.
func (s *Service) CollectUnsettled(ctx context.Context, scope billing.Scope, id int64) (*CollectResult, error) {
	res := &CollectResult{}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		st, err := s.lock(ctx, scope, id)
		if err != nil {
			return err
		}
		if st.Status != StatusDraft {
			return apperr.InvalidState("cannot collect into a %s settlement", st.Status)
		}
		if res.PaymentsLinked, res.CashLinked, err = s.claim(ctx, st); err != nil {
			return err
		}
		res.Settlement = st
		if res.PaymentsLinked == 0 && res.CashLinked == 0 {
			return nil
		}
		before := *st
		if err := s.applyTotals(ctx, st); err != nil {
			return err
		}
		return s.record(ctx, audit.ActionUpdate, &before, st)
	})
	if err != nil {
		return nil, err
	}
	if res.PaymentsLinked > 0 || res.CashLinked > 0 {
		s.logger.Info().Int64("settlement_id", id).Int64("payments", res.PaymentsLinked).
			Int64("cash_collections", res.CashLinked).Msg("settlement collected")
	}
	return res, nil
}

// claim links the unsettled records of the settlement's type and range.
func (s *Service) claim(ctx context.Context, st *Settlement) (payments, cash int64, err error) {
	if st.Type.IncludesPayments() {
		if payments, err = s.links.ClaimPayments(ctx, st); err != nil {
			return 0, 0, apperr.Storage(err, "claim payments")
		}
	}
	if st.Type.IncludesCash() {
		if cash, err = s.links.ClaimCash(ctx, st); err != nil {
			return 0, 0, apperr.Storage(err, "claim cash collections")
		}
	}
	return payments, cash, nil
}

func (s *Service) applyTotals(ctx context.Context, st *Settlement) error {
	t, err := s.links.Totals(ctx, st.ID)
	if err != nil {
		return apperr.Storage(err, "sum linked records")
	}
	t.Apply(st)
	if err := s.repo.Update(ctx, st); err != nil {
		return apperr.FromDB(err, "settlement")
	}
	return nil
}

// transition locks the settlement, checks the move, lets fn stamp the row
// and persists it with an audit entry.
func (s *Service) transition(ctx context.Context, scope billing.Scope, id int64, next Status, fn func(ctx context.Context, st *Settlement) error) (*Settlement, error) {
	var out *Settlement
	var from Status
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		st, err := s.lock(ctx, scope, id)
		if err != nil {
			return err
		}
		if !st.Status.CanTransition(next) {
			return apperr.InvalidState("cannot move settlement from %s to %s", st.Status, next)
		}
		before := *st
		from = st.Status
		st.Status = next
		if fn != nil {
			if err := fn(ctx, st); err != nil {
				return err
			}
		}
		if err := s.repo.Update(ctx, st); err != nil {
			return apperr.FromDB(err, "settlement")
		}
		if next != StatusCancelled {
			if err := s.links.SetCashStatus(ctx, st.ID, next); err != nil {
				return apperr.Storage(err, "sync cash settlement status")
			}
		}
		out = st
		return s.record(ctx, audit.ActionUpdate, &before, st)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("settlement_id", id).Str("from", string(from)).
		Str("to", string(next)).Msg("settlement status changed")
	return out, nil
}

// Submit sends a draft for approval once its last day has passed in UTC.
// Records that arrived since the last collect are claimed first, and an empty
// settlement cannot be submitted.
func (s *Service) Submit(ctx context.Context, scope billing.Scope, id int64) (*Settlement, error) {
	return s.transition(ctx, scope, id, StatusPending, func(ctx context.Context, st *Settlement) error {
		if today := truncateDay(s.now().UTC()); !st.ToDate.Before(today) {
			return apperr.InvalidState("settlement period ends %s and cannot be submitted before it closes",
				st.ToDate.Format(DateLayout))
		}
		if _, _, err := s.claim(ctx, st); err != nil {
			return err
		}
		t, err := s.links.Totals(ctx, st.ID)
		if err != nil {
			return apperr.Storage(err, "sum linked records")
		}
		if t.Empty() {
			return apperr.InvalidState("settlement has no payments or cash collections")
		}
		t.Apply(st)
		return nil
	})
}

func (s *Service) Approve(ctx context.Context, scope billing.Scope, id int64) (*Settlement, error) {
	return s.transition(ctx, scope, id, StatusApproved, func(ctx context.Context, st *Settlement) error {
		now := s.now()
		st.ApprovedAt = &now
		if uid := auth.UserIDFromContext(ctx); uid != uuid.Nil {
			st.ApprovedByUserID = &uid
		}
		return nil
	})
}

func (s *Service) MarkPaid(ctx context.Context, scope billing.Scope, id int64) (*Settlement, error) {
	return s.transition(ctx, scope, id, StatusPaid, func(ctx context.Context, st *Settlement) error {
		now := s.now()
		st.PaidAt = &now
		if uid := auth.UserIDFromContext(ctx); uid != uuid.Nil {
			st.PaidByUserID = &uid
		}
		return nil
	})
}

// Cancel abandons a draft or pending settlement and releases its records
// back to the unsettled pool.
func (s *Service) Cancel(ctx context.Context, scope billing.Scope, id int64) (*Settlement, error) {
	return s.transition(ctx, scope, id, StatusCancelled, func(ctx context.Context, st *Settlement) error {
		if err := s.links.Release(ctx, st.ID); err != nil {
			return apperr.Storage(err, "release linked records")
		}
		now := s.now()
		st.CancelledAt = &now
		Totals{}.Apply(st)
		return nil
	})
}

func (s *Service) Get(ctx context.Context, scope billing.Scope, id int64) (*Settlement, error) {
	st, err := s.repo.GetByID(ctx, scope.TenantID, id)
	if err != nil {
		return nil, apperr.FromDB(err, "settlement")
	}
	if !scope.Allows(st.FacilityID) {
		return nil, apperr.NotFound("settlement not found")
	}
	return st, nil
}

func (s *Service) List(ctx context.Context, scope billing.Scope, f Filter, limit, offset int) ([]*Settlement, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation("invalid settlement_status %q", f.Status)
	}
	if scope.FacilityID != uuid.Nil {
		f.FacilityID = scope.FacilityID
	}
	out, total, err := s.repo.List(ctx, scope.TenantID, f, limit, offset)
	if err != nil {
		return nil, 0, apperr.Storage(err, "list settlements")
	}
	return out, total, nil
}

func (s *Service) LinkedPayments(ctx context.Context, scope billing.Scope, id int64) ([]*LinkedPayment, error) {
	if _, err := s.Get(ctx, scope, id); err != nil {
		return nil, err
	}
	out, err := s.links.ListPayments(ctx, id)
	if err != nil {
		return nil, apperr.Storage(err, "list linked payments")
	}
	return out, nil
}

func (s *Service) LinkedCash(ctx context.Context, scope billing.Scope, id int64) ([]*LinkedCash, error) {
	if _, err := s.Get(ctx, scope, id); err != nil {
		return nil, err
	}
	out, err := s.links.ListCash(ctx, id)
	if err != nil {
		return nil, apperr.Storage(err, "list linked cash collections")
	}
	return out, nil
}

// Statement gathers a settlement with its linked records for export.
func (s *Service) Statement(ctx context.Context, scope billing.Scope, id int64) (*Statement, error) {
	st, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.links.ListPayments(ctx, id)
	if err != nil {
		return nil, apperr.Storage(err, "list linked payments")
	}
	cash, err := s.links.ListCash(ctx, id)
	if err != nil {
		return nil, apperr.Storage(err, "list linked cash collections")
	}
	return &Statement{Settlement: st, Payments: payments, Cash: cash}, nil
}
