package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, s *Settlement) error
	GetByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Settlement, error)
	LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Settlement, error)
	// FindOverlapping returns the non-cancelled settlements of a facility
	// whose inclusive date range intersects [from, to].
	FindOverlapping(ctx context.Context, tenantID, facilityID uuid.UUID, from, to time.Time) ([]*Settlement, error)
	Update(ctx context.Context, s *Settlement) error
	List(ctx context.Context, tenantID uuid.UUID, f Filter, limit, offset int) ([]*Settlement, int, error)
}

// LinkRepository moves payments and cash collections in and out of a
// settlement. Claims are single statements so two concurrent collects cannot
// link the same record twice.
type LinkRepository interface {
	ClaimPayments(ctx context.Context, s *Settlement) (int64, error)
	ClaimCash(ctx context.Context, s *Settlement) (int64, error)
	Totals(ctx context.Context, settlementID int64) (Totals, error)
	SetCashStatus(ctx context.Context, settlementID int64, status Status) error
	Release(ctx context.Context, settlementID int64) error
	ListPayments(ctx context.Context, settlementID int64) ([]*LinkedPayment, error)
	ListCash(ctx context.Context, settlementID int64) ([]*LinkedCash, error)
}
