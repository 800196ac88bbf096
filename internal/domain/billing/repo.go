package billing

import (
	"context"

	"github.com/google/uuid"
)

type BillRepository interface {
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Bill, error)
	// LockByID reads the bill with FOR UPDATE inside the caller's transaction.
	LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Bill, error)
	// Update writes the mutable header fields: totals, status, number, issue time, notes.
	Update(ctx context.Context, b *Bill) error
	List(ctx context.Context, tenantID uuid.UUID, f BillFilter, limit, offset int) ([]*Bill, int, error)

	AddItem(ctx context.Context, item *BillItem) error
	GetItem(ctx context.Context, billID, itemID int64) (*BillItem, error)
	DeleteItem(ctx context.Context, billID, itemID int64) error
	ListItems(ctx context.Context, billID int64) ([]*BillItem, error)

	// Collected sums the money received against the bill.
	Collected(ctx context.Context, billID int64) (Collected, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Payment, error)
	LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Payment, error)
	GetByGatewayTxn(ctx context.Context, gateway, transactionID string) (*Payment, error)
	UpdateStatus(ctx context.Context, p *Payment) error
	ListByBill(ctx context.Context, tenantID uuid.UUID, billID int64) ([]*Payment, error)
	// CountActiveByBill counts payments on the bill that are not failed.
	CountActiveByBill(ctx context.Context, billID int64) (int, error)
}

type CashCollectionRepository interface {
	Create(ctx context.Context, c *CashCollection) error
	GetByID(ctx context.Context, tenantID uuid.UUID, id int64) (*CashCollection, error)
	ListByBill(ctx context.Context, tenantID uuid.UUID, billID int64) ([]*CashCollection, error)
	CountByBill(ctx context.Context, billID int64) (int, error)
}

