package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hcp/hcp/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

func (r *billRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const billCols = `id, tenant_id, facility_id, patient_id, bill_number,
	subtotal_amount, discount_amount, tax_amount, total_amount, status, currency,
	notes, issued_at, created_by, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	var status string
	err := row.Scan(&b.ID, &b.TenantID, &b.FacilityID, &b.PatientID, &b.BillNumber,
		&b.SubtotalAmount, &b.DiscountAmount, &b.TaxAmount, &b.TotalAmount, &status, &b.Currency,
		&b.Notes, &b.IssuedAt, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = BillStatus(status)
	return &b, nil
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing.bills (tenant_id, facility_id, patient_id, bill_number,
			subtotal_amount, discount_amount, tax_amount, total_amount, status, currency, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		b.TenantID, b.FacilityID, b.PatientID, b.BillNumber,
		b.SubtotalAmount, b.DiscountAmount, b.TaxAmount, b.TotalAmount, string(b.Status), b.Currency,
		b.Notes, b.CreatedBy,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
}

func (r *billRepoPG) GetByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Bill, error) {
	return scanBill(r.conn(ctx).QueryRow(ctx,
		`SELECT `+billCols+` FROM billing.bills WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *billRepoPG) LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Bill, error) {
	return scanBill(r.conn(ctx).QueryRow(ctx,
		`SELECT `+billCols+` FROM billing.bills WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
}

func (r *billRepoPG) Update(ctx context.Context, b *Bill) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE billing.bills SET
			bill_number = $3, subtotal_amount = $4, discount_amount = $5, tax_amount = $6,
			total_amount = $7, status = $8, notes = $9, issued_at = $10, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		b.TenantID, b.ID, b.BillNumber, b.SubtotalAmount, b.DiscountAmount, b.TaxAmount,
		b.TotalAmount, string(b.Status), b.Notes, b.IssuedAt,
	).Scan(&b.UpdatedAt)
}

func (r *billRepoPG) List(ctx context.Context, tenantID uuid.UUID, f BillFilter, limit, offset int) ([]*Bill, int, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	idx := 2
	if f.FacilityID != uuid.Nil {
		where = append(where, fmt.Sprintf("facility_id = $%d", idx))
		args = append(args, f.FacilityID)
		idx++
	}
	if f.PatientID != uuid.Nil {
		where = append(where, fmt.Sprintf("patient_id = $%d", idx))
		args = append(args, f.PatientID)
		idx++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM billing.bills WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM billing.bills WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		billCols, clause, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

const itemCols = `id, bill_id, service_id, description, quantity, unit_price, line_total, created_at`

func scanItem(row pgx.Row) (*BillItem, error) {
	var it BillItem
	if err := row.Scan(&it.ID, &it.BillID, &it.ServiceID, &it.Description,
		&it.Quantity, &it.UnitPrice, &it.LineTotal, &it.CreatedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *billRepoPG) AddItem(ctx context.Context, it *BillItem) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing.bill_items (bill_id, service_id, description, quantity, unit_price, line_total)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		it.BillID, it.ServiceID, it.Description, it.Quantity, it.UnitPrice, it.LineTotal,
	).Scan(&it.ID, &it.CreatedAt)
}

func (r *billRepoPG) GetItem(ctx context.Context, billID, itemID int64) (*BillItem, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+itemCols+` FROM billing.bill_items WHERE bill_id = $1 AND id = $2`, billID, itemID))
}

func (r *billRepoPG) DeleteItem(ctx context.Context, billID, itemID int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM billing.bill_items WHERE bill_id = $1 AND id = $2`, billID, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *billRepoPG) ListItems(ctx context.Context, billID int64) ([]*BillItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM billing.bill_items WHERE bill_id = $1 ORDER BY id`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BillItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Collected sums captured payments and cash against the bill, and counts
// refunded payments so a fully refunded bill can be told apart from an
// unpaid one.
func (r *billRepoPG) Collected(ctx context.Context, billID int64) (Collected, error) {
	var c Collected
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COALESCE((SELECT SUM(amount) FROM billing.payments WHERE bill_id = $1 AND status = 'captured'), 0),
			COALESCE((SELECT SUM(amount_collected) FROM billing.cash_collections WHERE bill_id = $1), 0),
			(SELECT COUNT(*) FROM billing.payments WHERE bill_id = $1 AND status = 'refunded')`,
		billID,
	).Scan(&c.Captured, &c.Cash, &c.Refunded)
	return c, err
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const paymentCols = `id, tenant_id, facility_id, bill_id, patient_id, gateway, gateway_transaction_id,
	amount, currency, status,
	mdr_percent, mdr_amount, mdr_gst_percent, mdr_gst_amount,
	platform_mdr_percent, platform_mdr_amount, platform_mdr_gst_percent, platform_mdr_gst_amount,
	platform_commission_amount, net_settlement_to_facility,
	settled_in_settlement_id, payment_method, recorded_by, captured_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var status string
	err := row.Scan(&p.ID, &p.TenantID, &p.FacilityID, &p.BillID, &p.PatientID, &p.Gateway, &p.GatewayTransactionID,
		&p.Amount, &p.Currency, &status,
		&p.MDRPercent, &p.MDRAmount, &p.MDRGSTPercent, &p.MDRGSTAmount,
		&p.PlatformMDRPercent, &p.PlatformMDRAmount, &p.PlatformMDRGSTPercent, &p.PlatformMDRGSTAmount,
		&p.PlatformCommissionAmount, &p.NetSettlementToFacility,
		&p.SettledInSettlementID, &p.PaymentMethod, &p.RecordedBy, &p.CapturedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	return &p, nil
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing.payments (tenant_id, facility_id, bill_id, patient_id, gateway, gateway_transaction_id,
			amount, currency, status,
			mdr_percent, mdr_amount, mdr_gst_percent, mdr_gst_amount,
			platform_mdr_percent, platform_mdr_amount, platform_mdr_gst_percent, platform_mdr_gst_amount,
			platform_commission_amount, net_settlement_to_facility, payment_method, recorded_by, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id, created_at, updated_at`,
		p.TenantID, p.FacilityID, p.BillID, p.PatientID, p.Gateway, p.GatewayTransactionID,
		p.Amount, p.Currency, string(p.Status),
		p.MDRPercent, p.MDRAmount, p.MDRGSTPercent, p.MDRGSTAmount,
		p.PlatformMDRPercent, p.PlatformMDRAmount, p.PlatformMDRGSTPercent, p.PlatformMDRGSTAmount,
		p.PlatformCommissionAmount, p.NetSettlementToFacility, p.PaymentMethod, p.RecordedBy, p.CapturedAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *paymentRepoPG) GetByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM billing.payments WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *paymentRepoPG) LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM billing.payments WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
}

func (r *paymentRepoPG) GetByGatewayTxn(ctx context.Context, gateway, transactionID string) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM billing.payments WHERE gateway = $1 AND gateway_transaction_id = $2`,
		gateway, transactionID))
}

// UpdateStatus only touches the status and capture time; financial fields
// are written once at insert.
func (r *paymentRepoPG) UpdateStatus(ctx context.Context, p *Payment) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE billing.payments SET status = $3, captured_at = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		p.TenantID, p.ID, string(p.Status), p.CapturedAt,
	).Scan(&p.UpdatedAt)
}

func (r *paymentRepoPG) ListByBill(ctx context.Context, tenantID uuid.UUID, billID int64) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM billing.payments WHERE tenant_id = $1 AND bill_id = $2 ORDER BY created_at, id`,
		tenantID, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *paymentRepoPG) CountActiveByBill(ctx context.Context, billID int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM billing.payments WHERE bill_id = $1 AND status <> 'failed'`, billID).Scan(&n)
	return n, err
}

// =========== Cash Collection Repository ===========

type cashRepoPG struct{ pool *pgxpool.Pool }

func NewCashCollectionRepoPG(pool *pgxpool.Pool) CashCollectionRepository { return &cashRepoPG{pool: pool} }

func (r *cashRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const cashCols = `id, tenant_id, facility_id, bill_id, patient_id, collected_by_user_id, amount_collected,
	collection_timestamp, commission_applicable, commission_type, commission_rate, commission_amount,
	settlement_status, settled_in_settlement_id, created_at, updated_at`

func scanCash(row pgx.Row) (*CashCollection, error) {
	var c CashCollection
	var ctype, sstatus string
	err := row.Scan(&c.ID, &c.TenantID, &c.FacilityID, &c.BillID, &c.PatientID, &c.CollectedByUserID, &c.AmountCollected,
		&c.CollectionTimestamp, &c.CommissionApplicable, &ctype, &c.CommissionRate, &c.CommissionAmount,
		&sstatus, &c.SettledInSettlementID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.CommissionType = CommissionType(ctype)
	c.SettlementStatus = SettlementStatus(sstatus)
	return &c, nil
}

func (r *cashRepoPG) Create(ctx context.Context, c *CashCollection) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing.cash_collections (tenant_id, facility_id, bill_id, patient_id, collected_by_user_id,
			amount_collected, collection_timestamp, commission_applicable, commission_type, commission_rate,
			commission_amount, settlement_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		c.TenantID, c.FacilityID, c.BillID, c.PatientID, c.CollectedByUserID,
		c.AmountCollected, c.CollectionTimestamp, c.CommissionApplicable, string(c.CommissionType), c.CommissionRate,
		c.CommissionAmount, string(c.SettlementStatus),
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *cashRepoPG) GetByID(ctx context.Context, tenantID uuid.UUID, id int64) (*CashCollection, error) {
	return scanCash(r.conn(ctx).QueryRow(ctx,
		`SELECT `+cashCols+` FROM billing.cash_collections WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *cashRepoPG) ListByBill(ctx context.Context, tenantID uuid.UUID, billID int64) ([]*CashCollection, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cashCols+` FROM billing.cash_collections WHERE tenant_id = $1 AND bill_id = $2
		 ORDER BY collection_timestamp, id`, tenantID, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CashCollection
	for rows.Next() {
		c, err := scanCash(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *cashRepoPG) CountByBill(ctx context.Context, billID int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM billing.cash_collections WHERE bill_id = $1`, billID).Scan(&n)
	return n, err
}
