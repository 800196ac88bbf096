package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hcp/hcp/internal/domain/billing"
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

// dayBounds turns an inclusive date range into a half-open UTC timestamp
// window.
func dayBounds(from, to time.Time) (time.Time, time.Time) {
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return start, end
}

// =========== Settlement Repository ===========

type settlementRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &settlementRepoPG{pool: pool} }

func (r *settlementRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const settlementCols = `id, tenant_id, facility_id, settlement_type, from_date, to_date,
	total_collections_amount, total_commission_amount, hospital_share_amount, platform_share_amount,
	settlement_status, created_by_user_id, approved_by_user_id, paid_by_user_id,
	approved_at, paid_at, cancelled_at, notes, created_at, updated_at`

func scanSettlement(row pgx.Row) (*Settlement, error) {
	var s Settlement
	var typ, status string
	err := row.Scan(&s.ID, &s.TenantID, &s.FacilityID, &typ, &s.FromDate, &s.ToDate,
		&s.TotalCollectionsAmount, &s.TotalCommissionAmount, &s.HospitalShareAmount, &s.PlatformShareAmount,
		&status, &s.CreatedByUserID, &s.ApprovedByUserID, &s.PaidByUserID,
		&s.ApprovedAt, &s.PaidAt, &s.CancelledAt, &s.Notes, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Type = Type(typ)
	s.Status = Status(status)
	return &s, nil
}

func (r *settlementRepoPG) Create(ctx context.Context, s *Settlement) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO settlement.facility_settlements (tenant_id, facility_id, settlement_type,
			from_date, to_date, total_collections_amount, total_commission_amount,
			hospital_share_amount, platform_share_amount, settlement_status, created_by_user_id, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		s.TenantID, s.FacilityID, string(s.Type), s.FromDate, s.ToDate,
		s.TotalCollectionsAmount, s.TotalCommissionAmount, s.HospitalShareAmount, s.PlatformShareAmount,
		string(s.Status), s.CreatedByUserID, s.Notes,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *settlementRepoPG) GetByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Settlement, error) {
	return scanSettlement(r.conn(ctx).QueryRow(ctx,
		`SELECT `+settlementCols+` FROM settlement.facility_settlements WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

func (r *settlementRepoPG) LockByID(ctx context.Context, tenantID uuid.UUID, id int64) (*Settlement, error) {
	return scanSettlement(r.conn(ctx).QueryRow(ctx,
		`SELECT `+settlementCols+` FROM settlement.facility_settlements WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID))
}

func (r *settlementRepoPG) FindOverlapping(ctx context.Context, tenantID, facilityID uuid.UUID, from, to time.Time) ([]*Settlement, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+settlementCols+` FROM settlement.facility_settlements
		WHERE tenant_id = $1 AND facility_id = $2 AND settlement_status <> 'cancelled'
			AND from_date <= $4 AND to_date >= $3
		ORDER BY from_date`, tenantID, facilityID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *settlementRepoPG) Update(ctx context.Context, s *Settlement) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE settlement.facility_settlements SET
			total_collections_amount = $3, total_commission_amount = $4,
			hospital_share_amount = $5, platform_share_amount = $6,
			settlement_status = $7, approved_by_user_id = $8, paid_by_user_id = $9,
			approved_at = $10, paid_at = $11, cancelled_at = $12, notes = $13, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at`,
		s.ID, s.TenantID, s.TotalCollectionsAmount, s.TotalCommissionAmount,
		s.HospitalShareAmount, s.PlatformShareAmount, string(s.Status),
		s.ApprovedByUserID, s.PaidByUserID, s.ApprovedAt, s.PaidAt, s.CancelledAt, s.Notes,
	).Scan(&s.UpdatedAt)
}

func (r *settlementRepoPG) List(ctx context.Context, tenantID uuid.UUID, f Filter, limit, offset int) ([]*Settlement, int, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	idx := 2
	if f.FacilityID != uuid.Nil {
		where = append(where, fmt.Sprintf("facility_id = $%d", idx))
		args = append(args, f.FacilityID)
		idx++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("settlement_status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		"SELECT COUNT(*) FROM settlement.facility_settlements WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM settlement.facility_settlements WHERE %s
		ORDER BY from_date DESC, id DESC LIMIT $%d OFFSET $%d`, settlementCols, clause, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// =========== Period Windows ===========

type windowsPG struct{ pool *pgxpool.Pool }

// NewWindowsPG lets billing see which settlements cover a collection day.
func NewWindowsPG(pool *pgxpool.Pool) billing.SettlementWindows { return &windowsPG{pool: pool} }

func (w *windowsPG) Covering(ctx context.Context, tenantID, facilityID uuid.UUID, at time.Time) ([]billing.SettlementWindow, error) {
	rows, err := connFor(ctx, w.pool).Query(ctx, `
		SELECT id, settlement_status FROM settlement.facility_settlements
		WHERE tenant_id = $1 AND facility_id = $2 AND settlement_status <> 'cancelled'
			AND from_date <= $3::date AND to_date >= $3::date
		ORDER BY id
		FOR SHARE`, tenantID, facilityID, at.UTC().Format(DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []billing.SettlementWindow
	for rows.Next() {
		var sw billing.SettlementWindow
		if err := rows.Scan(&sw.ID, &sw.Status); err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// =========== Link Repository ===========

type linkRepoPG struct{ pool *pgxpool.Pool }

func NewLinkRepoPG(pool *pgxpool.Pool) LinkRepository { return &linkRepoPG{pool: pool} }

func (r *linkRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *linkRepoPG) ClaimPayments(ctx context.Context, s *Settlement) (int64, error) {
	start, end := dayBounds(s.FromDate, s.ToDate)
	tag, err := r.conn(ctx).Exec(ctx, `
		WITH claimed AS (
			UPDATE billing.payments SET settled_in_settlement_id = $1, updated_at = NOW()
			WHERE tenant_id = $2 AND facility_id = $3 AND status = 'captured'
				AND settled_in_settlement_id IS NULL
				AND captured_at >= $4 AND captured_at < $5
			RETURNING id
		)
		INSERT INTO settlement.settlement_payments (settlement_id, payment_id)
		SELECT $1, id FROM claimed
		ON CONFLICT DO NOTHING`,
		s.ID, s.TenantID, s.FacilityID, start, end)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *linkRepoPG) ClaimCash(ctx context.Context, s *Settlement) (int64, error) {
	start, end := dayBounds(s.FromDate, s.ToDate)
	tag, err := r.conn(ctx).Exec(ctx, `
		WITH claimed AS (
			UPDATE billing.cash_collections
			SET settled_in_settlement_id = $1, settlement_status = $6, updated_at = NOW()
			WHERE tenant_id = $2 AND facility_id = $3 AND settlement_status = 'pending'
				AND settled_in_settlement_id IS NULL
				AND collection_timestamp >= $4 AND collection_timestamp < $5
			RETURNING id
		)
		INSERT INTO settlement.settlement_cash_collections (settlement_id, cash_collection_id)
		SELECT $1, id FROM claimed
		ON CONFLICT DO NOTHING`,
		s.ID, s.TenantID, s.FacilityID, start, end, string(s.Status))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *linkRepoPG) Totals(ctx context.Context, settlementID int64) (Totals, error) {
	var t Totals
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM settlement.settlement_payments WHERE settlement_id = $1),
			(SELECT COUNT(*) FROM settlement.settlement_cash_collections WHERE settlement_id = $1),
			COALESCE((SELECT SUM(p.amount) FROM billing.payments p
				JOIN settlement.settlement_payments sp ON sp.payment_id = p.id WHERE sp.settlement_id = $1), 0),
			COALESCE((SELECT SUM(c.amount_collected) FROM billing.cash_collections c
				JOIN settlement.settlement_cash_collections sc ON sc.cash_collection_id = c.id WHERE sc.settlement_id = $1), 0),
			COALESCE((SELECT SUM(p.mdr_amount + p.mdr_gst_amount) FROM billing.payments p
				JOIN settlement.settlement_payments sp ON sp.payment_id = p.id WHERE sp.settlement_id = $1), 0),
			COALESCE((SELECT SUM(p.platform_commission_amount) FROM billing.payments p
				JOIN settlement.settlement_payments sp ON sp.payment_id = p.id WHERE sp.settlement_id = $1), 0),
			COALESCE((SELECT SUM(c.commission_amount) FROM billing.cash_collections c
				JOIN settlement.settlement_cash_collections sc ON sc.cash_collection_id = c.id WHERE sc.settlement_id = $1), 0)`,
		settlementID,
	).Scan(&t.PaymentCount, &t.CashCount, &t.PaymentAmount, &t.CashAmount,
		&t.GatewayFees, &t.PlatformCommission, &t.CashCommission)
	return t, err
}

func (r *linkRepoPG) SetCashStatus(ctx context.Context, settlementID int64, status Status) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE billing.cash_collections SET settlement_status = $2, updated_at = NOW()
		WHERE settled_in_settlement_id = $1`, settlementID, string(status))
	return err
}

// Release unlinks every record so a later settlement can claim it again.
func (r *linkRepoPG) Release(ctx context.Context, settlementID int64) error {
	q := r.conn(ctx)
	stmts := []string{
		`UPDATE billing.payments SET settled_in_settlement_id = NULL, updated_at = NOW()
			WHERE settled_in_settlement_id = $1`,
		`UPDATE billing.cash_collections SET settled_in_settlement_id = NULL,
			settlement_status = 'pending', updated_at = NOW()
			WHERE settled_in_settlement_id = $1`,
		`DELETE FROM settlement.settlement_payments WHERE settlement_id = $1`,
		`DELETE FROM settlement.settlement_cash_collections WHERE settlement_id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := q.Exec(ctx, stmt, settlementID); err != nil {
			return err
		}
	}
	return nil
}

func (r *linkRepoPG) ListPayments(ctx context.Context, settlementID int64) ([]*LinkedPayment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.id, p.bill_id, b.bill_number, p.gateway, p.gateway_transaction_id, p.amount,
			p.mdr_amount, p.mdr_gst_amount, p.platform_commission_amount,
			p.net_settlement_to_facility, p.captured_at
		FROM settlement.settlement_payments sp
		JOIN billing.payments p ON p.id = sp.payment_id
		JOIN billing.bills b ON b.id = p.bill_id
		WHERE sp.settlement_id = $1
		ORDER BY p.captured_at, p.id`, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LinkedPayment
	for rows.Next() {
		var p LinkedPayment
		if err := rows.Scan(&p.PaymentID, &p.BillID, &p.BillNumber, &p.Gateway, &p.GatewayTransactionID,
			&p.Amount, &p.MDRAmount, &p.MDRGSTAmount, &p.PlatformCommissionAmount,
			&p.NetSettlementToFacility, &p.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *linkRepoPG) ListCash(ctx context.Context, settlementID int64) ([]*LinkedCash, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT c.id, c.bill_id, b.bill_number, c.amount_collected, c.commission_type,
			c.commission_rate, c.commission_amount, c.collection_timestamp
		FROM settlement.settlement_cash_collections sc
		JOIN billing.cash_collections c ON c.id = sc.cash_collection_id
		JOIN billing.bills b ON b.id = c.bill_id
		WHERE sc.settlement_id = $1
		ORDER BY c.collection_timestamp, c.id`, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LinkedCash
	for rows.Next() {
		var c LinkedCash
		if err := rows.Scan(&c.CashCollectionID, &c.BillID, &c.BillNumber, &c.AmountCollected,
			&c.CommissionType, &c.CommissionRate, &c.CommissionAmount, &c.CollectionTimestamp); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
