package facility

import (
	"context"

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

// =========== Tenant Repository ===========

type tenantRepoPG struct{ pool *pgxpool.Pool }

func NewTenantRepoPG(pool *pgxpool.Pool) TenantRepository { return &tenantRepoPG{pool: pool} }

func (r *tenantRepoPG) Create(ctx context.Context, t *Tenant) error {
	return connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO app.tenants (code, name, status) VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		t.Code, t.Name, t.Status,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (r *tenantRepoPG) GetByCode(ctx context.Context, code string) (*Tenant, error) {
	var t Tenant
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		SELECT id, code, name, status, created_at, updated_at FROM app.tenants WHERE code = $1`, code,
	).Scan(&t.ID, &t.Code, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =========== Facility Repository ===========

type facilityRepoPG struct{ pool *pgxpool.Pool }

func NewFacilityRepoPG(pool *pgxpool.Pool) FacilityRepository { return &facilityRepoPG{pool: pool} }

const facilityCols = `id, tenant_id, name, facility_type, status,
	pg_mdr_percent, pg_mdr_gst_percent, platform_mdr_percent, platform_mdr_gst_percent,
	cash_commission_enabled, cash_commission_type, cash_commission_rate,
	onboarded_at, created_by, created_at, updated_at`

func scanFacility(row pgx.Row) (*Facility, error) {
	var f Facility
	var ctype string
	err := row.Scan(&f.ID, &f.TenantID, &f.Name, &f.FacilityType, &f.Status,
		&f.PGMDRPercent, &f.PGMDRGSTPercent, &f.PlatformMDRPercent, &f.PlatformMDRGSTPercent,
		&f.CashCommissionEnabled, &ctype, &f.CashCommissionRate,
		&f.OnboardedAt, &f.CreatedBy, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.CashCommissionType = CommissionType(ctype)
	return &f, nil
}

func (r *facilityRepoPG) Create(ctx context.Context, f *Facility) error {
	return connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO app.facilities (tenant_id, name, facility_type, status,
			pg_mdr_percent, pg_mdr_gst_percent, platform_mdr_percent, platform_mdr_gst_percent,
			cash_commission_enabled, cash_commission_type, cash_commission_rate, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		f.TenantID, f.Name, f.FacilityType, f.Status,
		f.PGMDRPercent, f.PGMDRGSTPercent, f.PlatformMDRPercent, f.PlatformMDRGSTPercent,
		f.CashCommissionEnabled, string(f.CashCommissionType), f.CashCommissionRate, f.CreatedBy,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
}

func (r *facilityRepoPG) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Facility, error) {
	return scanFacility(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+facilityCols+` FROM app.facilities WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *facilityRepoPG) LockByID(ctx context.Context, tenantID, id uuid.UUID) (*Facility, error) {
	return scanFacility(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+facilityCols+` FROM app.facilities WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
}

func (r *facilityRepoPG) UpdateRates(ctx context.Context, f *Facility) error {
	return connFor(ctx, r.pool).QueryRow(ctx, `
		UPDATE app.facilities SET
			pg_mdr_percent = $3, pg_mdr_gst_percent = $4,
			platform_mdr_percent = $5, platform_mdr_gst_percent = $6,
			cash_commission_enabled = $7, cash_commission_type = $8, cash_commission_rate = $9,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		f.TenantID, f.ID,
		f.PGMDRPercent, f.PGMDRGSTPercent, f.PlatformMDRPercent, f.PlatformMDRGSTPercent,
		f.CashCommissionEnabled, string(f.CashCommissionType), f.CashCommissionRate,
	).Scan(&f.UpdatedAt)
}

func (r *facilityRepoPG) UpdateStatus(ctx context.Context, f *Facility) error {
	return connFor(ctx, r.pool).QueryRow(ctx, `
		UPDATE app.facilities SET status = $3, onboarded_at = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		f.TenantID, f.ID, f.Status, f.OnboardedAt,
	).Scan(&f.UpdatedAt)
}

func (r *facilityRepoPG) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Facility, int, error) {
	var total int
	if err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM app.facilities WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT `+facilityCols+` FROM app.facilities
		WHERE tenant_id = $1 ORDER BY name LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, f)
	}
	return items, total, rows.Err()
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

const patientCols = `id, tenant_id, facility_id, user_id, full_name, gender, dob, phone, email,
	created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.TenantID, &p.FacilityID, &p.UserID, &p.FullName, &p.Gender, &p.DOB,
		&p.Phone, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	return connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO app.patients (tenant_id, facility_id, user_id, full_name, gender, dob, phone, email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		p.TenantID, p.FacilityID, p.UserID, p.FullName, p.Gender, p.DOB, p.Phone, p.Email,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error) {
	return scanPatient(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM app.patients WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *patientRepoPG) ListByFacility(ctx context.Context, tenantID, facilityID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM app.patients WHERE tenant_id = $1 AND facility_id = $2`,
		tenantID, facilityID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT `+patientCols+` FROM app.patients
		WHERE tenant_id = $1 AND facility_id = $2 ORDER BY full_name LIMIT $3 OFFSET $4`,
		tenantID, facilityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
