package audit

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const entryCols = `id, tenant_id, facility_id, table_name, record_id, action,
	old_data, new_data, performed_by, performed_at`

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit.audit_log (tenant_id, facility_id, table_name, record_id, action,
			old_data, new_data, performed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, performed_at`,
		e.TenantID, e.FacilityID, e.TableName, e.RecordID, string(e.Action),
		nullJSON(e.OldData), nullJSON(e.NewData), e.PerformedBy,
	).Scan(&e.ID, &e.PerformedAt)
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != uuid.Nil {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.FacilityID != uuid.Nil {
		add("facility_id = $%d", f.FacilityID)
	}
	if f.TableName != "" {
		add("table_name = $%d", f.TableName)
	}
	if f.RecordID != "" {
		add("record_id = $%d", f.RecordID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit.audit_log`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM audit.audit_log%s
		ORDER BY performed_at DESC, id DESC LIMIT $%d OFFSET $%d`, entryCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.FacilityID, &e.TableName, &e.RecordID, &action,
			&e.OldData, &e.NewData, &e.PerformedBy, &e.PerformedAt); err != nil {
			return nil, 0, err
		}
		e.Action = Action(action)
		items = append(items, &e)
	}
	return items, total, rows.Err()
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
