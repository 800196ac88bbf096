package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/auth"
)

// Recorder writes audit entries. It must be called with the context of the
// transaction that performs the mutation so both commit or neither does.
type Recorder struct {
	repo Repository
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// Record stores ev, attributing it to the caller identity in ctx. Any
// failure is a StorageError and must abort the surrounding transaction.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if ev.Table == "" || ev.RecordID == "" {
		return apperr.Storage(fmt.Errorf("table and record id are required"), "audit record")
	}
	e := &Entry{
		TableName: ev.Table,
		RecordID:  ev.RecordID,
		Action:    ev.Action,
	}
	if ev.TenantID != uuid.Nil {
		e.TenantID = &ev.TenantID
	}
	if ev.FacilityID != uuid.Nil {
		e.FacilityID = &ev.FacilityID
	}
	if id, ok := auth.IdentityFromContext(ctx); ok && id.UserID != uuid.Nil {
		uid := id.UserID
		e.PerformedBy = &uid
	}

	var err error
	if e.OldData, err = snapshot(ev.Old); err != nil {
		return apperr.Storage(err, "audit snapshot")
	}
	if e.NewData, err = snapshot(ev.New); err != nil {
		return apperr.Storage(err, "audit snapshot")
	}

	if err := r.repo.Insert(ctx, e); err != nil {
		return apperr.Storage(err, "write audit log")
	}
	return nil
}

// List returns entries newest first.
func (r *Recorder) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	items, total, err := r.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "audit log")
	}
	return items, total, nil
}

func snapshot(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
