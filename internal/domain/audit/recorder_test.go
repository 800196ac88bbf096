package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/auth"
)

type mockRepo struct {
	entries []*Entry
	failErr error
	lastF   Filter
}

func (m *mockRepo) Insert(_ context.Context, e *Entry) error {
	if m.failErr != nil {
		return m.failErr
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	m.lastF = f
	var out []*Entry
	for _, e := range m.entries {
		if f.TableName != "" && e.TableName != f.TableName {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func TestRecorder_Record(t *testing.T) {
	repo := &mockRepo{}
	rec := NewRecorder(repo)
	user := uuid.New()
	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: user, Roles: []string{auth.RoleStaff}})
	tenant, facility := uuid.New(), uuid.New()

	err := rec.Record(ctx, Event{
		TenantID:   tenant,
		FacilityID: facility,
		Table:      "billing.bills",
		RecordID:   "42",
		Action:     ActionUpdate,
		Old:        map[string]string{"status": "draft"},
		New:        map[string]string{"status": "issued"},
	})
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)

	e := repo.entries[0]
	assert.Equal(t, "billing.bills", e.TableName)
	assert.Equal(t, ActionUpdate, e.Action)
	assert.Equal(t, user, *e.PerformedBy)
	assert.Equal(t, tenant, *e.TenantID)
	assert.Equal(t, facility, *e.FacilityID)

	var old map[string]string
	require.NoError(t, json.Unmarshal(e.OldData, &old))
	assert.Equal(t, "draft", old["status"])
	assert.JSONEq(t, `{"status":"issued"}`, string(e.NewData))
}

func TestRecorder_InsertHasNoOldData(t *testing.T) {
	repo := &mockRepo{}
	err := NewRecorder(repo).Record(context.Background(), Event{
		Table: "billing.payments", RecordID: "7", Action: ActionInsert, New: map[string]int{"id": 7},
	})
	require.NoError(t, err)
	assert.Nil(t, repo.entries[0].OldData)
	assert.Nil(t, repo.entries[0].PerformedBy)
	assert.Nil(t, repo.entries[0].TenantID)
}

func TestRecorder_FailureIsStorageError(t *testing.T) {
	repo := &mockRepo{failErr: errors.New("disk full")}
	err := NewRecorder(repo).Record(context.Background(), Event{Table: "billing.bills", RecordID: "1", Action: ActionInsert})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStorage))
}

func TestRecorder_UnmarshalableSnapshot(t *testing.T) {
	err := NewRecorder(&mockRepo{}).Record(context.Background(), Event{
		Table: "billing.bills", RecordID: "1", Action: ActionInsert, New: make(chan int),
	})
	assert.True(t, errors.Is(err, apperr.ErrStorage))
}

func TestRecorder_RequiresTarget(t *testing.T) {
	err := NewRecorder(&mockRepo{}).Record(context.Background(), Event{Action: ActionInsert})
	assert.True(t, errors.Is(err, apperr.ErrStorage))
}

func TestHandler_List_ScopesFacilityAdmin(t *testing.T) {
	repo := &mockRepo{}
	h := NewHandler(NewRecorder(repo))
	tenant, facility := uuid.New(), uuid.New()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-log?table_name=billing.bills&facility_id="+uuid.NewString(), nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{
		TenantID: tenant, FacilityID: facility, UserID: uuid.New(), Roles: []string{auth.RoleFacilityAdmin},
	}))
	rec := httptest.NewRecorder()

	require.NoError(t, h.List(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tenant, repo.lastF.TenantID)
	assert.Equal(t, facility, repo.lastF.FacilityID, "facility admin cannot widen the filter")
	assert.Equal(t, "billing.bills", repo.lastF.TableName)
}

func TestHandler_List_SuperAdminFacilityFilter(t *testing.T) {
	repo := &mockRepo{}
	h := NewHandler(NewRecorder(repo))
	target := uuid.New()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-log?facility_id="+target.String(), nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{
		TenantID: uuid.New(), UserID: uuid.New(), Roles: []string{auth.RoleSuperAdmin},
	}))

	require.NoError(t, h.List(e.NewContext(req, httptest.NewRecorder())))
	assert.Equal(t, target, repo.lastF.FacilityID)

	bad := httptest.NewRequest(http.MethodGet, "/api/v1/audit-log?facility_id=nope", nil)
	bad = bad.WithContext(auth.WithIdentity(bad.Context(), auth.Identity{Roles: []string{auth.RoleSuperAdmin}}))
	err := h.List(e.NewContext(bad, httptest.NewRecorder()))
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}
