package audit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/auth"
	"github.com/hcp/hcp/pkg/pagination"
)

type Handler struct {
	recorder *Recorder
}

func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit-log", auth.RequireRole(auth.RoleFacilityAdmin))
	g.GET("", h.List)
}

// List serves GET /audit-log?table_name=&record_id=. Facility admins only
// see their own facility.
func (h *Handler) List(c echo.Context) error {
	id, _ := auth.IdentityFromContext(c.Request().Context())
	f := Filter{
		TenantID:  id.TenantID,
		TableName: c.QueryParam("table_name"),
		RecordID:  c.QueryParam("record_id"),
	}
	if !id.IsSuperAdmin() {
		f.FacilityID = id.FacilityID
	} else if fid := c.QueryParam("facility_id"); fid != "" {
		parsed, err := uuid.Parse(fid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid facility_id")
		}
		f.FacilityID = parsed
	}

	pg := pagination.FromContext(c)
	items, total, err := h.recorder.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
