package settlement

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hcp/hcp/internal/domain/billing"
	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/auth"
	"github.com/hcp/hcp/internal/platform/validate"
	"github.com/hcp/hcp/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleFacilityAdmin))
	read.GET("/settlements", h.List)
	read.GET("/settlements/:id", h.Get)
	read.GET("/settlements/:id/payments", h.ListPayments)
	read.GET("/settlements/:id/cash-collections", h.ListCash)
	read.GET("/settlements/:id/statement.xlsx", h.ExportStatement)

	admin := api.Group("", auth.RequireRole(auth.RoleFacilityAdmin))
	admin.POST("/settlements", h.Open)
	admin.POST("/settlements/:id/collect", h.Collect)
	admin.POST("/settlements/:id/submit", h.Submit)
	admin.POST("/settlements/:id/cancel", h.Cancel)

	platform := api.Group("", auth.RequireRole(auth.RoleSuperAdmin))
	platform.POST("/settlements/:id/approve", h.Approve)
	platform.POST("/settlements/:id/mark-paid", h.MarkPaid)
}

type openRequest struct {
	FacilityID uuid.UUID `json:"facility_id"`
	Type       Type      `json:"settlement_type" validate:"required,oneof=online_pg cash_commission mixed"`
	FromDate   string    `json:"from_date" validate:"required"`
	ToDate     string    `json:"to_date" validate:"required"`
	Notes      *string   `json:"notes" validate:"omitempty,max=2000"`
}

func scopeOf(c echo.Context) billing.Scope {
	id, _ := auth.IdentityFromContext(c.Request().Context())
	return billing.ScopeFor(id)
}

func idParam(c echo.Context) (int64, error) {
	v, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return v, nil
}

func (h *Handler) Open(c echo.Context) error {
	var req openRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	from, err := ParseDate("from_date", req.FromDate)
	if err != nil {
		return apperr.HTTPError(err)
	}
	to, err := ParseDate("to_date", req.ToDate)
	if err != nil {
		return apperr.HTTPError(err)
	}
	st, err := h.svc.Open(c.Request().Context(), scopeOf(c), OpenInput{
		FacilityID: req.FacilityID,
		Type:       req.Type,
		FromDate:   from,
		ToDate:     to,
		Notes:      req.Notes,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Get(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) List(c echo.Context) error {
	f := Filter{Status: Status(c.QueryParam("status"))}
	if v := c.QueryParam("facility_id"); v != "" {
		fid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid facility_id")
		}
		f.FacilityID = fid
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), scopeOf(c), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithNext(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) Collect(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	res, err := h.svc.CollectUnsettled(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) move(c echo.Context, fn func(context.Context, billing.Scope, int64) (*Settlement, error)) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	st, err := fn(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Submit(c echo.Context) error   { return h.move(c, h.svc.Submit) }
func (h *Handler) Approve(c echo.Context) error  { return h.move(c, h.svc.Approve) }
func (h *Handler) MarkPaid(c echo.Context) error { return h.move(c, h.svc.MarkPaid) }
func (h *Handler) Cancel(c echo.Context) error   { return h.move(c, h.svc.Cancel) }

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	items, err := h.svc.LinkedPayments(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListCash(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	items, err := h.svc.LinkedCash(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ExportStatement(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Statement(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, xlsxContentType)
	res.Header().Set(echo.HeaderContentDisposition, "attachment; filename="+st.FileName())
	res.WriteHeader(http.StatusOK)
	return st.WriteXLSX(res)
}
