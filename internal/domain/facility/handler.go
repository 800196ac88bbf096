package facility

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hcp/hcp/internal/platform/apperr"
	"github.com/hcp/hcp/internal/platform/auth"
	"github.com/hcp/hcp/internal/platform/validate"
	"github.com/hcp/hcp/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleFacilityAdmin))
	read.GET("/facilities/:id", h.GetFacility)
	read.GET("/facilities/:id/patients", h.ListPatients)
	read.GET("/patients/:id", h.GetPatient)
	read.POST("/patients", h.CreatePatient)

	admin := api.Group("", auth.RequireRole(auth.RoleFacilityAdmin))
	admin.PATCH("/facilities/:id/rates", h.UpdateRates)

	super := api.Group("", auth.RequireRole(auth.RoleSuperAdmin))
	super.GET("/facilities", h.ListFacilities)
	super.POST("/facilities", h.CreateFacility)
	super.PATCH("/facilities/:id/status", h.UpdateStatus)
}

type createFacilityRequest struct {
	Name         string `json:"name" validate:"required,max=255"`
	FacilityType string `json:"facility_type" validate:"required"`
	Status       string `json:"status" validate:"omitempty,oneof=onboarding active suspended closed"`
	RateConfig
}

type ratesRequest struct {
	PGMDRPercent          decimal.Decimal `json:"pg_mdr_percent"`
	PGMDRGSTPercent       decimal.Decimal `json:"pg_mdr_gst_percent"`
	PlatformMDRPercent    decimal.Decimal `json:"platform_mdr_percent"`
	PlatformMDRGSTPercent decimal.Decimal `json:"platform_mdr_gst_percent"`
	CashCommissionEnabled bool            `json:"cash_commission_enabled"`
	CashCommissionType    CommissionType  `json:"cash_commission_type" validate:"omitempty,oneof=percentage fixed"`
	CashCommissionRate    decimal.Decimal `json:"cash_commission_rate"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=onboarding active suspended closed"`
}

type createPatientRequest struct {
	FacilityID uuid.UUID  `json:"facility_id"`
	UserID     *uuid.UUID `json:"user_id"`
	FullName   string     `json:"full_name" validate:"required,max=255"`
	Gender     *string    `json:"gender" validate:"omitempty,max=20"`
	Phone      *string    `json:"phone" validate:"omitempty,max=20"`
	Email      *string    `json:"email" validate:"omitempty,email"`
}

func identity(c echo.Context) auth.Identity {
	id, _ := auth.IdentityFromContext(c.Request().Context())
	return id
}

func facilityParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if !identity(c).CanAccessFacility(id) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "facility not accessible")
	}
	return id, nil
}

func (h *Handler) CreateFacility(c echo.Context) error {
	var req createFacilityRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	id := identity(c)
	f := &Facility{
		TenantID:     id.TenantID,
		Name:         req.Name,
		FacilityType: req.FacilityType,
		Status:       req.Status,
		RateConfig:   req.RateConfig,
	}
	if id.UserID != uuid.Nil {
		uid := id.UserID
		f.CreatedBy = &uid
	}
	if err := h.svc.CreateFacility(c.Request().Context(), f); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) GetFacility(c echo.Context) error {
	fid, err := facilityParam(c)
	if err != nil {
		return err
	}
	f, err := h.svc.GetFacility(c.Request().Context(), identity(c).TenantID, fid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ListFacilities(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListFacilities(c.Request().Context(), identity(c).TenantID, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateRates(c echo.Context) error {
	fid, err := facilityParam(c)
	if err != nil {
		return err
	}
	var req ratesRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	f, err := h.svc.UpdateRates(c.Request().Context(), identity(c).TenantID, fid, RateConfig(req))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	fid, err := facilityParam(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	f, err := h.svc.UpdateStatus(c.Request().Context(), identity(c).TenantID, fid, req.Status)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	id := identity(c)
	if req.FacilityID == uuid.Nil {
		req.FacilityID = id.FacilityID
	}
	if !id.CanAccessFacility(req.FacilityID) {
		return echo.NewHTTPError(http.StatusForbidden, "facility not accessible")
	}
	p := &Patient{
		TenantID:   id.TenantID,
		FacilityID: req.FacilityID,
		UserID:     req.UserID,
		FullName:   req.FullName,
		Gender:     req.Gender,
		Phone:      req.Phone,
		Email:      req.Email,
	}
	if err := h.svc.CreatePatient(c.Request().Context(), p); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	id := identity(c)
	p, err := h.svc.GetPatient(c.Request().Context(), id.TenantID, pid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if !id.CanAccessFacility(p.FacilityID) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	fid, err := facilityParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), identity(c).TenantID, fid, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
