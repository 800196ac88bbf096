package billing

import (
	"net/http"
	"strconv"
	"time"

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
	g := api.Group("", auth.RequireRole(auth.RoleStaff, auth.RoleFacilityAdmin))

	g.POST("/bills", h.CreateBill)
	g.GET("/bills", h.ListBills)
	g.GET("/bills/:id", h.GetBill)
	g.POST("/bills/:id/items", h.AddItem)
	g.DELETE("/bills/:id/items/:item_id", h.RemoveItem)
	g.PUT("/bills/:id/adjustments", h.SetAdjustments)
	g.POST("/bills/:id/issue", h.IssueBill)
	g.POST("/bills/:id/cancel", h.CancelBill)

	g.POST("/bills/:id/payments", h.RecordPayment)
	g.GET("/bills/:id/payments", h.ListPayments)
	g.GET("/payments/:id", h.GetPayment)
	g.PATCH("/payments/:id/status", h.UpdatePaymentStatus)

	g.POST("/bills/:id/cash-collections", h.RecordCashCollection)
	g.GET("/bills/:id/cash-collections", h.ListCashCollections)
}

type createBillRequest struct {
	FacilityID     uuid.UUID       `json:"facility_id"`
	PatientID      uuid.UUID       `json:"patient_id"`
	Currency       string          `json:"currency" validate:"omitempty,len=3"`
	Notes          *string         `json:"notes"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Items          []ItemInput     `json:"items" validate:"dive"`
}

type adjustmentsRequest struct {
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
}

type recordPaymentRequest struct {
	Gateway              string          `json:"gateway" validate:"required,max=50"`
	GatewayTransactionID string          `json:"gateway_transaction_id" validate:"required,max=200"`
	Amount               decimal.Decimal `json:"amount"`
	Status               PaymentStatus   `json:"status" validate:"omitempty,oneof=created authorized captured failed refunded"`
	PaymentMethod        *string         `json:"payment_method" validate:"omitempty,max=50"`
}

type paymentStatusRequest struct {
	Status PaymentStatus `json:"status" validate:"required,oneof=created authorized captured failed refunded"`
}

type recordCashRequest struct {
	AmountCollected     decimal.Decimal `json:"amount_collected"`
	CollectionTimestamp *time.Time      `json:"collection_timestamp"`
}

func scopeOf(c echo.Context) Scope {
	id, _ := auth.IdentityFromContext(c.Request().Context())
	return ScopeFor(id)
}

func int64Param(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

// -- Bill Handlers --

func (h *Handler) CreateBill(c echo.Context) error {
	var req createBillRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	b, err := h.svc.CreateBill(c.Request().Context(), scopeOf(c), CreateBillInput{
		FacilityID:     req.FacilityID,
		PatientID:      req.PatientID,
		Currency:       req.Currency,
		Notes:          req.Notes,
		Items:          req.Items,
		DiscountAmount: req.DiscountAmount,
		TaxAmount:      req.TaxAmount,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBill(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// ListBills serves GET /bills?status=&patient_id=&facility_id=.
func (h *Handler) ListBills(c echo.Context) error {
	f := BillFilter{Status: BillStatus(c.QueryParam("status"))}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = pid
	}
	if v := c.QueryParam("facility_id"); v != "" {
		fid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid facility_id")
		}
		f.FacilityID = fid
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListBills(c.Request().Context(), scopeOf(c), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithNext(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	var req ItemInput
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	b, err := h.svc.AddItem(c.Request().Context(), scopeOf(c), id, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) RemoveItem(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	itemID, err := int64Param(c, "item_id")
	if err != nil {
		return err
	}
	b, err := h.svc.RemoveItem(c.Request().Context(), scopeOf(c), id, itemID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) SetAdjustments(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	var req adjustmentsRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	b, err := h.svc.SetAdjustments(c.Request().Context(), scopeOf(c), id, req.DiscountAmount, req.TaxAmount)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) IssueBill(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.Issue(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) CancelBill(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.CancelBill(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Payment Handlers --

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	var req recordPaymentRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.RecordPayment(c.Request().Context(), scopeOf(c), RecordPaymentInput{
		BillID:               id,
		Gateway:              req.Gateway,
		GatewayTransactionID: req.GatewayTransactionID,
		Amount:               req.Amount,
		Status:               req.Status,
		PaymentMethod:        req.PaymentMethod,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayment(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePaymentStatus(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	var req paymentStatusRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.UpdatePaymentStatus(c.Request().Context(), scopeOf(c), id, req.Status)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Cash Collection Handlers --

func (h *Handler) RecordCashCollection(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	var req recordCashRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	cc, err := h.svc.RecordCashCollection(c.Request().Context(), scopeOf(c), RecordCashInput{
		BillID:      id,
		Amount:      req.AmountCollected,
		CollectedAt: req.CollectionTimestamp,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, cc)
}

func (h *Handler) ListCashCollections(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListCashCollections(c.Request().Context(), scopeOf(c), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}
