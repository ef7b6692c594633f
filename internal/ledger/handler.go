package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ostrovmarket/ostrov/internal/platform/db"
	"github.com/ostrovmarket/ostrov/internal/platform/httpx"
	"github.com/ostrovmarket/ostrov/internal/shared"
)

// Handler exposes the warehouse document and balance endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/docs", h.applyDocument)
	r.Get("/docs/{id}", h.getDocument)
	r.Delete("/docs/{id}", h.cancelDocument)
	r.Get("/balances/current", h.readCurrent)
	r.Get("/balances/available", h.listAvailable)
}

// LineRequest is one goods row of an apply request.
type LineRequest struct {
	NomenclatureID       int64           `json:"nomenclature_id" validate:"required,gt=0"`
	Quantity             decimal.Decimal `json:"quantity" validate:"required"`
	UnitID               int64           `json:"unit_id,omitempty"`
	PriceTypeID          int64           `json:"price_type_id,omitempty"`
	Price                decimal.Decimal `json:"price"`
	SourcePurchaseLineID int64           `json:"source_purchase_line_id,omitempty"`
}

// ApplyRequest describes a warehouse document intake payload.
type ApplyRequest struct {
	Operation      Operation     `json:"operation" validate:"required,oneof=incoming outgoing transfer"`
	OrganizationID int64         `json:"organization_id" validate:"required,gt=0"`
	WarehouseID    int64         `json:"warehouse_id" validate:"required,gt=0"`
	ToWarehouseID  int64         `json:"to_warehouse_id,omitempty"`
	ContragentID   int64         `json:"contragent_id,omitempty"`
	SalesDocID     int64         `json:"docs_sales_id,omitempty"`
	PurchaseDocID  int64         `json:"docs_purchases_id,omitempty"`
	Status         *bool         `json:"status,omitempty"`
	Dated          *time.Time    `json:"dated,omitempty"`
	Comment        string        `json:"comment,omitempty"`
	Lines          []LineRequest `json:"goods" validate:"required,min=1,dive"`
}

// ApplyResponse returns the persisted document id and its number suffix.
type ApplyResponse struct {
	ID     int64           `json:"id"`
	Number int             `json:"number"`
	Sum    decimal.Decimal `json:"sum"`
	Status bool            `json:"status"`
}

func (h *Handler) applyDocument(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	if tenant.CashboxID == 0 {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req ApplyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := ApplyInput{
		CashboxID:      tenant.CashboxID,
		Operation:      req.Operation,
		OrganizationID: req.OrganizationID,
		WarehouseID:    req.WarehouseID,
		ToWarehouseID:  req.ToWarehouseID,
		ContragentID:   req.ContragentID,
		SalesDocID:     req.SalesDocID,
		PurchaseDocID:  req.PurchaseDocID,
		Status:         true,
		Comment:        req.Comment,
		ActorID:        tenant.UserID,
	}
	if req.Status != nil {
		input.Status = *req.Status
	}
	if req.Dated != nil {
		input.Dated = *req.Dated
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{
			NomenclatureID:       line.NomenclatureID,
			Quantity:             line.Quantity,
			UnitID:               line.UnitID,
			PriceTypeID:          line.PriceTypeID,
			Price:                line.Price,
			SourcePurchaseLineID: line.SourcePurchaseLineID,
		})
	}

	doc, err := h.service.ApplyDocument(r.Context(), input)
	if err != nil {
		h.respondError(w, "apply document", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ApplyResponse{ID: doc.ID, Number: doc.Number, Sum: doc.Sum, Status: doc.Status})
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	doc, err := h.service.GetDocument(r.Context(), tenant.CashboxID, id)
	if err != nil {
		h.respondError(w, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) cancelDocument(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	if err := h.service.CancelDocument(r.Context(), tenant.CashboxID, id, tenant.UserID); err != nil {
		h.respondError(w, "cancel document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (h *Handler) readCurrent(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	key := TupleKey{
		OrganizationID: queryInt64(r, "organization_id"),
		WarehouseID:    queryInt64(r, "warehouse_id"),
		NomenclatureID: queryInt64(r, "nomenclature_id"),
	}
	if key.OrganizationID == 0 || key.WarehouseID == 0 || key.NomenclatureID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "organization_id, warehouse_id and nomenclature_id are required")
		return
	}
	current, err := h.service.ReadCurrent(r.Context(), tenant.CashboxID, key)
	if err != nil {
		h.respondError(w, "read current", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"current_amount": current})
}

func (h *Handler) listAvailable(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	nomenclatureID := queryInt64(r, "nomenclature_id")
	if nomenclatureID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "nomenclature_id is required")
		return
	}
	var lat, lon *float64
	if v := r.URL.Query().Get("lat"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			lat = &f
		}
	}
	if v := r.URL.Query().Get("lon"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			lon = &f
		}
	}
	rows, err := h.service.ListAvailable(r.Context(), tenant.CashboxID, nomenclatureID, lat, lon)
	if err != nil {
		h.respondError(w, "list available", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"warehouses": rows})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var lineErrs LineErrors
	switch {
	case errors.Is(err, shared.ErrPeriodLocked):
		httpx.Problem(w, http.StatusConflict, "Period Locked", err.Error())
	case errors.As(err, &lineErrs), errors.Is(err, ErrUnitInvalid),
		errors.Is(err, ErrEmptyLines), errors.Is(err, ErrQuantityInvalid),
		errors.Is(err, ErrUnknownOperation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrDocumentNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case db.IsSerializationFailure(err):
		httpx.RespondError(w, httpx.ErrConflict)
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func queryInt64(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return v
}
