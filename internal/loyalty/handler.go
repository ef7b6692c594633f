package loyalty

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

// Handler exposes the loyalty card and promocode endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches loyalty routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions", h.postTransaction)
	r.Get("/cards/{id}", h.getCard)
	r.Get("/cards/{id}/transactions", h.listTransactions)
	r.Post("/cards/{id}/recompute", h.recompute)
	r.Delete("/cards/{id}/transactions/{txn}", h.deleteTransaction)
	r.Post("/promocodes/activate", h.activatePromocode)
}

// PostRequest is a loyalty transaction intake payload.
type PostRequest struct {
	CardID     int64           `json:"card_id,omitempty"`
	CardNumber string          `json:"card_number,omitempty"`
	Kind       TransactionKind `json:"kind" validate:"required,oneof=accrual withdraw"`
	Amount     decimal.Decimal `json:"amount" validate:"required"`
	TagIDs     []int64         `json:"tags,omitempty"`
	SaleDocID  int64           `json:"docs_sales_id,omitempty"`
	Dated      *time.Time      `json:"dated,omitempty"`
}

func (h *Handler) postTransaction(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	if tenant.CashboxID == 0 {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req PostRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if req.CardID == 0 && req.CardNumber == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "card_id or card_number is required")
		return
	}

	input := PostInput{
		CashboxID:  tenant.CashboxID,
		CardID:     req.CardID,
		CardNumber: req.CardNumber,
		Kind:       req.Kind,
		Amount:     req.Amount,
		TagIDs:     req.TagIDs,
		SaleDocID:  req.SaleDocID,
		CreatedBy:  tenant.UserID,
	}
	if req.Dated != nil {
		input.Dated = *req.Dated
	}
	txn, err := h.service.PostTransaction(r.Context(), input)
	if err != nil {
		h.respondError(w, "post transaction", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":           txn.ID,
		"card_id":      txn.CardID,
		"kind":         txn.Kind,
		"amount":       txn.Amount,
		"card_balance": txn.CardBalance,
	})
}

func (h *Handler) getCard(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	card, err := h.service.GetCard(r.Context(), tenant.CashboxID, id)
	if err != nil {
		h.respondError(w, "get card", err)
		return
	}
	httpx.JSON(w, http.StatusOK, card)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := h.service.ListTransactions(r.Context(), tenant.CashboxID, id, limit)
	if err != nil {
		h.respondError(w, "list transactions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	balance, err := h.service.Recompute(r.Context(), tenant.CashboxID, id)
	if err != nil {
		h.respondError(w, "recompute", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"card_id": id, "balance": balance})
}

func (h *Handler) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	cardID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return
	}
	txnID, err := strconv.ParseInt(chi.URLParam(r, "txn"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transaction id")
		return
	}
	if err := h.service.DeleteTransaction(r.Context(), tenant.CashboxID, cardID, txnID); err != nil {
		h.respondError(w, "delete transaction", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": txnID, "deleted": true})
}

// ActivateRequest is the promocode activation payload.
type ActivateRequest struct {
	Code  string `json:"code" validate:"required"`
	Phone string `json:"phone" validate:"required"`
}

func (h *Handler) activatePromocode(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	if tenant.CashboxID == 0 {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req ActivateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.ApplyPromocode(r.Context(), tenant.CashboxID, req.Code, req.Phone)
	if err != nil {
		h.respondError(w, "activate promocode", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrCardNotFound), errors.Is(err, ErrContragentNotFound),
		errors.Is(err, ErrTxnNotFound), errors.Is(err, ErrPromoNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrAmountInvalid), errors.Is(err, ErrUnknownKind):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrCardDeleted), errors.Is(err, ErrPromoInactive),
		errors.Is(err, ErrPromoExpired), errors.Is(err, ErrPromoScope),
		errors.Is(err, ErrPromoActivated), errors.Is(err, ErrPromoLimit):
		httpx.Problem(w, http.StatusConflict, "State Conflict", err.Error())
	case db.IsSerializationFailure(err):
		httpx.RespondError(w, httpx.ErrConflict)
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
