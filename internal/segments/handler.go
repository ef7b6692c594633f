package segments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ostrovmarket/ostrov/internal/platform/db"
	"github.com/ostrovmarket/ostrov/internal/platform/httpx"
	"github.com/ostrovmarket/ostrov/internal/shared"
)

// TriggerPort enqueues a coalesced recompute on the bus.
type TriggerPort interface {
	EnqueueRecompute(ctx context.Context, cashboxID, segmentID int64) error
}

// Handler exposes the segment lifecycle endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	trigger  TriggerPort
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service, trigger TriggerPort) *Handler {
	return &Handler{logger: logger, service: service, trigger: trigger, validate: validator.New()}
}

// MountRoutes attaches segment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/segments", h.create)
	r.Post("/segments/{slug}/recompute", h.recompute)
	r.Get("/segments/{slug}/result", h.result)
}

// CreateRequest describes a new segment payload.
type CreateRequest struct {
	Name            string       `json:"name" validate:"required"`
	Criteria        Criteria     `json:"criteria"`
	Actions         []Action     `json:"actions,omitempty"`
	Schedule        ScheduleMode `json:"schedule,omitempty" validate:"omitempty,oneof=manual interval"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
}

// CreateResponse returns the segment id and its tenant-scoped URLs.
type CreateResponse struct {
	ID        int64  `json:"id"`
	UpdateURL string `json:"update_url"`
	ResultURL string `json:"result_url"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	if tenant.CashboxID == 0 {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	seg, err := h.service.Create(r.Context(), CreateInput{
		CashboxID:       tenant.CashboxID,
		Name:            req.Name,
		Criteria:        req.Criteria,
		Actions:         req.Actions,
		Schedule:        req.Schedule,
		IntervalMinutes: req.IntervalMinutes,
		ActorID:         tenant.UserID,
	})
	if err != nil {
		h.respondError(w, "create segment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, CreateResponse{
		ID:        seg.ID,
		UpdateURL: fmt.Sprintf("/api/v1/segments/%s/recompute", seg.Slug),
		ResultURL: fmt.Sprintf("/api/v1/segments/%s/result", seg.Slug),
	})
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	seg, err := h.service.GetBySlug(r.Context(), tenant.CashboxID, chi.URLParam(r, "slug"))
	if err != nil {
		h.respondError(w, "recompute segment", err)
		return
	}
	if seg.Status == StatusInProcess {
		httpx.JSON(w, http.StatusAccepted, map[string]any{
			"id":      seg.ID,
			"status":  seg.Status,
			"version": seg.CurrentVersion,
		})
		return
	}
	if err := h.trigger.EnqueueRecompute(r.Context(), seg.CashboxID, seg.ID); err != nil {
		h.respondError(w, "enqueue recompute", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"id":      seg.ID,
		"status":  StatusInProcess,
		"version": seg.CurrentVersion,
	})
}

func (h *Handler) result(w http.ResponseWriter, r *http.Request) {
	tenant := shared.TenantFromContext(r.Context())
	result, err := h.service.Result(r.Context(), tenant.CashboxID, chi.URLParam(r, "slug"))
	if err != nil {
		h.respondError(w, "segment result", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrSegmentNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrForbidden):
		httpx.RespondError(w, httpx.ErrForbidden)
	case errors.Is(err, ErrInvalidCriteria):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInProgress):
		httpx.RespondError(w, httpx.ErrInProgress)
	case db.IsSerializationFailure(err), errors.Is(err, ErrVersionConflict):
		httpx.RespondError(w, httpx.ErrConflict)
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
