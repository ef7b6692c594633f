package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/singleflight"

	"github.com/ostrovmarket/ostrov/internal/ledger"
	"github.com/ostrovmarket/ostrov/internal/observability"
	"github.com/ostrovmarket/ostrov/internal/segments"
	"github.com/ostrovmarket/ostrov/internal/shared"
)

// WarehouseApplier applies warehouse documents from the bus.
type WarehouseApplier interface {
	ApplyDocument(ctx context.Context, input ledger.ApplyInput) (ledger.Document, error)
}

// AutoburnSweeper runs the loyalty expiration sweep for one tenant.
type AutoburnSweeper interface {
	Sweep(ctx context.Context, cashboxID int64) (int, error)
}

// CashboxSource lists tenants eligible for the expiration sweep.
type CashboxSource interface {
	ListLoyaltyCashboxes(ctx context.Context) ([]int64, error)
}

// SegmentEngine recomputes segments and serves due interval segments.
type SegmentEngine interface {
	Recompute(ctx context.Context, cashboxID, segmentID int64) (segments.Delta, error)
	Get(ctx context.Context, cashboxID, segmentID int64) (segments.Segment, error)
	ListDue(ctx context.Context) ([]segments.Segment, error)
}

// ActionDispatcher applies segment side effects to a delta.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, seg segments.Segment, delta segments.Delta) error
}

// NotificationSender delivers one rendered notification to a chat. The
// concrete transport is an external collaborator.
type NotificationSender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// WalletRefresher reacts to card balance changes. The passfile regenerator
// is an external collaborator; the default implementation only logs.
type WalletRefresher interface {
	Refresh(ctx context.Context, cashboxID, cardID int64) error
}

// MessageDeduper records processed message ids. Satisfied by
// shared.IdempotencyStore.
type MessageDeduper interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Deps collects the collaborators of the bus consumers.
type Deps struct {
	Logger      *slog.Logger
	Ledger      WarehouseApplier
	Autoburn    AutoburnSweeper
	Cashboxes   CashboxSource
	Segments    SegmentEngine
	Dispatcher  ActionDispatcher
	Sender      NotificationSender
	Wallet      WalletRefresher
	Idempotency MessageDeduper
	Locker      *redislock.Client
	Metrics     *observability.Metrics
	Enqueuer    RecomputeEnqueuer
}

// RecomputeEnqueuer resubmits segment recomputes, satisfied by Client.
type RecomputeEnqueuer interface {
	EnqueueRecompute(ctx context.Context, cashboxID, segmentID int64) error
}

// Handlers hosts the asynq consumer functions.
type Handlers struct {
	deps  Deps
	group singleflight.Group
}

// lockTTL bounds how long a sweep or recompute may hold its cross-process
// lock before a crashed worker stops blocking retries.
const lockTTL = 5 * time.Minute

// NewHandlers constructs the consumer set.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// TaskHandlers returns the registrations for the worker mux.
func (h *Handlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskWarehouseApply, Handler: h.handleWarehouseApply},
		{Type: TaskCardUpdated, Handler: h.handleCardUpdated},
		{Type: TaskAutoburnSweep, Handler: h.handleAutoburn},
		{Type: TaskSegmentRecompute, Handler: h.handleSegmentRecompute},
		{Type: TaskSegmentIntervalSweep, Handler: h.handleSegmentInterval},
		{Type: TaskNotifySend, Handler: h.handleNotify},
	}
}

// seen dedupes a message id. Handlers call release on failure so the
// redelivered message is processed again.
func (h *Handlers) seen(ctx context.Context, topic, messageID string) (bool, error) {
	if messageID == "" || h.deps.Idempotency == nil {
		return false, nil
	}
	err := h.deps.Idempotency.CheckAndInsert(ctx, messageID, topic)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		h.count(topic, "duplicate")
		return true, nil
	}
	return false, err
}

func (h *Handlers) release(ctx context.Context, messageID string) {
	if messageID == "" || h.deps.Idempotency == nil {
		return
	}
	if err := h.deps.Idempotency.Delete(ctx, messageID); err != nil {
		h.deps.Logger.Warn("idempotency release", slog.Any("error", err))
	}
}

func (h *Handlers) count(topic, outcome string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.BusMessages.WithLabelValues(topic, outcome).Inc()
	}
}

func (h *Handlers) handleWarehouseApply(ctx context.Context, t *asynq.Task) error {
	var payload WarehouseApplyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.count(TaskWarehouseApply, "malformed")
		return asynq.SkipRetry
	}
	if skip, err := h.seen(ctx, TaskWarehouseApply, payload.MessageID); skip || err != nil {
		return err
	}

	input := ledger.ApplyInput{
		CashboxID:      payload.CashboxID,
		Operation:      ledger.Operation(payload.Operation),
		OrganizationID: payload.OrganizationID,
		WarehouseID:    payload.WarehouseID,
		ToWarehouseID:  payload.ToWarehouseID,
		ContragentID:   payload.ContragentID,
		SalesDocID:     payload.SalesDocID,
		PurchaseDocID:  payload.PurchaseDocID,
		Status:         true,
		Comment:        payload.Comment,
	}
	if payload.Dated != nil {
		input.Dated = *payload.Dated
	}
	for _, line := range payload.Lines {
		input.Lines = append(input.Lines, ledger.LineInput{
			NomenclatureID:       line.NomenclatureID,
			Quantity:             line.Quantity,
			UnitID:               line.UnitID,
			PriceTypeID:          line.PriceTypeID,
			Price:                line.Price,
			SourcePurchaseLineID: line.SourcePurchaseLineID,
		})
	}
	if _, err := h.deps.Ledger.ApplyDocument(ctx, input); err != nil {
		var lineErrs ledger.LineErrors
		if errors.As(err, &lineErrs) || errors.Is(err, ledger.ErrUnknownOperation) {
			// rejected payloads do not become valid on redelivery
			h.deps.Logger.Error("warehouse apply rejected", slog.Any("error", err))
			h.count(TaskWarehouseApply, "rejected")
			return asynq.SkipRetry
		}
		h.release(ctx, payload.MessageID)
		h.count(TaskWarehouseApply, "error")
		return err
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.MovementsPosted.WithLabelValues("bus").Inc()
	}
	h.count(TaskWarehouseApply, "ok")
	return nil
}

func (h *Handlers) handleCardUpdated(ctx context.Context, t *asynq.Task) error {
	var payload CardUpdatedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.count(TaskCardUpdated, "malformed")
		return asynq.SkipRetry
	}
	if skip, err := h.seen(ctx, TaskCardUpdated, payload.MessageID); skip || err != nil {
		return err
	}
	if h.deps.Wallet != nil {
		if err := h.deps.Wallet.Refresh(ctx, payload.CashboxID, payload.CardID); err != nil {
			h.release(ctx, payload.MessageID)
			h.count(TaskCardUpdated, "error")
			return err
		}
	}
	h.count(TaskCardUpdated, "ok")
	return nil
}

func (h *Handlers) handleAutoburn(ctx context.Context, t *asynq.Task) error {
	var payload AutoburnPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			h.count(TaskAutoburnSweep, "malformed")
			return asynq.SkipRetry
		}
	}

	cashboxes := []int64{payload.CashboxID}
	if payload.CashboxID == 0 {
		var err error
		cashboxes, err = h.deps.Cashboxes.ListLoyaltyCashboxes(ctx)
		if err != nil {
			h.count(TaskAutoburnSweep, "error")
			return err
		}
	}
	for _, cashboxID := range cashboxes {
		if err := h.sweepTenant(ctx, cashboxID); err != nil {
			h.count(TaskAutoburnSweep, "error")
			return err
		}
	}
	h.count(TaskAutoburnSweep, "ok")
	return nil
}

func (h *Handlers) sweepTenant(ctx context.Context, cashboxID int64) error {
	lock, err := h.obtain(ctx, shared.AutoburnLockKey(cashboxID))
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil
	}
	if err != nil {
		return err
	}
	defer h.releaseLock(ctx, lock)

	burned, err := h.deps.Autoburn.Sweep(ctx, cashboxID)
	if err != nil {
		return err
	}
	if burned > 0 {
		h.deps.Logger.Info("autoburn sweep",
			slog.Int64("cashbox_id", cashboxID), slog.Int("cards", burned))
		if h.deps.Metrics != nil {
			h.deps.Metrics.AutoburnWithdraws.Add(float64(burned))
		}
	}
	return nil
}

// handleSegmentRecompute coalesces duplicate triggers per segment: an
// in-process singleflight group folds local duplicates and a redis lock
// keeps concurrent workers to one recompute.
func (h *Handlers) handleSegmentRecompute(ctx context.Context, t *asynq.Task) error {
	var payload SegmentRecomputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.count(TaskSegmentRecompute, "malformed")
		return asynq.SkipRetry
	}

	key := shared.SegmentLockKey(payload.SegmentID)
	_, err, _ := h.group.Do(key, func() (any, error) {
		lock, err := h.obtain(ctx, key)
		if errors.Is(err, redislock.ErrNotObtained) {
			h.countRecompute("coalesced")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		defer h.releaseLock(ctx, lock)

		delta, err := h.deps.Segments.Recompute(ctx, payload.CashboxID, payload.SegmentID)
		if err != nil {
			if errors.Is(err, segments.ErrVersionConflict) {
				h.countRecompute("conflict")
				return nil, nil
			}
			h.countRecompute("error")
			return nil, err
		}
		seg, err := h.deps.Segments.Get(ctx, payload.CashboxID, payload.SegmentID)
		if err != nil {
			return nil, err
		}
		if h.deps.Dispatcher != nil {
			if err := h.deps.Dispatcher.Dispatch(ctx, seg, delta); err != nil {
				h.countRecompute("dispatch_error")
				return nil, err
			}
		}
		h.countRecompute("ok")
		return nil, nil
	})
	return err
}

func (h *Handlers) countRecompute(outcome string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.SegmentRecomputes.WithLabelValues(outcome).Inc()
	}
}

func (h *Handlers) handleSegmentInterval(ctx context.Context, _ *asynq.Task) error {
	due, err := h.deps.Segments.ListDue(ctx)
	if err != nil {
		return err
	}
	for _, seg := range due {
		if err := h.deps.Enqueuer.EnqueueRecompute(ctx, seg.CashboxID, seg.ID); err != nil {
			return err
		}
	}
	if len(due) > 0 {
		h.deps.Logger.Info("interval segments enqueued", slog.Int("count", len(due)))
	}
	return nil
}

func (h *Handlers) handleNotify(ctx context.Context, t *asynq.Task) error {
	var payload NotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.count(TaskNotifySend, "malformed")
		return asynq.SkipRetry
	}
	if skip, err := h.seen(ctx, TaskNotifySend, payload.MessageID); skip || err != nil {
		return err
	}
	if err := h.deps.Sender.Send(ctx, payload.ChatID, payload.Text); err != nil {
		h.release(ctx, payload.MessageID)
		h.count(TaskNotifySend, "error")
		return err
	}
	h.count(TaskNotifySend, "ok")
	return nil
}

func (h *Handlers) obtain(ctx context.Context, key string) (*redislock.Lock, error) {
	if h.deps.Locker == nil {
		return nil, nil
	}
	return h.deps.Locker.Obtain(ctx, key, lockTTL, nil)
}

func (h *Handlers) releaseLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		h.deps.Logger.Warn("lock release", slog.Any("error", err))
	}
}

// LogSender logs notifications instead of delivering them, the default when
// no chat transport is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements NotificationSender.
func (s LogSender) Send(_ context.Context, chatID int64, text string) error {
	s.Logger.Info("notification", slog.Int64("chat_id", chatID), slog.String("text", text))
	return nil
}

// LogWallet logs card updates for environments without a passfile
// regenerator.
type LogWallet struct {
	Logger *slog.Logger
}

// Refresh implements WalletRefresher.
func (w LogWallet) Refresh(_ context.Context, cashboxID, cardID int64) error {
	w.Logger.Debug("wallet refresh",
		slog.Int64("cashbox_id", cashboxID), slog.Int64("card_id", cardID))
	return nil
}
