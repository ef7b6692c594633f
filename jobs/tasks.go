package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskWarehouseApply requests application of a warehouse document,
	// used by marketplace order commitment and purchase auto-expense.
	TaskWarehouseApply = "warehouse:apply"
	// TaskCardUpdated fans out after any transaction affecting a card.
	TaskCardUpdated = "loyalty:card:updated"
	// TaskAutoburnSweep is the periodic bonus expiration sweep.
	TaskAutoburnSweep = "loyalty:autoburn"
	// TaskSegmentRecompute evaluates one segment, coalesced per segment.
	TaskSegmentRecompute = "segment:recompute"
	// TaskSegmentIntervalSweep enqueues recomputes for due interval segments.
	TaskSegmentIntervalSweep = "segment:interval"
	// TaskNotifySend delivers one rendered notification payload.
	TaskNotifySend = "notify:send"
	// TaskBalanceAudit checks stored card balances against history.
	TaskBalanceAudit = "loyalty:balance:audit"
)

// WarehouseLine is one goods row of a bus-driven apply request.
type WarehouseLine struct {
	NomenclatureID       int64           `json:"nomenclature_id"`
	Quantity             decimal.Decimal `json:"quantity"`
	UnitID               int64           `json:"unit_id,omitempty"`
	PriceTypeID          int64           `json:"price_type_id,omitempty"`
	Price                decimal.Decimal `json:"price"`
	SourcePurchaseLineID int64           `json:"source_purchase_line_id,omitempty"`
}

// WarehouseApplyPayload mirrors the document intake contract.
type WarehouseApplyPayload struct {
	MessageID      string          `json:"message_id"`
	CashboxID      int64           `json:"cashbox_id"`
	Operation      string          `json:"operation"`
	OrganizationID int64           `json:"organization_id"`
	WarehouseID    int64           `json:"warehouse_id"`
	ToWarehouseID  int64           `json:"to_warehouse_id,omitempty"`
	ContragentID   int64           `json:"contragent_id,omitempty"`
	SalesDocID     int64           `json:"docs_sales_id,omitempty"`
	PurchaseDocID  int64           `json:"docs_purchases_id,omitempty"`
	Dated          *time.Time      `json:"dated,omitempty"`
	Comment        string          `json:"comment,omitempty"`
	Lines          []WarehouseLine `json:"goods"`
}

// CardUpdatedPayload announces a card balance change.
type CardUpdatedPayload struct {
	MessageID string `json:"message_id"`
	CashboxID int64  `json:"cashbox_id"`
	CardID    int64  `json:"card_id"`
}

// AutoburnPayload scopes a sweep to one tenant; zero means all tenants.
type AutoburnPayload struct {
	MessageID string `json:"message_id"`
	CashboxID int64  `json:"cashbox_id,omitempty"`
}

// SegmentRecomputePayload is one recompute work request.
type SegmentRecomputePayload struct {
	MessageID string `json:"message_id"`
	CashboxID int64  `json:"cashbox_id"`
	SegmentID int64  `json:"segment_id"`
}

// NotifyPayload is one rendered notification.
type NotifyPayload struct {
	MessageID string `json:"message_id"`
	CashboxID int64  `json:"cashbox_id"`
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

// NewWarehouseApplyTask constructs a warehouse apply task.
func NewWarehouseApplyTask(payload WarehouseApplyPayload) (*asynq.Task, error) {
	return newTask(TaskWarehouseApply, payload)
}

// NewCardUpdatedTask constructs a card updated task.
func NewCardUpdatedTask(payload CardUpdatedPayload) (*asynq.Task, error) {
	return newTask(TaskCardUpdated, payload)
}

// NewAutoburnTask constructs an expiration sweep task.
func NewAutoburnTask(payload AutoburnPayload) (*asynq.Task, error) {
	return newTask(TaskAutoburnSweep, payload)
}

// NewSegmentRecomputeTask constructs a segment recompute task.
func NewSegmentRecomputeTask(payload SegmentRecomputePayload) (*asynq.Task, error) {
	return newTask(TaskSegmentRecompute, payload)
}

// NewSegmentIntervalSweepTask constructs the interval scheduling sweep task.
func NewSegmentIntervalSweepTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskSegmentIntervalSweep, nil), nil
}

// NewNotifyTask constructs a notification delivery task.
func NewNotifyTask(payload NotifyPayload) (*asynq.Task, error) {
	return newTask(TaskNotifySend, payload)
}

// NewBalanceAuditTask constructs a balance audit task. A zero cashbox id
// audits every tenant.
func NewBalanceAuditTask(payload AutoburnPayload) (*asynq.Task, error) {
	return newTask(TaskBalanceAudit, payload)
}
