package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Operation enumerates warehouse document kinds.
type Operation string

const (
	// OperationIncoming books stock into the destination warehouse.
	OperationIncoming Operation = "incoming"
	// OperationOutgoing books stock out of the source warehouse.
	OperationOutgoing Operation = "outgoing"
	// OperationTransfer books an outgoing and an incoming movement pair.
	OperationTransfer Operation = "transfer"
)

// SourceKind labels the document a movement originates from.
type SourceKind string

const (
	SourcePurchase          SourceKind = "purchase"
	SourceSale              SourceKind = "sale"
	SourceTransferIn        SourceKind = "transfer_in"
	SourceTransferOut       SourceKind = "transfer_out"
	SourceManual            SourceKind = "manual"
	SourceProductionConsume SourceKind = "production_consume"
	SourceProductionProduce SourceKind = "production_produce"
)

// Movement is one append-style ledger record for a stock change on one
// (organization, warehouse, nomenclature) tuple. The latest record by id for
// a tuple holds the authoritative current amount.
type Movement struct {
	ID             int64
	CashboxID      int64
	OrganizationID int64
	WarehouseID    int64
	NomenclatureID int64
	DocumentID     int64
	SourceKind     SourceKind
	SourceDocID    int64
	Delta          decimal.Decimal
	CurrentAmount  decimal.Decimal
	CumulativeIn   decimal.Decimal
	CumulativeOut  decimal.Decimal
	CreatedAt      time.Time
}

// Line models one goods row of a warehouse document.
type Line struct {
	ID                   int64
	NomenclatureID       int64
	Quantity             decimal.Decimal
	UnitID               int64
	PriceTypeID          int64
	Price                decimal.Decimal
	SourcePurchaseLineID int64
}

// Document is a warehouse document header plus its lines.
type Document struct {
	ID             int64
	CashboxID      int64
	Number         int
	Operation      Operation
	OrganizationID int64
	WarehouseID    int64
	ToWarehouseID  int64
	ContragentID   int64
	SalesDocID     int64
	PurchaseDocID  int64
	Sum            decimal.Decimal
	Status         bool
	Comment        string
	CreatedAt      time.Time
	IsDeleted      bool
	Lines          []Line
}

// SourceDocID returns the linked purchase or sale id, zero when the document
// is not tied to a source document.
func (d Document) SourceDocID() int64 {
	if d.PurchaseDocID != 0 {
		return d.PurchaseDocID
	}
	return d.SalesDocID
}

// AvailableStock describes one warehouse that publicly exposes positive
// stock for a nomenclature.
type AvailableStock struct {
	WarehouseID   int64
	Name          string
	Address       string
	Latitude      *float64
	Longitude     *float64
	CurrentAmount decimal.Decimal
	DistanceKM    *float64
}

// Sentinel errors.
var (
	ErrUnknownOperation  = errors.New("ledger: unknown operation")
	ErrDocumentNotFound  = errors.New("ledger: document not found")
	ErrUnitInvalid       = errors.New("ledger: unit invalid for nomenclature")
	ErrInsufficientStock = errors.New("ledger: insufficient stock for outgoing")
	ErrEmptyLines        = errors.New("ledger: at least one line is required")
	ErrQuantityInvalid   = errors.New("ledger: quantity must be positive")
	ErrNegativeBalance   = errors.New("ledger: computed balance below zero")
)

// LineError records a reference failure for one document line. Lines are
// validated together; any LineError rejects the whole document.
type LineError struct {
	Index  int
	Entity string
	ID     int64
}

func (e LineError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("ledger: %s %d not found", e.Entity, e.ID)
	}
	return fmt.Sprintf("ledger: line %d: %s %d not found", e.Index, e.Entity, e.ID)
}

// LineErrors aggregates per-line reference failures.
type LineErrors []LineError

func (e LineErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("ledger: %d lines reference missing entities", len(e))
}
