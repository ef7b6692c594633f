package loyalty

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind classifies loyalty transactions.
type TransactionKind string

const (
	// KindAccrual adds points to a card.
	KindAccrual TransactionKind = "accrual"
	// KindWithdraw removes points from a card.
	KindWithdraw TransactionKind = "withdraw"
	// KindExpire is a compensating withdraw emitted by the expiration sweep.
	KindExpire TransactionKind = "expire"
	// KindPromocode is an accrual granted by a promocode activation; the
	// transaction's external id carries the promocode id.
	KindPromocode TransactionKind = "promocode"
)

// IsAccrual reports whether the kind adds points.
func (k TransactionKind) IsAccrual() bool {
	return k == KindAccrual || k == KindPromocode
}

// IsWithdraw reports whether the kind removes points.
func (k TransactionKind) IsWithdraw() bool {
	return k == KindWithdraw || k == KindExpire
}

// Valid reports whether the kind is known.
func (k TransactionKind) Valid() bool {
	return k.IsAccrual() || k.IsWithdraw()
}

// Card is a loyalty card owned by one contragent.
type Card struct {
	ID              int64
	CashboxID       int64
	ContragentID    int64
	Number          string
	Balance         decimal.Decimal
	LifetimeSeconds *int64
	OrganizationID  int64
	CashbackPercent decimal.Decimal
	IsDeleted       bool
	CreatedAt       time.Time
}

// Lifetime returns the bonus lifetime as a duration, zero when unset.
func (c Card) Lifetime() time.Duration {
	if c.LifetimeSeconds == nil || *c.LifetimeSeconds <= 0 {
		return 0
	}
	return time.Duration(*c.LifetimeSeconds) * time.Second
}

// Transaction is one append-style row of a card's points log.
type Transaction struct {
	ID          int64
	CashboxID   int64
	CardID      int64
	Kind        TransactionKind
	Amount      decimal.Decimal
	Status      bool
	IsDeleted   bool
	AutoBurned  bool
	ExternalID  int64
	SaleDocID   int64
	CardBalance *decimal.Decimal
	TagIDs      []int64
	CreatedBy   int64
	CreatedAt   time.Time
}

// PromoType distinguishes single and repeatable promocodes.
type PromoType string

const (
	PromoOneTime  PromoType = "one_time"
	PromoMultiUse PromoType = "multi_use"
)

// Promocode grants a fixed points amount on activation.
type Promocode struct {
	ID             int64
	CashboxID      int64
	Code           string
	Type           PromoType
	Points         decimal.Decimal
	UsageCount     int
	MaxUsages      *int
	ValidAfter     *time.Time
	ValidUntil     *time.Time
	OrganizationID int64
	DistributorID  int64
	IsActive       bool
	IsDeleted      bool
}

// PromoResult is returned by a successful activation.
type PromoResult struct {
	AddedPoints   decimal.Decimal `json:"added_points"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	TransactionID int64           `json:"transaction_id"`
}

var (
	ErrCardNotFound       = errors.New("loyalty: card not found")
	ErrContragentNotFound = errors.New("loyalty: no contragent with this phone")
	ErrCardDeleted        = errors.New("loyalty: card is deleted")
	ErrAmountInvalid      = errors.New("loyalty: amount must be positive")
	ErrUnknownKind        = errors.New("loyalty: unknown transaction kind")
	ErrTxnNotFound        = errors.New("loyalty: transaction not found")
	ErrBalanceBroken      = errors.New("loyalty: computed balance below zero")
	ErrPromoNotFound      = errors.New("loyalty: promocode not found")
	ErrPromoInactive      = errors.New("loyalty: promocode is inactive")
	ErrPromoExpired       = errors.New("loyalty: promocode is outside its validity window")
	ErrPromoScope         = errors.New("loyalty: promocode organization does not match the card")
	ErrPromoActivated     = errors.New("loyalty: promocode already activated on this card")
	ErrPromoLimit         = errors.New("loyalty: promocode usage limit reached")
)
