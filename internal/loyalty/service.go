package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ostrovmarket/ostrov/internal/shared"
)

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetCard(ctx context.Context, cashboxID, cardID int64) (Card, error)
	GetCardByNumber(ctx context.Context, cashboxID int64, number string) (Card, error)
	FindCardByContragent(ctx context.Context, cashboxID, contragentID int64) (Card, error)
	FindContragentByPhone(ctx context.Context, cashboxID int64, phone string) (int64, error)

	InsertTransaction(ctx context.Context, txn Transaction) (int64, error)
	StampTransactionBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	ActiveTransactions(ctx context.Context, cardID int64) ([]Transaction, error)
	MarkAutoBurned(ctx context.Context, ids []int64) error
	SoftDeleteTransaction(ctx context.Context, cashboxID, id int64) error
	UpdateCardBalance(ctx context.Context, cardID int64, balance decimal.Decimal) error

	GetPromocodeForUpdate(ctx context.Context, cashboxID int64, code string) (Promocode, error)
	IncrementPromocodeUsage(ctx context.Context, id int64) error
	PromoActivated(ctx context.Context, cardID, promoID int64) (bool, error)
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCard(ctx context.Context, cashboxID, cardID int64) (Card, error)
	ListTransactions(ctx context.Context, cashboxID, cardID int64, limit int) ([]Transaction, error)
	ListExpirableCards(ctx context.Context, cashboxID int64) ([]Card, error)
}

// EventPort publishes card change events after a commit.
type EventPort interface {
	CardUpdated(ctx context.Context, cashboxID, cardID int64) error
}

// Service maintains card balances and promocode activation limits.
type Service struct {
	repo  RepositoryPort
	bus   EventPort
	audit AuditPort
	clock func() time.Time
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NewService builds Service.
func NewService(repo RepositoryPort, bus EventPort, audit AuditPort) *Service {
	return &Service{repo: repo, bus: bus, audit: audit, clock: func() time.Time { return time.Now().UTC() }}
}

// PostInput describes a loyalty transaction intake payload.
type PostInput struct {
	CashboxID  int64
	CardID     int64
	CardNumber string
	Kind       TransactionKind
	Amount     decimal.Decimal
	TagIDs     []int64
	CreatedBy  int64
	Dated      time.Time
	ExternalID int64
	SaleDocID  int64
}

// PostTransaction inserts a transaction row, recomputes the card balance from
// its active rows and stamps the resulting balance on the new row. The whole
// operation commits atomically.
func (s *Service) PostTransaction(ctx context.Context, input PostInput) (Transaction, error) {
	if !input.Kind.Valid() {
		return Transaction{}, ErrUnknownKind
	}
	if !input.Amount.IsPositive() {
		return Transaction{}, ErrAmountInvalid
	}
	dated := input.Dated
	if dated.IsZero() {
		dated = s.clock()
	}

	var out Transaction
	var card Card
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if input.CardID != 0 {
			card, err = tx.GetCard(ctx, input.CashboxID, input.CardID)
		} else {
			card, err = tx.GetCardByNumber(ctx, input.CashboxID, input.CardNumber)
		}
		if err != nil {
			return err
		}
		if card.IsDeleted {
			return ErrCardDeleted
		}
		out, err = s.postLocked(ctx, tx, card, Transaction{
			CashboxID:  input.CashboxID,
			CardID:     card.ID,
			Kind:       input.Kind,
			Amount:     input.Amount,
			Status:     true,
			ExternalID: input.ExternalID,
			SaleDocID:  input.SaleDocID,
			TagIDs:     input.TagIDs,
			CreatedBy:  input.CreatedBy,
			CreatedAt:  dated,
		})
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	s.notifyCard(ctx, input.CashboxID, card.ID)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.CreatedBy,
			Action:   fmt.Sprintf("loyalty:%s", input.Kind),
			Entity:   "loyalty_transactions",
			EntityID: fmt.Sprintf("%d", out.ID),
			Meta:     map[string]any{"cashbox_id": input.CashboxID, "card_id": card.ID},
		})
	}
	return out, nil
}

// postLocked inserts the row and rebuilds the balance inside the caller's
// transaction. The card row must already be loaded under the same tx.
func (s *Service) postLocked(ctx context.Context, tx TxRepository, card Card, txn Transaction) (Transaction, error) {
	id, err := tx.InsertTransaction(ctx, txn)
	if err != nil {
		return Transaction{}, err
	}
	txn.ID = id

	balance, err := s.rebuildBalance(ctx, tx, card.ID)
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.UpdateCardBalance(ctx, card.ID, balance); err != nil {
		return Transaction{}, err
	}
	if err := tx.StampTransactionBalance(ctx, id, balance); err != nil {
		return Transaction{}, err
	}
	txn.CardBalance = &balance
	return txn, nil
}

// rebuildBalance recomputes the balance as accruals minus withdraws over
// active rows in id order.
func (s *Service) rebuildBalance(ctx context.Context, tx TxRepository, cardID int64) (decimal.Decimal, error) {
	txns, err := tx.ActiveTransactions(ctx, cardID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, t := range txns {
		if t.Kind.IsAccrual() {
			balance = balance.Add(t.Amount)
		} else {
			balance = balance.Sub(t.Amount)
		}
	}
	if balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: card %d balance %s", ErrBalanceBroken, cardID, balance)
	}
	return balance, nil
}

// Recompute rebuilds a card's balance after edits or deletions. Idempotent.
func (s *Service) Recompute(ctx context.Context, cashboxID, cardID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		card, err := tx.GetCard(ctx, cashboxID, cardID)
		if err != nil {
			return err
		}
		balance, err = s.rebuildBalance(ctx, tx, card.ID)
		if err != nil {
			return err
		}
		return tx.UpdateCardBalance(ctx, card.ID, balance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	s.notifyCard(ctx, cashboxID, cardID)
	return balance, nil
}

// DeleteTransaction soft-deletes a row and rebuilds the balance.
func (s *Service) DeleteTransaction(ctx context.Context, cashboxID, cardID, txnID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SoftDeleteTransaction(ctx, cashboxID, txnID); err != nil {
			return err
		}
		balance, err := s.rebuildBalance(ctx, tx, cardID)
		if err != nil {
			return err
		}
		return tx.UpdateCardBalance(ctx, cardID, balance)
	})
	if err != nil {
		return err
	}
	s.notifyCard(ctx, cashboxID, cardID)
	return nil
}

// ApplyPromocode activates a code for the card found by the contragent's
// phone. The accrual and the usage counter increment commit together or not
// at all.
func (s *Service) ApplyPromocode(ctx context.Context, cashboxID int64, code, phone string) (PromoResult, error) {
	var result PromoResult
	var cardID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		contragentID, err := tx.FindContragentByPhone(ctx, cashboxID, phone)
		if err != nil {
			return err
		}
		card, err := tx.FindCardByContragent(ctx, cashboxID, contragentID)
		if err != nil {
			return err
		}
		if card.IsDeleted {
			return ErrCardDeleted
		}
		cardID = card.ID

		promo, err := tx.GetPromocodeForUpdate(ctx, cashboxID, code)
		if err != nil {
			return err
		}
		if err := s.checkPromocode(promo, card); err != nil {
			return err
		}
		activated, err := tx.PromoActivated(ctx, card.ID, promo.ID)
		if err != nil {
			return err
		}
		if activated {
			return ErrPromoActivated
		}
		if err := checkPromoLimit(promo); err != nil {
			return err
		}

		txn, err := s.postLocked(ctx, tx, card, Transaction{
			CashboxID:  cashboxID,
			CardID:     card.ID,
			Kind:       KindPromocode,
			Amount:     promo.Points,
			Status:     true,
			ExternalID: promo.ID,
			CreatedAt:  s.clock(),
		})
		if err != nil {
			return err
		}
		if err := tx.IncrementPromocodeUsage(ctx, promo.ID); err != nil {
			return err
		}
		result = PromoResult{
			AddedPoints:   promo.Points,
			NewBalance:    *txn.CardBalance,
			TransactionID: txn.ID,
		}
		return nil
	})
	if err != nil {
		return PromoResult{}, err
	}
	s.notifyCard(ctx, cashboxID, cardID)
	return result, nil
}

func (s *Service) checkPromocode(promo Promocode, card Card) error {
	if promo.IsDeleted {
		return ErrPromoNotFound
	}
	if !promo.IsActive {
		return ErrPromoInactive
	}
	now := s.clock()
	if promo.ValidAfter != nil && now.Before(*promo.ValidAfter) {
		return ErrPromoExpired
	}
	if promo.ValidUntil != nil && now.After(*promo.ValidUntil) {
		return ErrPromoExpired
	}
	if card.OrganizationID != 0 && promo.OrganizationID != 0 && card.OrganizationID != promo.OrganizationID {
		return ErrPromoScope
	}
	return nil
}

func checkPromoLimit(promo Promocode) error {
	switch promo.Type {
	case PromoOneTime:
		if promo.UsageCount >= 1 {
			return ErrPromoLimit
		}
	case PromoMultiUse:
		if promo.MaxUsages != nil && promo.UsageCount >= *promo.MaxUsages {
			return ErrPromoLimit
		}
	}
	return nil
}

// GetCard loads a card.
func (s *Service) GetCard(ctx context.Context, cashboxID, cardID int64) (Card, error) {
	return s.repo.GetCard(ctx, cashboxID, cardID)
}

// ListTransactions returns a card's most recent rows.
func (s *Service) ListTransactions(ctx context.Context, cashboxID, cardID int64, limit int) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, cashboxID, cardID, limit)
}

func (s *Service) notifyCard(ctx context.Context, cashboxID, cardID int64) {
	if s.bus == nil || cardID == 0 {
		return
	}
	_ = s.bus.CardUpdated(ctx, cashboxID, cardID)
}
