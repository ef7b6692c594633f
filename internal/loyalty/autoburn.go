package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// fifoEntry tracks the unconsumed remainder of one accrual during replay.
type fifoEntry struct {
	id         int64
	remaining  decimal.Decimal
	createdAt  time.Time
	autoBurned bool
}

// Sweep expires stale bonuses on every eligible card of a tenant. Eligible
// means positive balance and a configured lifetime. Returns the number of
// cards that lost points.
func (s *Service) Sweep(ctx context.Context, cashboxID int64) (int, error) {
	cards, err := s.repo.ListExpirableCards(ctx, cashboxID)
	if err != nil {
		return 0, err
	}
	burned := 0
	for _, card := range cards {
		changed, err := s.SweepCard(ctx, cashboxID, card.ID)
		if err != nil {
			return burned, err
		}
		if changed {
			burned++
		}
	}
	return burned, nil
}

// SweepCard walks a card's history with FIFO consumption and emits one
// compensating expire withdraw per accrual whose lifetime has passed and
// which still holds an unconsumed remainder. Reruns are no-ops because the
// emitted withdraw consumes exactly that remainder on the next replay.
func (s *Service) SweepCard(ctx context.Context, cashboxID, cardID int64) (bool, error) {
	changed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		card, err := tx.GetCard(ctx, cashboxID, cardID)
		if err != nil {
			return err
		}
		lifetime := card.Lifetime()
		if card.IsDeleted || lifetime == 0 || !card.Balance.IsPositive() {
			return nil
		}
		txns, err := tx.ActiveTransactions(ctx, card.ID)
		if err != nil {
			return err
		}

		queue := replayFIFO(txns)

		now := s.clock()
		var expired []fifoEntry
		for _, e := range queue {
			if e.remaining.IsPositive() && !e.autoBurned && !e.createdAt.Add(lifetime).After(now) {
				expired = append(expired, e)
			}
		}
		if len(expired) == 0 {
			return nil
		}

		burnedIDs := make([]int64, 0, len(expired))
		for _, e := range expired {
			_, err := tx.InsertTransaction(ctx, Transaction{
				CashboxID:  cashboxID,
				CardID:     card.ID,
				Kind:       KindExpire,
				Amount:     e.remaining,
				Status:     true,
				AutoBurned: true,
				ExternalID: e.id,
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
			burnedIDs = append(burnedIDs, e.id)
		}
		if err := tx.MarkAutoBurned(ctx, burnedIDs); err != nil {
			return err
		}

		balance, err := s.rebuildBalance(ctx, tx, card.ID)
		if err != nil {
			return err
		}
		if err := tx.UpdateCardBalance(ctx, card.ID, balance); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.notifyCard(ctx, cashboxID, cardID)
	}
	return changed, nil
}

// replayFIFO consumes withdraws against accruals in id order and returns the
// accruals with their unconsumed remainders.
func replayFIFO(txns []Transaction) []fifoEntry {
	var queue []fifoEntry
	head := 0
	for _, t := range txns {
		switch {
		case t.Kind.IsAccrual():
			queue = append(queue, fifoEntry{
				id:         t.ID,
				remaining:  t.Amount,
				createdAt:  t.CreatedAt,
				autoBurned: t.AutoBurned,
			})
		case t.Kind.IsWithdraw():
			rest := t.Amount
			for rest.IsPositive() && head < len(queue) {
				take := decimal.Min(queue[head].remaining, rest)
				queue[head].remaining = queue[head].remaining.Sub(take)
				rest = rest.Sub(take)
				if queue[head].remaining.IsZero() {
					head++
				}
			}
		}
	}
	return queue
}
