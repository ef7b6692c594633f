package loyalty

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func seedTxn(repo *fakeRepo, card *Card, kind TransactionKind, amount decimal.Decimal, at time.Time) {
	repo.nextTxnID++
	repo.txns = append(repo.txns, Transaction{
		ID:        repo.nextTxnID,
		CashboxID: card.CashboxID,
		CardID:    card.ID,
		Kind:      kind,
		Amount:    amount,
		Status:    true,
		CreatedAt: at,
	})
	next := card.Balance
	if kind.IsAccrual() {
		next = next.Add(amount)
	} else {
		next = next.Sub(amount)
	}
	card.Balance = next
}

func TestSweepCardBurnsExpiredRemainder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	card := seedCard(repo, 30)
	seedTxn(repo, card, KindAccrual, dec(100), start)
	seedTxn(repo, card, KindWithdraw, dec(70), start.Add(10*day))
	seedTxn(repo, card, KindAccrual, dec(50), start.Add(40*day))

	events := &eventRecorder{}
	svc := NewService(repo, events, nil)
	now := start.Add(41 * day)
	svc.clock = func() time.Time { return now }

	// the first accrual left a remainder of 30 after FIFO consumption and
	// its 30 day lifetime has passed; the second accrual is still alive
	changed, err := svc.SweepCard(context.Background(), 7, card.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, repo.cards[1].Balance.Equal(dec(50)))

	last := repo.txns[len(repo.txns)-1]
	require.Equal(t, KindExpire, last.Kind)
	require.True(t, last.Amount.Equal(dec(30)))
	require.True(t, last.AutoBurned)
	require.Equal(t, int64(1), last.ExternalID)
	require.True(t, repo.txns[0].AutoBurned)
	require.Equal(t, []int64{1}, events.cards)

	// rerun emits nothing
	changed, err = svc.SweepCard(context.Background(), 7, card.ID)
	require.NoError(t, err)
	require.False(t, changed)
	require.Len(t, repo.txns, 4)
	require.True(t, repo.cards[1].Balance.Equal(dec(50)))
}

func TestSweepCardFullyConsumedAccrual(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	card := seedCard(repo, 30)
	seedTxn(repo, card, KindAccrual, dec(100), start)
	seedTxn(repo, card, KindWithdraw, dec(100), start.Add(day))
	seedTxn(repo, card, KindAccrual, dec(10), start.Add(2*day))

	svc := NewService(repo, nil, nil)
	svc.clock = func() time.Time { return start.Add(31 * day) }

	changed, err := svc.SweepCard(context.Background(), 7, card.ID)
	require.NoError(t, err)
	require.False(t, changed)
	require.True(t, repo.cards[1].Balance.Equal(dec(10)))
}

func TestSweepCardSkipsCardsWithoutLifetime(t *testing.T) {
	repo := newFakeRepo()
	card := seedCard(repo, 0)
	seedTxn(repo, card, KindAccrual, dec(100), time.Now().Add(-365*day))

	svc := NewService(repo, nil, nil)
	changed, err := svc.SweepCard(context.Background(), 7, card.ID)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestSweepIteratesEligibleCards(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	first := seedCard(repo, 30)
	seedTxn(repo, first, KindAccrual, dec(20), start)

	seconds := int64(30 * 24 * 3600)
	second := &Card{ID: 2, CashboxID: 7, ContragentID: 4, Number: "CARD-2", LifetimeSeconds: &seconds}
	repo.cards[2] = second
	seedTxn(repo, second, KindAccrual, dec(5), start.Add(20*day))

	svc := NewService(repo, nil, nil)
	svc.clock = func() time.Time { return start.Add(31 * day) }

	burned, err := svc.Sweep(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 1, burned)
	require.True(t, repo.cards[1].Balance.IsZero())
	require.True(t, repo.cards[2].Balance.Equal(dec(5)))
}

func TestReplayFIFOPartialConsumption(t *testing.T) {
	base := time.Now()
	txns := []Transaction{
		{ID: 1, Kind: KindAccrual, Amount: dec(100), CreatedAt: base},
		{ID: 2, Kind: KindAccrual, Amount: dec(50), CreatedAt: base},
		{ID: 3, Kind: KindWithdraw, Amount: dec(120), CreatedAt: base},
	}
	queue := replayFIFO(txns)
	require.Len(t, queue, 2)
	require.True(t, queue[0].remaining.IsZero())
	require.True(t, queue[1].remaining.Equal(dec(30)))
}
