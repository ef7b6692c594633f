package loyalty

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	cards       map[int64]*Card
	txns        []Transaction
	promos      map[string]*Promocode
	contragents map[string]int64

	nextTxnID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		cards:       map[int64]*Card{},
		promos:      map[string]*Promocode{},
		contragents: map[string]int64{},
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) GetCard(_ context.Context, cashboxID, cardID int64) (Card, error) {
	card, ok := f.cards[cardID]
	if !ok || card.CashboxID != cashboxID {
		return Card{}, ErrCardNotFound
	}
	return *card, nil
}

func (f *fakeRepo) GetCardByNumber(_ context.Context, cashboxID int64, number string) (Card, error) {
	for _, card := range f.cards {
		if card.CashboxID == cashboxID && card.Number == number {
			return *card, nil
		}
	}
	return Card{}, ErrCardNotFound
}

func (f *fakeRepo) FindCardByContragent(_ context.Context, cashboxID, contragentID int64) (Card, error) {
	for _, card := range f.cards {
		if card.CashboxID == cashboxID && card.ContragentID == contragentID && !card.IsDeleted {
			return *card, nil
		}
	}
	return Card{}, ErrCardNotFound
}

func (f *fakeRepo) FindContragentByPhone(_ context.Context, _ int64, phone string) (int64, error) {
	id, ok := f.contragents[phone]
	if !ok {
		return 0, ErrContragentNotFound
	}
	return id, nil
}

func (f *fakeRepo) InsertTransaction(_ context.Context, txn Transaction) (int64, error) {
	f.nextTxnID++
	txn.ID = f.nextTxnID
	f.txns = append(f.txns, txn)
	return txn.ID, nil
}

func (f *fakeRepo) StampTransactionBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	for i := range f.txns {
		if f.txns[i].ID == id {
			b := balance
			f.txns[i].CardBalance = &b
			return nil
		}
	}
	return ErrTxnNotFound
}

func (f *fakeRepo) ActiveTransactions(_ context.Context, cardID int64) ([]Transaction, error) {
	var out []Transaction
	for _, t := range f.txns {
		if t.CardID == cardID && t.Status && !t.IsDeleted {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkAutoBurned(_ context.Context, ids []int64) error {
	for _, id := range ids {
		for i := range f.txns {
			if f.txns[i].ID == id {
				f.txns[i].AutoBurned = true
			}
		}
	}
	return nil
}

func (f *fakeRepo) SoftDeleteTransaction(_ context.Context, cashboxID, id int64) error {
	for i := range f.txns {
		if f.txns[i].ID == id && f.txns[i].CashboxID == cashboxID {
			f.txns[i].IsDeleted = true
			return nil
		}
	}
	return ErrTxnNotFound
}

func (f *fakeRepo) UpdateCardBalance(_ context.Context, cardID int64, balance decimal.Decimal) error {
	card, ok := f.cards[cardID]
	if !ok {
		return ErrCardNotFound
	}
	card.Balance = balance
	return nil
}

func (f *fakeRepo) GetPromocodeForUpdate(_ context.Context, cashboxID int64, code string) (Promocode, error) {
	promo, ok := f.promos[code]
	if !ok || promo.CashboxID != cashboxID {
		return Promocode{}, ErrPromoNotFound
	}
	return *promo, nil
}

func (f *fakeRepo) IncrementPromocodeUsage(_ context.Context, id int64) error {
	for _, promo := range f.promos {
		if promo.ID == id {
			promo.UsageCount++
			return nil
		}
	}
	return ErrPromoNotFound
}

func (f *fakeRepo) PromoActivated(_ context.Context, cardID, promoID int64) (bool, error) {
	for _, t := range f.txns {
		if t.CardID == cardID && t.Kind == KindPromocode && t.ExternalID == promoID && !t.IsDeleted {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) ListTransactions(_ context.Context, cashboxID, cardID int64, _ int) ([]Transaction, error) {
	var out []Transaction
	for _, t := range f.txns {
		if t.CashboxID == cashboxID && t.CardID == cardID && !t.IsDeleted {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListExpirableCards(_ context.Context, cashboxID int64) ([]Card, error) {
	var out []Card
	for _, card := range f.cards {
		if card.CashboxID == cashboxID && !card.IsDeleted &&
			card.Balance.IsPositive() && card.Lifetime() > 0 {
			out = append(out, *card)
		}
	}
	return out, nil
}

type eventRecorder struct{ cards []int64 }

func (e *eventRecorder) CardUpdated(_ context.Context, _, cardID int64) error {
	e.cards = append(e.cards, cardID)
	return nil
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func seedCard(repo *fakeRepo, lifetimeDays int64) *Card {
	card := &Card{ID: 1, CashboxID: 7, ContragentID: 3, Number: "CARD-1", Balance: decimal.Zero}
	if lifetimeDays > 0 {
		seconds := lifetimeDays * 24 * 3600
		card.LifetimeSeconds = &seconds
	}
	repo.cards[card.ID] = card
	repo.contragents["+79990001122"] = card.ContragentID
	return card
}

func TestPostTransactionRebuildsBalance(t *testing.T) {
	repo := newFakeRepo()
	seedCard(repo, 0)
	events := &eventRecorder{}
	svc := NewService(repo, events, nil)
	ctx := context.Background()

	first, err := svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: KindAccrual, Amount: dec(100)})
	require.NoError(t, err)
	require.NotNil(t, first.CardBalance)
	require.True(t, first.CardBalance.Equal(dec(100)))

	second, err := svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: KindWithdraw, Amount: dec(30)})
	require.NoError(t, err)
	require.True(t, second.CardBalance.Equal(dec(70)))
	require.True(t, repo.cards[1].Balance.Equal(dec(70)))
	require.Equal(t, []int64{1, 1}, events.cards)
}

func TestPostTransactionByNumber(t *testing.T) {
	repo := newFakeRepo()
	seedCard(repo, 0)
	svc := NewService(repo, nil, nil)

	txn, err := svc.PostTransaction(context.Background(), PostInput{CashboxID: 7, CardNumber: "CARD-1", Kind: KindAccrual, Amount: dec(10)})
	require.NoError(t, err)
	require.Equal(t, int64(1), txn.CardID)
}

func TestPostTransactionRejectsOverdraw(t *testing.T) {
	repo := newFakeRepo()
	seedCard(repo, 0)
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: KindAccrual, Amount: dec(20)})
	require.NoError(t, err)
	_, err = svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: KindWithdraw, Amount: dec(50)})
	require.ErrorIs(t, err, ErrBalanceBroken)
}

func TestPostTransactionValidation(t *testing.T) {
	repo := newFakeRepo()
	card := seedCard(repo, 0)
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: "bogus", Amount: dec(1)})
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: KindAccrual, Amount: dec(0)})
	require.ErrorIs(t, err, ErrAmountInvalid)

	card.IsDeleted = true
	_, err = svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: KindAccrual, Amount: dec(1)})
	require.ErrorIs(t, err, ErrCardDeleted)
}

func TestDeleteTransactionRebuildsBalance(t *testing.T) {
	repo := newFakeRepo()
	seedCard(repo, 0)
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	txn, err := svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: KindAccrual, Amount: dec(100)})
	require.NoError(t, err)
	_, err = svc.PostTransaction(ctx, PostInput{CashboxID: 7, CardID: 1, Kind: KindAccrual, Amount: dec(40)})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTransaction(ctx, 7, 1, txn.ID))
	require.True(t, repo.cards[1].Balance.Equal(dec(40)))

	balance, err := svc.Recompute(ctx, 7, 1)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec(40)))
}

func seedPromo(repo *fakeRepo, typ PromoType, maxUsages *int) *Promocode {
	after := time.Now().Add(-time.Hour)
	until := time.Now().Add(time.Hour)
	promo := &Promocode{
		ID: 55, CashboxID: 7, Code: "WELCOME100", Type: typ,
		Points: dec(100), MaxUsages: maxUsages,
		ValidAfter: &after, ValidUntil: &until, IsActive: true,
	}
	repo.promos[promo.Code] = promo
	return promo
}

func TestApplyPromocodeOneTime(t *testing.T) {
	repo := newFakeRepo()
	seedCard(repo, 0)
	promo := seedPromo(repo, PromoOneTime, nil)
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	result, err := svc.ApplyPromocode(ctx, 7, "WELCOME100", "+79990001122")
	require.NoError(t, err)
	require.True(t, result.AddedPoints.Equal(dec(100)))
	require.True(t, result.NewBalance.Equal(dec(100)))
	require.Equal(t, 1, promo.UsageCount)

	// same card again: already activated wins over the usage limit
	_, err = svc.ApplyPromocode(ctx, 7, "WELCOME100", "+79990001122")
	require.ErrorIs(t, err, ErrPromoActivated)
	require.Equal(t, 1, promo.UsageCount)
	require.Len(t, repo.txns, 1)

	// a different card hits the one-time limit
	repo.cards[2] = &Card{ID: 2, CashboxID: 7, ContragentID: 4, Number: "CARD-2"}
	repo.contragents["+79990003344"] = 4
	_, err = svc.ApplyPromocode(ctx, 7, "WELCOME100", "+79990003344")
	require.ErrorIs(t, err, ErrPromoLimit)
	require.Equal(t, 1, promo.UsageCount)
}

func TestApplyPromocodeMultiUseLimit(t *testing.T) {
	repo := newFakeRepo()
	seedCard(repo, 0)
	max := 1
	promo := seedPromo(repo, PromoMultiUse, &max)
	promo.UsageCount = 1
	svc := NewService(repo, nil, nil)

	_, err := svc.ApplyPromocode(context.Background(), 7, "WELCOME100", "+79990001122")
	require.ErrorIs(t, err, ErrPromoLimit)
}

func TestApplyPromocodeTaxonomy(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		repo := newFakeRepo()
		seedCard(repo, 0)
		svc := NewService(repo, nil, nil)
		_, err := svc.ApplyPromocode(ctx, 7, "MISSING", "+79990001122")
		require.ErrorIs(t, err, ErrPromoNotFound)
	})

	t.Run("inactive", func(t *testing.T) {
		repo := newFakeRepo()
		seedCard(repo, 0)
		seedPromo(repo, PromoOneTime, nil).IsActive = false
		svc := NewService(repo, nil, nil)
		_, err := svc.ApplyPromocode(ctx, 7, "WELCOME100", "+79990001122")
		require.ErrorIs(t, err, ErrPromoInactive)
	})

	t.Run("expired", func(t *testing.T) {
		repo := newFakeRepo()
		seedCard(repo, 0)
		past := time.Now().Add(-time.Minute)
		seedPromo(repo, PromoOneTime, nil).ValidUntil = &past
		svc := NewService(repo, nil, nil)
		_, err := svc.ApplyPromocode(ctx, 7, "WELCOME100", "+79990001122")
		require.ErrorIs(t, err, ErrPromoExpired)
	})

	t.Run("scope mismatch", func(t *testing.T) {
		repo := newFakeRepo()
		seedCard(repo, 0).OrganizationID = 11
		seedPromo(repo, PromoOneTime, nil).OrganizationID = 12
		svc := NewService(repo, nil, nil)
		_, err := svc.ApplyPromocode(ctx, 7, "WELCOME100", "+79990001122")
		require.ErrorIs(t, err, ErrPromoScope)
	})

	t.Run("unknown phone", func(t *testing.T) {
		repo := newFakeRepo()
		seedCard(repo, 0)
		seedPromo(repo, PromoOneTime, nil)
		svc := NewService(repo, nil, nil)
		_, err := svc.ApplyPromocode(ctx, 7, "WELCOME100", "+70000000000")
		require.ErrorIs(t, err, ErrContragentNotFound)
		require.NotErrorIs(t, err, ErrCardNotFound)
	})
}
