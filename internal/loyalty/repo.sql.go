package loyalty

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ostrovmarket/ostrov/internal/platform/db"
)

// Repository persists loyalty data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a serializable transaction, retrying
// serialization conflicts within the handler retry budget.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("loyalty repository not initialised")
	}
	return db.RetrySerializable(ctx, r.pool, db.DefaultRetryBudget, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const cardColumns = `id, cashbox_id, contragent_id, number, balance, lifetime_seconds,
	COALESCE(organization_id, 0), COALESCE(cashback_percent, 0), is_deleted, created_at`

func scanCard(row pgx.Row) (Card, error) {
	var c Card
	err := row.Scan(&c.ID, &c.CashboxID, &c.ContragentID, &c.Number, &c.Balance, &c.LifetimeSeconds,
		&c.OrganizationID, &c.CashbackPercent, &c.IsDeleted, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Card{}, ErrCardNotFound
		}
		return Card{}, err
	}
	return c, nil
}

// GetCard loads a card outside a transaction.
func (r *Repository) GetCard(ctx context.Context, cashboxID, cardID int64) (Card, error) {
	return scanCard(r.pool.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM loyalty_cards WHERE cashbox_id=$1 AND id=$2`, cashboxID, cardID))
}

// ListTransactions returns a card's most recent rows, newest first.
func (r *Repository) ListTransactions(ctx context.Context, cashboxID, cardID int64, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM loyalty_transactions
		WHERE cashbox_id=$1 AND card_id=$2 AND NOT is_deleted
		ORDER BY id DESC
		LIMIT $3`, cashboxID, cardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListExpirableCards returns cards eligible for the expiration sweep.
func (r *Repository) ListExpirableCards(ctx context.Context, cashboxID int64) ([]Card, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+cardColumns+`
		FROM loyalty_cards
		WHERE cashbox_id=$1 AND NOT is_deleted AND balance > 0
		  AND lifetime_seconds IS NOT NULL AND lifetime_seconds > 0
		ORDER BY id`, cashboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cards []Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// ListLoyaltyCashboxes returns tenants that have cards eligible for the
// expiration sweep.
func (r *Repository) ListLoyaltyCashboxes(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT cashbox_id FROM loyalty_cards
		WHERE NOT is_deleted AND balance > 0
		  AND lifetime_seconds IS NOT NULL AND lifetime_seconds > 0
		ORDER BY cashbox_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const transactionColumns = `id, cashbox_id, card_id, kind, amount, status, is_deleted, auto_burned,
	COALESCE(external_id, 0), COALESCE(docs_sales_id, 0), card_balance, COALESCE(tag_ids, '{}'),
	COALESCE(created_by, 0), created_at`

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	var txns []Transaction
	for rows.Next() {
		var t Transaction
		err := rows.Scan(&t.ID, &t.CashboxID, &t.CardID, &t.Kind, &t.Amount, &t.Status, &t.IsDeleted,
			&t.AutoBurned, &t.ExternalID, &t.SaleDocID, &t.CardBalance, &t.TagIDs, &t.CreatedBy, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (r *txRepository) GetCard(ctx context.Context, cashboxID, cardID int64) (Card, error) {
	return scanCard(r.tx.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM loyalty_cards WHERE cashbox_id=$1 AND id=$2 FOR UPDATE`,
		cashboxID, cardID))
}

func (r *txRepository) GetCardByNumber(ctx context.Context, cashboxID int64, number string) (Card, error) {
	return scanCard(r.tx.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM loyalty_cards WHERE cashbox_id=$1 AND number=$2 FOR UPDATE`,
		cashboxID, number))
}

func (r *txRepository) FindCardByContragent(ctx context.Context, cashboxID, contragentID int64) (Card, error) {
	return scanCard(r.tx.QueryRow(ctx, `
		SELECT `+cardColumns+` FROM loyalty_cards
		WHERE cashbox_id=$1 AND contragent_id=$2 AND NOT is_deleted
		ORDER BY id
		LIMIT 1
		FOR UPDATE`, cashboxID, contragentID))
}

func (r *txRepository) FindContragentByPhone(ctx context.Context, cashboxID int64, phone string) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		SELECT id FROM contragents
		WHERE cashbox_id=$1 AND phone=$2 AND NOT is_deleted
		ORDER BY id
		LIMIT 1`, cashboxID, phone).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrContragentNotFound
	}
	return id, err
}

func (r *txRepository) InsertTransaction(ctx context.Context, txn Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO loyalty_transactions
			(cashbox_id, card_id, kind, amount, status, is_deleted, auto_burned,
			 external_id, docs_sales_id, tag_ids, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, NULLIF($7, 0), NULLIF($8, 0), $9, NULLIF($10, 0), $11)
		RETURNING id`,
		txn.CashboxID, txn.CardID, txn.Kind, txn.Amount, txn.Status, txn.AutoBurned,
		txn.ExternalID, txn.SaleDocID, txn.TagIDs, txn.CreatedBy, txn.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) StampTransactionBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE loyalty_transactions SET card_balance=$2 WHERE id=$1`, id, balance)
	return err
}

// ActiveTransactions returns the card's posted rows in id order, the replay
// order for balance and FIFO computations.
func (r *txRepository) ActiveTransactions(ctx context.Context, cardID int64) ([]Transaction, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM loyalty_transactions
		WHERE card_id=$1 AND status AND NOT is_deleted
		ORDER BY id`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *txRepository) MarkAutoBurned(ctx context.Context, ids []int64) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE loyalty_transactions SET auto_burned=TRUE WHERE id = ANY($1)`, ids)
	return err
}

func (r *txRepository) SoftDeleteTransaction(ctx context.Context, cashboxID, id int64) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE loyalty_transactions SET is_deleted=TRUE WHERE cashbox_id=$1 AND id=$2`, cashboxID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTxnNotFound
	}
	return nil
}

func (r *txRepository) UpdateCardBalance(ctx context.Context, cardID int64, balance decimal.Decimal) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE loyalty_cards SET balance=$2 WHERE id=$1`, cardID, balance)
	return err
}

func (r *txRepository) GetPromocodeForUpdate(ctx context.Context, cashboxID int64, code string) (Promocode, error) {
	var p Promocode
	err := r.tx.QueryRow(ctx, `
		SELECT id, cashbox_id, code, type, points, usage_count, max_usages,
		       valid_after, valid_until, COALESCE(organization_id, 0), COALESCE(distributor_id, 0),
		       is_active, is_deleted
		FROM loyalty_promocodes
		WHERE cashbox_id=$1 AND code=$2
		FOR UPDATE`, cashboxID, code).
		Scan(&p.ID, &p.CashboxID, &p.Code, &p.Type, &p.Points, &p.UsageCount, &p.MaxUsages,
			&p.ValidAfter, &p.ValidUntil, &p.OrganizationID, &p.DistributorID, &p.IsActive, &p.IsDeleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Promocode{}, ErrPromoNotFound
	}
	return p, err
}

func (r *txRepository) IncrementPromocodeUsage(ctx context.Context, id int64) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE loyalty_promocodes SET usage_count = usage_count + 1 WHERE id=$1`, id)
	return err
}

func (r *txRepository) PromoActivated(ctx context.Context, cardID, promoID int64) (bool, error) {
	var found bool
	err := r.tx.QueryRow(ctx, `
		SELECT TRUE FROM loyalty_transactions
		WHERE card_id=$1 AND kind=$2 AND external_id=$3 AND NOT is_deleted
		LIMIT 1`, cardID, KindPromocode, promoID).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return found, err
}
