package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ostrovmarket/ostrov/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
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
		return errors.New("ledger repository not initialised")
	}
	return db.RetrySerializable(ctx, r.pool, db.DefaultRetryBudget, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ReadCurrent returns the amount on the latest movement for the tuple.
func (r *Repository) ReadCurrent(ctx context.Context, cashboxID int64, key TupleKey) (decimal.Decimal, error) {
	var current decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT current_amount FROM warehouse_movements
		WHERE cashbox_id=$1 AND organization_id=$2 AND warehouse_id=$3 AND nomenclature_id=$4
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		cashboxID, key.OrganizationID, key.WarehouseID, key.NomenclatureID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return current, nil
}

// ListAvailable returns public warehouses with positive current stock for a
// nomenclature across organizations.
func (r *Repository) ListAvailable(ctx context.Context, cashboxID, nomenclatureID int64) ([]AvailableStock, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT w.id, w.name, COALESCE(w.address, ''), w.latitude, w.longitude, SUM(latest.current_amount)
		FROM warehouses w
		JOIN LATERAL (
			SELECT DISTINCT ON (m.organization_id) m.current_amount
			FROM warehouse_movements m
			WHERE m.cashbox_id=$1 AND m.warehouse_id=w.id AND m.nomenclature_id=$2
			ORDER BY m.organization_id, m.created_at DESC, m.id DESC
		) latest ON TRUE
		WHERE w.cashbox_id=$1 AND w.is_public AND w.status AND NOT w.is_deleted
		GROUP BY w.id, w.name, w.address, w.latitude, w.longitude
		HAVING SUM(latest.current_amount) > 0`,
		cashboxID, nomenclatureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailableStock
	for rows.Next() {
		var s AvailableStock
		if err := rows.Scan(&s.WarehouseID, &s.Name, &s.Address, &s.Latitude, &s.Longitude, &s.CurrentAmount); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// GetDocument loads a document with its lines outside a transaction.
func (r *Repository) GetDocument(ctx context.Context, cashboxID, id int64) (Document, error) {
	return getDocument(ctx, r.pool, cashboxID, id)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const documentColumns = `id, cashbox_id, number, operation, organization_id, warehouse_id,
	COALESCE(to_warehouse_id, 0), COALESCE(contragent_id, 0), COALESCE(docs_sales_id, 0),
	COALESCE(docs_purchases_id, 0), sum, status, COALESCE(comment, ''), created_at, is_deleted`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.CashboxID, &d.Number, &d.Operation, &d.OrganizationID, &d.WarehouseID,
		&d.ToWarehouseID, &d.ContragentID, &d.SalesDocID, &d.PurchaseDocID, &d.Sum, &d.Status,
		&d.Comment, &d.CreatedAt, &d.IsDeleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, err
	}
	return d, nil
}

func getDocument(ctx context.Context, q queryer, cashboxID, id int64) (Document, error) {
	doc, err := scanDocument(q.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM docs_warehouse WHERE cashbox_id=$1 AND id=$2`, cashboxID, id))
	if err != nil {
		return Document{}, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, nomenclature_id, quantity, COALESCE(unit_id, 0), COALESCE(price_type_id, 0),
		       price, COALESCE(source_purchase_line_id, 0)
		FROM docs_warehouse_goods WHERE docs_warehouse_id=$1 ORDER BY id`, id)
	if err != nil {
		return Document{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.NomenclatureID, &l.Quantity, &l.UnitID, &l.PriceTypeID, &l.Price, &l.SourcePurchaseLineID); err != nil {
			return Document{}, err
		}
		doc.Lines = append(doc.Lines, l)
	}
	return doc, rows.Err()
}

func (r *txRepository) NomenclatureInfo(ctx context.Context, cashboxID int64, ids []int64) (map[int64]NomenclatureInfo, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, COALESCE(kind, ''), COALESCE(unit_id, 0)
		FROM nomenclature WHERE cashbox_id=$1 AND id = ANY($2) AND NOT is_deleted`,
		cashboxID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	info := make(map[int64]NomenclatureInfo, len(ids))
	for rows.Next() {
		var id int64
		var n NomenclatureInfo
		if err := rows.Scan(&id, &n.Kind, &n.UnitID); err != nil {
			return nil, err
		}
		info[id] = n
	}
	return info, rows.Err()
}

func (r *txRepository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var found bool
	err := r.tx.QueryRow(ctx, query, args...).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return found, err
}

func (r *txRepository) OrganizationExists(ctx context.Context, cashboxID, id int64) (bool, error) {
	return r.exists(ctx, `SELECT TRUE FROM organizations WHERE cashbox_id=$1 AND id=$2 AND NOT is_deleted`, cashboxID, id)
}

func (r *txRepository) WarehouseExists(ctx context.Context, cashboxID, id int64) (bool, error) {
	return r.exists(ctx, `SELECT TRUE FROM warehouses WHERE cashbox_id=$1 AND id=$2 AND NOT is_deleted`, cashboxID, id)
}

func (r *txRepository) ContragentExists(ctx context.Context, cashboxID, id int64) (bool, error) {
	return r.exists(ctx, `SELECT TRUE FROM contragents WHERE cashbox_id=$1 AND id=$2 AND NOT is_deleted`, cashboxID, id)
}

func (r *txRepository) FindDocumentBySource(ctx context.Context, cashboxID int64, op Operation, purchaseID, saleID int64) (Document, error) {
	var row pgx.Row
	switch {
	case purchaseID != 0:
		row = r.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM docs_warehouse
			WHERE cashbox_id=$1 AND operation=$2 AND docs_purchases_id=$3 AND NOT is_deleted`,
			cashboxID, op, purchaseID)
	case saleID != 0:
		row = r.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM docs_warehouse
			WHERE cashbox_id=$1 AND operation=$2 AND docs_sales_id=$3 AND NOT is_deleted`,
			cashboxID, op, saleID)
	default:
		return Document{}, ErrDocumentNotFound
	}
	return scanDocument(row)
}

func (r *txRepository) GetDocument(ctx context.Context, cashboxID, id int64) (Document, error) {
	return getDocument(ctx, r.tx, cashboxID, id)
}

func (r *txRepository) NextDocumentNumber(ctx context.Context, cashboxID int64) (int, error) {
	var number int
	err := r.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM docs_warehouse WHERE cashbox_id=$1`,
		cashboxID).Scan(&number)
	return number, err
}

func (r *txRepository) InsertDocument(ctx context.Context, doc Document) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO docs_warehouse
			(cashbox_id, number, operation, organization_id, warehouse_id, to_warehouse_id,
			 contragent_id, docs_sales_id, docs_purchases_id, sum, status, comment, created_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), NULLIF($7, 0), NULLIF($8, 0), NULLIF($9, 0), $10, $11, $12, $13, FALSE)
		RETURNING id`,
		doc.CashboxID, doc.Number, doc.Operation, doc.OrganizationID, doc.WarehouseID, doc.ToWarehouseID,
		doc.ContragentID, doc.SalesDocID, doc.PurchaseDocID, doc.Sum, doc.Status, doc.Comment, doc.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateDocument(ctx context.Context, doc Document) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE docs_warehouse SET
			organization_id=$2, warehouse_id=$3, to_warehouse_id=NULLIF($4, 0),
			contragent_id=NULLIF($5, 0), sum=$6, status=$7, comment=$8
		WHERE id=$1`,
		doc.ID, doc.OrganizationID, doc.WarehouseID, doc.ToWarehouseID,
		doc.ContragentID, doc.Sum, doc.Status, doc.Comment)
	return err
}

func (r *txRepository) ReplaceLines(ctx context.Context, docID int64, lines []Line) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM docs_warehouse_goods WHERE docs_warehouse_id=$1`, docID); err != nil {
		return err
	}
	for _, line := range lines {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO docs_warehouse_goods
				(docs_warehouse_id, nomenclature_id, quantity, unit_id, price_type_id, price, source_purchase_line_id)
			VALUES ($1, $2, $3, NULLIF($4, 0), NULLIF($5, 0), $6, NULLIF($7, 0))`,
			docID, line.NomenclatureID, line.Quantity, line.UnitID, line.PriceTypeID, line.Price, line.SourcePurchaseLineID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) MarkDocumentDeleted(ctx context.Context, cashboxID, docID int64) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE docs_warehouse SET is_deleted=TRUE WHERE cashbox_id=$1 AND id=$2`, cashboxID, docID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// LatestForUpdate reads the latest movement for a tuple under a row lock,
// serialising concurrent posts to the same tuple.
func (r *txRepository) LatestForUpdate(ctx context.Context, cashboxID int64, key TupleKey) (Movement, bool, error) {
	var m Movement
	err := r.tx.QueryRow(ctx, `
		SELECT id, delta, current_amount, cumulative_in, cumulative_out
		FROM warehouse_movements
		WHERE cashbox_id=$1 AND organization_id=$2 AND warehouse_id=$3 AND nomenclature_id=$4
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`,
		cashboxID, key.OrganizationID, key.WarehouseID, key.NomenclatureID).
		Scan(&m.ID, &m.Delta, &m.CurrentAmount, &m.CumulativeIn, &m.CumulativeOut)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, false, nil
		}
		return Movement{}, false, err
	}
	return m, true, nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO warehouse_movements
			(cashbox_id, organization_id, warehouse_id, nomenclature_id, docs_warehouse_id,
			 source_kind, source_doc_id, delta, current_amount, cumulative_in, cumulative_out, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0), $8, $9, $10, $11, $12)
		RETURNING id`,
		m.CashboxID, m.OrganizationID, m.WarehouseID, m.NomenclatureID, m.DocumentID,
		m.SourceKind, m.SourceDocID, m.Delta, m.CurrentAmount, m.CumulativeIn, m.CumulativeOut, m.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) DeleteMovementsForDocument(ctx context.Context, docID int64) ([]TupleKey, error) {
	rows, err := r.tx.Query(ctx, `
		DELETE FROM warehouse_movements WHERE docs_warehouse_id=$1
		RETURNING organization_id, warehouse_id, nomenclature_id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[TupleKey]struct{})
	var tuples []TupleKey
	for rows.Next() {
		var key TupleKey
		if err := rows.Scan(&key.OrganizationID, &key.WarehouseID, &key.NomenclatureID); err != nil {
			return nil, err
		}
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			tuples = append(tuples, key)
		}
	}
	return tuples, rows.Err()
}

func (r *txRepository) MovementsForTuple(ctx context.Context, cashboxID int64, key TupleKey) ([]Movement, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, delta, current_amount, cumulative_in, cumulative_out
		FROM warehouse_movements
		WHERE cashbox_id=$1 AND organization_id=$2 AND warehouse_id=$3 AND nomenclature_id=$4
		ORDER BY id
		FOR UPDATE`,
		cashboxID, key.OrganizationID, key.WarehouseID, key.NomenclatureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.Delta, &m.CurrentAmount, &m.CumulativeIn, &m.CumulativeOut); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (r *txRepository) UpdateMovementRunning(ctx context.Context, id int64, current, in, out decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE warehouse_movements SET current_amount=$2, cumulative_in=$3, cumulative_out=$4 WHERE id=$1`,
		id, current, in, out)
	return err
}
