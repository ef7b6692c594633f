package actions

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository backs the dispatcher's tag writes, document reads and
// recipient resolution.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TagIDsByName resolves existing tag names to ids, skipping unknown names.
func (r *Repository) TagIDsByName(ctx context.Context, cashboxID int64, names []string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT name, id FROM tags WHERE cashbox_id=$1 AND name = ANY($2)`, cashboxID, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byName := make(map[string]int64, len(names))
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		byName[name] = id
	}
	return byName, rows.Err()
}

// EnsureTags creates missing tag rows, then resolves all names.
func (r *Repository) EnsureTags(ctx context.Context, cashboxID int64, names []string) (map[string]int64, error) {
	for _, name := range names {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO tags (cashbox_id, name)
			VALUES ($1, $2)
			ON CONFLICT (cashbox_id, name) DO NOTHING`, cashboxID, name)
		if err != nil {
			return nil, err
		}
	}
	return r.TagIDsByName(ctx, cashboxID, names)
}

// LinkContragentTags inserts tag links, ignoring ones that already exist.
func (r *Repository) LinkContragentTags(ctx context.Context, tagIDs, contragentIDs []int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contragent_tags (contragent_id, tag_id)
		SELECT c.id, t.id FROM unnest($1::bigint[]) AS c(id), unnest($2::bigint[]) AS t(id)
		ON CONFLICT DO NOTHING`, contragentIDs, tagIDs)
	return err
}

// UnlinkContragentTags removes tag links.
func (r *Repository) UnlinkContragentTags(ctx context.Context, tagIDs, contragentIDs []int64) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM contragent_tags
		WHERE contragent_id = ANY($1) AND tag_id = ANY($2)`, contragentIDs, tagIDs)
	return err
}

// LinkSaleDocTags inserts tag links on sale documents.
func (r *Repository) LinkSaleDocTags(ctx context.Context, tagIDs, docIDs []int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO docs_sales_tags (docs_sales_id, tag_id)
		SELECT d.id, t.id FROM unnest($1::bigint[]) AS d(id), unnest($2::bigint[]) AS t(id)
		ON CONFLICT DO NOTHING`, docIDs, tagIDs)
	return err
}

// UnlinkSaleDocTags removes tag links from sale documents.
func (r *Repository) UnlinkSaleDocTags(ctx context.Context, tagIDs, docIDs []int64) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM docs_sales_tags
		WHERE docs_sales_id = ANY($1) AND tag_id = ANY($2)`, docIDs, tagIDs)
	return err
}

// SaleDocInfo loads the fields exposed to message masks.
func (r *Repository) SaleDocInfo(ctx context.Context, cashboxID, docID int64) (DocInfo, error) {
	var info DocInfo
	err := r.pool.QueryRow(ctx, `
		SELECT d.id, d.number, d.sum::text,
		       COALESCE(c.name, ''), COALESCE(c.phone, ''), COALESCE(d.delivery_address, '')
		FROM docs_sales d
		LEFT JOIN contragents c ON c.id = d.contragent_id
		WHERE d.cashbox_id=$1 AND d.id=$2`, cashboxID, docID).
		Scan(&info.ID, &info.Number, &info.Sum, &info.ContragentName, &info.ContragentPhone, &info.DeliveryAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return DocInfo{}, errors.New("actions: sale document not found")
	}
	return info, err
}

// Resolve maps send_to to chat targets. Pickers and couriers must be on
// shift; an unassigned or off-shift role falls back to the on-shift pool
// holding that role. Users without a chat id are excluded.
func (r *Repository) Resolve(ctx context.Context, cashboxID, docID int64, sendTo, userTag string) ([]Recipient, error) {
	switch sendTo {
	case "picker", "courier":
		assigned, err := r.assignedOnShift(ctx, cashboxID, docID, sendTo)
		if err != nil {
			return nil, err
		}
		if len(assigned) > 0 {
			return assigned, nil
		}
		return r.onShiftPool(ctx, cashboxID, sendTo)
	default:
		if userTag == "" {
			return nil, nil
		}
		return r.usersByTag(ctx, cashboxID, userTag)
	}
}

func (r *Repository) assignedOnShift(ctx context.Context, cashboxID, docID int64, role string) ([]Recipient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.chat_id
		FROM docs_sales d
		JOIN users u ON u.id = CASE WHEN $3 = 'picker' THEN d.picker_id ELSE d.courier_id END
		WHERE d.cashbox_id=$1 AND d.id=$2
		  AND u.chat_id IS NOT NULL AND NOT u.is_deleted
		  AND EXISTS (SELECT 1 FROM employee_shifts s
		              WHERE s.user_id = u.id AND s.ended_at IS NULL)`,
		cashboxID, docID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

func (r *Repository) onShiftPool(ctx context.Context, cashboxID int64, role string) ([]Recipient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.chat_id
		FROM users u
		WHERE u.cashbox_id=$1 AND u.role=$2
		  AND u.chat_id IS NOT NULL AND NOT u.is_deleted
		  AND EXISTS (SELECT 1 FROM employee_shifts s
		              WHERE s.user_id = u.id AND s.ended_at IS NULL)
		ORDER BY u.id`, cashboxID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

func (r *Repository) usersByTag(ctx context.Context, cashboxID int64, tag string) ([]Recipient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.chat_id
		FROM users u
		JOIN user_tags ut ON ut.user_id = u.id
		JOIN tags t ON t.id = ut.tag_id
		WHERE u.cashbox_id=$1 AND t.name=$2
		  AND u.chat_id IS NOT NULL AND NOT u.is_deleted
		ORDER BY u.id`, cashboxID, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

func scanRecipients(rows pgx.Rows) ([]Recipient, error) {
	var out []Recipient
	for rows.Next() {
		var rec Recipient
		if err := rows.Scan(&rec.UserID, &rec.ChatID); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
