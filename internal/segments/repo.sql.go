package segments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ostrovmarket/ostrov/internal/platform/db"
)

// Repository persists segments in PostgreSQL. Criteria and action specs are
// stored as jsonb documents.
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

// WithTx executes the version write inside a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("segments repository not initialised")
	}
	return db.RetrySerializable(ctx, r.pool, db.DefaultRetryBudget, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const segmentColumns = `id, cashbox_id, slug, name, criteria, actions, schedule,
	COALESCE(interval_minutes, 0), current_version, status, created_at, updated_at, last_run_at`

func scanSegment(row pgx.Row) (Segment, error) {
	var seg Segment
	var criteria, actions []byte
	err := row.Scan(&seg.ID, &seg.CashboxID, &seg.Slug, &seg.Name, &criteria, &actions,
		&seg.Schedule, &seg.IntervalMinutes, &seg.CurrentVersion, &seg.Status,
		&seg.CreatedAt, &seg.UpdatedAt, &seg.LastRunAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Segment{}, ErrSegmentNotFound
		}
		return Segment{}, err
	}
	if err := json.Unmarshal(criteria, &seg.Criteria); err != nil {
		return Segment{}, err
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &seg.Actions); err != nil {
			return Segment{}, err
		}
	}
	return seg, nil
}

// InsertSegment stores a new segment and returns it with its id.
func (r *Repository) InsertSegment(ctx context.Context, seg Segment) (Segment, error) {
	criteria, err := json.Marshal(seg.Criteria)
	if err != nil {
		return Segment{}, err
	}
	actions, err := json.Marshal(seg.Actions)
	if err != nil {
		return Segment{}, err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO segments
			(cashbox_id, slug, name, criteria, actions, schedule, interval_minutes,
			 current_version, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0), 0, $8, $9, $9)
		RETURNING id`,
		seg.CashboxID, seg.Slug, seg.Name, criteria, actions, seg.Schedule,
		seg.IntervalMinutes, seg.Status, seg.CreatedAt).Scan(&seg.ID)
	if err != nil {
		return Segment{}, err
	}
	return seg, nil
}

// GetByID loads a tenant's segment.
func (r *Repository) GetByID(ctx context.Context, cashboxID, id int64) (Segment, error) {
	return scanSegment(r.pool.QueryRow(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE cashbox_id=$1 AND id=$2`, cashboxID, id))
}

// GetBySlug loads a segment by its opaque slug regardless of tenant, so the
// caller can distinguish missing from cross-tenant access.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (Segment, error) {
	return scanSegment(r.pool.QueryRow(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE slug=$1`, slug))
}

// SetStatus flips the lifecycle state.
func (r *Repository) SetStatus(ctx context.Context, segmentID int64, status Status) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE segments SET status=$2, updated_at=NOW() WHERE id=$1`, segmentID, status)
	return err
}

// Evaluate runs the lowered criteria query and partitions the rows into the
// two object kinds.
func (r *Repository) Evaluate(ctx context.Context, query string, args []any) (Membership, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return Membership{}, err
	}
	defer rows.Close()

	var m Membership
	contragents := map[int64]bool{}
	for rows.Next() {
		var docID int64
		var contragentID *int64
		if err := rows.Scan(&docID, &contragentID); err != nil {
			return Membership{}, err
		}
		m.SaleDocIDs = append(m.SaleDocIDs, docID)
		if contragentID != nil && !contragents[*contragentID] {
			contragents[*contragentID] = true
			m.ContragentIDs = append(m.ContragentIDs, *contragentID)
		}
	}
	return m, rows.Err()
}

// Members returns the membership of a version, the union of its existing
// and added rows.
func (r *Repository) Members(ctx context.Context, segmentID int64, ordinal int) (Membership, error) {
	if ordinal == 0 {
		return Membership{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT o.object_id, o.object_kind
		FROM segment_version_objects o
		JOIN segment_versions v ON v.id = o.segment_version_id
		WHERE v.segment_id=$1 AND v.ordinal=$2 AND o.change_kind IN ($3, $4)`,
		segmentID, ordinal, ChangeExisting, ChangeAdded)
	if err != nil {
		return Membership{}, err
	}
	defer rows.Close()
	return scanMembership(rows)
}

// ChangedObjects returns one change kind of a version.
func (r *Repository) ChangedObjects(ctx context.Context, segmentID int64, ordinal int, change ChangeKind) (Membership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.object_id, o.object_kind
		FROM segment_version_objects o
		JOIN segment_versions v ON v.id = o.segment_version_id
		WHERE v.segment_id=$1 AND v.ordinal=$2 AND o.change_kind=$3`,
		segmentID, ordinal, change)
	if err != nil {
		return Membership{}, err
	}
	defer rows.Close()
	return scanMembership(rows)
}

func scanMembership(rows pgx.Rows) (Membership, error) {
	var m Membership
	for rows.Next() {
		var id int64
		var kind ObjectKind
		if err := rows.Scan(&id, &kind); err != nil {
			return Membership{}, err
		}
		switch kind {
		case ObjectContragent:
			m.ContragentIDs = append(m.ContragentIDs, id)
		case ObjectSaleDoc:
			m.SaleDocIDs = append(m.SaleDocIDs, id)
		}
	}
	return m, rows.Err()
}

// ListDue returns interval segments whose cadence has elapsed since the
// last run.
func (r *Repository) ListDue(ctx context.Context, now time.Time) ([]Segment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE schedule=$1 AND interval_minutes IS NOT NULL
		  AND (last_run_at IS NULL OR last_run_at + interval_minutes * interval '1 minute' <= $2)
		ORDER BY id`, ScheduleInterval, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var due []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, seg)
	}
	return due, rows.Err()
}

func (r *txRepository) GetSegmentForUpdate(ctx context.Context, segmentID int64) (Segment, error) {
	return scanSegment(r.tx.QueryRow(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE id=$1 FOR UPDATE`, segmentID))
}

func (r *txRepository) InsertVersion(ctx context.Context, segmentID int64, ordinal int, at time.Time) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO segment_versions (segment_id, ordinal, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`, segmentID, ordinal, at).Scan(&id)
	return id, err
}

func (r *txRepository) InsertObjects(ctx context.Context, versionID int64, objects []Object) error {
	for _, o := range objects {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO segment_version_objects (segment_version_id, object_id, object_kind, change_kind)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, versionID, o.ObjectID, o.Kind, o.Change)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) SetVersionAndStatus(ctx context.Context, segmentID int64, version int, status Status, at time.Time) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE segments SET current_version=$2, status=$3, last_run_at=$4, updated_at=$4 WHERE id=$1`,
		segmentID, version, status, at)
	return err
}
