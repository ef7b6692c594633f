package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/ostrovmarket/ostrov/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BalanceAuditJob compares each card's stored balance against the sum of its
// active transaction history and reports drifts. It never repairs; drifted
// cards are recomputed through the loyalty API.
type BalanceAuditJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBalanceAuditJob initialises the balance audit handler.
func NewBalanceAuditJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceAuditJob {
	return &BalanceAuditJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type balanceDrift struct {
	CashboxID int64
	CardID    int64
	Stored    decimal.Decimal
	Computed  decimal.Decimal
}

// Handle executes the balance audit.
func (j *BalanceAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("balance audit: handler not configured")
	}
	var payload AutoburnPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.now()
	tracker := j.metrics().Track(TaskBalanceAudit)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	if payload.CashboxID > 0 {
		logger = logger.With(slog.Int64("cashbox_id", payload.CashboxID))
	}
	logger.Info("starting balance audit")

	cards, drifts, err := j.scan(ctx, payload.CashboxID)
	if err != nil {
		resultErr = err
		logger.Error("audit failed", slog.Any("error", err))
		return resultErr
	}

	perTenant := make(map[int64]int)
	for _, d := range drifts {
		logger.Warn("card balance drift",
			slog.Int64("cashbox_id", d.CashboxID),
			slog.Int64("card_id", d.CardID),
			slog.String("stored", d.Stored.String()),
			slog.String("computed", d.Computed.String()),
		)
		perTenant[d.CashboxID]++
	}
	for cashboxID, count := range perTenant {
		j.metrics().AddDrifts(cashboxID, count)
	}

	logger.Info("completed balance audit",
		slog.Int("cards", cards),
		slog.Int("drifts", len(drifts)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *BalanceAuditJob) scan(ctx context.Context, cashboxID int64) (int, []balanceDrift, error) {
	if j.Pool == nil {
		return 0, nil, errors.New("balance audit: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT c.cashbox_id, c.id, c.balance,
		       COALESCE(SUM(CASE WHEN t.kind IN ('accrual','promocode') THEN t.amount ELSE -t.amount END), 0) AS computed
		FROM loyalty_cards c
		LEFT JOIN loyalty_transactions t
		  ON t.card_id = c.id AND t.status AND NOT t.is_deleted
		WHERE NOT c.is_deleted AND ($1 = 0 OR c.cashbox_id = $1)
		GROUP BY c.cashbox_id, c.id, c.balance
		ORDER BY c.cashbox_id, c.id`, cashboxID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	cards := 0
	drifts := make([]balanceDrift, 0)
	for rows.Next() {
		var d balanceDrift
		if err := rows.Scan(&d.CashboxID, &d.CardID, &d.Stored, &d.Computed); err != nil {
			return 0, nil, err
		}
		cards++
		if !d.Stored.Equal(d.Computed) {
			drifts = append(drifts, d)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return cards, drifts, nil
}

func (j *BalanceAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBalanceAudit))
	}
	return slog.Default().With(slog.String("job", TaskBalanceAudit))
}

func (j *BalanceAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BalanceAuditJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
