package segments

import (
	"fmt"
	"strings"
	"time"
)

// Comparator is the range operator set shared by all criteria sections.
type Comparator string

const (
	CmpEq     Comparator = "eq"
	CmpGte    Comparator = "gte"
	CmpLte    Comparator = "lte"
	CmpGt     Comparator = "gt"
	CmpLt     Comparator = "lt"
	CmpIsNone Comparator = "is_none"
)

func (c Comparator) sqlOp() (string, bool) {
	switch c {
	case CmpEq:
		return "=", true
	case CmpGte:
		return ">=", true
	case CmpLte:
		return "<=", true
	case CmpGt:
		return ">", true
	case CmpLt:
		return "<", true
	}
	return "", false
}

// RangeCond compares a numeric expression against a bound.
type RangeCond struct {
	Op    Comparator `json:"op"`
	Value *float64   `json:"value,omitempty"`
}

// DateRange bounds a timestamp column. Absolute bounds and relative
// "N days ago" bounds may be mixed; relative bounds resolve against the
// evaluation clock.
type DateRange struct {
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	FromDaysAgo *int       `json:"from_days_ago,omitempty"`
	ToDaysAgo   *int       `json:"to_days_ago,omitempty"`
}

func (r DateRange) bounds(now time.Time) (from, to *time.Time) {
	from, to = r.From, r.To
	if r.FromDaysAgo != nil {
		t := now.AddDate(0, 0, -*r.FromDaysAgo)
		from = &t
	}
	if r.ToDaysAgo != nil {
		t := now.AddDate(0, 0, -*r.ToDaysAgo)
		to = &t
	}
	return from, to
}

// AssignmentCond filters by picker or courier assignment on the document.
type AssignmentCond struct {
	Assigned              *bool      `json:"assigned,omitempty"`
	StartedAt             *DateRange `json:"started_at,omitempty"`
	FinishedAt            *DateRange `json:"finished_at,omitempty"`
	PhotosNotAddedMinutes *int       `json:"photos_not_added_minutes,omitempty"`
}

// PurchasesCond filters documents and contragents by purchase behaviour.
type PurchasesCond struct {
	CheckAmount         *RangeCond `json:"check_amount,omitempty"`
	Dated               *DateRange `json:"dated,omitempty"`
	Categories          []int64    `json:"categories,omitempty"`
	Nomenclatures       []int64    `json:"nomenclatures,omitempty"`
	GoodsCount          *RangeCond `json:"goods_count,omitempty"`
	IsFullyPaid         *bool      `json:"is_fully_paid,omitempty"`
	TotalCount          *RangeCond `json:"total_count,omitempty"`
	TotalSum            *RangeCond `json:"total_sum,omitempty"`
	LastPurchaseDaysAgo *RangeCond `json:"last_purchase_days_ago,omitempty"`
}

// LoyaltyCond filters contragents by their loyalty card state.
type LoyaltyCond struct {
	Balance       *RangeCond `json:"balance,omitempty"`
	ExpiresInDays *RangeCond `json:"expires_in_days,omitempty"`
}

// Criteria is the structured predicate of a segment. Sections are optional
// and combine with logical AND.
type Criteria struct {
	Tag              *string         `json:"tag,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
	CreatedAt        *DateRange      `json:"created_at,omitempty"`
	Picker           *AssignmentCond `json:"picker,omitempty"`
	Courier          *AssignmentCond `json:"courier,omitempty"`
	DeliveryRequired *bool           `json:"delivery_required,omitempty"`
	Purchases        *PurchasesCond  `json:"purchases,omitempty"`
	Loyalty          *LoyaltyCond    `json:"loyality,omitempty"`
}

// Empty reports whether no section is set.
func (c Criteria) Empty() bool {
	return c.Tag == nil && len(c.Tags) == 0 && c.CreatedAt == nil &&
		c.Picker == nil && c.Courier == nil && c.DeliveryRequired == nil &&
		c.Purchases == nil && c.Loyalty == nil
}

// Validate checks comparator and bound consistency before a segment is
// stored.
func (c Criteria) Validate() error {
	ranges := map[string]*RangeCond{}
	if p := c.Purchases; p != nil {
		ranges["purchases.check_amount"] = p.CheckAmount
		ranges["purchases.goods_count"] = p.GoodsCount
		ranges["purchases.total_count"] = p.TotalCount
		ranges["purchases.total_sum"] = p.TotalSum
		ranges["purchases.last_purchase_days_ago"] = p.LastPurchaseDaysAgo
	}
	if l := c.Loyalty; l != nil {
		ranges["loyality.balance"] = l.Balance
		ranges["loyality.expires_in_days"] = l.ExpiresInDays
	}
	for name, r := range ranges {
		if r == nil {
			continue
		}
		if r.Op == CmpIsNone {
			continue
		}
		if _, ok := r.Op.sqlOp(); !ok {
			return fmt.Errorf("%w: %s has unknown comparator %q", ErrInvalidCriteria, name, r.Op)
		}
		if r.Value == nil {
			return fmt.Errorf("%w: %s requires a value", ErrInvalidCriteria, name)
		}
	}
	for _, a := range []*AssignmentCond{c.Picker, c.Courier} {
		if a != nil && a.PhotosNotAddedMinutes != nil && *a.PhotosNotAddedMinutes <= 0 {
			return fmt.Errorf("%w: photos_not_added_minutes must be positive", ErrInvalidCriteria)
		}
	}
	return nil
}

// queryBuilder accumulates AND-conditions with positional parameters.
type queryBuilder struct {
	conds []string
	args  []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) where(cond string) {
	b.conds = append(b.conds, cond)
}

// Lower composes the criteria into one parameterized query selecting
// (sale_doc_id, contragent_id) for the tenant. Relative date bounds resolve
// against now, which is captured once per evaluation.
func (c Criteria) Lower(cashboxID int64, now time.Time) (string, []any, error) {
	if err := c.Validate(); err != nil {
		return "", nil, err
	}
	b := &queryBuilder{}
	b.where("d.cashbox_id = " + b.arg(cashboxID))
	b.where("NOT d.is_deleted")

	if c.Tag != nil {
		b.where(`EXISTS (SELECT 1 FROM docs_sales_tags dt JOIN tags tg ON tg.id = dt.tag_id
			WHERE dt.docs_sales_id = d.id AND tg.name = ` + b.arg(*c.Tag) + `)`)
	}
	if len(c.Tags) > 0 {
		b.where(`EXISTS (SELECT 1 FROM contragent_tags ct JOIN tags tg ON tg.id = ct.tag_id
			WHERE ct.contragent_id = d.contragent_id AND tg.name = ANY(` + b.arg(c.Tags) + `))`)
	}
	if c.CreatedAt != nil {
		b.dateRange("d.created_at", *c.CreatedAt, now)
	}
	if c.DeliveryRequired != nil {
		if *c.DeliveryRequired {
			b.where(`COALESCE(d.delivery_address, '') <> ''`)
		} else {
			b.where(`COALESCE(d.delivery_address, '') = ''`)
		}
	}
	if c.Picker != nil {
		b.assignment("picker", *c.Picker, now)
	}
	if c.Courier != nil {
		b.assignment("courier", *c.Courier, now)
	}
	if c.Purchases != nil {
		if err := b.purchases(*c.Purchases, cashboxID, now); err != nil {
			return "", nil, err
		}
	}
	if c.Loyalty != nil {
		if err := b.loyalty(*c.Loyalty, now); err != nil {
			return "", nil, err
		}
	}

	query := "SELECT DISTINCT d.id, d.contragent_id FROM docs_sales d WHERE " +
		strings.Join(b.conds, "\n  AND ")
	return query, b.args, nil
}

func (b *queryBuilder) dateRange(column string, r DateRange, now time.Time) {
	from, to := r.bounds(now)
	if from != nil {
		b.where(column + " >= " + b.arg(*from))
	}
	if to != nil {
		b.where(column + " <= " + b.arg(*to))
	}
}

func (b *queryBuilder) rangeCond(expr string, r RangeCond) error {
	if r.Op == CmpIsNone {
		b.where(expr + " IS NULL")
		return nil
	}
	op, ok := r.Op.sqlOp()
	if !ok || r.Value == nil {
		return fmt.Errorf("%w: bad range condition on %s", ErrInvalidCriteria, expr)
	}
	b.where(expr + " " + op + " " + b.arg(*r.Value))
	return nil
}

func (b *queryBuilder) assignment(role string, a AssignmentCond, now time.Time) {
	idCol := "d." + role + "_id"
	startCol := "d." + role + "_started_at"
	finishCol := "d." + role + "_finished_at"

	if a.Assigned != nil {
		if *a.Assigned {
			b.where(idCol + " IS NOT NULL")
		} else {
			b.where(idCol + " IS NULL")
		}
	}
	if a.StartedAt != nil {
		b.dateRange(startCol, *a.StartedAt, now)
	}
	if a.FinishedAt != nil {
		b.dateRange(finishCol, *a.FinishedAt, now)
	}
	if a.PhotosNotAddedMinutes != nil {
		deadline := b.arg(*a.PhotosNotAddedMinutes)
		b.where(startCol + ` IS NOT NULL
			AND ` + startCol + ` + (` + deadline + ` * interval '1 minute') < ` + b.arg(now) + `
			AND NOT EXISTS (SELECT 1 FROM pictures p WHERE p.docs_sales_id = d.id)`)
	}
}

func (b *queryBuilder) purchases(p PurchasesCond, cashboxID int64, now time.Time) error {
	if p.CheckAmount != nil {
		if err := b.rangeCond("d.sum", *p.CheckAmount); err != nil {
			return err
		}
	}
	if p.Dated != nil {
		b.dateRange("d.dated", *p.Dated, now)
	}
	if len(p.Categories) > 0 {
		b.where(`EXISTS (SELECT 1 FROM docs_sales_goods g JOIN nomenclature n ON n.id = g.nomenclature_id
			WHERE g.docs_sales_id = d.id AND n.category_id = ANY(` + b.arg(p.Categories) + `))`)
	}
	if len(p.Nomenclatures) > 0 {
		b.where(`EXISTS (SELECT 1 FROM docs_sales_goods g
			WHERE g.docs_sales_id = d.id AND g.nomenclature_id = ANY(` + b.arg(p.Nomenclatures) + `))`)
	}
	if p.GoodsCount != nil {
		expr := `(SELECT COALESCE(SUM(g.quantity), 0) FROM docs_sales_goods g WHERE g.docs_sales_id = d.id)`
		if err := b.rangeCond(expr, *p.GoodsCount); err != nil {
			return err
		}
	}
	if p.IsFullyPaid != nil {
		paid := `(SELECT COALESCE(SUM(pm.amount), 0) FROM payments pm WHERE pm.docs_sales_id = d.id)
			+ (SELECT COALESCE(SUM(lt.amount), 0) FROM loyalty_transactions lt
			   WHERE lt.docs_sales_id = d.id AND lt.kind = 'withdraw' AND lt.status AND NOT lt.is_deleted)`
		if *p.IsFullyPaid {
			b.where("(" + paid + ") >= d.sum")
		} else {
			b.where("(" + paid + ") < d.sum")
		}
	}

	perContragent := func(expr string) string {
		return strings.ReplaceAll(expr, "{{tenant}}", b.arg(cashboxID))
	}
	if p.TotalCount != nil {
		expr := perContragent(`(SELECT COUNT(*) FROM docs_sales d2
			WHERE d2.cashbox_id = {{tenant}} AND d2.contragent_id = d.contragent_id AND NOT d2.is_deleted)`)
		if err := b.rangeCond(expr, *p.TotalCount); err != nil {
			return err
		}
	}
	if p.TotalSum != nil {
		expr := perContragent(`(SELECT COALESCE(SUM(d2.sum), 0) FROM docs_sales d2
			WHERE d2.cashbox_id = {{tenant}} AND d2.contragent_id = d.contragent_id AND NOT d2.is_deleted)`)
		if err := b.rangeCond(expr, *p.TotalSum); err != nil {
			return err
		}
	}
	if p.LastPurchaseDaysAgo != nil {
		expr := perContragent(`EXTRACT(EPOCH FROM (` + b.arg(now) + ` - (SELECT MAX(d2.created_at) FROM docs_sales d2
			WHERE d2.cashbox_id = {{tenant}} AND d2.contragent_id = d.contragent_id AND NOT d2.is_deleted))) / 86400`)
		if err := b.rangeCond(expr, *p.LastPurchaseDaysAgo); err != nil {
			return err
		}
	}
	return nil
}

func (b *queryBuilder) loyalty(l LoyaltyCond, now time.Time) error {
	if l.Balance != nil {
		inner := &queryBuilder{args: b.args}
		if err := inner.rangeCond("lc.balance", *l.Balance); err != nil {
			return err
		}
		b.args = inner.args
		b.where(`EXISTS (SELECT 1 FROM loyalty_cards lc
			WHERE lc.contragent_id = d.contragent_id AND NOT lc.is_deleted AND ` + inner.conds[0] + `)`)
	}
	if l.ExpiresInDays != nil {
		expiry := `EXTRACT(EPOCH FROM (
			(SELECT MAX(lt.created_at) FROM loyalty_transactions lt
			 WHERE lt.card_id = lc.id AND lt.status AND NOT lt.is_deleted)
			+ lc.lifetime_seconds * interval '1 second' - ` + b.arg(now) + `)) / 86400`
		inner := &queryBuilder{args: b.args}
		if err := inner.rangeCond(expiry, *l.ExpiresInDays); err != nil {
			return err
		}
		b.args = inner.args
		b.where(`EXISTS (SELECT 1 FROM loyalty_cards lc
			WHERE lc.contragent_id = d.contragent_id AND NOT lc.is_deleted
			  AND lc.lifetime_seconds IS NOT NULL AND lc.lifetime_seconds > 0
			  AND ` + inner.conds[0] + `)`)
	}
	return nil
}
