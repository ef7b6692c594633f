package segments

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string     { return &s }
func boolPtr(b bool) *bool        { return &b }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

func TestLowerBaseQuery(t *testing.T) {
	query, args, err := Criteria{Tag: strPtr("vip")}.Lower(7, time.Now())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(query, "SELECT DISTINCT d.id, d.contragent_id FROM docs_sales d WHERE "))
	require.Contains(t, query, "d.cashbox_id = $1")
	require.Contains(t, query, "NOT d.is_deleted")
	require.Contains(t, query, "tg.name = $2")
	require.Equal(t, []any{int64(7), "vip"}, args)
}

func TestLowerRelativeDateRange(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	criteria := Criteria{CreatedAt: &DateRange{FromDaysAgo: intPtr(30)}}
	query, args, err := criteria.Lower(7, now)
	require.NoError(t, err)
	require.Contains(t, query, "d.created_at >= $2")
	require.Equal(t, now.AddDate(0, 0, -30), args[1])
}

func TestLowerPurchasesSection(t *testing.T) {
	criteria := Criteria{Purchases: &PurchasesCond{
		CheckAmount:   &RangeCond{Op: CmpGte, Value: floatPtr(1000)},
		Nomenclatures: []int64{5, 6},
		TotalCount:    &RangeCond{Op: CmpGte, Value: floatPtr(2)},
		IsFullyPaid:   boolPtr(true),
	}}
	query, args, err := criteria.Lower(7, time.Now())
	require.NoError(t, err)
	require.Contains(t, query, "d.sum >= $2")
	require.Contains(t, query, "g.nomenclature_id = ANY($3)")
	require.Contains(t, query, ">= d.sum")
	require.Contains(t, query, "SELECT COUNT(*) FROM docs_sales d2")
	require.Len(t, args, 5)

	// every literal reaches the query through a placeholder
	require.NotContains(t, query, "1000")
	require.NotContains(t, query, "'vip'")
}

func TestLowerLoyaltySection(t *testing.T) {
	criteria := Criteria{Loyalty: &LoyaltyCond{
		Balance:       &RangeCond{Op: CmpGt, Value: floatPtr(0)},
		ExpiresInDays: &RangeCond{Op: CmpLte, Value: floatPtr(7)},
	}}
	query, args, err := criteria.Lower(7, time.Now())
	require.NoError(t, err)
	require.Contains(t, query, "lc.balance > $2")
	require.Contains(t, query, "lc.lifetime_seconds > 0")
	require.Len(t, args, 4)
}

func TestLowerIsNoneComparator(t *testing.T) {
	criteria := Criteria{Purchases: &PurchasesCond{
		LastPurchaseDaysAgo: &RangeCond{Op: CmpIsNone},
	}}
	query, _, err := criteria.Lower(7, time.Now())
	require.NoError(t, err)
	require.Contains(t, query, "IS NULL")
}

func TestLowerPhotosDeadline(t *testing.T) {
	criteria := Criteria{Picker: &AssignmentCond{
		Assigned:              boolPtr(true),
		PhotosNotAddedMinutes: intPtr(15),
	}}
	query, args, err := criteria.Lower(7, time.Now())
	require.NoError(t, err)
	require.Contains(t, query, "d.picker_id IS NOT NULL")
	require.Contains(t, query, "interval '1 minute'")
	require.Contains(t, query, "NOT EXISTS (SELECT 1 FROM pictures p")
	require.Len(t, args, 3)
}

func TestValidateRejectsBadShapes(t *testing.T) {
	err := Criteria{Purchases: &PurchasesCond{
		CheckAmount: &RangeCond{Op: "between", Value: floatPtr(1)},
	}}.Validate()
	require.ErrorIs(t, err, ErrInvalidCriteria)

	err = Criteria{Purchases: &PurchasesCond{
		CheckAmount: &RangeCond{Op: CmpGte},
	}}.Validate()
	require.ErrorIs(t, err, ErrInvalidCriteria)

	err = Criteria{Picker: &AssignmentCond{PhotosNotAddedMinutes: intPtr(0)}}.Validate()
	require.ErrorIs(t, err, ErrInvalidCriteria)
}
