package segments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeVersion struct {
	id      int64
	ordinal int
	objects []Object
}

type fakeRepo struct {
	segments map[int64]*Segment
	versions []*fakeVersion

	// evaluation result returned by the next Evaluate call
	membership Membership
	onEvaluate func()

	nextSegmentID int64
	nextVersionID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{segments: map[int64]*Segment{}}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) InsertSegment(_ context.Context, seg Segment) (Segment, error) {
	f.nextSegmentID++
	seg.ID = f.nextSegmentID
	f.segments[seg.ID] = &seg
	return seg, nil
}

func (f *fakeRepo) GetByID(_ context.Context, cashboxID, id int64) (Segment, error) {
	seg, ok := f.segments[id]
	if !ok || seg.CashboxID != cashboxID {
		return Segment{}, ErrSegmentNotFound
	}
	return *seg, nil
}

func (f *fakeRepo) GetBySlug(_ context.Context, slug string) (Segment, error) {
	for _, seg := range f.segments {
		if seg.Slug == slug {
			return *seg, nil
		}
	}
	return Segment{}, ErrSegmentNotFound
}

func (f *fakeRepo) SetStatus(_ context.Context, segmentID int64, status Status) error {
	seg, ok := f.segments[segmentID]
	if !ok {
		return ErrSegmentNotFound
	}
	seg.Status = status
	return nil
}

func (f *fakeRepo) Evaluate(context.Context, string, []any) (Membership, error) {
	if f.onEvaluate != nil {
		f.onEvaluate()
	}
	return f.membership, nil
}

func (f *fakeRepo) version(segmentID int64, ordinal int) *fakeVersion {
	for _, v := range f.versions {
		if v.ordinal == ordinal && f.segments[segmentID] != nil {
			return v
		}
	}
	return nil
}

func (f *fakeRepo) Members(_ context.Context, segmentID int64, ordinal int) (Membership, error) {
	v := f.version(segmentID, ordinal)
	if v == nil {
		return Membership{}, nil
	}
	var m Membership
	for _, o := range v.objects {
		if o.Change != ChangeExisting && o.Change != ChangeAdded {
			continue
		}
		if o.Kind == ObjectContragent {
			m.ContragentIDs = append(m.ContragentIDs, o.ObjectID)
		} else {
			m.SaleDocIDs = append(m.SaleDocIDs, o.ObjectID)
		}
	}
	return m, nil
}

func (f *fakeRepo) ChangedObjects(_ context.Context, segmentID int64, ordinal int, change ChangeKind) (Membership, error) {
	v := f.version(segmentID, ordinal)
	if v == nil {
		return Membership{}, nil
	}
	var m Membership
	for _, o := range v.objects {
		if o.Change != change {
			continue
		}
		if o.Kind == ObjectContragent {
			m.ContragentIDs = append(m.ContragentIDs, o.ObjectID)
		} else {
			m.SaleDocIDs = append(m.SaleDocIDs, o.ObjectID)
		}
	}
	return m, nil
}

func (f *fakeRepo) ListDue(_ context.Context, now time.Time) ([]Segment, error) {
	var due []Segment
	for _, seg := range f.segments {
		if seg.Schedule != ScheduleInterval {
			continue
		}
		if seg.LastRunAt == nil || !seg.LastRunAt.Add(time.Duration(seg.IntervalMinutes)*time.Minute).After(now) {
			due = append(due, *seg)
		}
	}
	return due, nil
}

func (f *fakeRepo) GetSegmentForUpdate(_ context.Context, segmentID int64) (Segment, error) {
	seg, ok := f.segments[segmentID]
	if !ok {
		return Segment{}, ErrSegmentNotFound
	}
	return *seg, nil
}

func (f *fakeRepo) InsertVersion(_ context.Context, segmentID int64, ordinal int, _ time.Time) (int64, error) {
	f.nextVersionID++
	f.versions = append(f.versions, &fakeVersion{id: f.nextVersionID, ordinal: ordinal})
	return f.nextVersionID, nil
}

func (f *fakeRepo) InsertObjects(_ context.Context, versionID int64, objects []Object) error {
	for _, v := range f.versions {
		if v.id == versionID {
			v.objects = append(v.objects, objects...)
			return nil
		}
	}
	return ErrSegmentNotFound
}

func (f *fakeRepo) SetVersionAndStatus(_ context.Context, segmentID int64, version int, status Status, at time.Time) error {
	seg, ok := f.segments[segmentID]
	if !ok {
		return ErrSegmentNotFound
	}
	seg.CurrentVersion = version
	seg.Status = status
	seg.LastRunAt = &at
	return nil
}

func seedSegment(t *testing.T, repo *fakeRepo) Segment {
	t.Helper()
	svc := NewService(repo, nil)
	seg, err := svc.Create(context.Background(), CreateInput{
		CashboxID: 7,
		Name:      "repeat buyers",
		Criteria: Criteria{Purchases: &PurchasesCond{
			TotalCount: &RangeCond{Op: CmpGte, Value: floatPtr(2)},
			Dated:      &DateRange{FromDaysAgo: intPtr(30)},
		}},
	})
	require.NoError(t, err)
	return seg
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newFakeRepo(), nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{CashboxID: 7, Name: "empty"})
	require.ErrorIs(t, err, ErrInvalidCriteria)

	_, err = svc.Create(ctx, CreateInput{
		CashboxID: 7, Name: "bad action",
		Criteria: Criteria{Tag: strPtr("vip")},
		Actions:  []Action{{Kind: "explode"}},
	})
	require.ErrorIs(t, err, ErrInvalidCriteria)

	_, err = svc.Create(ctx, CreateInput{
		CashboxID: 7, Name: "no cadence",
		Criteria: Criteria{Tag: strPtr("vip")},
		Schedule: ScheduleInterval,
	})
	require.ErrorIs(t, err, ErrInvalidCriteria)

	seg, err := svc.Create(ctx, CreateInput{
		CashboxID: 7, Name: "ok",
		Criteria: Criteria{Tag: strPtr("vip")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, seg.Slug)
	require.Equal(t, ScheduleManual, seg.Schedule)
	require.Equal(t, StatusCalculated, seg.Status)
}

func TestRecomputeClassifiesDelta(t *testing.T) {
	repo := newFakeRepo()
	seg := seedSegment(t, repo)
	svc := NewService(repo, nil)
	ctx := context.Background()

	repo.membership = Membership{ContragentIDs: []int64{7, 9}, SaleDocIDs: []int64{100, 101}}
	first, err := svc.Recompute(ctx, 7, seg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)
	require.Equal(t, []int64{7, 9}, first.Contragents)
	require.Equal(t, []int64{7, 9}, first.AddedContragents)
	require.Empty(t, first.RemovedContragents)

	// contragent 9 drops out, 12 newly qualifies
	repo.membership = Membership{ContragentIDs: []int64{7, 12}, SaleDocIDs: []int64{100, 102}}
	second, err := svc.Recompute(ctx, 7, seg.ID)
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
	require.Equal(t, []int64{7, 12}, second.Contragents)
	require.Equal(t, []int64{12}, second.AddedContragents)
	require.Equal(t, []int64{9}, second.RemovedContragents)
	require.Equal(t, []int64{102}, second.AddedSaleDocs)
	require.Equal(t, []int64{101}, second.RemovedSaleDocs)
	require.Equal(t, StatusCalculated, repo.segments[seg.ID].Status)

	// added and removed never overlap and membership follows the set law
	for _, id := range second.AddedContragents {
		require.NotContains(t, second.RemovedContragents, id)
		require.Contains(t, second.Contragents, id)
	}
	for _, id := range second.RemovedContragents {
		require.NotContains(t, second.Contragents, id)
	}
}

func TestRecomputeTwiceYieldsEmptyDelta(t *testing.T) {
	repo := newFakeRepo()
	seg := seedSegment(t, repo)
	svc := NewService(repo, nil)
	ctx := context.Background()

	repo.membership = Membership{ContragentIDs: []int64{7, 9}}
	_, err := svc.Recompute(ctx, 7, seg.ID)
	require.NoError(t, err)

	delta, err := svc.Recompute(ctx, 7, seg.ID)
	require.NoError(t, err)
	require.Equal(t, 2, delta.Version)
	require.Empty(t, delta.AddedContragents)
	require.Empty(t, delta.RemovedContragents)
}

func TestRecomputeVersionConflict(t *testing.T) {
	repo := newFakeRepo()
	seg := seedSegment(t, repo)
	svc := NewService(repo, nil)
	ctx := context.Background()

	// another recompute commits between the evaluation read and the write
	repo.membership = Membership{ContragentIDs: []int64{7}}
	repo.onEvaluate = func() {
		repo.segments[seg.ID].CurrentVersion = 3
	}

	_, err := svc.Recompute(ctx, 7, seg.ID)
	require.ErrorIs(t, err, ErrVersionConflict)
	require.Equal(t, StatusInProcess, repo.segments[seg.ID].Status)
}

func TestResultServesCurrentVersion(t *testing.T) {
	repo := newFakeRepo()
	seg := seedSegment(t, repo)
	svc := NewService(repo, nil)
	ctx := context.Background()

	repo.membership = Membership{ContragentIDs: []int64{7, 9}}
	_, err := svc.Recompute(ctx, 7, seg.ID)
	require.NoError(t, err)
	repo.membership = Membership{ContragentIDs: []int64{7, 12}}
	_, err = svc.Recompute(ctx, 7, seg.ID)
	require.NoError(t, err)

	result, err := svc.Result(ctx, 7, seg.Slug)
	require.NoError(t, err)
	require.Equal(t, 2, result.Version)
	require.Equal(t, []int64{7, 12}, result.Contragents)
	require.Equal(t, []int64{12}, result.AddedContragents)
	require.Equal(t, []int64{9}, result.RemovedContragents)

	_, err = svc.Result(ctx, 8, seg.Slug)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Result(ctx, 7, "missing")
	require.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestResultBeforeFirstRecompute(t *testing.T) {
	repo := newFakeRepo()
	seg := seedSegment(t, repo)
	svc := NewService(repo, nil)

	result, err := svc.Result(context.Background(), 7, seg.Slug)
	require.NoError(t, err)
	require.Equal(t, 0, result.Version)
	require.Empty(t, result.Contragents)
}
