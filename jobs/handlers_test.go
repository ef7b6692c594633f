package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ostrovmarket/ostrov/internal/ledger"
	"github.com/ostrovmarket/ostrov/internal/segments"
	"github.com/ostrovmarket/ostrov/internal/shared"
)

type fakeLedger struct {
	inputs []ledger.ApplyInput
	err    error
}

func (f *fakeLedger) ApplyDocument(_ context.Context, input ledger.ApplyInput) (ledger.Document, error) {
	f.inputs = append(f.inputs, input)
	return ledger.Document{}, f.err
}

type fakeSweeper struct {
	swept  []int64
	burned int
}

func (f *fakeSweeper) Sweep(_ context.Context, cashboxID int64) (int, error) {
	f.swept = append(f.swept, cashboxID)
	return f.burned, nil
}

type fakeCashboxes struct {
	ids []int64
}

func (f *fakeCashboxes) ListLoyaltyCashboxes(context.Context) ([]int64, error) {
	return f.ids, nil
}

type fakeSegments struct {
	recomputed   []int64
	delta        segments.Delta
	seg          segments.Segment
	due          []segments.Segment
	recomputeErr error
}

func (f *fakeSegments) Recompute(_ context.Context, _, segmentID int64) (segments.Delta, error) {
	f.recomputed = append(f.recomputed, segmentID)
	return f.delta, f.recomputeErr
}

func (f *fakeSegments) Get(context.Context, int64, int64) (segments.Segment, error) {
	return f.seg, nil
}

func (f *fakeSegments) ListDue(context.Context) ([]segments.Segment, error) {
	return f.due, nil
}

type fakeDispatcher struct {
	calls int
	last  segments.Delta
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ segments.Segment, delta segments.Delta) error {
	f.calls++
	f.last = delta
	return nil
}

type fakeSender struct {
	chats []int64
	texts []string
	err   error
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.chats = append(f.chats, chatID)
	f.texts = append(f.texts, text)
	return f.err
}

type fakeDeduper struct {
	keys map[string]string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{keys: make(map[string]string)}
}

func (f *fakeDeduper) CheckAndInsert(_ context.Context, key, module string) error {
	if _, ok := f.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = module
	return nil
}

func (f *fakeDeduper) Delete(_ context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

type fakeEnqueuer struct {
	segmentIDs []int64
}

func (f *fakeEnqueuer) EnqueueRecompute(_ context.Context, _, segmentID int64) error {
	f.segmentIDs = append(f.segmentIDs, segmentID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleWarehouseApplyMapsPayload(t *testing.T) {
	applier := &fakeLedger{}
	deduper := newFakeDeduper()
	h := NewHandlers(Deps{Logger: testLogger(), Ledger: applier, Idempotency: deduper})

	dated := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	task, err := NewWarehouseApplyTask(WarehouseApplyPayload{
		MessageID:      "m-1",
		CashboxID:      7,
		Operation:      "incoming",
		OrganizationID: 2,
		WarehouseID:    3,
		PurchaseDocID:  44,
		Dated:          &dated,
		Lines: []WarehouseLine{
			{NomenclatureID: 10, Quantity: decimal.NewFromInt(5), UnitID: 1, Price: decimal.NewFromInt(90)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.handleWarehouseApply(context.Background(), task))
	require.Len(t, applier.inputs, 1)
	input := applier.inputs[0]
	require.Equal(t, int64(7), input.CashboxID)
	require.Equal(t, ledger.OperationIncoming, input.Operation)
	require.Equal(t, int64(44), input.PurchaseDocID)
	require.True(t, input.Status)
	require.Equal(t, dated, input.Dated)
	require.Len(t, input.Lines, 1)
	require.True(t, input.Lines[0].Quantity.Equal(decimal.NewFromInt(5)))
}

func TestHandleWarehouseApplyDuplicateSkipped(t *testing.T) {
	applier := &fakeLedger{}
	deduper := newFakeDeduper()
	h := NewHandlers(Deps{Logger: testLogger(), Ledger: applier, Idempotency: deduper})

	task, err := NewWarehouseApplyTask(WarehouseApplyPayload{
		MessageID: "m-dup", CashboxID: 7, Operation: "incoming",
		OrganizationID: 2, WarehouseID: 3, PurchaseDocID: 1,
		Lines: []WarehouseLine{{NomenclatureID: 10, Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	require.NoError(t, h.handleWarehouseApply(context.Background(), task))
	require.NoError(t, h.handleWarehouseApply(context.Background(), task))
	require.Len(t, applier.inputs, 1)
}

func TestHandleWarehouseApplyFailureReleasesKey(t *testing.T) {
	applier := &fakeLedger{err: errors.New("db down")}
	deduper := newFakeDeduper()
	h := NewHandlers(Deps{Logger: testLogger(), Ledger: applier, Idempotency: deduper})

	task, err := NewWarehouseApplyTask(WarehouseApplyPayload{
		MessageID: "m-fail", CashboxID: 7, Operation: "incoming",
		OrganizationID: 2, WarehouseID: 3, PurchaseDocID: 1,
		Lines: []WarehouseLine{{NomenclatureID: 10, Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	require.Error(t, h.handleWarehouseApply(context.Background(), task))
	require.Empty(t, deduper.keys)

	// redelivery proceeds after the key is released
	applier.err = nil
	require.NoError(t, h.handleWarehouseApply(context.Background(), task))
	require.Len(t, applier.inputs, 2)
}

func TestHandleWarehouseApplyRejectedNotRetried(t *testing.T) {
	applier := &fakeLedger{err: ledger.ErrUnknownOperation}
	h := NewHandlers(Deps{Logger: testLogger(), Ledger: applier, Idempotency: newFakeDeduper()})

	task, err := NewWarehouseApplyTask(WarehouseApplyPayload{
		MessageID: "m-rej", CashboxID: 7, Operation: "sideways",
		OrganizationID: 2, WarehouseID: 3, PurchaseDocID: 1,
		Lines: []WarehouseLine{{NomenclatureID: 10, Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	require.ErrorIs(t, h.handleWarehouseApply(context.Background(), task), asynq.SkipRetry)
}

func TestHandleAutoburnAllTenants(t *testing.T) {
	sweeper := &fakeSweeper{burned: 2}
	h := NewHandlers(Deps{
		Logger:    testLogger(),
		Autoburn:  sweeper,
		Cashboxes: &fakeCashboxes{ids: []int64{1, 5, 9}},
	})

	task, err := NewAutoburnTask(AutoburnPayload{MessageID: "m-burn"})
	require.NoError(t, err)
	require.NoError(t, h.handleAutoburn(context.Background(), task))
	require.Equal(t, []int64{1, 5, 9}, sweeper.swept)
}

func TestHandleAutoburnSingleTenant(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := NewHandlers(Deps{Logger: testLogger(), Autoburn: sweeper})

	task, err := NewAutoburnTask(AutoburnPayload{MessageID: "m-burn-1", CashboxID: 5})
	require.NoError(t, err)
	require.NoError(t, h.handleAutoburn(context.Background(), task))
	require.Equal(t, []int64{5}, sweeper.swept)
}

func TestHandleSegmentRecomputeDispatchesDelta(t *testing.T) {
	engine := &fakeSegments{
		delta: segments.Delta{SegmentID: 3, AddedContragents: []int64{12}},
		seg:   segments.Segment{ID: 3, CashboxID: 7},
	}
	dispatcher := &fakeDispatcher{}
	h := NewHandlers(Deps{Logger: testLogger(), Segments: engine, Dispatcher: dispatcher})

	task, err := NewSegmentRecomputeTask(SegmentRecomputePayload{MessageID: "m-seg", CashboxID: 7, SegmentID: 3})
	require.NoError(t, err)
	require.NoError(t, h.handleSegmentRecompute(context.Background(), task))
	require.Equal(t, []int64{3}, engine.recomputed)
	require.Equal(t, 1, dispatcher.calls)
	require.Equal(t, []int64{12}, dispatcher.last.AddedContragents)
}

func TestHandleSegmentRecomputeVersionConflictNotRetried(t *testing.T) {
	engine := &fakeSegments{recomputeErr: segments.ErrVersionConflict}
	dispatcher := &fakeDispatcher{}
	h := NewHandlers(Deps{Logger: testLogger(), Segments: engine, Dispatcher: dispatcher})

	task, err := NewSegmentRecomputeTask(SegmentRecomputePayload{MessageID: "m-seg-c", CashboxID: 7, SegmentID: 3})
	require.NoError(t, err)
	require.NoError(t, h.handleSegmentRecompute(context.Background(), task))
	require.Zero(t, dispatcher.calls)
}

func TestHandleSegmentRecomputeCoalescedUnderLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redislock.New(client)

	// another worker holds the segment lock
	held, err := locker.Obtain(context.Background(), shared.SegmentLockKey(3), time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release(context.Background()) })

	engine := &fakeSegments{}
	h := NewHandlers(Deps{Logger: testLogger(), Segments: engine, Locker: locker})

	task, err := NewSegmentRecomputeTask(SegmentRecomputePayload{MessageID: "m-seg-l", CashboxID: 7, SegmentID: 3})
	require.NoError(t, err)
	require.NoError(t, h.handleSegmentRecompute(context.Background(), task))
	require.Empty(t, engine.recomputed)
}

func TestHandleSegmentIntervalEnqueuesDue(t *testing.T) {
	engine := &fakeSegments{due: []segments.Segment{
		{ID: 3, CashboxID: 7},
		{ID: 8, CashboxID: 7},
	}}
	enqueuer := &fakeEnqueuer{}
	h := NewHandlers(Deps{Logger: testLogger(), Segments: engine, Enqueuer: enqueuer})

	task, err := NewSegmentIntervalSweepTask()
	require.NoError(t, err)
	require.NoError(t, h.handleSegmentInterval(context.Background(), task))
	require.Equal(t, []int64{3, 8}, enqueuer.segmentIDs)
}

func TestHandleNotifySendsOnce(t *testing.T) {
	sender := &fakeSender{}
	h := NewHandlers(Deps{Logger: testLogger(), Sender: sender, Idempotency: newFakeDeduper()})

	task, err := NewNotifyTask(NotifyPayload{MessageID: "m-n", CashboxID: 7, ChatID: 42, Text: "order 15 is ready"})
	require.NoError(t, err)
	require.NoError(t, h.handleNotify(context.Background(), task))
	require.NoError(t, h.handleNotify(context.Background(), task))
	require.Equal(t, []int64{42}, sender.chats)
	require.Equal(t, []string{"order 15 is ready"}, sender.texts)
}
