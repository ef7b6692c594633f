package segments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ostrovmarket/ostrov/internal/shared"
)

// TxRepository exposes the transactional version-write operations.
type TxRepository interface {
	GetSegmentForUpdate(ctx context.Context, segmentID int64) (Segment, error)
	InsertVersion(ctx context.Context, segmentID int64, ordinal int, at time.Time) (int64, error)
	InsertObjects(ctx context.Context, versionID int64, objects []Object) error
	SetVersionAndStatus(ctx context.Context, segmentID int64, version int, status Status, at time.Time) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	InsertSegment(ctx context.Context, seg Segment) (Segment, error)
	GetByID(ctx context.Context, cashboxID, id int64) (Segment, error)
	GetBySlug(ctx context.Context, slug string) (Segment, error)
	SetStatus(ctx context.Context, segmentID int64, status Status) error
	Evaluate(ctx context.Context, query string, args []any) (Membership, error)
	Members(ctx context.Context, segmentID int64, ordinal int) (Membership, error)
	ChangedObjects(ctx context.Context, segmentID int64, ordinal int, change ChangeKind) (Membership, error)
	ListDue(ctx context.Context, now time.Time) ([]Segment, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service evaluates segment criteria, versions the membership snapshots and
// produces deltas for the action dispatcher.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	clock func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, clock: func() time.Time { return time.Now().UTC() }}
}

// CreateInput describes a new segment.
type CreateInput struct {
	CashboxID       int64
	Name            string
	Criteria        Criteria
	Actions         []Action
	Schedule        ScheduleMode
	IntervalMinutes int
	ActorID         int64
}

// Create validates and stores a segment. The criteria is lowered once at
// creation time to reject invalid shapes before the first recompute.
func (s *Service) Create(ctx context.Context, input CreateInput) (Segment, error) {
	if input.Criteria.Empty() {
		return Segment{}, fmt.Errorf("%w: at least one section is required", ErrInvalidCriteria)
	}
	if err := input.Criteria.Validate(); err != nil {
		return Segment{}, err
	}
	for _, action := range input.Actions {
		if !action.Kind.Valid() {
			return Segment{}, fmt.Errorf("%w: unknown action %q", ErrInvalidCriteria, action.Kind)
		}
	}
	schedule := input.Schedule
	if schedule == "" {
		schedule = ScheduleManual
	}
	if schedule == ScheduleInterval && input.IntervalMinutes <= 0 {
		return Segment{}, fmt.Errorf("%w: interval schedule requires a positive cadence", ErrInvalidCriteria)
	}

	now := s.clock()
	seg, err := s.repo.InsertSegment(ctx, Segment{
		CashboxID:       input.CashboxID,
		Slug:            uuid.NewString(),
		Name:            input.Name,
		Criteria:        input.Criteria,
		Actions:         input.Actions,
		Schedule:        schedule,
		IntervalMinutes: input.IntervalMinutes,
		Status:          StatusCalculated,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return Segment{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "segments:create",
			Entity:   "segments",
			EntityID: fmt.Sprintf("%d", seg.ID),
			Meta:     map[string]any{"cashbox_id": input.CashboxID},
		})
	}
	return seg, nil
}

// Recompute evaluates the segment and writes the next version. The
// evaluation read runs without locks; only the version write is
// transactional, with the segment's current version as the compare-and-set
// token. A failure after the status flip leaves the segment in process
// until a retry succeeds.
func (s *Service) Recompute(ctx context.Context, cashboxID, segmentID int64) (Delta, error) {
	seg, err := s.repo.GetByID(ctx, cashboxID, segmentID)
	if err != nil {
		return Delta{}, err
	}
	if err := s.repo.SetStatus(ctx, seg.ID, StatusInProcess); err != nil {
		return Delta{}, err
	}

	now := s.clock()
	query, args, err := seg.Criteria.Lower(seg.CashboxID, now)
	if err != nil {
		return Delta{}, err
	}
	current, err := s.repo.Evaluate(ctx, query, args)
	if err != nil {
		return Delta{}, err
	}
	prev, err := s.repo.Members(ctx, seg.ID, seg.CurrentVersion)
	if err != nil {
		return Delta{}, err
	}

	delta := classify(seg, current, prev)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetSegmentForUpdate(ctx, seg.ID)
		if err != nil {
			return err
		}
		if locked.CurrentVersion != seg.CurrentVersion {
			return ErrVersionConflict
		}
		versionID, err := tx.InsertVersion(ctx, seg.ID, delta.Version, now)
		if err != nil {
			return err
		}
		if err := tx.InsertObjects(ctx, versionID, deltaObjects(delta, current)); err != nil {
			return err
		}
		return tx.SetVersionAndStatus(ctx, seg.ID, delta.Version, StatusCalculated, now)
	})
	if err != nil {
		return Delta{}, err
	}
	return delta, nil
}

// Result serves the membership of the current version with its delta sets.
func (s *Service) Result(ctx context.Context, cashboxID int64, slug string) (Result, error) {
	seg, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return Result{}, err
	}
	if seg.CashboxID != cashboxID {
		return Result{}, ErrForbidden
	}
	result := Result{
		SegmentID:          seg.ID,
		Version:            seg.CurrentVersion,
		Status:             seg.Status,
		Contragents:        []int64{},
		AddedContragents:   []int64{},
		RemovedContragents: []int64{},
	}
	if seg.CurrentVersion == 0 {
		return result, nil
	}
	members, err := s.repo.Members(ctx, seg.ID, seg.CurrentVersion)
	if err != nil {
		return Result{}, err
	}
	added, err := s.repo.ChangedObjects(ctx, seg.ID, seg.CurrentVersion, ChangeAdded)
	if err != nil {
		return Result{}, err
	}
	removed, err := s.repo.ChangedObjects(ctx, seg.ID, seg.CurrentVersion, ChangeRemoved)
	if err != nil {
		return Result{}, err
	}
	result.Contragents = sortedSet(members.ContragentIDs)
	result.AddedContragents = sortedSet(added.ContragentIDs)
	result.RemovedContragents = sortedSet(removed.ContragentIDs)
	return result, nil
}

// Get loads a tenant's segment by id.
func (s *Service) Get(ctx context.Context, cashboxID, segmentID int64) (Segment, error) {
	return s.repo.GetByID(ctx, cashboxID, segmentID)
}

// GetBySlug resolves a segment for the tenant, distinguishing missing from
// cross-tenant access.
func (s *Service) GetBySlug(ctx context.Context, cashboxID int64, slug string) (Segment, error) {
	seg, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return Segment{}, err
	}
	if seg.CashboxID != cashboxID {
		return Segment{}, ErrForbidden
	}
	return seg, nil
}

// ListDue returns interval segments whose cadence has elapsed.
func (s *Service) ListDue(ctx context.Context) ([]Segment, error) {
	return s.repo.ListDue(ctx, s.clock())
}

// classify produces the three-way delta of a recompute. Members of the new
// set that were present before are existing, fresh ones are added, and prior
// members missing from the new set are removed.
func classify(seg Segment, current, prev Membership) Delta {
	prevContragents := toSet(prev.ContragentIDs)
	prevDocs := toSet(prev.SaleDocIDs)
	curContragents := toSet(current.ContragentIDs)
	curDocs := toSet(current.SaleDocIDs)

	delta := Delta{
		SegmentID: seg.ID,
		CashboxID: seg.CashboxID,
		Version:   seg.CurrentVersion + 1,
	}
	delta.Contragents = sortedSet(current.ContragentIDs)
	delta.SaleDocs = sortedSet(current.SaleDocIDs)
	delta.AddedContragents = diff(curContragents, prevContragents)
	delta.RemovedContragents = diff(prevContragents, curContragents)
	delta.AddedSaleDocs = diff(curDocs, prevDocs)
	delta.RemovedSaleDocs = diff(prevDocs, curDocs)
	return delta
}

// deltaObjects builds the version child rows. Unchanged members are stored
// as existing, fresh ones as added; the union of the two is the version's
// membership. Removed members carry their own rows for the result reads.
func deltaObjects(delta Delta, current Membership) []Object {
	added := toSet(delta.AddedContragents)
	addedDocs := toSet(delta.AddedSaleDocs)

	var objects []Object
	for _, id := range sortedSet(current.ContragentIDs) {
		change := ChangeExisting
		if added[id] {
			change = ChangeAdded
		}
		objects = append(objects, Object{ObjectID: id, Kind: ObjectContragent, Change: change})
	}
	for _, id := range delta.RemovedContragents {
		objects = append(objects, Object{ObjectID: id, Kind: ObjectContragent, Change: ChangeRemoved})
	}
	for _, id := range sortedSet(current.SaleDocIDs) {
		change := ChangeExisting
		if addedDocs[id] {
			change = ChangeAdded
		}
		objects = append(objects, Object{ObjectID: id, Kind: ObjectSaleDoc, Change: change})
	}
	for _, id := range delta.RemovedSaleDocs {
		objects = append(objects, Object{ObjectID: id, Kind: ObjectSaleDoc, Change: ChangeRemoved})
	}
	return objects
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func diff(a, b map[int64]bool) []int64 {
	out := []int64{}
	for id := range a {
		if !b[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedSet(ids []int64) []int64 {
	out := diff(toSet(ids), nil)
	return out
}
