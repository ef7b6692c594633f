package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ostrovmarket/ostrov/internal/shared"
)

// TupleKey identifies one balance stream in the ledger.
type TupleKey struct {
	OrganizationID int64
	WarehouseID    int64
	NomenclatureID int64
}

// NomenclatureInfo carries the catalog attributes the engine needs per line.
type NomenclatureInfo struct {
	Kind   string
	UnitID int64
}

// NomenclatureKindService marks catalog items that never move stock.
const NomenclatureKindService = "service"

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	NomenclatureInfo(ctx context.Context, cashboxID int64, ids []int64) (map[int64]NomenclatureInfo, error)
	OrganizationExists(ctx context.Context, cashboxID, id int64) (bool, error)
	WarehouseExists(ctx context.Context, cashboxID, id int64) (bool, error)
	ContragentExists(ctx context.Context, cashboxID, id int64) (bool, error)

	FindDocumentBySource(ctx context.Context, cashboxID int64, op Operation, purchaseID, saleID int64) (Document, error)
	GetDocument(ctx context.Context, cashboxID, id int64) (Document, error)
	NextDocumentNumber(ctx context.Context, cashboxID int64) (int, error)
	InsertDocument(ctx context.Context, doc Document) (int64, error)
	UpdateDocument(ctx context.Context, doc Document) error
	ReplaceLines(ctx context.Context, docID int64, lines []Line) error
	MarkDocumentDeleted(ctx context.Context, cashboxID, docID int64) error

	LatestForUpdate(ctx context.Context, cashboxID int64, key TupleKey) (Movement, bool, error)
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	DeleteMovementsForDocument(ctx context.Context, docID int64) ([]TupleKey, error)
	MovementsForTuple(ctx context.Context, cashboxID int64, key TupleKey) ([]Movement, error)
	UpdateMovementRunning(ctx context.Context, id int64, current, in, out decimal.Decimal) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ReadCurrent(ctx context.Context, cashboxID int64, key TupleKey) (decimal.Decimal, error)
	ListAvailable(ctx context.Context, cashboxID, nomenclatureID int64) ([]AvailableStock, error)
	GetDocument(ctx context.Context, cashboxID, id int64) (Document, error)
}

// PeriodGate rejects writes dated inside a locked period.
type PeriodGate interface {
	Check(ctx context.Context, cashboxID, organizationID int64, dated time.Time) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service converts warehouse documents into movement records and serves
// current-amount reads.
type Service struct {
	repo     RepositoryPort
	gate     PeriodGate
	audit    AuditPort
	allowNeg bool
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, gate PeriodGate, audit AuditPort, cfg ServiceConfig) *Service {
	return &Service{repo: repo, gate: gate, audit: audit, allowNeg: cfg.AllowNegativeStock}
}

// LineInput describes one goods row of an apply request.
type LineInput struct {
	NomenclatureID       int64
	Quantity             decimal.Decimal
	UnitID               int64
	PriceTypeID          int64
	Price                decimal.Decimal
	SourcePurchaseLineID int64
}

// ApplyInput describes a warehouse document to apply.
type ApplyInput struct {
	CashboxID      int64
	Operation      Operation
	OrganizationID int64
	WarehouseID    int64
	ToWarehouseID  int64
	ContragentID   int64
	SalesDocID     int64
	PurchaseDocID  int64
	Status         bool
	Dated          time.Time
	Comment        string
	ActorID        int64
	Lines          []LineInput
}

// ApplyDocument posts or re-posts a warehouse document. Replays keyed by
// (operation, source document id) replace the existing document's lines and
// movements as one atomic unit instead of appending duplicates.
func (s *Service) ApplyDocument(ctx context.Context, input ApplyInput) (Document, error) {
	if err := validateApply(input); err != nil {
		return Document{}, err
	}
	dated := input.Dated
	if dated.IsZero() {
		dated = time.Now().UTC()
	}
	if s.gate != nil {
		if err := s.gate.Check(ctx, input.CashboxID, input.OrganizationID, dated); err != nil {
			return Document{}, err
		}
	}

	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, lineErrs, err := s.resolveLines(ctx, tx, input)
		if err != nil {
			return err
		}
		headerErrs, err := s.checkHeaderRefs(ctx, tx, input)
		if err != nil {
			return err
		}
		if all := append(headerErrs, lineErrs...); len(all) > 0 {
			return LineErrors(all)
		}

		doc, err = s.upsertDocument(ctx, tx, input, dated, lines)
		if err != nil {
			return err
		}
		if !doc.Status {
			return nil
		}
		for _, line := range doc.Lines {
			if err := s.postLine(ctx, tx, doc, line, dated); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   fmt.Sprintf("ledger:%s", input.Operation),
			Entity:   "docs_warehouse",
			EntityID: fmt.Sprintf("%d", doc.ID),
			Meta: map[string]any{
				"cashbox_id":   input.CashboxID,
				"organization": input.OrganizationID,
				"lines":        len(doc.Lines),
			},
		})
	}
	return doc, nil
}

// CancelDocument removes the movements produced by a document and rebuilds
// the running values of every tuple the document touched, so the remaining
// history replays to the authoritative state.
func (s *Service) CancelDocument(ctx context.Context, cashboxID, docID int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocument(ctx, cashboxID, docID)
		if err != nil {
			return err
		}
		if doc.IsDeleted {
			return nil
		}
		tuples, err := tx.DeleteMovementsForDocument(ctx, docID)
		if err != nil {
			return err
		}
		if err := tx.MarkDocumentDeleted(ctx, cashboxID, docID); err != nil {
			return err
		}
		for _, key := range tuples {
			if err := s.rebuildTuple(ctx, tx, cashboxID, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "ledger:cancel",
			Entity:   "docs_warehouse",
			EntityID: fmt.Sprintf("%d", docID),
			Meta:     map[string]any{"cashbox_id": cashboxID},
		})
	}
	return nil
}

// ReadCurrent returns the amount on the latest movement, zero if none.
func (s *Service) ReadCurrent(ctx context.Context, cashboxID int64, key TupleKey) (decimal.Decimal, error) {
	return s.repo.ReadCurrent(ctx, cashboxID, key)
}

// ListAvailable returns warehouses that publicly expose positive stock for a
// nomenclature. With client coordinates the result is sorted by haversine
// distance, otherwise by current amount descending.
func (s *Service) ListAvailable(ctx context.Context, cashboxID, nomenclatureID int64, lat, lon *float64) ([]AvailableStock, error) {
	rows, err := s.repo.ListAvailable(ctx, cashboxID, nomenclatureID)
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		for i := range rows {
			if rows[i].Latitude != nil && rows[i].Longitude != nil {
				d := haversineKM(*lat, *lon, *rows[i].Latitude, *rows[i].Longitude)
				rows[i].DistanceKM = &d
			}
		}
		sort.SliceStable(rows, func(i, j int) bool {
			di, dj := rows[i].DistanceKM, rows[j].DistanceKM
			if di == nil {
				return false
			}
			if dj == nil {
				return true
			}
			return *di < *dj
		})
		return rows, nil
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CurrentAmount.GreaterThan(rows[j].CurrentAmount)
	})
	return rows, nil
}

// GetDocument loads a document with its lines.
func (s *Service) GetDocument(ctx context.Context, cashboxID, id int64) (Document, error) {
	return s.repo.GetDocument(ctx, cashboxID, id)
}

func validateApply(input ApplyInput) error {
	switch input.Operation {
	case OperationIncoming, OperationOutgoing:
		if input.WarehouseID == 0 {
			return LineErrors{{Index: -1, Entity: "warehouse", ID: 0}}
		}
	case OperationTransfer:
		if input.WarehouseID == 0 || input.ToWarehouseID == 0 {
			return LineErrors{{Index: -1, Entity: "warehouse", ID: 0}}
		}
		if input.WarehouseID == input.ToWarehouseID {
			return fmt.Errorf("%w: transfer warehouses must differ", ErrUnknownOperation)
		}
	default:
		return ErrUnknownOperation
	}
	if len(input.Lines) == 0 {
		return ErrEmptyLines
	}
	for _, line := range input.Lines {
		if !line.Quantity.IsPositive() {
			return ErrQuantityInvalid
		}
	}
	return nil
}

// resolveLines validates nomenclature references, drops service items and
// fills missing units from the catalog.
func (s *Service) resolveLines(ctx context.Context, tx TxRepository, input ApplyInput) ([]Line, []LineError, error) {
	ids := make([]int64, 0, len(input.Lines))
	for _, line := range input.Lines {
		ids = append(ids, line.NomenclatureID)
	}
	info, err := tx.NomenclatureInfo(ctx, input.CashboxID, ids)
	if err != nil {
		return nil, nil, err
	}

	var lines []Line
	var lineErrs []LineError
	for i, in := range input.Lines {
		nom, ok := info[in.NomenclatureID]
		if !ok {
			lineErrs = append(lineErrs, LineError{Index: i, Entity: "nomenclature", ID: in.NomenclatureID})
			continue
		}
		if nom.Kind == NomenclatureKindService {
			continue
		}
		unit := in.UnitID
		if unit == 0 {
			unit = nom.UnitID
		} else if nom.UnitID != 0 && unit != nom.UnitID {
			return nil, nil, fmt.Errorf("%w: line %d", ErrUnitInvalid, i)
		}
		lines = append(lines, Line{
			NomenclatureID:       in.NomenclatureID,
			Quantity:             in.Quantity,
			UnitID:               unit,
			PriceTypeID:          in.PriceTypeID,
			Price:                in.Price,
			SourcePurchaseLineID: in.SourcePurchaseLineID,
		})
	}
	return lines, lineErrs, nil
}

func (s *Service) checkHeaderRefs(ctx context.Context, tx TxRepository, input ApplyInput) ([]LineError, error) {
	var errs []LineError
	ok, err := tx.OrganizationExists(ctx, input.CashboxID, input.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		errs = append(errs, LineError{Index: -1, Entity: "organization", ID: input.OrganizationID})
	}
	warehouses := []int64{input.WarehouseID}
	if input.Operation == OperationTransfer {
		warehouses = append(warehouses, input.ToWarehouseID)
	}
	for _, id := range warehouses {
		ok, err := tx.WarehouseExists(ctx, input.CashboxID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			errs = append(errs, LineError{Index: -1, Entity: "warehouse", ID: id})
		}
	}
	if input.ContragentID != 0 {
		ok, err := tx.ContragentExists(ctx, input.CashboxID, input.ContragentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			errs = append(errs, LineError{Index: -1, Entity: "contragent", ID: input.ContragentID})
		}
	}
	return errs, nil
}

// upsertDocument creates the document or, on a source-document replay,
// replaces the existing document's lines and clears its old movements.
func (s *Service) upsertDocument(ctx context.Context, tx TxRepository, input ApplyInput, dated time.Time, lines []Line) (Document, error) {
	doc := Document{
		CashboxID:      input.CashboxID,
		Operation:      input.Operation,
		OrganizationID: input.OrganizationID,
		WarehouseID:    input.WarehouseID,
		ToWarehouseID:  input.ToWarehouseID,
		ContragentID:   input.ContragentID,
		SalesDocID:     input.SalesDocID,
		PurchaseDocID:  input.PurchaseDocID,
		Status:         input.Status,
		Comment:        input.Comment,
		CreatedAt:      dated,
		Lines:          lines,
	}
	doc.Sum = decimal.Zero
	for _, line := range lines {
		doc.Sum = doc.Sum.Add(line.Price.Mul(line.Quantity))
	}

	if input.PurchaseDocID != 0 || input.SalesDocID != 0 {
		existing, err := tx.FindDocumentBySource(ctx, input.CashboxID, input.Operation, input.PurchaseDocID, input.SalesDocID)
		switch {
		case err == nil:
			doc.ID = existing.ID
			doc.Number = existing.Number
			if err := tx.UpdateDocument(ctx, doc); err != nil {
				return Document{}, err
			}
			if err := tx.ReplaceLines(ctx, doc.ID, lines); err != nil {
				return Document{}, err
			}
			tuples, err := tx.DeleteMovementsForDocument(ctx, doc.ID)
			if err != nil {
				return Document{}, err
			}
			for _, key := range tuples {
				if err := s.rebuildTuple(ctx, tx, input.CashboxID, key); err != nil {
					return Document{}, err
				}
			}
			return doc, nil
		case errors.Is(err, ErrDocumentNotFound):
		default:
			return Document{}, err
		}
	}

	number, err := tx.NextDocumentNumber(ctx, input.CashboxID)
	if err != nil {
		return Document{}, err
	}
	doc.Number = number
	id, err := tx.InsertDocument(ctx, doc)
	if err != nil {
		return Document{}, err
	}
	doc.ID = id
	if err := tx.ReplaceLines(ctx, id, lines); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// postLine appends one movement per leg. Transfers emit an outgoing movement
// on the source warehouse and an incoming one on the destination, both tied
// to the same document id so cancellation removes the pair together.
func (s *Service) postLine(ctx context.Context, tx TxRepository, doc Document, line Line, dated time.Time) error {
	type leg struct {
		warehouseID int64
		delta       decimal.Decimal
		kind        SourceKind
	}
	var legs []leg
	switch doc.Operation {
	case OperationIncoming:
		kind := SourceManual
		if doc.PurchaseDocID != 0 {
			kind = SourcePurchase
		}
		legs = []leg{{doc.WarehouseID, line.Quantity, kind}}
	case OperationOutgoing:
		kind := SourceManual
		if doc.SalesDocID != 0 {
			kind = SourceSale
		}
		legs = []leg{{doc.WarehouseID, line.Quantity.Neg(), kind}}
	case OperationTransfer:
		legs = []leg{
			{doc.WarehouseID, line.Quantity.Neg(), SourceTransferOut},
			{doc.ToWarehouseID, line.Quantity, SourceTransferIn},
		}
	default:
		return ErrUnknownOperation
	}

	for _, l := range legs {
		key := TupleKey{doc.OrganizationID, l.warehouseID, line.NomenclatureID}
		latest, found, err := tx.LatestForUpdate(ctx, doc.CashboxID, key)
		if err != nil {
			return err
		}
		in, out, current := decimal.Zero, decimal.Zero, decimal.Zero
		if found {
			in, out, current = latest.CumulativeIn, latest.CumulativeOut, latest.CurrentAmount
		}
		if l.delta.IsPositive() {
			in = in.Add(l.delta)
		} else {
			out = out.Add(l.delta.Neg())
		}
		current = current.Add(l.delta)
		if current.IsNegative() && !s.allowNeg {
			return fmt.Errorf("%w: nomenclature %d warehouse %d", ErrInsufficientStock, line.NomenclatureID, l.warehouseID)
		}
		_, err = tx.InsertMovement(ctx, Movement{
			CashboxID:      doc.CashboxID,
			OrganizationID: doc.OrganizationID,
			WarehouseID:    l.warehouseID,
			NomenclatureID: line.NomenclatureID,
			DocumentID:     doc.ID,
			SourceKind:     l.kind,
			SourceDocID:    doc.SourceDocID(),
			Delta:          l.delta,
			CurrentAmount:  current,
			CumulativeIn:   in,
			CumulativeOut:  out,
			CreatedAt:      dated,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// rebuildTuple replays a tuple's surviving movements in id order, restoring
// the running current/cumulative values after deletions.
func (s *Service) rebuildTuple(ctx context.Context, tx TxRepository, cashboxID int64, key TupleKey) error {
	movements, err := tx.MovementsForTuple(ctx, cashboxID, key)
	if err != nil {
		return err
	}
	in, out, current := decimal.Zero, decimal.Zero, decimal.Zero
	for _, m := range movements {
		if m.Delta.IsPositive() {
			in = in.Add(m.Delta)
		} else {
			out = out.Add(m.Delta.Neg())
		}
		current = current.Add(m.Delta)
		if !m.CurrentAmount.Equal(current) || !m.CumulativeIn.Equal(in) || !m.CumulativeOut.Equal(out) {
			if err := tx.UpdateMovementRunning(ctx, m.ID, current, in, out); err != nil {
				return err
			}
		}
	}
	return nil
}
