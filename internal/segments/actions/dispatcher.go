package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ostrovmarket/ostrov/internal/segments"
)

// TagRepository owns the tag link writes emitted as segment side effects.
type TagRepository interface {
	TagIDsByName(ctx context.Context, cashboxID int64, names []string) (map[string]int64, error)
	EnsureTags(ctx context.Context, cashboxID int64, names []string) (map[string]int64, error)
	LinkContragentTags(ctx context.Context, tagIDs, contragentIDs []int64) error
	UnlinkContragentTags(ctx context.Context, tagIDs, contragentIDs []int64) error
	LinkSaleDocTags(ctx context.Context, tagIDs, docIDs []int64) error
	UnlinkSaleDocTags(ctx context.Context, tagIDs, docIDs []int64) error
}

// DocInfo carries the sale document fields exposed to message masks.
type DocInfo struct {
	ID              int64
	Number          int
	Sum             string
	ContragentName  string
	ContragentPhone string
	DeliveryAddress string
}

// DocReader loads sale documents for mask substitution.
type DocReader interface {
	SaleDocInfo(ctx context.Context, cashboxID, docID int64) (DocInfo, error)
}

// Recipient is one resolved notification target.
type Recipient struct {
	UserID int64
	ChatID int64
}

// RecipientResolver maps an action's send_to spec to concrete chat targets
// for one sale document.
type RecipientResolver interface {
	Resolve(ctx context.Context, cashboxID, docID int64, sendTo, userTag string) ([]Recipient, error)
}

// Notification is one rendered payload published to the notifications topic.
type Notification struct {
	MessageID string `json:"message_id"`
	CashboxID int64  `json:"cashbox_id"`
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
}

// Notifier publishes rendered notifications onto the bus.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}

// Dispatcher applies a segment's action spec to the delta of its latest
// version.
type Dispatcher struct {
	logger     *slog.Logger
	tags       TagRepository
	docs       DocReader
	recipients RecipientResolver
	notifier   Notifier
	clock      func() time.Time
}

// NewDispatcher constructs Dispatcher.
func NewDispatcher(logger *slog.Logger, tags TagRepository, docs DocReader, recipients RecipientResolver, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		logger:     logger,
		tags:       tags,
		docs:       docs,
		recipients: recipients,
		notifier:   notifier,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch runs every action of the segment against its matching change
// kind. Actions are independent; a failing action aborts the dispatch so the
// bus redelivers, and the idempotent tag writes make the retry safe.
func (d *Dispatcher) Dispatch(ctx context.Context, seg segments.Segment, delta segments.Delta) error {
	for _, action := range seg.Actions {
		if err := d.apply(ctx, seg, action, delta); err != nil {
			return fmt.Errorf("action %s: %w", action.Kind, err)
		}
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, seg segments.Segment, action segments.Action, delta segments.Delta) error {
	contragents := selectTargets(action, delta.Contragents, delta.AddedContragents, delta.RemovedContragents)
	docs := selectTargets(action, delta.SaleDocs, delta.AddedSaleDocs, delta.RemovedSaleDocs)

	switch action.Kind {
	case segments.ActionAddExistedTags:
		return d.linkContragents(ctx, seg.CashboxID, action.TagNames, contragents, false)
	case segments.ActionClientTags:
		return d.linkContragents(ctx, seg.CashboxID, action.TagNames, contragents, true)
	case segments.ActionRemoveTags:
		ids, err := d.resolveTags(ctx, seg.CashboxID, action.TagNames, false)
		if err != nil || len(ids) == 0 || len(contragents) == 0 {
			return err
		}
		return d.tags.UnlinkContragentTags(ctx, ids, contragents)
	case segments.ActionAddDocsSalesTags:
		ids, err := d.resolveTags(ctx, seg.CashboxID, action.TagNames, true)
		if err != nil || len(ids) == 0 || len(docs) == 0 {
			return err
		}
		return d.tags.LinkSaleDocTags(ctx, ids, docs)
	case segments.ActionRemoveDocsSalesTags:
		ids, err := d.resolveTags(ctx, seg.CashboxID, action.TagNames, false)
		if err != nil || len(ids) == 0 || len(docs) == 0 {
			return err
		}
		return d.tags.UnlinkSaleDocTags(ctx, ids, docs)
	case segments.ActionSendTgNotification:
		return d.notify(ctx, seg, action, docs)
	default:
		d.logger.Warn("skipping unknown action", slog.String("kind", string(action.Kind)))
		return nil
	}
}

// selectTargets picks the change kind an action feeds on.
func selectTargets(action segments.Action, existing, added, removed []int64) []int64 {
	switch {
	case action.TriggerOnNew:
		return added
	case action.TriggerOnRemoved:
		return removed
	default:
		return existing
	}
}

func (d *Dispatcher) resolveTags(ctx context.Context, cashboxID int64, names []string, create bool) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var byName map[string]int64
	var err error
	if create {
		byName, err = d.tags.EnsureTags(ctx, cashboxID, names)
	} else {
		byName, err = d.tags.TagIDsByName(ctx, cashboxID, names)
	}
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(byName))
	for _, name := range names {
		if id, ok := byName[name]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (d *Dispatcher) linkContragents(ctx context.Context, cashboxID int64, names []string, contragents []int64, create bool) error {
	ids, err := d.resolveTags(ctx, cashboxID, names, create)
	if err != nil || len(ids) == 0 || len(contragents) == 0 {
		return err
	}
	return d.tags.LinkContragentTags(ctx, ids, contragents)
}

func (d *Dispatcher) notify(ctx context.Context, seg segments.Segment, action segments.Action, docs []int64) error {
	if action.Message == "" || len(docs) == 0 {
		return nil
	}
	if !d.withinWindow(action.Window) {
		d.logger.Info("notification outside send window",
			slog.Int64("segment_id", seg.ID))
		return nil
	}
	for _, docID := range docs {
		info, err := d.docs.SaleDocInfo(ctx, seg.CashboxID, docID)
		if err != nil {
			return err
		}
		recipients, err := d.recipients.Resolve(ctx, seg.CashboxID, docID, action.SendTo, action.UserTag)
		if err != nil {
			return err
		}
		text := substituteMasks(action.Message, info)
		for _, recipient := range recipients {
			err := d.notifier.Publish(ctx, Notification{
				MessageID: uuid.NewString(),
				CashboxID: seg.CashboxID,
				ChatID:    recipient.ChatID,
				Text:      text,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) withinWindow(window *segments.SendWindow) bool {
	if window == nil {
		return true
	}
	hour := d.clock().Hour()
	if window.FromHour <= window.ToHour {
		return hour >= window.FromHour && hour < window.ToHour
	}
	// overnight window, e.g. 22..8
	return hour >= window.FromHour || hour < window.ToHour
}
