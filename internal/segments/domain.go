package segments

import (
	"errors"
	"time"
)

// Status is the segment lifecycle state.
type Status string

const (
	StatusCalculated Status = "calculated"
	StatusInProcess  Status = "in_process"
)

// ScheduleMode controls how recomputes are triggered.
type ScheduleMode string

const (
	ScheduleManual   ScheduleMode = "manual"
	ScheduleInterval ScheduleMode = "interval"
)

// ObjectKind distinguishes the two member kinds of a version.
type ObjectKind string

const (
	ObjectContragent ObjectKind = "contragent"
	ObjectSaleDoc    ObjectKind = "sale_doc"
)

// ChangeKind is the three-way classification of a version member.
type ChangeKind string

const (
	ChangeExisting ChangeKind = "existing"
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
)

// Segment is a stored audience query with its action spec and schedule.
type Segment struct {
	ID              int64
	CashboxID       int64
	Slug            string
	Name            string
	Criteria        Criteria
	Actions         []Action
	Schedule        ScheduleMode
	IntervalMinutes int
	CurrentVersion  int
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastRunAt       *time.Time
}

// Version is one immutable membership snapshot.
type Version struct {
	ID        int64
	SegmentID int64
	Ordinal   int
	CreatedAt time.Time
}

// Object is one (object, change kind) row of a version.
type Object struct {
	ObjectID int64
	Kind     ObjectKind
	Change   ChangeKind
}

// Membership is the evaluated object set before classification.
type Membership struct {
	SaleDocIDs    []int64
	ContragentIDs []int64
}

// Delta carries the classified member sets of one recompute, the input to
// the action dispatcher.
type Delta struct {
	SegmentID          int64
	CashboxID          int64
	Version            int
	Contragents        []int64
	AddedContragents   []int64
	RemovedContragents []int64
	SaleDocs           []int64
	AddedSaleDocs      []int64
	RemovedSaleDocs    []int64
}

// Result is the read model served for a segment's current version.
type Result struct {
	SegmentID          int64   `json:"segment_id"`
	Version            int     `json:"version"`
	Status             Status  `json:"status"`
	Contragents        []int64 `json:"contragents"`
	AddedContragents   []int64 `json:"added_contragents"`
	RemovedContragents []int64 `json:"removed_contragents"`
}

// ActionKind names a declarative side effect.
type ActionKind string

const (
	ActionAddExistedTags      ActionKind = "add_existed_tags"
	ActionRemoveTags          ActionKind = "remove_tags"
	ActionClientTags          ActionKind = "client_tags"
	ActionAddDocsSalesTags    ActionKind = "add_docs_sales_tags"
	ActionRemoveDocsSalesTags ActionKind = "remove_docs_sales_tags"
	ActionSendTgNotification  ActionKind = "send_tg_notification"
)

// Valid reports whether the kind is known.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionAddExistedTags, ActionRemoveTags, ActionClientTags,
		ActionAddDocsSalesTags, ActionRemoveDocsSalesTags, ActionSendTgNotification:
		return true
	}
	return false
}

// SendWindow restricts a notification action to a daily hour range.
type SendWindow struct {
	FromHour int `json:"from_hour"`
	ToHour   int `json:"to_hour"`
}

// Action binds one side effect to a change kind of the delta.
type Action struct {
	Kind             ActionKind  `json:"kind"`
	TagNames         []string    `json:"tags,omitempty"`
	SendTo           string      `json:"send_to,omitempty"`
	UserTag          string      `json:"user_tag,omitempty"`
	Message          string      `json:"message,omitempty"`
	TriggerOnNew     bool        `json:"trigger_on_new,omitempty"`
	TriggerOnRemoved bool        `json:"trigger_on_removed,omitempty"`
	Window           *SendWindow `json:"window,omitempty"`
}

var (
	ErrSegmentNotFound = errors.New("segments: segment not found")
	ErrForbidden       = errors.New("segments: segment belongs to another tenant")
	ErrInProgress      = errors.New("segments: recompute already in progress")
	ErrInvalidCriteria = errors.New("segments: invalid criteria")
	ErrVersionConflict = errors.New("segments: version moved during recompute")
)
