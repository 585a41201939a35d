package engine

import (
	"time"

	"github.com/alexjbarnes/list-sync/internal/models"
)

// DeltaOp is the kind of optimistic change.
type DeltaOp int

const (
	// DeltaSet assigns Value to Field on the item.
	DeltaSet DeltaOp = iota
	// DeltaToggle flips the boolean Field on the item.
	DeltaToggle
	// DeltaRemove drops the item.
	DeltaRemove
	// DeltaInsert adds Value (a models.Item) identified by TempID.
	DeltaInsert
	// DeltaReorder moves the item one step in Value (a models.Direction).
	DeltaReorder
	// DeltaConfirm gives the item inserted under TempID its server id,
	// carried in ItemID.
	DeltaConfirm
)

func (o DeltaOp) String() string {
	switch o {
	case DeltaSet:
		return "set"
	case DeltaToggle:
		return "toggle"
	case DeltaRemove:
		return "remove"
	case DeltaInsert:
		return "insert"
	case DeltaReorder:
		return "reorder"
	case DeltaConfirm:
		return "confirm"
	}

	return "unknown"
}

// Item fields a delta can target.
const (
	FieldCompleted   = "completed"
	FieldUncertain   = "uncertain"
	FieldName        = "name"
	FieldDescription = "description"
	FieldSection     = "section_id"
)

// Delta is a pending visual change, rendered before the server confirms
// it. The next full list render supersedes every delta. Deltas on an
// unconfirmed item carry its TempID and a zero ItemID.
type Delta struct {
	Op     DeltaOp `json:"op"`
	ItemID int64   `json:"item_id,omitempty"`
	TempID string  `json:"temp_id,omitempty"`
	Field  string  `json:"field,omitempty"`
	Value  any     `json:"value,omitempty"`
}

// deltasFor returns the optimistic changes for a.
func deltasFor(a Action, tempID string) []Delta {
	ref := Delta{ItemID: a.ItemID}
	if a.refersToTemp() {
		ref.TempID = a.TempID
	}

	with := func(op DeltaOp, field string, value any) Delta {
		d := ref
		d.Op, d.Field, d.Value = op, field, value

		return d
	}

	switch a.Type {
	case ToggleItem:
		return []Delta{with(DeltaToggle, FieldCompleted, nil)}
	case ToggleUncertain:
		return []Delta{with(DeltaToggle, FieldUncertain, nil)}
	case EditItem:
		return []Delta{
			with(DeltaSet, FieldName, a.Name),
			with(DeltaSet, FieldDescription, a.Description),
		}
	case DeleteItem:
		return []Delta{with(DeltaRemove, "", nil)}
	case MoveItem:
		return []Delta{with(DeltaSet, FieldSection, a.SectionID)}
	case MoveItemOrder:
		return []Delta{with(DeltaReorder, "", a.Direction)}
	case CreateItem:
		return []Delta{{Op: DeltaInsert, TempID: tempID, Value: models.Item{
			SectionID:   a.SectionID,
			Name:        a.Name,
			Description: a.Description,
			TempID:      tempID,
		}}}
	}

	return nil
}

// AdviseLevel is the severity of an advisory.
type AdviseLevel int

const (
	AdviseInfo AdviseLevel = iota
	AdviseWarn
	AdviseError
)

func (l AdviseLevel) String() string {
	switch l {
	case AdviseInfo:
		return "info"
	case AdviseWarn:
		return "warn"
	case AdviseError:
		return "error"
	}

	return "unknown"
}

// Advisory codes.
const (
	CodeOffline  = "offline"
	CodeBlocked  = "action_blocked"
	CodeQueued   = "queued"
	CodeLost     = "action_lost"
	CodeRejected = "server_rejected"
	CodeSyncing  = "syncing"
	CodeConflict = "conflict_discarded"
)

// Advisory is a user-facing notice.
type Advisory struct {
	Level   AdviseLevel `json:"level"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	// Detail carries extra machine-readable context, such as the patch
	// describing a discarded edit.
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
