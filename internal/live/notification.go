package live

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// Kind is a closed set of notification kinds the server broadcasts.
type Kind string

// Known notification kinds. The values are the wire tags.
const (
	KindUnknown Kind = ""

	KindSectionCreated    Kind = "section_created"
	KindSectionUpdated    Kind = "section_updated"
	KindSectionDeleted    Kind = "section_deleted"
	KindSectionsDeleted   Kind = "sections_deleted"
	KindSectionsReordered Kind = "sections_reordered"

	KindItemCreated      Kind = "item_created"
	KindItemMoved        Kind = "item_moved"
	KindItemDeleted      Kind = "item_deleted"
	KindItemsReordered   Kind = "items_reordered"
	KindItemToggled      Kind = "item_toggled"
	KindItemUpdated      Kind = "item_updated"
	KindCompletedDeleted Kind = "completed_deleted"

	KindPong Kind = "pong"
)

var knownKinds = map[string]Kind{
	string(KindSectionCreated):    KindSectionCreated,
	string(KindSectionUpdated):    KindSectionUpdated,
	string(KindSectionDeleted):    KindSectionDeleted,
	string(KindSectionsDeleted):   KindSectionsDeleted,
	string(KindSectionsReordered): KindSectionsReordered,
	string(KindItemCreated):       KindItemCreated,
	string(KindItemMoved):         KindItemMoved,
	string(KindItemDeleted):       KindItemDeleted,
	string(KindItemsReordered):    KindItemsReordered,
	string(KindItemToggled):       KindItemToggled,
	string(KindItemUpdated):       KindItemUpdated,
	string(KindCompletedDeleted):  KindCompletedDeleted,
	string(KindPong):              KindPong,
}

// IsSection reports whether k concerns sections.
func (k Kind) IsSection() bool {
	switch k {
	case KindSectionCreated, KindSectionUpdated, KindSectionDeleted,
		KindSectionsDeleted, KindSectionsReordered:
		return true
	}

	return false
}

// Notification is one decoded inbound message.
type Notification struct {
	Kind Kind
	// Tag is the raw wire tag, kept for logging unknown kinds.
	Tag string
	// EntityID is the id of the item or section the notification is
	// about, or zero when the payload carries none.
	EntityID int64
	// Data is the raw payload under "data", if present.
	Data       json.RawMessage
	ReceivedAt time.Time
}

var (
	errMalformed = errors.New("malformed notification")
	errNoTag     = errors.New("notification has no type tag")
)

// Decode parses a text frame. Unknown tags decode successfully with
// Kind == KindUnknown.
func Decode(frame []byte) (Notification, error) {
	if !gjson.ValidBytes(frame) {
		return Notification{}, errMalformed
	}

	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return Notification{}, errMalformed
	}

	tag := root.Get("type")
	if tag.Type != gjson.String || tag.Str == "" {
		return Notification{}, errNoTag
	}

	n := Notification{Kind: knownKinds[tag.Str], Tag: tag.Str}

	data := root.Get("data")
	if data.Exists() {
		n.Data = json.RawMessage(data.Raw)
	}

	for _, path := range []string{"data.id", "data.item_id", "data.section_id", "id"} {
		if v := root.Get(path); v.Type == gjson.Number {
			n.EntityID = v.Int()
			break
		}
	}

	return n, nil
}
