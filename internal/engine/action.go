package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alexjbarnes/list-sync/internal/api"
	syncerrors "github.com/alexjbarnes/list-sync/internal/errors"
	"github.com/alexjbarnes/list-sync/internal/live"
	"github.com/alexjbarnes/list-sync/internal/models"
)

// ActionType names a user mutation. The values are stored in the offline
// queue, so they must stay stable.
type ActionType string

const (
	CreateItem      ActionType = "create_item"
	ToggleItem      ActionType = "toggle_item"
	ToggleUncertain ActionType = "toggle_uncertain"
	EditItem        ActionType = "edit_item"
	DeleteItem      ActionType = "delete_item"
	MoveItem        ActionType = "move_item"
	MoveItemOrder   ActionType = "move_item_order"

	// Section structure changes need the server to allocate ids and
	// renumber siblings, so they are never queued.
	CreateSection ActionType = "create_section"
	RenameSection ActionType = "rename_section"
	DeleteSection ActionType = "delete_section"
	MoveSection   ActionType = "move_section"
)

const formContentType = "application/x-www-form-urlencoded"

// Action is one user-initiated mutation.
//
// An item action may name its target by TempID instead of ItemID when the
// item was created locally and the server has not confirmed it yet. The
// engine swaps in the server id once it is known.
type Action struct {
	Type        ActionType       `json:"type"`
	ItemID      int64            `json:"item_id,omitempty"`
	TempID      string           `json:"temp_id,omitempty"`
	SectionID   int64            `json:"section_id,omitempty"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Direction   models.Direction `json:"direction,omitempty"`
}

// Structural reports whether the action can only be performed online.
func (a Action) Structural() bool {
	switch a.Type {
	case CreateSection, RenameSection, DeleteSection, MoveSection:
		return true
	}

	return false
}

// refersToTemp reports whether the action targets an item by temp id.
func (a Action) refersToTemp() bool {
	return a.ItemID == 0 && a.TempID != "" && itemTargeted(a.Type)
}

// hasItem reports whether the action names its target item.
func (a Action) hasItem() bool {
	return a.ItemID > 0 || a.refersToTemp()
}

// targets reports whether it is the item the action applies to.
func (a Action) targets(it models.Item) bool {
	if a.refersToTemp() {
		return it.TempID == a.TempID
	}

	return it.ID == a.ItemID
}

func itemTargeted(t ActionType) bool {
	switch t {
	case ToggleItem, ToggleUncertain, EditItem, DeleteItem, MoveItem, MoveItemOrder:
		return true
	}

	return false
}

// conflictChecked reports whether the server can change the entity's
// content independently, so a stale queued copy must be checked against
// the server's last-modified time before replay.
func conflictChecked(t string) bool {
	switch ActionType(t) {
	case EditItem, ToggleItem, ToggleUncertain:
		return true
	}

	return false
}

// Validate checks that the action carries the fields its type needs.
func (a Action) Validate() error {
	switch a.Type {
	case CreateItem:
		if a.SectionID <= 0 || a.Name == "" {
			return fmt.Errorf("%w: %s needs section_id and name", syncerrors.ErrInvalidAction, a.Type)
		}
	case ToggleItem, ToggleUncertain, DeleteItem:
		if !a.hasItem() {
			return fmt.Errorf("%w: %s needs item_id or temp_id", syncerrors.ErrInvalidAction, a.Type)
		}
	case EditItem:
		if !a.hasItem() || a.Name == "" {
			return fmt.Errorf("%w: %s needs item_id or temp_id, and name", syncerrors.ErrInvalidAction, a.Type)
		}
	case MoveItem:
		if !a.hasItem() || a.SectionID <= 0 {
			return fmt.Errorf("%w: %s needs item_id or temp_id, and section_id", syncerrors.ErrInvalidAction, a.Type)
		}
	case MoveItemOrder:
		if !a.hasItem() || !a.Direction.Valid() {
			return fmt.Errorf("%w: %s needs item_id or temp_id, and direction", syncerrors.ErrInvalidAction, a.Type)
		}
	case CreateSection:
		if a.Name == "" {
			return fmt.Errorf("%w: %s needs name", syncerrors.ErrInvalidAction, a.Type)
		}
	case RenameSection:
		if a.SectionID <= 0 || a.Name == "" {
			return fmt.Errorf("%w: %s needs section_id and name", syncerrors.ErrInvalidAction, a.Type)
		}
	case DeleteSection:
		if a.SectionID <= 0 {
			return fmt.Errorf("%w: %s needs section_id", syncerrors.ErrInvalidAction, a.Type)
		}
	case MoveSection:
		if a.SectionID <= 0 || !a.Direction.Valid() {
			return fmt.Errorf("%w: %s needs section_id and direction", syncerrors.ErrInvalidAction, a.Type)
		}
	default:
		return fmt.Errorf("%w: %q", syncerrors.ErrUnknownAction, a.Type)
	}

	return nil
}

// entityID is the id the action's echo notification refers to. It is 0
// for an item still known only by temp id.
func (a Action) entityID() int64 {
	if itemTargeted(a.Type) {
		return a.ItemID
	}

	if a.Type == CreateItem {
		return 0
	}

	return a.SectionID
}

// echoKind is the notification the server broadcasts after applying the
// action, or KindUnknown when that notification always triggers a refresh
// and needs no local mark.
func (t ActionType) echoKind() live.Kind {
	switch t {
	case ToggleItem:
		return live.KindItemToggled
	case ToggleUncertain, EditItem:
		return live.KindItemUpdated
	case DeleteItem:
		return live.KindItemDeleted
	case MoveItemOrder:
		return live.KindItemsReordered
	}

	return live.KindUnknown
}

// Request builds the HTTP request that performs the action. The same
// request is stored in the queue and replayed verbatim.
func (a Action) Request() api.Request {
	itemPath := "/items/" + strconv.FormatInt(a.ItemID, 10)
	if a.refersToTemp() {
		// Rewritten to the server id before replay.
		itemPath = tempItemPath(a.TempID)
	}
	sectionPath := "/sections/" + strconv.FormatInt(a.SectionID, 10)

	switch a.Type {
	case CreateItem:
		return formRequest(http.MethodPost, "/items", url.Values{
			"section_id":  {strconv.FormatInt(a.SectionID, 10)},
			"name":        {a.Name},
			"description": {a.Description},
		})
	case ToggleItem:
		return api.Request{Method: http.MethodPost, URL: itemPath + "/toggle"}
	case ToggleUncertain:
		return api.Request{Method: http.MethodPost, URL: itemPath + "/uncertain"}
	case EditItem:
		return formRequest(http.MethodPut, itemPath, url.Values{
			"name":        {a.Name},
			"description": {a.Description},
		})
	case DeleteItem:
		return api.Request{Method: http.MethodDelete, URL: itemPath}
	case MoveItem:
		return formRequest(http.MethodPost, itemPath+"/move", url.Values{
			"section_id": {strconv.FormatInt(a.SectionID, 10)},
		})
	case MoveItemOrder:
		return api.Request{Method: http.MethodPost, URL: itemPath + "/move-" + string(a.Direction)}
	case CreateSection:
		return formRequest(http.MethodPost, "/sections", url.Values{"name": {a.Name}})
	case RenameSection:
		return formRequest(http.MethodPut, sectionPath, url.Values{"name": {a.Name}})
	case DeleteSection:
		return api.Request{Method: http.MethodDelete, URL: sectionPath}
	case MoveSection:
		return api.Request{Method: http.MethodPost, URL: sectionPath + "/move-" + string(a.Direction)}
	}

	return api.Request{}
}

func tempItemPath(tempID string) string {
	return "/items/" + tempID
}

// resolvePath rewrites a queued URL recorded against tempID so it targets
// the server id instead.
func resolvePath(url, tempID string, id int64) string {
	prefix := tempItemPath(tempID)
	if !strings.HasPrefix(url, prefix) {
		return url
	}

	return "/items/" + strconv.FormatInt(id, 10) + strings.TrimPrefix(url, prefix)
}

func formRequest(method, path string, form url.Values) api.Request {
	return api.Request{
		Method:  method,
		URL:     path,
		Headers: map[string]string{"Content-Type": formContentType},
		Body:    form.Encode(),
	}
}
