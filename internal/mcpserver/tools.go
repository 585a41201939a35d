// Package mcpserver registers MCP tools that expose the shopping list.
// Reads come from the presentation model, writes go through the
// reconciliation engine so they are queued when the server is offline.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alexjbarnes/list-sync/internal/engine"
	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Syncer is the engine surface the tools use. *engine.Engine satisfies it.
type Syncer interface {
	Perform(ctx context.Context, a engine.Action) (engine.Result, error)
	Suggest(ctx context.Context, query string, limit int) []string
	Status() engine.Status
}

// ListView is the read model. *view.Model satisfies it.
type ListView interface {
	Sections() []models.Section
	Stats() models.Stats
	Advisories() []engine.Advisory
}

// RegisterTools adds all list tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Syncer, v ListView) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_items",
		Description: "List sections and their items in display order, with completion stats. Reflects changes not yet confirmed by the server.",
	}, listItemsHandler(v))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "suggest_items",
		Description: "Suggest previously used item names containing the query. Case-insensitive. Works offline from the cached list.",
	}, suggestHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report connectivity, live channel state, the number of changes waiting to sync, and recent notices.",
	}, statusHandler(s, v))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_item",
		Description: "Add an item to a section. Queued for sync when offline.",
	}, addHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "toggle_item",
		Description: "Mark an item bought, or not bought if it already was. Queued for sync when offline.",
	}, itemHandler(s, engine.ToggleItem))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "toggle_uncertain",
		Description: "Flag or unflag an item as uncertain. Queued for sync when offline.",
	}, itemHandler(s, engine.ToggleUncertain))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "edit_item",
		Description: "Change an item's name and description. If someone else edits the item later while this change is queued, their edit wins.",
	}, editHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_item",
		Description: "Remove an item from the list. Queued for sync when offline.",
	}, itemHandler(s, engine.DeleteItem))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "move_item",
		Description: "Move an item to another section. Queued for sync when offline.",
	}, moveHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reorder_item",
		Description: "Move an item one place up or down within its section. Queued for sync when offline.",
	}, reorderHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListItemsInput holds parameters for list_items.
type ListItemsInput struct {
	Section     string `json:"section,omitempty" jsonschema:"only include sections whose name contains this text"`
	HideChecked bool   `json:"hide_checked,omitempty" jsonschema:"omit items already marked bought"`
}

// SuggestInput holds parameters for suggest_items.
type SuggestInput struct {
	Query string `json:"query" jsonschema:"required,text the item name must contain"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of names, defaults to 10"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// ItemInput identifies an item.
type ItemInput struct {
	ItemID int64  `json:"item_id,omitempty" jsonschema:"item id"`
	TempID string `json:"temp_id,omitempty" jsonschema:"temp_id returned by add_item, for an item the server has not confirmed"`
}

// AddInput holds parameters for add_item.
type AddInput struct {
	SectionID   int64  `json:"section_id" jsonschema:"required,section to add the item to"`
	Name        string `json:"name" jsonschema:"required,item name"`
	Description string `json:"description,omitempty" jsonschema:"optional note such as quantity"`
}

// EditInput holds parameters for edit_item.
type EditInput struct {
	ItemID      int64  `json:"item_id,omitempty" jsonschema:"item id"`
	TempID      string `json:"temp_id,omitempty" jsonschema:"temp_id returned by add_item, used when item_id is not known yet"`
	Name        string `json:"name" jsonschema:"required,new item name"`
	Description string `json:"description,omitempty" jsonschema:"new description, empty clears it"`
}

// MoveInput holds parameters for move_item.
type MoveInput struct {
	ItemID    int64  `json:"item_id,omitempty" jsonschema:"item id"`
	TempID    string `json:"temp_id,omitempty" jsonschema:"temp_id returned by add_item, used when item_id is not known yet"`
	SectionID int64  `json:"section_id" jsonschema:"required,destination section id"`
}

// ReorderInput holds parameters for reorder_item.
type ReorderInput struct {
	ItemID    int64  `json:"item_id,omitempty" jsonschema:"item id"`
	TempID    string `json:"temp_id,omitempty" jsonschema:"temp_id returned by add_item, used when item_id is not known yet"`
	Direction string `json:"direction" jsonschema:"required,up or down"`
}

// --- Result types ---

// ListItemsResult is returned by list_items.
type ListItemsResult struct {
	Sections []models.Section `json:"sections"`
	Stats    models.Stats     `json:"stats"`
}

// SuggestResult is returned by suggest_items.
type SuggestResult struct {
	Names []string `json:"names"`
}

// StatusResult is returned by sync_status.
type StatusResult struct {
	Sync    engine.Status     `json:"sync"`
	Notices []engine.Advisory `json:"notices,omitempty"`
}

// ActionResult is returned by every mutating tool.
type ActionResult struct {
	Action string        `json:"action"`
	Result engine.Result `json:"result"`
}

// recentNotices caps the advisories sync_status returns.
const recentNotices = 5

// --- Handlers ---

func listItemsHandler(v ListView) mcp.ToolHandlerFor[ListItemsInput, *ListItemsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListItemsInput) (*mcp.CallToolResult, *ListItemsResult, error) {
		sections := v.Sections()
		filter := strings.ToLower(input.Section)

		out := make([]models.Section, 0, len(sections))

		for _, s := range sections {
			if filter != "" && !strings.Contains(strings.ToLower(s.Name), filter) {
				continue
			}

			if input.HideChecked {
				items := s.Items[:0:0]
				for _, it := range s.Items {
					if !it.Completed {
						items = append(items, it)
					}
				}
				s.Items = items
			}

			out = append(out, s)
		}

		result := &ListItemsResult{Sections: out, Stats: v.Stats()}
		return textResult(result), result, nil
	}
}

func suggestHandler(s Syncer) mcp.ToolHandlerFor[SuggestInput, *SuggestResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SuggestInput) (*mcp.CallToolResult, *SuggestResult, error) {
		names := s.Suggest(ctx, input.Query, input.Limit)
		if names == nil {
			names = []string{}
		}

		result := &SuggestResult{Names: names}
		return textResult(result), result, nil
	}
}

func statusHandler(s Syncer, v ListView) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		notices := v.Advisories()
		if len(notices) > recentNotices {
			notices = notices[len(notices)-recentNotices:]
		}

		result := &StatusResult{Sync: s.Status(), Notices: notices}
		return textResult(result), result, nil
	}
}

func addHandler(s Syncer) mcp.ToolHandlerFor[AddInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AddInput) (*mcp.CallToolResult, *ActionResult, error) {
		return perform(ctx, s, engine.Action{
			Type:        engine.CreateItem,
			SectionID:   input.SectionID,
			Name:        strings.TrimSpace(input.Name),
			Description: input.Description,
		})
	}
}

func itemHandler(s Syncer, t engine.ActionType) mcp.ToolHandlerFor[ItemInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ItemInput) (*mcp.CallToolResult, *ActionResult, error) {
		return perform(ctx, s, engine.Action{Type: t, ItemID: input.ItemID, TempID: input.TempID})
	}
}

func editHandler(s Syncer) mcp.ToolHandlerFor[EditInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EditInput) (*mcp.CallToolResult, *ActionResult, error) {
		return perform(ctx, s, engine.Action{
			Type:        engine.EditItem,
			ItemID:      input.ItemID,
			TempID:      input.TempID,
			Name:        strings.TrimSpace(input.Name),
			Description: input.Description,
		})
	}
}

func moveHandler(s Syncer) mcp.ToolHandlerFor[MoveInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MoveInput) (*mcp.CallToolResult, *ActionResult, error) {
		return perform(ctx, s, engine.Action{
			Type:      engine.MoveItem,
			ItemID:    input.ItemID,
			TempID:    input.TempID,
			SectionID: input.SectionID,
		})
	}
}

func reorderHandler(s Syncer) mcp.ToolHandlerFor[ReorderInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReorderInput) (*mcp.CallToolResult, *ActionResult, error) {
		return perform(ctx, s, engine.Action{
			Type:      engine.MoveItemOrder,
			ItemID:    input.ItemID,
			TempID:    input.TempID,
			Direction: models.Direction(strings.ToLower(input.Direction)),
		})
	}
}

func perform(ctx context.Context, s Syncer, a engine.Action) (*mcp.CallToolResult, *ActionResult, error) {
	res, err := s.Perform(ctx, a)
	if err != nil {
		return nil, nil, err
	}

	result := &ActionResult{Action: string(a.Type), Result: res}

	return textResult(result), result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
