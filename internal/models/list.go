// Package models defines the list entities shared across internal packages.
package models

import (
	"slices"
	"sort"
)

// Section groups items on the shopping list.
type Section struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
	Items     []Item `json:"items,omitempty"`
}

// Item is a single entry on the list. UpdatedAt is the server's
// last-modified time in unix seconds.
type Item struct {
	ID          int64  `json:"id"`
	SectionID   int64  `json:"section_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Completed   bool   `json:"completed"`
	Uncertain   bool   `json:"uncertain"`
	SortOrder   int    `json:"sort_order"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
	// TempID marks a locally created item the server has not confirmed.
	// ID is 0 until it has.
	TempID string `json:"temp_id,omitempty"`
}

// Stats summarises list completion.
type Stats struct {
	Total      int `json:"total_items"`
	Completed  int `json:"completed_items"`
	Percentage int `json:"percentage"`
}

// Snapshot is the full authoritative list state returned by the server.
// Timestamp is unix seconds at the time the server built the response.
type Snapshot struct {
	Sections  []Section `json:"sections"`
	Stats     Stats     `json:"stats"`
	Timestamp int64     `json:"timestamp"`
}

// Direction is a manual reorder direction.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Up || d == Down
}

// SortSections orders sections, and the items within each, by sort order.
func SortSections(sections []Section) {
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].SortOrder < sections[j].SortOrder
	})

	for i := range sections {
		SortItems(sections[i].Items)
	}
}

// SortItems orders items by sort order.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].SortOrder < items[j].SortOrder
	})
}

// FindItem returns the section index and item index holding id, or
// (-1, -1) when the item is not present.
func FindItem(sections []Section, id int64) (int, int) {
	for si := range sections {
		for ii := range sections[si].Items {
			if sections[si].Items[ii].ID == id {
				return si, ii
			}
		}
	}

	return -1, -1
}

// FindTemp returns the section index and item index of the unconfirmed
// item created under tempID, or (-1, -1) when it is not present.
func FindTemp(sections []Section, tempID string) (int, int) {
	if tempID == "" {
		return -1, -1
	}

	for si := range sections {
		for ii := range sections[si].Items {
			if sections[si].Items[ii].TempID == tempID {
				return si, ii
			}
		}
	}

	return -1, -1
}

// Adjacent returns the index of the item that sits directly before (Up)
// or after (Down) the item at idx in sort order. Items must already be
// sorted. Returns -1 at the list edges.
func Adjacent(items []Item, idx int, dir Direction) int {
	switch dir {
	case Up:
		if idx > 0 {
			return idx - 1
		}
	case Down:
		if idx >= 0 && idx < len(items)-1 {
			return idx + 1
		}
	}

	return -1
}

// SwapOrder exchanges the sort orders of the item with id and its
// neighbour in dir, keeping the slice sorted. Returns the neighbour's id,
// or 0 if the item is missing or already at the edge.
func SwapOrder(items []Item, id int64, dir Direction) int64 {
	return SwapMatching(items, func(it Item) bool { return it.ID == id }, dir)
}

// SwapMatching is SwapOrder for the first item match accepts. Unconfirmed
// items all have id 0, so they are matched by temp id instead.
func SwapMatching(items []Item, match func(Item) bool, dir Direction) int64 {
	SortItems(items)

	idx := slices.IndexFunc(items, match)
	if idx < 0 {
		return 0
	}

	other := Adjacent(items, idx, dir)
	if other < 0 {
		return 0
	}

	items[idx].SortOrder, items[other].SortOrder = items[other].SortOrder, items[idx].SortOrder
	items[idx], items[other] = items[other], items[idx]

	return items[idx].ID
}

// Renumber sorts items and rewrites their sort orders to 0..n-1 so that
// adjacency queries never see gaps.
func Renumber(items []Item) {
	SortItems(items)

	for i := range items {
		items[i].SortOrder = i
	}
}

// Dense reports whether items use exactly the sort orders 0..n-1.
func Dense(items []Item) bool {
	seen := make([]bool, len(items))

	for _, it := range items {
		if it.SortOrder < 0 || it.SortOrder >= len(items) || seen[it.SortOrder] {
			return false
		}

		seen[it.SortOrder] = true
	}

	return true
}

// ComputeStats derives completion stats from sections.
func ComputeStats(sections []Section) Stats {
	var st Stats

	for _, s := range sections {
		for _, it := range s.Items {
			st.Total++

			if it.Completed {
				st.Completed++
			}
		}
	}

	if st.Total > 0 {
		st.Percentage = st.Completed * 100 / st.Total
	}

	return st
}
