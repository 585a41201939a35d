// Package view holds the daemon's presentation state: the last list the
// server rendered, plus any optimistic changes not yet confirmed.
package view

import (
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/list-sync/internal/engine"
	"github.com/alexjbarnes/list-sync/internal/models"
)

// maxAdvisories bounds the advisory history.
const maxAdvisories = 50

// Model is a thread-safe engine.Presenter.
type Model struct {
	mu         sync.RWMutex
	sections   []models.Section
	stats      models.Stats
	options    []models.Section
	deltas     []engine.Delta
	advisories []engine.Advisory
	renderedAt time.Time
	now        func() time.Time
}

var _ engine.Presenter = (*Model)(nil)

// New creates an empty Model.
func New() *Model {
	return &Model{now: time.Now}
}

// ApplyDelta records an optimistic change.
func (m *Model) ApplyDelta(d engine.Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deltas = append(m.deltas, d)
}

// RenderList replaces the rendered list. Pending deltas are dropped
// because the server's copy already reflects, or has rejected, them.
func (m *Model) RenderList(sections []models.Section) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sections = cloneSections(sections)
	m.deltas = nil
	m.renderedAt = m.now()
}

// RenderStats replaces the rendered stats.
func (m *Model) RenderStats(st models.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = st
}

// RenderSectionOptions replaces the sections offered by selection widgets.
func (m *Model) RenderSectionOptions(sections []models.Section) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.options = cloneSections(sections)
}

// Advise appends an advisory, keeping the most recent ones.
func (m *Model) Advise(a engine.Advisory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advisories = append(m.advisories, a)
	if n := len(m.advisories); n > maxAdvisories {
		m.advisories = slices.Clone(m.advisories[n-maxAdvisories:])
	}
}

// Sections returns the rendered list with pending deltas applied.
func (m *Model) Sections() []models.Section {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := cloneSections(m.sections)
	for _, d := range m.deltas {
		apply(out, d)
	}

	return out
}

// Stats returns the stats of the list as Sections presents it.
func (m *Model) Stats() models.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.deltas) == 0 {
		return m.stats
	}

	out := cloneSections(m.sections)
	for _, d := range m.deltas {
		apply(out, d)
	}

	return models.ComputeStats(out)
}

// SectionOptions returns the sections offered by selection widgets.
func (m *Model) SectionOptions() []models.Section {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return cloneSections(m.options)
}

// Pending returns the optimistic changes not yet superseded by a render.
func (m *Model) Pending() []engine.Delta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.deltas)
}

// Advisories returns recent advisories, oldest first.
func (m *Model) Advisories() []engine.Advisory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.advisories)
}

// RenderedAt returns when the list was last rendered.
func (m *Model) RenderedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.renderedAt
}

func apply(sections []models.Section, d engine.Delta) {
	if d.Op == engine.DeltaInsert {
		insert(sections, d)
		return
	}

	var si, ii int

	switch {
	case d.TempID != "" && (d.ItemID == 0 || d.Op == engine.DeltaConfirm):
		si, ii = models.FindTemp(sections, d.TempID)
	case d.ItemID != 0:
		si, ii = models.FindItem(sections, d.ItemID)
	default:
		return
	}

	if si < 0 {
		return
	}

	item := &sections[si].Items[ii]

	switch d.Op {
	case engine.DeltaToggle:
		switch d.Field {
		case engine.FieldCompleted:
			item.Completed = !item.Completed
		case engine.FieldUncertain:
			item.Uncertain = !item.Uncertain
		}

	case engine.DeltaSet:
		switch d.Field {
		case engine.FieldName:
			if v, ok := d.Value.(string); ok {
				item.Name = v
			}
		case engine.FieldDescription:
			if v, ok := d.Value.(string); ok {
				item.Description = v
			}
		case engine.FieldSection:
			if v, ok := d.Value.(int64); ok {
				move(sections, si, ii, v)
			}
		}

	case engine.DeltaRemove:
		sections[si].Items = slices.Delete(sections[si].Items, ii, ii+1)

	case engine.DeltaReorder:
		if dir, ok := d.Value.(models.Direction); ok {
			target := *item
			models.SwapMatching(sections[si].Items, func(it models.Item) bool {
				return it.ID == target.ID && it.TempID == target.TempID
			}, dir)
		}

	case engine.DeltaConfirm:
		item.ID = d.ItemID
		item.TempID = ""
	}
}

func insert(sections []models.Section, d engine.Delta) {
	it, ok := d.Value.(models.Item)
	if !ok {
		return
	}

	if it.TempID == "" {
		it.TempID = d.TempID
	}

	for i := range sections {
		if sections[i].ID == it.SectionID {
			it.SortOrder = len(sections[i].Items)
			sections[i].Items = append(sections[i].Items, it)

			return
		}
	}
}

func move(sections []models.Section, si, ii int, target int64) {
	for ti := range sections {
		if sections[ti].ID != target || ti == si {
			continue
		}

		it := sections[si].Items[ii]
		sections[si].Items = slices.Delete(sections[si].Items, ii, ii+1)
		if !models.Dense(sections[si].Items) {
			models.Renumber(sections[si].Items)
		}

		it.SectionID = target
		it.SortOrder = len(sections[ti].Items)
		sections[ti].Items = append(sections[ti].Items, it)

		return
	}
}

func cloneSections(in []models.Section) []models.Section {
	if in == nil {
		return nil
	}

	out := make([]models.Section, len(in))
	for i, s := range in {
		s.Items = slices.Clone(s.Items)
		out[i] = s
	}

	return out
}
