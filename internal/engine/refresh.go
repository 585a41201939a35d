package engine

import (
	"log/slog"

	"github.com/alexjbarnes/list-sync/internal/live"
)

// RefreshKind selects what to refresh. Kinds combine with |.
type RefreshKind uint8

const (
	RefreshList RefreshKind = 1 << iota
	RefreshStats
	// RefreshSections refreshes the section options used by selection
	// widgets.
	RefreshSections
)

// RequestRefresh schedules a debounced refresh of each selected kind.
// Bursts collapse into one fetch and render per kind.
func (e *Engine) RequestRefresh(kinds RefreshKind) {
	if kinds&RefreshList != 0 {
		e.list.Trigger()
	}

	if kinds&RefreshStats != 0 {
		e.stats.Trigger()
	}

	if kinds&RefreshSections != 0 {
		e.sections.Trigger()
	}
}

func (e *Engine) refreshList() {
	ctx := e.context()

	snap, err := e.server.FetchData(ctx)
	if err != nil {
		e.logger.Warn("refreshing list", slog.String("error", err.Error()))
		return
	}

	e.presenter.RenderList(snap.Sections)

	if err := e.store.SaveSections(snap.Sections); err != nil {
		e.logger.Debug("caching refreshed list", slog.String("error", err.Error()))
	}
}

func (e *Engine) refreshStats() {
	ctx := e.context()

	st, err := e.server.FetchStats(ctx)
	if err != nil {
		e.logger.Warn("refreshing stats", slog.String("error", err.Error()))
		return
	}

	e.presenter.RenderStats(st)
}

func (e *Engine) refreshSections() {
	ctx := e.context()

	sections, err := e.server.FetchSections(ctx)
	if err != nil {
		e.logger.Warn("refreshing sections", slog.String("error", err.Error()))
		return
	}

	e.presenter.RenderSectionOptions(sections)
}

// HandleNotification reacts to a live notification. Structural item
// changes always refresh. Changes this client may have made itself are
// skipped while the local mark for that kind and entity is fresh.
func (e *Engine) HandleNotification(n live.Notification) {
	switch n.Kind {
	case live.KindSectionCreated, live.KindSectionUpdated, live.KindSectionDeleted,
		live.KindSectionsDeleted, live.KindSectionsReordered:
		e.RequestRefresh(RefreshSections | RefreshList)

	case live.KindItemCreated, live.KindItemMoved, live.KindCompletedDeleted:
		e.RequestRefresh(RefreshList | RefreshStats)

	case live.KindItemDeleted, live.KindItemsReordered, live.KindItemToggled, live.KindItemUpdated:
		if e.tracker.IsLocal(string(n.Kind), n.EntityID) {
			e.logger.Debug("suppressing echo of local action",
				slog.String("type", string(n.Kind)),
				slog.Int64("id", n.EntityID),
			)

			return
		}

		e.RequestRefresh(RefreshList | RefreshStats)

	case live.KindPong:

	default:
		e.logger.Warn("ignoring unknown notification", slog.String("type", n.Tag))
	}
}
