package engine

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// reportConflict logs and advises a queued action discarded because the
// server copy is newer. For edits the advisory carries a patch from the
// server text to the discarded local text.
func (e *Engine) reportConflict(qa state.QueuedAction, server *models.Item) {
	serverAt := time.Unix(server.UpdatedAt, 0).UTC()

	attrs := []any{
		slog.Uint64("queue_id", qa.ID),
		slog.String("type", qa.Type),
		slog.Int64("id", qa.EntityID),
		slog.Time("queued_at", qa.EnqueuedAt().UTC()),
		slog.Time("server_at", serverAt),
	}

	var patch string
	if ActionType(qa.Type) == EditItem {
		patch = editPatch(qa.Body, server)
		attrs = append(attrs, slog.String("patch", patch))
	}

	e.logger.Info("discarding stale queued action", attrs...)

	e.presenter.Advise(Advisory{
		Level:   AdviseInfo,
		Code:    CodeConflict,
		Message: fmt.Sprintf("Your offline change to %q was replaced by a newer change.", server.Name),
		Detail:  patch,
		At:      e.clock.Now(),
	})
}

// editPatch renders the difference between the server's item text and an
// edit_item form body. Name and description are joined one per line.
func editPatch(body string, server *models.Item) string {
	form, err := url.ParseQuery(body)
	if err != nil {
		return ""
	}

	local := form.Get("name") + "\n" + form.Get("description")
	remote := server.Name + "\n" + server.Description

	if local == remote {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(remote, local, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	return dmp.PatchToText(dmp.PatchMake(remote, diffs))
}
